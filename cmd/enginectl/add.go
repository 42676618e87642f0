package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	addFilename string
	addReferrer string
	addPriority string
)

var addCmd = &cobra.Command{
	Use:   "add <URL>",
	Short: "Queue a new download",
	Args:  cobra.ExactArgs(1),
	Example: `  enginectl add https://example.com/file.iso
  enginectl add -p high -f custom-name.iso https://example.com/file.iso`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.add(addRequest{
			URL: args[0], Filename: addFilename, Referrer: addReferrer, Priority: addPriority,
		})
		if err != nil {
			return err
		}

		fmt.Printf("queued %s\n", resp.ID)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVarP(&addFilename, "filename", "f", "", "Override the destination filename")
	addCmd.Flags().StringVar(&addReferrer, "referrer", "", "Referrer header to send while probing and fetching")
	addCmd.Flags().StringVarP(&addPriority, "priority", "p", "normal", "Queue priority: low, normal, or high")
}
