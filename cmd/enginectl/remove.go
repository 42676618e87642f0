package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove <ID>",
	Short: "Remove a download's record and partial file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.control(args[0], "remove"); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	},
}
