package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <ID>",
	Short: "Re-queue a failed download from scratch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.control(args[0], "retry"); err != nil {
			return err
		}
		fmt.Printf("requeued %s\n", args[0])
		return nil
	},
}
