package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Generate a new peer id",
	Long:  "Generate a random peer id, suitable for the peer_id option and certificate common names.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), uuid.NewString())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(idCmd)
}
