package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var alertTestMessage string

var alertTestCmd = &cobra.Command{
	Use:   "alert-test",
	Short: "Send a test alert through the configured channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := getApp().AlertTest(cmd.Context(), alertTestMessage); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "test alert sent")
		return nil
	},
}

func init() {
	alertTestCmd.Flags().StringVar(&alertTestMessage, "message", "", "Message body")
}
