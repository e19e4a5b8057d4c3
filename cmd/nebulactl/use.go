package main

import (
	"fmt"

	"github.com/matheus3301/nebula/internal/session"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(useCmd)
}

var useCmd = &cobra.Command{
	Use:   "use [session]",
	Short: "Show or set the default session",
	Long:  "Without an argument prints the session commands talk to. With one,\nrecords it as default_session in the global config.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if len(args) == 1 {
			if err := session.SetDefault(args[0]); err != nil {
				return fmt.Errorf("set default session: %w", err)
			}
		}
		name := session.Resolve(sessionFlag)
		if jsonFlag {
			outputJSON(map[string]any{"session": name})
			return nil
		}
		fmt.Println(name)
		return nil
	},
}
