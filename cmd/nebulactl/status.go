package main

import (
	"fmt"
	"time"

	"github.com/matheus3301/nebula/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd, profileCmd)
	profileCmd.Flags().String("name", "", "new display name")
	profileCmd.Flags().String("about", "", "new about text")
	profileCmd.Flags().String("avatar", "", "new avatar URL")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, done, err := call(cmd, api.MethodGetStatus, nil)
		if err != nil || done {
			return err
		}
		fmt.Printf("Session:  %s\n", str(resp, "session"))
		if id := str(resp, "identity"); id != "" {
			fmt.Printf("User:     %s (%s)\n", str(resp, "name"), id)
			fmt.Printf("Share:    %s\n", str(resp, "share_id"))
		} else {
			fmt.Println("User:     (not logged in)")
		}
		since := millisTime(resp, "channel_since_ms")
		fmt.Printf("Channel:  %s since %s\n", str(resp, "channel"), since.Local().Format(time.TimeOnly))
		if active := str(resp, "active"); active != "" {
			fmt.Printf("Active:   %s\n", active)
		}
		fmt.Printf("Call:     %s\n", callLine(object(resp, "call")))
		fmt.Printf("Contacts: %v\n", resp["contacts"])
		fmt.Printf("Sending:  %v\n", resp["pending_sends"])
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or update the own profile",
	Long:  "Without flags prints the profile. With --name, --about or --avatar updates those fields.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req := map[string]any{}
		for _, key := range []string{"name", "about", "avatar"} {
			if cmd.Flags().Changed(key) {
				v, _ := cmd.Flags().GetString(key)
				req[key] = v
			}
		}
		method := api.MethodGetProfile
		if len(req) > 0 {
			method = api.MethodUpdateProfile
		}
		resp, done, err := call(cmd, method, req)
		if err != nil || done {
			return err
		}
		fmt.Printf("ID:     %s\n", str(resp, "id"))
		fmt.Printf("Name:   %s\n", str(resp, "name"))
		fmt.Printf("About:  %s\n", str(resp, "about"))
		fmt.Printf("Share:  %s\n", str(resp, "share_id"))
		if a := str(resp, "avatar"); a != "" {
			fmt.Printf("Avatar: %s\n", a)
		}
		return nil
	},
}
