package main

import (
	"fmt"

	"github.com/matheus3301/nebula/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(contactsCmd, addContactCmd, flagsCmd, shareCodeCmd)
	for _, f := range []string{"muted", "blocked", "favorite"} {
		flagsCmd.Flags().Bool(f, false, "set the "+f+" flag")
	}
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List contacts, favorites first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, done, err := call(cmd, api.MethodListContacts, nil)
		if err != nil || done {
			return err
		}
		contacts := list(resp, "contacts")
		if len(contacts) == 0 {
			fmt.Println("No contacts.")
			return nil
		}
		for _, c := range contacts {
			fmt.Println(contactLine(c))
		}
		return nil
	},
}

var addContactCmd = &cobra.Command{
	Use:   "add-contact <share-code>",
	Short: "Add a contact by their share code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, done, err := call(cmd, api.MethodAddContact, map[string]any{"share_code": args[0]})
		if err != nil || done {
			return err
		}
		fmt.Printf("Added %s (%s)\n", str(resp, "name"), str(resp, "id"))
		return nil
	},
}

var flagsCmd = &cobra.Command{
	Use:   "flags <contact-id>",
	Short: "Change mute, block or favorite for a contact",
	Long:  "Only the flags given on the command line change, e.g.\n  nebulactl flags bob --muted --favorite=false",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{"contact_id": args[0]}
		for _, f := range []string{"muted", "blocked", "favorite"} {
			if cmd.Flags().Changed(f) {
				v, _ := cmd.Flags().GetBool(f)
				req[f] = v
			}
		}
		resp, done, err := call(cmd, api.MethodSetContactFlags, req)
		if err != nil || done {
			return err
		}
		fl := object(resp, "flags")
		fmt.Printf("%s: muted=%t blocked=%t favorite=%t\n",
			str(resp, "id"), boolean(fl, "muted"), boolean(fl, "blocked"), boolean(fl, "favorite"))
		return nil
	},
}

var shareCodeCmd = &cobra.Command{
	Use:   "share-code",
	Short: "Print the own share code as a QR code",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, done, err := call(cmd, api.MethodGetProfile, nil)
		if err != nil || done {
			return err
		}
		code := str(resp, "share_id")
		if code == "" {
			return fmt.Errorf("profile has no share code")
		}
		qr, err := renderQR(code)
		if err != nil {
			return err
		}
		fmt.Printf("\n%s\n  Share code: %s\n", qr, code)
		return nil
	},
}
