package main

import (
	"fmt"

	"github.com/matheus3301/nebula/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(messagesCmd, selectCmd, refreshCmd, draftCmd, sendCmd, sendFileCmd)
	draftCmd.Flags().String("reply-to", "", "message id the draft replies to")
}

// self returns the logged-in identity for rendering "You".
func self(cmd *cobra.Command) string {
	c, err := connect()
	if err != nil {
		return ""
	}
	defer func() { _ = c.Close() }()
	resp, err := c.Call(cmd.Context(), api.MethodGetStatus, nil)
	if err != nil {
		return ""
	}
	return str(resp, "identity")
}

func printMessages(cmd *cobra.Command, msgs []map[string]any) {
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	me := self(cmd)
	for _, m := range msgs {
		fmt.Println(messageLine(m, me))
	}
}

var messagesCmd = &cobra.Command{
	Use:   "messages [contact-id]",
	Short: "Show a conversation, the active one by default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{}
		if len(args) == 1 {
			req["contact_id"] = args[0]
		}
		resp, done, err := call(cmd, api.MethodListMessages, req)
		if err != nil || done {
			return err
		}
		printMessages(cmd, list(resp, "messages"))
		return nil
	},
}

var selectCmd = &cobra.Command{
	Use:   "select <contact-id>",
	Short: "Make a conversation active and load its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, done, err := call(cmd, api.MethodSelectConversation, map[string]any{"contact_id": args[0]})
		if err != nil || done {
			return err
		}
		fmt.Printf("Active: %s\n", str(resp, "contact_id"))
		if d := str(resp, "draft"); d != "" {
			fmt.Printf("Draft:  %s\n", d)
		}
		printMessages(cmd, list(resp, "messages"))
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [contact-id]",
	Short: "Refetch a conversation's history from the server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{}
		if len(args) == 1 {
			req["contact_id"] = args[0]
		}
		_, done, err := call(cmd, api.MethodRefresh, req)
		if err != nil || done {
			return err
		}
		fmt.Println("Refresh requested.")
		return nil
	},
}

var draftCmd = &cobra.Command{
	Use:   "draft <text>",
	Short: "Set the draft of the active conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		replyTo, _ := cmd.Flags().GetString("reply-to")
		_, done, err := call(cmd, api.MethodSetDraft, map[string]any{"text": args[0], "reply_to": replyTo})
		if err != nil || done {
			return err
		}
		fmt.Println("Draft saved.")
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a text to the active conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, done, err := call(cmd, api.MethodSendText, map[string]any{"text": args[0]})
		if err != nil || done {
			return err
		}
		fmt.Printf("Queued %s\n", str(resp, "temp_id"))
		return nil
	},
}

var sendFileCmd = &cobra.Command{
	Use:   "send-file <path>",
	Short: "Upload a file or image to the active conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, done, err := call(cmd, api.MethodSendFile, map[string]any{"path": args[0]})
		if err != nil || done {
			return err
		}
		fmt.Printf("Queued %s\n", str(resp, "temp_id"))
		return nil
	},
}
