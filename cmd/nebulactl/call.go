package main

import (
	"fmt"

	"github.com/matheus3301/nebula/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(callCmd, answerCmd, hangupCmd)
	callCmd.Flags().Bool("video", false, "start a video call")
}

var callCmd = &cobra.Command{
	Use:   "call [contact-id]",
	Short: "Ring a contact, the active conversation by default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{"kind": "audio"}
		if video, _ := cmd.Flags().GetBool("video"); video {
			req["kind"] = "video"
		}
		if len(args) == 1 {
			req["contact_id"] = args[0]
		}
		return callIntent(cmd, api.MethodStartCall, req)
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer",
	Short: "Accept the ringing call",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return callIntent(cmd, api.MethodAnswerCall, nil)
	},
}

var hangupCmd = &cobra.Command{
	Use:   "hangup",
	Short: "Decline, cancel or end the current call",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return callIntent(cmd, api.MethodEndCall, nil)
	},
}

func callIntent(cmd *cobra.Command, method string, req map[string]any) error {
	resp, done, err := call(cmd, method, req)
	if err != nil || done {
		return err
	}
	fmt.Println(callLine(resp))
	return nil
}
