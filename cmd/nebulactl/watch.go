package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace]",
	Short: "Stream session events",
	Long:  "Streams events whose kind starts with namespace (message., call., contact., notice., session.). All events by default.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns := ""
		if len(args) == 1 {
			ns = args[0]
		}
		c, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		stream, err := c.Watch(cmd.Context(), ns)
		if err != nil {
			return err
		}
		for {
			evt, err := stream.Recv()
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(evt)
				continue
			}
			at := millisTime(evt, "occurred_at_unix_ms")
			fmt.Printf("%s %-28s %v\n", at.Local().Format(time.TimeOnly), str(evt, "kind"), object(evt, "payload"))
		}
	},
}
