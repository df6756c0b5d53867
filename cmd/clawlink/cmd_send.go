package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/clawlink/internal/domain"
)

const defaultConnectTimeout = 15 * time.Second

func newSendCmd(flags *globalFlags) *cobra.Command {
	var (
		attachment     string
		wait           time.Duration
		connectTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <room> <text...>",
		Short: "Send a message to a room",
		Long: `Send a message to a room through the gateway.

When the gateway cannot be reached the message is stored in the outbox and
delivered on a later connect with the same idempotency key.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			out := cmd.OutOrStdout()
			connectCtx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
			err = rt.Connect(connectCtx)
			cancel()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "offline: %v\n", err)
			}

			result, err := rt.Send(cmd.Context(), args[0], strings.Join(args[1:], " "), attachment)
			if err != nil {
				return err
			}

			switch result.Status {
			case domain.MessageStatusSent:
				fmt.Fprintf(out, "sent %s to %s (run %s)\n", result.MessageID, result.RoomID, result.RunID)

				return nil
			default:
				fmt.Fprintf(out, "queued %s for %s\n", result.MessageID, result.RoomID)
			}
			if wait <= 0 || (!rt.Gateway.IsConnected() && result.Cause == nil) {
				return nil
			}

			waitCtx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			delivery, err := rt.WaitForDelivery(waitCtx, result.MessageID)
			if err != nil {
				fmt.Fprintf(out, "still %s after %s\n", delivery.Status, wait)

				return nil
			}
			fmt.Fprintf(out, "%s %s", delivery.Status, result.MessageID)
			if delivery.Reason != "" {
				fmt.Fprintf(out, ": %s", delivery.Reason)
			}
			fmt.Fprintln(out)

			return nil
		},
	}

	cmd.Flags().StringVar(&attachment, "attachment", "", "reference of an already uploaded attachment")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait this long for a queued message to be delivered")
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", defaultConnectTimeout, "give up connecting after this long and queue the message")

	return cmd
}
