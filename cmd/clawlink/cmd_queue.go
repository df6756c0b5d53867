package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newQueueCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue [room]",
		Short: "List messages waiting in the outbox",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			room := ""
			if len(args) == 1 {
				room = args[0]
			}
			out := cmd.OutOrStdout()
			queued := rt.Queue.Queued(room)
			if len(queued) == 0 {
				fmt.Fprintln(out, "outbox is empty")

				return nil
			}
			for _, m := range queued {
				fmt.Fprintln(out, formatQueued(m))
			}

			return nil
		},
	}

	cmd.AddCommand(newQueueClearCmd(flags), newQueueFlushCmd(flags))

	return cmd
}

func newQueueClearCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			dropped, err := rt.ClearOutbox(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %d queued message(s)\n", dropped)

			return nil
		},
	}
}

func newQueueFlushCmd(flags *globalFlags) *cobra.Command {
	var connectTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Connect and try to deliver every queued message once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			before := rt.Queue.Len()
			ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
			err = rt.Connect(ctx)
			cancel()
			if err != nil {
				return err
			}

			// Connecting already started a pass; wait for it, then run one
			// more in case it was cut short.
			rt.Queue.Wait()
			rt.Queue.Flush(cmd.Context())

			remaining := rt.Queue.Len()
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d, %d still queued\n", before-remaining, remaining)

			return nil
		},
	}

	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", defaultConnectTimeout, "give up connecting after this long")

	return cmd
}
