package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/skobkin/clawlink/internal/app"
	"github.com/skobkin/clawlink/internal/bus"
	"github.com/skobkin/clawlink/internal/connectors"
	"github.com/skobkin/clawlink/internal/domain"
	"github.com/skobkin/clawlink/internal/events"
)

var errLinkLost = errors.New("gateway link lost")

func newWatchCmd(flags *globalFlags) *cobra.Command {
	var focus bool

	cmd := &cobra.Command{
		Use:   "watch [room]",
		Short: "Print room events and delivery updates until interrupted",
		Long: `Connect to the gateway and print one line per event.

With a room argument only that room is shown. --focus additionally makes it
the active room, so events without a routing label are attributed to it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			var room string
			if len(args) == 1 {
				room = args[0]
				rt.Router.Bind(room)
				if focus {
					rt.Chat.SetActiveRoom(room)
				}
			}

			sub := rt.Bus.Subscribe(connectors.TopicRoomEvent, connectors.TopicConnStatus, connectors.TopicMessageStatus)
			defer rt.Bus.Unsubscribe(sub, connectors.TopicRoomEvent, connectors.TopicConnStatus, connectors.TopicMessageStatus)

			if err := rt.Connect(cmd.Context()); err != nil {
				return err
			}

			return watchLoop(cmd.Context(), cmd.OutOrStdout(), sub, room)
		},
	}

	cmd.Flags().BoolVar(&focus, "focus", false, "make the room active while watching")

	return cmd
}

// watchLoop prints bus traffic until ctx ends or the link is gone for good.
func watchLoop(ctx context.Context, out io.Writer, sub bus.Subscription, room string) error {
	online := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-sub:
			if !ok {
				return nil
			}
			switch msg := raw.(type) {
			case events.Event:
				if room != "" && msg.Room != room {
					continue
				}
				fmt.Fprintln(out, formatEvent(msg))
			case domain.MessageStatusUpdate:
				if room != "" && msg.RoomID != room {
					continue
				}
				fmt.Fprintln(out, formatStatusUpdate(msg))
			case connectors.ConnectionStatus:
				fmt.Fprintln(out, "--", app.DescribeStatus(msg))
				switch msg.State {
				case connectors.ConnectionStateConnected:
					online = true
				case connectors.ConnectionStateDisconnected:
					if online {
						return errLinkLost
					}
				}
			}
		}
	}
}
