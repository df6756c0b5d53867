package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skobkin/clawlink/internal/rooms"
)

func newRoomsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "Show known rooms, their routing labels and the active room",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			active, hasActive := rt.Router.ActiveRoom()
			if hasActive {
				rt.Router.Bind(active)
			}
			out := cmd.OutOrStdout()
			bindings := rt.Router.Bindings()
			if len(bindings) == 0 {
				fmt.Fprintln(out, "no rooms")

				return nil
			}
			for _, b := range bindings {
				marker := " "
				if hasActive && b.RoomID == active {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %-20s %s  queued=%d\n", marker, b.RoomID, b.Label, len(rt.Queue.Queued(b.RoomID)))
			}

			return nil
		},
	}

	cmd.AddCommand(newRoomsUseCmd(flags), newRoomsLabelCmd(flags), newRoomsForgetCmd(flags))

	return cmd
}

func newRoomsUseCmd(flags *globalFlags) *cobra.Command {
	var clearActive bool

	cmd := &cobra.Command{
		Use:   "use [room]",
		Short: "Make a room active for events without a routing label",
		Args: func(cmd *cobra.Command, args []string) error {
			if clearActive {
				return cobra.NoArgs(cmd, args)
			}

			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			room := ""
			if !clearActive {
				room = args[0]
			}
			rt.Chat.SetActiveRoom(room)
			if room == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "active room cleared")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "active room: %s\n", room)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&clearActive, "clear", false, "clear the active room")

	return cmd
}

func newRoomsLabelCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "label <room...>",
		Short: "Print the routing label of each room",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			prefix := rt.Router.Prefix()
			for _, room := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", room, rooms.LabelFor(prefix, room))
			}

			return nil
		},
	}
}

func newRoomsForgetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <room...>",
		Short: "Drop stored rooms so their labels stop routing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			for _, room := range args {
				if err := rt.ForgetRoom(room); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", room)
			}

			return nil
		},
	}
}
