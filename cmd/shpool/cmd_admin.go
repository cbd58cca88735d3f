package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shell-pool/shpool/internal/client"
	"github.com/shell-pool/shpool/internal/protocol"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := client.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTARTED\tSTATUS")
			for _, s := range reply.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					s.Name,
					humanize.Time(time.Unix(s.StartedAtUnix, 0)),
					statusString(s.Status))
			}
			return w.Flush()
		},
	}
}

func statusString(status byte) string {
	switch status {
	case protocol.StatusAttached:
		return "attached"
	case protocol.StatusBusy:
		return "busy"
	default:
		return "disconnected"
	}
}

func newDetachCmd(exitCode *int) *cobra.Command {
	return &cobra.Command{
		Use:   "detach [NAME...]",
		Short: "detach clients from sessions without killing the shells",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				// Inside a session the shell knows its own name.
				name := os.Getenv("SHPOOL_SESSION_NAME")
				if name == "" {
					return fmt.Errorf("no session names given and SHPOOL_SESSION_NAME is not set")
				}
				args = []string{name}
			}
			reply, err := client.Detach(args)
			if err != nil {
				return err
			}
			for _, name := range reply.NotFound {
				fmt.Fprintf(os.Stderr, "shpool: no such session: %s\n", name)
				*exitCode = client.ExitNotFound
			}
			for _, name := range reply.NotAttached {
				fmt.Fprintf(os.Stderr, "shpool: not attached: %s\n", name)
			}
			return nil
		},
	}
}

func newKillCmd(exitCode *int) *cobra.Command {
	return &cobra.Command{
		Use:   "kill NAME...",
		Short: "kill sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := client.Kill(args)
			if err != nil {
				return err
			}
			for _, name := range reply.NotFound {
				fmt.Fprintf(os.Stderr, "shpool: no such session: %s\n", name)
				*exitCode = client.ExitNotFound
			}
			return nil
		},
	}
}
