package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shell-pool/shpool/internal/client"
)

func newAttachCmd(exitCode *int) *cobra.Command {
	var (
		force bool
		dir   string
		cmdl  string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "attach NAME",
		Short: "attach this terminal to a session, creating it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := client.Attach(client.AttachOpts{
				Name:  args[0],
				Force: force,
				Cmd:   cmdl,
				Dir:   dir,
				TTL:   ttl,
			})
			*exitCode = code
			if err != nil {
				fmt.Fprintf(os.Stderr, "shpool: %v\n", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "steal the session from an attached client")
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "working directory reported to the daemon")
	cmd.Flags().StringVarP(&cmdl, "cmd", "c", "", "command to run instead of the login shell")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "kill the session this long after it starts")
	return cmd
}
