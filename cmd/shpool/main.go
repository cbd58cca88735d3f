// shpool – persistent shell sessions.
//
// A single binary carries both sides: `shpool daemon` runs the session
// supervisor, every other subcommand is a short-lived client that talks to
// it over the Unix domain socket.  The daemon is started automatically when
// a client finds the socket dead.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shell-pool/shpool/internal/client"
	"github.com/shell-pool/shpool/internal/protocol"
)

// version is stamped by the release build; the dev default tracks the
// protocol version.
var version = protocol.Version

func main() {
	os.Exit(run())
}

func run() int {
	exitCode := client.ExitSuccess

	root := &cobra.Command{
		Use:           "shpool",
		Short:         "persistent shell sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newDaemonCmd(),
		newAttachCmd(&exitCode),
		newListCmd(),
		newDetachCmd(&exitCode),
		newKillCmd(&exitCode),
		newVersionCmd(),
		newPlumbingCmd(&exitCode),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shpool: %v\n", err)
		if exitCode == client.ExitSuccess {
			exitCode = client.ExitGeneric
		}
	}
	return exitCode
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the shpool version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shpool %s (protocol %s)\n", version, protocol.Version)
		},
	}
}
