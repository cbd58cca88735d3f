package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shell-pool/shpool/internal/client"
	"github.com/shell-pool/shpool/internal/daemon"
)

// The plumbing subcommands are the ssh integration shims. A LocalCommand on
// the local host stashes the wanted session name; the matching remote
// ForceCommand picks it up (via the LC__SHPOOL_SET_SESSION_NAME variable
// that ssh is willing to forward, or the stash file) and attaches.

const sessionNameEnv = "LC__SHPOOL_SET_SESSION_NAME"

func newPlumbingCmd(exitCode *int) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "plumbing",
		Short:  "machinery for ssh integration",
		Hidden: true,
	}
	cmd.AddCommand(newSSHRemoteCommandCmd(exitCode), newSSHLocalCommandSetMetadataCmd())
	return cmd
}

func newSSHRemoteCommandCmd(exitCode *int) *cobra.Command {
	return &cobra.Command{
		Use:   "ssh-remote-command",
		Short: "attach to the session named by the ssh metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := os.Getenv(sessionNameEnv)
			if name == "" {
				name = readStashedMetadata()
			}
			if name == "" {
				name = "ssh"
			}

			code, err := client.Attach(client.AttachOpts{Name: name})
			*exitCode = code
			if err != nil {
				fmt.Fprintf(os.Stderr, "shpool: %v\n", err)
			}
			return nil
		},
	}
}

func newSSHLocalCommandSetMetadataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ssh-local-command-set-metadata META",
		Short: "stash attach metadata for the remote command shim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := daemon.SocketDir()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
			return os.WriteFile(metadataPath(dir), []byte(args[0]), 0o600)
		},
	}
}

func metadataPath(dir string) string {
	return filepath.Join(dir, "ssh-metadata")
}

// readStashedMetadata consumes the stash left by the local-command shim.
// The file is removed after one use so a later plain ssh does not inherit a
// stale session name.
func readStashedMetadata() string {
	dir, err := daemon.SocketDir()
	if err != nil {
		return ""
	}
	path := metadataPath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	os.Remove(path)
	return strings.TrimSpace(string(data))
}
