package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shell-pool/shpool/internal/client"
	"github.com/shell-pool/shpool/internal/config"
	"github.com/shell-pool/shpool/internal/daemon"
)

func newDaemonCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "run the session daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = client.ConfigPath()
			}

			log, closeLog, err := daemonLogger()
			if err != nil {
				return err
			}
			defer closeLog()

			store, err := config.NewStore(configPath, log)
			if err != nil {
				return err
			}
			if err := store.Watch(); err != nil {
				log.Warn().Err(err).Msg("config hot-reload unavailable")
			}
			defer store.Close()

			l, err := daemon.Listen()
			if err != nil {
				return err
			}
			defer l.Close()

			return daemon.New(store, log).Run(l)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.config/shpool/config.toml)")
	return cmd
}

// daemonLogger writes structured logs to a file under the runtime
// directory, or pretty-prints to stderr when running interactively.
// Verbose traces never reach a controlled TTY.
func daemonLogger() (zerolog.Logger, func(), error) {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		return zerolog.New(w).With().Timestamp().Logger(), func() {}, nil
	}

	dir, err := daemon.SocketDir()
	if err != nil {
		return zerolog.Logger{}, nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return zerolog.Logger{}, nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "daemon.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}
	var w io.Writer = f
	return zerolog.New(w).With().Timestamp().Logger(), func() { f.Close() }, nil
}
