// Package cmd is the tabsync command tree.
package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/grovetools/tabsync/cli"
	"github.com/grovetools/tabsync/config"
	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/pkg/paths"
	"github.com/grovetools/tabsync/state"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRootCmd assembles the tabsync command tree.
func NewRootCmd() *cobra.Command {
	root := cli.NewStandardCommand("tabsync", "Keep sessions and monitoring data in step across tabs")
	root.Long = `tabsync runs client tabs that share one login and one cached copy of the
monitoring data. Tabs in different processes talk through the relay; all of
them read and write the same durable store.`

	root.AddCommand(
		NewRelayCmd(),
		NewTabCmd(),
		NewStoreCmd(),
		NewConfigCmd(),
		NewLogsCmd(),
		cli.NewVersionCommand("tabsync"),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		verbose, _ := root.PersistentFlags().GetBool("verbose")
		cli.NewErrorHandler(os.Stderr, verbose).Handle(err)
		return 1
	}
	return 0
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openStore opens the file store configured in cfg.
func openStore(cfg *config.Config, logger *logrus.Entry) (*state.FileStore, error) {
	dir := paths.StoreDir()
	if cfg.Store.Dir != "" {
		expanded, err := paths.Expand(cfg.Store.Dir)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid store directory")
		}
		dir = expanded
	}
	return state.NewFileStore(dir, state.WithStoreLogger(logger))
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	return jsonEncoder(cmd.OutOrStdout()).Encode(v)
}

func jsonEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc
}
