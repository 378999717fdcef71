package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/grovetools/tabsync/cli"
	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/internal/pidfile"
	"github.com/grovetools/tabsync/internal/relay"
	"github.com/grovetools/tabsync/pkg/paths"
	"github.com/spf13/cobra"
)

// NewRelayCmd returns the relay daemon command with its subcommands.
func NewRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the cross-tab relay",
		Long:  "The relay forwards bus messages between tabs running in different processes.",
	}

	cmd.AddCommand(newRelayStartCmd())
	cmd.AddCommand(newRelayStopCmd())
	cmd.AddCommand(newRelayStatusCmd())
	return cmd
}

func newRelayStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cli.GetLogger(cmd, "relay")
			cfg, _, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = cfg.Bus.RelayAddr
			}

			pidPath := paths.PidFilePath()
			if err := pidfile.Acquire(pidPath); err != nil {
				return err
			}
			defer func() {
				if err := pidfile.Release(pidPath); err != nil {
					logger.WithError(err).Error("Failed to release pidfile")
				}
			}()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			logger.WithField("pid", os.Getpid()).Info("Starting relay")
			srv := relay.New(logger)
			if err := srv.ListenAndServe(ctx, addr); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, errors.ErrCodeBus, "relay stopped").WithDetail("addr", addr)
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "Listen address (default: bus.relay_addr)")
	return cmd
}

func newRelayStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			running, pid, err := pidfile.IsRunning(paths.PidFilePath())
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}
			if !running {
				fmt.Fprintln(cmd.OutOrStdout(), "Relay is not running")
				return nil
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("failed to find process %d: %w", pid, err)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to send stop signal: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGTERM to process %d\n", pid)
			return nil
		},
	}
}

type relayStatus struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Addr    string `json:"addr"`
	Healthy bool   `json:"healthy"`
}

func newRelayStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check relay status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			running, pid, err := pidfile.IsRunning(paths.PidFilePath())
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}

			st := relayStatus{Running: running, PID: pid, Addr: cfg.Bus.RelayAddr}
			if running {
				st.Healthy = checkHealth(cmd.Context(), cfg.Bus.RelayAddr)
			}

			if cli.GetOptions(cmd).JSONOutput {
				return printJSON(cmd, st)
			}
			out := cmd.OutOrStdout()
			switch {
			case !running:
				fmt.Fprintln(out, "Stopped")
			case st.Healthy:
				fmt.Fprintf(out, "%s (PID: %d)\nAddress: %s\n", cli.Success("Running"), pid, st.Addr)
			default:
				fmt.Fprintf(out, "Running (PID: %d) but %s does not answer\n", pid, st.Addr)
			}
			return nil
		},
	}
}

func checkHealth(ctx context.Context, addr string) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
