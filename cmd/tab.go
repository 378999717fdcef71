package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grovetools/tabsync/cli"
	"github.com/grovetools/tabsync/config"
	"github.com/grovetools/tabsync/internal/tab"
	"github.com/grovetools/tabsync/pkg/alarms"
	"github.com/grovetools/tabsync/pkg/api"
	"github.com/grovetools/tabsync/pkg/bus"
	"github.com/grovetools/tabsync/pkg/monitoring"
	"github.com/grovetools/tabsync/pkg/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// streamRetry is the pause between alarm stream reconnects.
const streamRetry = 2 * time.Second

// NewTabCmd runs one interactive tab.
func NewTabCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tab",
		Short: "Run an interactive tab",
		Long: `Starts a tab that shares its session and monitoring cache with every other
tab using the same store and bus. Commands are read from stdin; type 'help'
for the list.`,
		Example: `# Tabs in separate terminals, connected through the relay
tabsync relay start
tabsync tab --transport websocket`,
		Args: cobra.NoArgs,
		RunE: runTabE,
	}
	cmd.Flags().String("id", "", "Tab id (random when empty)")
	cmd.Flags().String("transport", "", "Bus transport: local, websocket (default: bus.transport)")
	cmd.Flags().Bool("stream", false, "Follow the alarm stream while signed in")
	return cmd
}

func runTabE(cmd *cobra.Command, args []string) error {
	cfg, path, err := cli.LoadConfig(cmd)
	if err != nil {
		return err
	}
	if transport, _ := cmd.Flags().GetString("transport"); transport != "" {
		cfg.Bus.Transport = transport
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	id, _ := cmd.Flags().GetString("id")
	if id == "" {
		id = uuid.NewString()[:8]
	}
	logger := cli.GetLogger(cmd, "tab")

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	b, err := openBus(ctx, cfg, id, logger)
	if err != nil {
		return err
	}
	if ws, ok := b.(*bus.WSBus); ok {
		go stopOnDisconnect(ctx, ws, stop, logger)
	}

	client := api.New(cfg.API.BaseURL,
		api.WithTimeout(cfg.API.Timeout.Std()),
		api.WithLogger(logger),
	)
	defer client.Close()

	tb, err := tab.New(tab.Options{
		ID:     id,
		Store:  store,
		Bus:    b,
		Auth:   client,
		API:    client,
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		b.Close()
		return err
	}
	tb.Start(ctx)
	defer tb.Close()

	if path != "" {
		w, err := config.NewWatcher(path, config.DefaultDebounce, logger, tb.ApplyConfig)
		if err != nil {
			logger.WithError(err).Warn("Config changes will not be picked up")
		} else {
			go w.Start(ctx)
		}
	}
	if stream, _ := cmd.Flags().GetBool("stream"); stream {
		go followAlarms(ctx, client, tb, logger)
	}

	r := &repl{
		tab:  tb,
		out:  cmd.OutOrStdout(),
		errs: cli.NewErrorHandler(cmd.ErrOrStderr(), cli.GetOptions(cmd).Verbose),
		json: cli.GetOptions(cmd).JSONOutput,
	}
	fmt.Fprintf(r.out, "tab %s on %s bus, type 'help' for commands\n", id, cfg.Bus.Transport)
	return r.run(ctx, cmd.InOrStdin())
}

func openBus(ctx context.Context, cfg *config.Config, id string, logger *logrus.Entry) (bus.Bus, error) {
	if cfg.Bus.Transport == config.TransportWebsocket {
		return bus.Dial(ctx, cfg.Bus.RelayURL, bus.WithDialLogger(logger), bus.WithTabID(id))
	}
	// A process-local hub: siblings are other tabs in this process only.
	return bus.NewHub(bus.WithHubLogger(logger)).Join(id), nil
}

// stopOnDisconnect cancels the tab's context when its relay connection drops.
// There is no reconnect.
func stopOnDisconnect(ctx context.Context, ws *bus.WSBus, stop context.CancelFunc, logger *logrus.Entry) {
	select {
	case <-ctx.Done():
	case <-ws.Done():
		if ctx.Err() == nil {
			logger.Error("Relay connection ended, stopping tab; restart it to resume syncing")
			stop()
		}
	}
}

type alarmStreamer interface {
	StreamAlarms(ctx context.Context, l alarms.StatusListener) error
}

// followAlarms keeps the alarm stream open while the tab is signed in and
// closes it on logout.
func followAlarms(ctx context.Context, s alarmStreamer, tb *tab.Tab, logger *logrus.Entry) {
	ticker := time.NewTicker(streamRetry)
	defer ticker.Stop()

	for {
		if tb.Session.IsAuthenticated() {
			streamCtx, cancel := context.WithCancel(ctx)
			unwatch := tb.Session.Watch(func(s session.Session) {
				if !s.IsAuthenticated {
					cancel()
				}
			})
			if err := s.StreamAlarms(streamCtx, tb.Cache); err != nil {
				logger.WithError(err).Debug("Alarm stream ended")
			}
			unwatch()
			cancel()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// repl reads tab commands line by line.
type repl struct {
	tab  *tab.Tab
	out  io.Writer
	errs *cli.ErrorHandler
	json bool
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	r.prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if r.exec(ctx, line) {
				return nil
			}
			r.prompt()
		}
	}
}

func (r *repl) prompt() {
	fmt.Fprint(r.out, "> ")
}

const replHelp = `login <user> <password>  sign in (every tab follows)
logout                   sign out every tab
status                   session, cache and scheduler state
sync                     fetch groups, items and alarms
refresh                  re-fetch with loading flags
check                    run one background staleness check now
alarms                   count active alarms on the cached items
values <item>...         fetch current values
folder <id>              select a folder
token                    exchange the refresh token
hide | show              change page visibility
quit                     close the tab`

// exec runs one command line and reports whether the tab should close.
func (r *repl) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	tb := r.tab

	switch fields[0] {
	case "quit", "exit":
		return true

	case "help":
		fmt.Fprintln(r.out, replHelp)

	case "login":
		if len(fields) != 3 {
			fmt.Fprintln(r.out, "usage: login <user> <password>")
			return false
		}
		err := tb.Login(ctx, session.Credentials{Username: fields[1], Password: fields[2]})
		if err != nil {
			r.errs.Handle(err)
			return false
		}
		fmt.Fprintln(r.out, cli.Success("Signed in as "+fields[1]))

	case "logout":
		tb.Logout(ctx)
		fmt.Fprintln(r.out, "Signed out")

	case "status":
		r.status()

	case "sync":
		if tb.SyncAll(ctx) {
			fmt.Fprintln(r.out, cli.Success("Synced"))
		} else {
			fmt.Fprintln(r.out, "Sync incomplete, see 'status'")
		}

	case "refresh":
		tb.Cache.ForceRefresh(ctx)
		r.status()

	case "check":
		fmt.Fprintln(r.out, tb.Scheduler.Check(ctx))

	case "alarms":
		if err := tb.Cache.FetchActiveAlarmCount(ctx); err != nil {
			r.errs.Handle(err)
			return false
		}
		a := tb.Cache.Snapshot().ActiveAlarms
		fmt.Fprintf(r.out, "%d active, highest %s\n", a.AlarmCount, a.HighestPriority)

	case "values":
		tb.Cache.FetchValues(ctx, fields[1:])
		values := tb.Cache.Snapshot().Values
		if values.Error != nil {
			r.errs.Handle(values.Error)
			return false
		}
		for _, v := range values.Data {
			fmt.Fprintf(r.out, "%s  %g  %s\n", v.ItemID, v.Value, cli.Muted(v.Timestamp.Format(time.RFC3339)))
		}

	case "folder":
		if len(fields) != 2 {
			fmt.Fprintln(r.out, "usage: folder <id>")
			return false
		}
		tb.Cache.SetCurrentFolderID(fields[1])

	case "token":
		if err := tb.Session.RefreshTokens(ctx); err != nil {
			r.errs.Handle(err)
			return false
		}
		fmt.Fprintln(r.out, "Tokens refreshed")

	case "hide", "show":
		tb.SetVisible(fields[0] == "show")

	default:
		fmt.Fprintf(r.out, "unknown command %q, try 'help'\n", fields[0])
	}
	return false
}

type tabStatus struct {
	Tab          string                             `json:"tab"`
	Session      session.Status                     `json:"session"`
	User         string                             `json:"user,omitempty"`
	DataSynced   bool                               `json:"dataSynced"`
	Groups       int                                `json:"groups"`
	Items        int                                `json:"items"`
	Alarms       int                                `json:"alarms"`
	Folder       string                             `json:"folder,omitempty"`
	Refresh      monitoring.BackgroundRefreshConfig `json:"backgroundRefresh"`
	Scheduler    string                             `json:"scheduler"`
	ActiveAlarms alarms.State                       `json:"activeAlarms"`
}

func (r *repl) snapshot() tabStatus {
	s := r.tab.Session.Snapshot()
	c := r.tab.Cache.Snapshot()
	st := tabStatus{
		Tab:          r.tab.ID,
		Session:      s.Status(),
		DataSynced:   c.IsDataSynced,
		Groups:       len(c.Groups.Data),
		Items:        len(c.Items.Data),
		Alarms:       len(c.Alarms.Data),
		Folder:       c.CurrentFolderID,
		Refresh:      c.BackgroundRefresh,
		Scheduler:    r.tab.Scheduler.Phase().String(),
		ActiveAlarms: c.ActiveAlarms,
	}
	if s.User != nil {
		st.User = s.User.Name
	}
	return st
}

func (r *repl) status() {
	st := r.snapshot()
	if r.json {
		enc := jsonEncoder(r.out)
		_ = enc.Encode(st)
		return
	}

	who := string(st.Session)
	if st.User != "" {
		who += " as " + st.User
	}
	data := "not synced"
	if st.DataSynced {
		data = "synced"
	}
	last := "never"
	if !st.Refresh.LastRefreshTime.IsZero() {
		last = st.Refresh.LastRefreshTime.Format(time.TimeOnly)
	}

	fmt.Fprintf(r.out, "tab       %s  %s\n", st.Tab, who)
	fmt.Fprintf(r.out, "data      %s (%d groups, %d items, %d alarms)\n", data, st.Groups, st.Items, st.Alarms)
	fmt.Fprintf(r.out, "refresh   %s, every %s, stale after %s, last %s\n",
		st.Scheduler, st.Refresh.RefreshInterval, st.Refresh.DataStaleThreshold, last)
	fmt.Fprintf(r.out, "alarms    %d active, highest %s, stream %s\n",
		st.ActiveAlarms.AlarmCount, st.ActiveAlarms.HighestPriority, st.ActiveAlarms.StreamStatus)
}
