package cmd

import (
	"bufio"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"sort"

	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/pkg/paths"
	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

// NewLogsCmd prints or follows a component's log file.
func NewLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the log file of a tabsync component",
		Long: `Logs are written to files when logging.file.enabled is set or
TABSYNC_LOG_DIR points at a directory. This command shows the newest file of
one component.`,
		Example: `# Follow the relay log
tabsync logs -f --component relay

# Last 50 lines of the tab log
tabsync logs --tail 50`,
		Args: cobra.NoArgs,
		RunE: runLogsE,
	}

	cmd.Flags().String("component", "tab", "Component whose log to show")
	cmd.Flags().BoolP("follow", "f", false, "Follow log output")
	cmd.Flags().Int("tail", -1, "Number of lines to show from the end (default: all)")
	return cmd
}

func runLogsE(cmd *cobra.Command, args []string) error {
	component, _ := cmd.Flags().GetString("component")
	follow, _ := cmd.Flags().GetBool("follow")
	tailLines, _ := cmd.Flags().GetInt("tail")

	dir := os.Getenv("TABSYNC_LOG_DIR")
	if dir == "" {
		dir = paths.LogsDir()
	}
	path, err := latestLogFile(dir, component)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !follow {
		return printTail(out, path, tailLines)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	location := &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	if tailLines >= 0 {
		if err := printTail(out, path, tailLines); err != nil {
			return err
		}
		location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Location: location,
		Logger:   stdlog.New(io.Discard, "", 0),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to follow log").WithDetail("path", path)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			return t.Stop()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				continue
			}
			fmt.Fprintln(out, line.Text)
		}
	}
}

// latestLogFile returns the newest <component>-<date>.log in dir. The date
// suffix sorts lexically.
func latestLogFile(dir, component string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, component+"-*.log"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("no %s log files in %s", component, dir)).WithDetail("dir", dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// printTail writes the last n lines of path, or all of it when n < 0.
func printTail(w io.Writer, path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if n >= 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	return nil
}
