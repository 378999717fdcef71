// Package cli holds the flag, logging and output conventions shared by the
// tabsync commands.
package cli

import (
	"os"

	"github.com/grovetools/tabsync/config"
	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CommandOptions holds the persistent flags of every command.
type CommandOptions struct {
	ConfigFile string
	Verbose    bool
	JSONOutput bool
}

// NewStandardCommand creates a command carrying the standard flags.
func NewStandardCommand(use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().StringP("config", "c", "", "Path to tabsync.yml or tabsync.toml")

	SetStyledHelp(cmd)
	return cmd
}

// GetOptions reads the standard flags.
func GetOptions(cmd *cobra.Command) CommandOptions {
	configFile, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return CommandOptions{
		ConfigFile: configFile,
		Verbose:    verbose,
		JSONOutput: jsonOutput,
	}
}

// GetLogger returns the component logger adjusted for --verbose and --json.
func GetLogger(cmd *cobra.Command, component string) *logrus.Entry {
	entry := logging.NewLogger(component)
	opts := GetOptions(cmd)

	if opts.Verbose {
		entry.Logger.SetLevel(logrus.DebugLevel)
		entry.Logger.SetOutput(os.Stderr)
	}
	if opts.JSONOutput {
		entry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return entry
}

// InitConfig resolves the config file path: the --config flag, else the
// nearest tabsync config above the working directory. An empty path means
// none was found.
func InitConfig(configFile string) (string, error) {
	if configFile != "" {
		return configFile, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	found, err := config.FindConfigFile(cwd)
	if err != nil {
		return "", nil
	}
	return found, nil
}

// LoadConfig loads the configuration for cmd and returns it with the file
// it came from. --config loads exactly that file; otherwise the global and
// project layers are merged. Without any config file the defaults are used.
func LoadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	if flag := GetOptions(cmd).ConfigFile; flag != "" {
		cfg, err := config.Load(flag)
		return cfg, flag, err
	}

	path, err := InitConfig("")
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve config path")
	}
	if path == "" {
		return config.Default(), "", nil
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}
