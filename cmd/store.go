package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/grovetools/tabsync/cli"
	"github.com/grovetools/tabsync/state"
	"github.com/spf13/cobra"
)

// NewStoreCmd inspects and edits the durable store shared by the tabs.
func NewStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect the durable store",
	}
	cmd.AddCommand(newStoreGetCmd(), newStoreSetCmd(), newStoreRmCmd(), newStoreLsCmd(), newStoreWatchCmd())
	return cmd
}

func storeFor(cmd *cobra.Command) (*state.FileStore, error) {
	cfg, _, err := cli.LoadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openStore(cfg, cli.GetLogger(cmd, "store"))
}

func newStoreGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored under key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := storeFor(cmd)
			if err != nil {
				return err
			}
			data, ok, err := st.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("key %q not set", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newStoreSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a JSON value; anything else is stored as a JSON string",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := storeFor(cmd)
			if err != nil {
				return err
			}
			value := []byte(args[1])
			if !json.Valid(value) {
				value, _ = json.Marshal(args[1])
			}
			return st.Set(cmd.Context(), args[0], value)
		},
	}
}

func newStoreRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>...",
		Short: "Remove keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := storeFor(cmd)
			if err != nil {
				return err
			}
			return state.RemoveAll(cmd.Context(), st, args...)
		},
	}
}

func newStoreLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List stored keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := storeFor(cmd)
			if err != nil {
				return err
			}
			keys, err := st.Keys(cmd.Context())
			if err != nil {
				return err
			}
			sort.Strings(keys)
			if cli.GetOptions(cmd).JSONOutput {
				return printJSON(cmd, keys)
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}

func newStoreWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print every key changed by any tab until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := storeFor(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			out := cmd.OutOrStdout()
			err = st.Watch(ctx, func(key string) {
				data, ok, err := st.Get(ctx, key)
				switch {
				case err != nil:
					fmt.Fprintf(out, "%s  %s\n", key, cli.Muted(err.Error()))
				case !ok:
					fmt.Fprintf(out, "%s  %s\n", key, cli.Muted("(removed)"))
				default:
					fmt.Fprintf(out, "%s  %s\n", key, data)
				}
			})
			if err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
}
