package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)

	cmd := command{flags: globalFlags}
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(cmd),
		createListenersCommand(cmd),
		createStopListenerCommand(cmd),
		createReconnectCommand(cmd),
		createAddCommand(cmd),
		createUpdateCommand(cmd),
		createRemoveCommand(cmd),
		createWatchCommand(cmd),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "livesync",
		Short: "Real-time subscription manager for document collections",
		Long: `Livesync keeps live queries over document collections subscribed,
watches store connectivity and re-establishes every listener after an outage.

Examples:
  livesync serve livesync.toml              # Start daemon
  livesync status                           # Connection status
  livesync watch --collection=projects --where='status,==,"active"' --limit=20
  livesync add --collection=projects --data='{"name":"alpha"}'
  livesync listeners -o yaml --api-url=http://remote:8080/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", defaultAPIUrl, "daemon API URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")

	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the livesync daemon",
		Long: `Start the livesync daemon: open the document store, start the
connectivity heartbeat and the configured listeners, and serve the HTTP API.
Without a config file the daemon runs on defaults with an in-memory store.

Examples:
  livesync serve                    # Defaults (uses --config when set)
  livesync serve livesync.toml      # Start with specific config file`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServe(ctx, serveFlags, cmd.OutOrStdout())
		},
	}
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c command) *cobra.Command {
	out := &OutputFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store connectivity and listener count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd, out)
		},
	}
	cmd.Flags().StringVarP(&out.Output, "output", "o", "json", "output format (json|yaml)")
	return cmd
}

// createListenersCommand creates the listeners subcommand
func createListenersCommand(c command) *cobra.Command {
	out := &OutputFlags{}
	cmd := &cobra.Command{
		Use:   "listeners",
		Short: "List active listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Listeners(cmd, out)
		},
	}
	cmd.Flags().StringVarP(&out.Output, "output", "o", "json", "output format (json|yaml)")
	return cmd
}

// createStopListenerCommand creates the stop-listener subcommand
func createStopListenerCommand(c command) *cobra.Command {
	f := &ListenerFlags{}
	cmd := &cobra.Command{
		Use:   "stop-listener",
		Short: "Stop a listener by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StopListener(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "listener id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// createReconnectCommand creates the reconnect subcommand
func createReconnectCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect",
		Short: "Re-probe the store and restore listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reconnect(cmd)
		},
	}
}

// createAddCommand creates the add subcommand
func createAddCommand(c command) *cobra.Command {
	f := &DocumentFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a document; prints the new id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Add(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.Collection, "collection", "", "collection name")
	cmd.Flags().StringVar(&f.Data, "data", "", "document fields as a JSON object")
	_ = cmd.MarkFlagRequired("collection")
	return cmd
}

// createUpdateCommand creates the update subcommand
func createUpdateCommand(c command) *cobra.Command {
	f := &DocumentFlags{}
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Merge fields into an existing document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Update(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.Collection, "collection", "", "collection name")
	cmd.Flags().StringVar(&f.ID, "id", "", "document id")
	cmd.Flags().StringVar(&f.Data, "data", "", "fields to merge as a JSON object")
	_ = cmd.MarkFlagRequired("collection")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// createRemoveCommand creates the remove subcommand
func createRemoveCommand(c command) *cobra.Command {
	f := &DocumentFlags{}
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Remove(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.Collection, "collection", "", "collection name")
	cmd.Flags().StringVar(&f.ID, "id", "", "document id")
	_ = cmd.MarkFlagRequired("collection")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// createWatchCommand creates the watch subcommand
func createWatchCommand(c command) *cobra.Command {
	f := &WatchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live snapshots of a query",
		Long: `Open a live query on the daemon and print every snapshot until interrupted.

Examples:
  livesync watch --collection=tasks --where='done,==,false' --order=createdAt,desc --limit=10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return c.Watch(ctx, cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.Collection, "collection", "", "collection name")
	cmd.Flags().StringVar(&f.ID, "id", "", "listener id (optional)")
	cmd.Flags().StringArrayVar(&f.Where, "where", nil, "filter field,op,value (repeatable)")
	cmd.Flags().StringVar(&f.Order, "order", "", "order field[,asc|desc]")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of documents")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "json", "output format (json|yaml)")
	_ = cmd.MarkFlagRequired("collection")
	return cmd
}
