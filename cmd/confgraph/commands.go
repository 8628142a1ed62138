package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"confgraph/internal/app"
	"confgraph/internal/config"
	"confgraph/internal/deploy"
)

var (
	storeFlag       string
	envFlag         string
	dirFlag         string
	lockTimeoutFlag time.Duration
	logLevelFlag    string

	rootCmd = &cobra.Command{
		Use:           "confgraph",
		Short:         "Deploy and validate interdependent configuration artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevelFlag)
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Load the graph and apply changes from the artifact directory until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	deployCmd = &cobra.Command{
		Use:   "deploy [bundle.zip]",
		Short: "Deploy a bundle archive as one transaction",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeploy,
	}
	upsertCmd = &cobra.Command{
		Use:   "upsert [uri] [file]",
		Short: "Create or update a single artifact",
		Args:  cobra.ExactArgs(2),
		RunE:  runUpsert,
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [uri]",
		Short: "Delete an artifact nothing references",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	tidyCmd = &cobra.Command{
		Use:   "tidy",
		Short: "Remove every artifact no service needs",
		Args:  cobra.NoArgs,
		RunE:  runTidy,
	}
	lsCmd = &cobra.Command{
		Use:     "ls",
		Short:   "List the artifacts of the live graph",
		Aliases: []string{"list"},
		Args:    cobra.NoArgs,
		RunE:    runList,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&storeFlag, "store", "", "backing store: memory, postgres, s3, badger or dir (overrides CONFGRAPH_STORE)")
	flags.StringVar(&envFlag, "env", "", "store environment (overrides CONFGRAPH_ENV)")
	flags.StringVar(&dirFlag, "dir", "", "artifact directory for the dir store (overrides CONFGRAPH_DIR_ROOT)")
	flags.DurationVar(&lockTimeoutFlag, "lock-timeout", 0, "how long to wait for the deployment lock (overrides CONFGRAPH_LOCK_TIMEOUT)")
	flags.StringVar(&logLevelFlag, "log-level", "info", "debug, info, warn or error")

	serveCmd.Flags().Duration("debounce", 250*time.Millisecond, "quiet period before a batch of file changes is deployed")

	rootCmd.AddCommand(serveCmd, deployCmd, upsertCmd, deleteCmd, tidyCmd, lsCmd)
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// loadConfig applies command line overrides on top of the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if storeFlag != "" {
		cfg.Store = strings.ToLower(storeFlag)
	}
	if envFlag != "" {
		cfg.Env = envFlag
	}
	if dirFlag != "" {
		cfg.DirRoot = dirFlag
	}
	if lockTimeoutFlag > 0 {
		cfg.LockTimeout = lockTimeoutFlag
	}
	return cfg, cfg.Validate()
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

func printResult(cmd *cobra.Command, res *deploy.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "transaction %s (%s) committed in %s\n", res.TxID, res.Op, res.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  changes: %d\n", res.Changes)
	printList(cmd, "services", res.Services)
	printList(cmd, "infrastructure", res.Infrastructure)
	printList(cmd, "deleted", res.Deleted)
	printList(cmd, "swept", res.Swept)
	if res.RootEmpty {
		fmt.Fprintln(out, "  graph is empty")
	}
}

func printList(cmd *cobra.Command, label string, uris []string) {
	if len(uris) == 0 {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "  %s:\n", label)
	for _, uri := range uris {
		fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", uri)
	}
}
