// Command cmsync synchronizes CMS posts into a static-site source tree.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/eringen/cmsync"
	"github.com/eringen/cmsync/logger"
)

// version is set at build time via ldflags.
var version = "dev"

// exitCodeError carries a process exit code out of a command without
// printing anything further.
type exitCodeError int

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

type rootOptions struct {
	configPath string
	sourceDir  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var code exitCodeError
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "cmsync",
		Short: "Sync blog posts from a headless CMS into a static-site source tree",
		Long: `cmsync fetches the post listing from a CMS collection API, writes one
front-matter document per post under <source>/posts and mirrors the images
those posts reference under <source>/assets.

Examples:
  cmsync sync --source source
  cmsync serve --config cmsync.yml
  cmsync init myblog`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", cmsync.EnvOr("CMSYNC_CONFIG", ""), "path to a cmsync.yml file")
	root.PersistentFlags().StringVarP(&opts.sourceDir, "source", "s", "", "source directory (overrides source_dir)")

	root.AddCommand(
		newSyncCmd(opts),
		newServeCmd(opts),
		newListCmd(opts),
		newHistoryCmd(opts),
		newMCPCmd(opts),
		newInitCmd(),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and builds the logger every command shares.
func (o *rootOptions) load() (cmsync.Config, logger.Logger, error) {
	cfg, err := cmsync.LoadConfig(o.configPath)
	if err != nil {
		return cfg, nil, err
	}
	if o.sourceDir != "" {
		cfg.SourceDir = o.sourceDir
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var strict, asJSON bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization",
		Long: `Fetch the listing once and bring the local documents and assets up to date.

Without --strict the command behaves like a build hook: failures are logged
and the exit status is 0. With --strict a failed post or an aborted run
exits with status 1.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signalContext()
			defer stop()

			s := cmsync.New(cfg, cmsync.WithLogger(log))
			var (
				sum    *cmsync.Summary
				runErr error
			)
			if strict {
				sum, runErr = s.Run(ctx, cfg.SourceDir)
				if sum == nil {
					sum = &cmsync.Summary{}
				}
			} else {
				sum = s.Hook(ctx, cfg.SourceDir)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(sum.Report(runErr)); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "saved %d, unchanged %d, failed %d, assets %d\n",
					sum.Count(cmsync.StatusSaved), sum.Count(cmsync.StatusUnchanged),
					sum.Count(cmsync.StatusFailed), sum.AssetsMirrored())
			}

			if strict {
				if runErr != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", runErr)
					return exitCodeError(1)
				}
				if err := sum.Err(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
					return exitCodeError(1)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit 1 when the run aborts or any post fails")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server that triggers syncs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			reg := prometheus.NewRegistry()
			syncOpts := []cmsync.Option{
				cmsync.WithLogger(log),
				cmsync.WithMetrics(cmsync.NewMetrics(reg)),
			}

			var store *cmsync.Store
			if cfg.StatePath != "" {
				store, err = cmsync.NewStore(cfg.StatePath)
				if err != nil {
					return fmt.Errorf("open ledger: %w", err)
				}
				defer store.Close()
				syncOpts = append(syncOpts, cmsync.WithStore(store))
			}

			srv := cmsync.NewServer(cmsync.New(cfg, syncOpts...), store, cfg.SourceDir, reg, log)

			ctx, stop := signalContext()
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List synced documents and their front matter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmsync.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if opts.sourceDir != "" {
				cfg.SourceDir = opts.sourceDir
			}
			docs, err := cmsync.ListDocuments(filepath.Join(cfg.SourceDir, filepath.FromSlash(cfg.PostsDir)))
			for _, d := range docs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", d.FrontMatter.Date, filepath.Base(d.Path), d.FrontMatter.Title)
			}
			return err
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs recorded in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmsync.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.StatePath == "" {
				return errors.New("state_path is not configured")
			}
			store, err := cmsync.NewStore(cfg.StatePath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
				return nil
			}
			for _, r := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "#%d\t%s\t%-8s saved=%d unchanged=%d failed=%d assets=%d",
					r.ID, r.StartedAt, r.Outcome, r.Saved, r.Unchanged, r.Failed, r.Assets)
				if r.Error != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "\t%s", r.Error)
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cmsync version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cmsync %s\n", version)
		},
	}
}
