package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"voice-transcribe-go/internal/client"
	"voice-transcribe-go/internal/config"
	"voice-transcribe-go/internal/logger"
	"voice-transcribe-go/internal/session"
)

// app holds what every subcommand shares.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	api     *client.Client
	mgr     *session.Manager
	syncer  *session.Syncer
	closers []func() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{}
	root := &cobra.Command{
		Use:           "transcribe",
		Short:         "Submit audio for transcription and track the job to completion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}
	root.AddCommand(
		a.submitCmd(),
		a.resumeCmd(),
		a.statusCmd(),
		a.listCmd(),
		a.cancelCmd(),
		a.syncCmd(),
		a.batchCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *app) open(ctx context.Context) error {
	a.cfg = config.Load()
	a.log = logger.New()
	a.api = client.New(a.cfg.Client.APIURL, a.log)

	dir := a.cfg.Client.StateDir
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	mirror := session.NewFileStore(filepath.Join(dir, "session.json"))

	// a missing or broken database degrades to the file mirror alone
	var primary session.Store
	db, err := session.OpenSQLite(ctx, filepath.Join(dir, "session.db"))
	if err != nil {
		a.log.WithError(err).Warn("session database unavailable, using file store only")
	} else {
		primary = db
		a.closers = append(a.closers, db.Close)
	}

	a.mgr = session.NewManager(primary, mirror, a.log)
	a.syncer = session.NewSyncer(a.mgr, a.api, a.log)
	return nil
}

func (a *app) close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
