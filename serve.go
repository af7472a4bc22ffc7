package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alimasry/go-collab-notes/server"
	"github.com/alimasry/go-collab-notes/store"
)

func newServeCmd(a *app) *cobra.Command {
	var addr, backend, sqlitePath, project string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the memo authority",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc := a.cfg.Server
			if cmd.Flags().Changed("addr") {
				sc.Addr = addr
			}
			if cmd.Flags().Changed("store") {
				sc.Store = backend
			}
			if cmd.Flags().Changed("sqlite-path") {
				sc.SQLitePath = sqlitePath
			}
			if cmd.Flags().Changed("firestore-project") {
				sc.FirestoreProject = project
			}
			a.cfg.Server = sc
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&backend, "store", "", "memo store: memory|sqlite|firestore")
	cmd.Flags().StringVar(&sqlitePath, "sqlite-path", "", "SQLite database path")
	cmd.Flags().StringVar(&project, "firestore-project", "", "Google Cloud project for Firestore")
	return cmd
}

// openStore builds the configured store. The returned close func flushes and
// releases it.
func (a *app) openStore(ctx context.Context) (store.DocumentStore, func(), error) {
	sc := a.cfg.Server
	var (
		backing store.DocumentStore
		release func()
	)
	switch sc.Store {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, sc.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		backing, release = s, func() { s.Close() }
	case "firestore":
		client, err := firestore.NewClient(ctx, sc.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		backing, release = store.NewFirestoreStore(client), func() { client.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown store %q", sc.Store)
	}

	cached := store.NewCachedStore(backing, sc.FlushInterval, a.log)
	return cached, func() {
		cached.Close()
		release()
	}, nil
}

func (a *app) serve(ctx context.Context) error {
	st, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sc := a.cfg.Server
	hub := server.NewHub(st,
		server.WithLogger(a.log),
		server.WithRateLimit(sc.MaxMessagesPerSec, sc.MessageBurst),
	)
	srv := &http.Server{
		Addr:              sc.Addr,
		Handler:           server.NewHandler(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.log.Info("listening", "addr", sc.Addr, "store", sc.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
