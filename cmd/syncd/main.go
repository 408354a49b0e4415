package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/davideshay/groceries/pkg/logger"
	"github.com/davideshay/groceries/internal/clientcfg"
	"github.com/davideshay/groceries/internal/domain"
	"github.com/davideshay/groceries/internal/notify"
	"github.com/davideshay/groceries/internal/replica"
	"github.com/davideshay/groceries/internal/sync"
)

func main() {
	cfg, err := clientcfg.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New("groceries-syncd", cfg.LogLevel)
	log.Info("starting sync daemon",
		slog.String("environment", cfg.Environment),
		slog.String("server_url", cfg.ServerURL),
		slog.String("replica_path", cfg.ReplicaPath),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("sync daemon error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("sync daemon stopped")
}

func run(ctx context.Context, cfg *clientcfg.Config, log *slog.Logger) error {
	transport := sync.NewTransport(cfg.ServerURL, log)

	store, session, err := establishSession(ctx, cfg, log, transport)
	if err != nil {
		return err
	}
	defer store.Close()

	replicator := sync.NewReplicator(store, transport, log)
	controller := sync.NewController(replicator, session, log)

	// Surface replica changes so an embedding UI can reload its views.
	notifier := notify.New(store, func(ctx context.Context, changed []domain.Document) {
		for _, doc := range changed {
			log.DebugContext(ctx, "replica changed",
				slog.String("doc_id", doc.ID),
				slog.String("rev", doc.Rev),
			)
		}
	}, log)
	if err := notifier.Start(ctx); err != nil {
		return fmt.Errorf("start change notifier: %w", err)
	}
	defer notifier.Stop()

	controller.Start(ctx)
	defer controller.Stop()

	<-ctx.Done()
	return nil
}

// establishSession opens the replica and evaluates the cached session,
// logging in with the configured credentials when required. A store
// identity mismatch rebuilds the replica when configured to, otherwise it
// refuses to start.
func establishSession(ctx context.Context, cfg *clientcfg.Config, log *slog.Logger, transport *sync.Transport) (*replica.Store, *sync.SessionManager, error) {
	store, err := replica.Open(cfg.ReplicaPath, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open replica: %w", err)
	}
	session := sync.NewSessionManager(store, transport, log)

	state, err := session.Evaluate(ctx)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("evaluate session: %w", err)
	}
	log.Info("session evaluated", slog.String("state", state.String()))

	if state == sync.StoreMismatch {
		if !cfg.DestroyOnMismatch {
			store.Close()
			return nil, nil, fmt.Errorf("remote store identity changed; remove %s or set GROCERY_DESTROY_ON_MISMATCH=true", cfg.ReplicaPath)
		}
		log.Warn("remote store identity changed, rebuilding replica",
			slog.String("replica_path", cfg.ReplicaPath),
		)
		if err := store.Destroy(); err != nil {
			return nil, nil, fmt.Errorf("destroy replica: %w", err)
		}
		if store, err = replica.Open(cfg.ReplicaPath, log); err != nil {
			return nil, nil, fmt.Errorf("reopen replica: %w", err)
		}
		session = sync.NewSessionManager(store, transport, log)
		state = sync.LoginRequired
	}

	if state == sync.LoginRequired {
		if cfg.Username == "" || cfg.Password == "" {
			store.Close()
			return nil, nil, fmt.Errorf("login required and no credentials configured")
		}
		grant, err := session.Login(ctx, cfg.Username, cfg.Password)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("login: %w", err)
		}
		log.Info("logged in", slog.String("username", grant.Username))
	}

	return store, session, nil
}
