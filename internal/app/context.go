// Package app wires storage, configuration, and the engine into one
// runnable context shared by the CLI and the HTTP server.
package app

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"teampulse/internal/aitext"
	"teampulse/internal/config"
	"teampulse/internal/db"
	"teampulse/internal/dedup"
	"teampulse/internal/engine"
	"teampulse/internal/escalate"
	"teampulse/internal/events"
	"teampulse/internal/followup"
	"teampulse/internal/gateway"
	"teampulse/internal/migrate"
	"teampulse/internal/repo"
	"teampulse/internal/resolver"
	"teampulse/internal/store"
)

// Context is the fully wired application.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    *engine.Engine
	Keys      repo.Keys
	Forwarder *gateway.Forwarder
	Logger    *log.Logger

	async *gateway.Async
}

// Options tune how the context is assembled. A nil Notifier picks the
// configured chat webhook, or the console when none is configured.
type Options struct {
	Workspace string
	Notifier  escalate.Notifier
	Logger    *log.Logger
	Now       func() time.Time
}

// Open opens the workspace database, applies migrations, loads the
// config, and assembles the engine.
func Open(opts Options) (*Context, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r := repo.Repo{
		Store:        store.SQLite{DB: conn, Now: opts.Now},
		BlockerTable: cfg.BlockerTable(),
	}
	res := resolver.Resolver{Repo: r, Shards: cfg.Shards, Logger: logger}
	writer := &events.Writer{DB: conn, Now: opts.Now}

	notifier := opts.Notifier
	if notifier == nil {
		if cfg.Chat.WebhookURL != "" {
			notifier = gateway.Webhook{URL: cfg.Chat.WebhookURL, Secret: cfg.Chat.Secret}
		} else {
			notifier = &gateway.Console{}
		}
	}
	async := gateway.NewAsync(notifier, logger)

	var explainer aitext.Explainer = aitext.Static{}
	if cfg.Explainer.URL != "" {
		explainer = aitext.HTTP{URL: cfg.Explainer.URL, Token: cfg.Explainer.Token}
	}
	router := escalate.Router{
		Default:   cfg.Escalation.Default,
		Fallback:  cfg.Escalation.Fallback,
		Rule:      cfg.RouteRuleDestination,
		Notifier:  notifier,
		Explainer: explainer,
		Logger:    logger,
	}
	sync := engine.Synchronizer{Repo: r, Events: writer, Now: opts.Now, Logger: logger}
	sched := &followup.Scheduler{
		Repo:     r,
		Notifier: async,
		Events:   writer,
		Grace:    time.Duration(cfg.FollowUp.GraceHours) * time.Hour,
		Now:      opts.Now,
		Logger:   logger,
	}
	eng := &engine.Engine{
		Repo:      r,
		Resolver:  res,
		Guard:     dedup.NewGuard(),
		Router:    router,
		Sync:      sync,
		Events:    writer,
		FollowUps: sched,
		Now:       opts.Now,
		Logger:    logger,
		FormTTL:   time.Duration(cfg.Dedup.FormTTLSeconds) * time.Second,
		ClickTTL:  time.Duration(cfg.Dedup.ClickTTLSeconds) * time.Second,
	}
	sched.Locks = eng
	return &Context{
		Workspace: opts.Workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    eng,
		Keys:      repo.Keys{DB: conn},
		Forwarder: gateway.NewForwarder(conn, cfg.Team.ID, cfg.Webhooks, logger),
		Logger:    logger,
		async:     async,
	}, nil
}

// Close drains in-flight notifications and releases the database.
func (c *Context) Close() error {
	if c.async != nil {
		c.async.Close()
	}
	return c.DB.Close()
}
