package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/audit"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/correlate"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/httpapi"
	"github.com/zulandar/switchboard/internal/notify/slack"
	"github.com/zulandar/switchboard/internal/realtime"
	"github.com/zulandar/switchboard/internal/session"
	"github.com/zulandar/switchboard/internal/stage"
	"github.com/zulandar/switchboard/internal/webhook"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		Long:  "Starts the HTTP API, the provider webhook endpoint and the realtime transports. Optional components (stage classifier, Slack notifier, audit log, session reaper) are enabled from config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	return cmd
}

// app is the wired server before it starts listening.
type app struct {
	router    httpapi.RouterOpts
	reconcile *webhook.Reconciler
	reaper    *session.Reaper
}

// buildApp wires every component named by cfg.
func buildApp(cfg *config.Config, out io.Writer) (*app, error) {
	store := session.NewStore(session.StoreOpts{StrictTransitions: cfg.Sessions.StrictTransitions})
	hub := realtime.NewHub()

	engine, err := correlate.New(correlate.Opts{Store: store, RecencyWindow: cfg.Correlation.RecencyWindow})
	if err != nil {
		return nil, err
	}

	opts := webhook.Opts{
		Secret:        cfg.Webhook.Secret,
		Store:         store,
		Engine:        engine,
		Publisher:     hub,
		Timeout:       cfg.Classifier.Timeout,
		NotifyTimeout: cfg.Notify.Slack.Timeout,
	}

	if cfg.Classifier.Enabled {
		cls, err := stage.NewOpenAIClassifier(stage.OpenAIOpts{
			APIKey:  cfg.Classifier.APIKey,
			APIBase: cfg.Classifier.APIBase,
			Model:   cfg.Classifier.Model,
		})
		if err != nil {
			return nil, err
		}
		opts.Classifier = cls
		fmt.Fprintf(out, "Stage classifier: %s via %s\n", cfg.Classifier.Model, cfg.Classifier.APIBase)
	}

	if cfg.Notify.Slack.BotToken != "" {
		n, err := slack.New(slack.NotifierOpts{
			BotToken:  cfg.Notify.Slack.BotToken,
			ChannelID: cfg.Notify.Slack.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		opts.Notifier = n
		fmt.Fprintf(out, "Slack notifications: channel %s\n", cfg.Notify.Slack.ChannelID)
	}

	var deliveries httpapi.DeliveryLog
	if cfg.Audit.Enabled {
		rec, err := openRecorder(cfg.Audit)
		if err != nil {
			return nil, err
		}
		opts.Auditor = rec
		deliveries = rec
		fmt.Fprintf(out, "Audit log: %s\n", auditTarget(cfg.Audit))
	}

	reconciler, err := webhook.New(opts)
	if err != nil {
		return nil, err
	}

	ws, err := realtime.NewServer(realtime.ServerOpts{
		Hub:         hub,
		Store:       store,
		CheckOrigin: httpapi.OriginAllowed(cfg.Server.AllowedOrigins),
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		router: httpapi.RouterOpts{
			Config:     cfg,
			Store:      store,
			Hub:        hub,
			Webhooks:   reconciler,
			Realtime:   ws,
			Deliveries: deliveries,
		},
		reconcile: reconciler,
	}

	if cfg.Sessions.ReapSchedule != "" {
		a.reaper, err = session.NewReaper(session.ReaperOpts{
			Store:    store,
			Schedule: cfg.Sessions.ReapSchedule,
			MaxAge:   cfg.Sessions.MaxAge,
		})
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(out, "Session reaper: %q, max age %s\n", cfg.Sessions.ReapSchedule, cfg.Sessions.MaxAge)
	}
	return a, nil
}

// openRecorder opens and migrates the audit database.
func openRecorder(cfg config.AuditConfig) (*audit.Recorder, error) {
	gormDB, err := db.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	return audit.NewRecorder(gormDB)
}

func auditTarget(cfg config.AuditConfig) string {
	if cfg.Driver == config.AuditDriverMySQL {
		return fmt.Sprintf("mysql %s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)
	}
	return "sqlite " + cfg.Path
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	out := cmd.OutOrStdout()
	a, err := buildApp(cfg, out)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	if a.reaper != nil {
		go a.reaper.Run(ctx)
	}

	serveErr := httpapi.Start(ctx, httpapi.StartOpts{RouterOpts: a.router, Out: out})

	// Let in-flight classification and notification finish.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer waitCancel()
	if err := a.reconcile.Wait(waitCtx); err != nil {
		log.Printf("serve: background tasks still running at exit: %v", err)
	}
	return serveErr
}
