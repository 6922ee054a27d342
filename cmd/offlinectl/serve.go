package main

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-kit/agent"
	"github.com/c0deZ3R0/go-offline-kit/backend"
	"github.com/c0deZ3R0/go-offline-kit/engine"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/notify"
)

func init() {
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(backendCmd)
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the offline agent",
	Long:  "Open the local store, start connectivity monitoring and queue draining, and serve the agent API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		e, err := engine.Open(ctx, cfg, engine.WithLogger(logging.WithComponent("engine").Logger))
		if err != nil {
			return err
		}
		defer e.Close()
		if err := e.Start(ctx); err != nil {
			return err
		}

		hub := notify.NewHub(e, notify.HubOptions{Logger: logging.WithComponent("notify").Logger})
		defer hub.Close()

		srv := agent.New(e, hub, agent.Options{Logger: logging.WithComponent("agent")})
		return srv.ListenAndServe(ctx, cfg.Agent.Addr)
	},
}

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run the reference backend API",
	Long: "Serve the reference REST API. Records live in Postgres when a DSN is configured and in\n" +
		"memory otherwise; idempotency keys live in Redis when an address is configured.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		logger := logging.WithComponent("backend").Logger
		rb := cfg.ReferenceBackend

		var repo backend.Repository
		if rb.PostgresDSN != "" {
			pg, err := backend.OpenPostgres(ctx, rb.PostgresDSN, logger)
			if err != nil {
				return fmt.Errorf("failed to open postgres: %w", err)
			}
			repo = pg
		} else {
			logger.Warn("no postgres DSN configured, records are kept in memory")
			repo = backend.NewMemoryRepository()
		}
		defer repo.Close()

		var idem backend.IdempotencyStore
		if rb.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{
				Addr:     rb.RedisAddr,
				Password: rb.RedisPassword,
				DB:       rb.RedisDB,
			})
			defer client.Close()
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("failed to reach redis at %s: %w", rb.RedisAddr, err)
			}
			idem = backend.NewRedisIdempotency(client, rb.IdempotencyTTL.D())
			logger.Info("idempotency keys stored in redis", slog.String("addr", rb.RedisAddr))
		} else {
			idem = backend.NewMemoryIdempotency(rb.IdempotencyTTL.D())
		}

		srv := backend.NewServer(repo, backend.Options{
			Idempotency:  idem,
			MaxBodyBytes: cfg.Backend.MaxBodyBytes,
			Logger:       logger,
		})
		return srv.ListenAndServe(ctx, rb.Addr)
	},
}
