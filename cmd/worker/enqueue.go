package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"querydeck/internal/app"
	"querydeck/internal/db"
	"querydeck/internal/db/crypto"
	"querydeck/internal/db/repository"
	"querydeck/internal/domain"
)

// enqueueCmd submits a run from the command line. Mainly for local
// development and incident recovery; the normal path is the upstream API
// writing the run and enqueuing the execute job itself.
func enqueueCmd() *cobra.Command {
	var (
		tenantID    string
		mid         string
		userID      string
		eid         string
		sqlText     string
		snippetName string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a run and enqueue its execute job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			pool, err := db.OpenPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open postgres pool: %w", err)
			}
			defer pool.Close()

			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
			defer rdb.Close()

			application, err := app.New(app.Deps{Cfg: cfg, Pool: pool, Redis: rdb, Logger: logger})
			if err != nil {
				return fmt.Errorf("wire app: %w", err)
			}
			defer application.Close()

			enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
			if err != nil {
				return err
			}
			sealed, err := enc.Encrypt([]byte(sqlText))
			if err != nil {
				return fmt.Errorf("encrypt sql: %w", err)
			}

			runID := domain.NewID()
			runner := db.NewRunner(pool, logger, cfg.IsProduction())
			runs := repository.NewRunRepo()
			err = runner.RunInUserScope(ctx, tenantID, mid, userID, func(ctx context.Context) error {
				_, createErr := runs.Create(ctx, &domain.Run{
					ID:           runID,
					TenantID:     tenantID,
					Mid:          mid,
					UserID:       userID,
					Status:       domain.RunStatusQueued,
					EncryptedSQL: sealed,
				})
				return createErr
			})
			if err != nil {
				return fmt.Errorf("create run: %w", err)
			}

			err = application.Queue.EnqueueExecute(ctx, domain.ExecuteJobPayload{
				RunID:        runID,
				TenantID:     tenantID,
				Mid:          mid,
				UserID:       userID,
				Eid:          eid,
				EncryptedSQL: sealed,
				SnippetName:  snippetName,
			})
			if err != nil {
				return fmt.Errorf("enqueue execute: %w", err)
			}

			logger.Info("run enqueued", "runId", runID, "tenantId", tenantID, "mid", mid)
			fmt.Println(runID)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&mid, "mid", "", "business unit id (required)")
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&eid, "eid", "", "enterprise id passed to the platform")
	cmd.Flags().StringVar(&sqlText, "sql", "", "SQL text to execute (required)")
	cmd.Flags().StringVar(&snippetName, "name", "query", "snippet name used for the target rowset")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("mid")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("sql")

	return cmd
}
