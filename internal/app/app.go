// Package app provides application-level wiring and dependency injection
// for the querydeck worker following hexagonal architecture.
package app

import (
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"querydeck/internal/config"
	"querydeck/internal/db"
	"querydeck/internal/db/crypto"
	"querydeck/internal/db/repository"
	"querydeck/internal/events"
	"querydeck/internal/platform"
	"querydeck/internal/queue"
	"querydeck/internal/service/run"
	"querydeck/internal/service/sweeper"
)

// Deps holds the external dependencies that main() must provide. These are
// things the app package cannot (or should not) create itself: config,
// connection pools, and the logger.
type Deps struct {
	Cfg    *config.Config
	Pool   *pgxpool.Pool
	Redis  *redis.Client
	Logger *slog.Logger
}

// App holds the fully-wired worker: the task mux and the long-running
// pieces the serve command starts and stops.
type App struct {
	Coordinator *run.Coordinator
	Mux         *asynq.ServeMux
	Servers     *queue.Servers
	Queue       *queue.AsynqQueue
	Sweeper     *sweeper.Sweeper

	asynqClient *asynq.Client
}

// New wires repositories, the platform client, the state machine, and the
// queue runtime from the provided deps.
func New(deps Deps) (*App, error) {
	cfg := deps.Cfg

	enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init encryptor: %w", err)
	}

	policy, err := run.LoadPolicyFile(cfg.PollPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load poll policy: %w", err)
	}

	runner := db.NewRunner(deps.Pool, deps.Logger, cfg.IsProduction())
	runs := repository.NewRunRepo()

	publisher := events.NewPublisher(events.NewRedisTransport(deps.Redis), enc)

	gateway := platform.NewClient(
		cfg.PlatformBaseURL, cfg.PlatformAuthToken,
		cfg.PlatformRateRPS, cfg.PlatformRateBurst,
		deps.Logger.With("component", "platform"),
	)

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	jobQueue := queue.NewAsynqQueue(asynqClient)

	machine := run.NewStateMachine(gateway, policy, deps.Logger.With("component", "statemachine"))
	cleanup := run.NewCleanup(gateway, deps.Logger.With("component", "cleanup"))
	coord := run.NewCoordinator(
		runner, runs, jobQueue, publisher, gateway,
		machine, cleanup, enc,
		deps.Logger.With("component", "coordinator"),
	)

	handlers := queue.NewHandlers(coord, deps.Logger)
	servers := queue.NewServers(cfg.RedisAddr, cfg.RedisDB,
		cfg.ExecuteConcurrency, cfg.PollConcurrency, deps.Logger)

	sweep := sweeper.New(runner, runs, jobQueue, cfg.SweepStaleAfter, deps.Logger)

	return &App{
		Coordinator: coord,
		Mux:         queue.NewMux(handlers),
		Servers:     servers,
		Queue:       jobQueue,
		Sweeper:     sweep,
		asynqClient: asynqClient,
	}, nil
}

// Close releases resources owned by the app itself. The pools in Deps stay
// with their creator.
func (a *App) Close() error {
	return a.asynqClient.Close()
}
