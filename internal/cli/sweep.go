package cli

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/config"
	"quiz-session-service/internal/infra/memory"
	pginfra "quiz-session-service/internal/infra/postgres"
	"quiz-session-service/internal/logger"
)

// NewSweepCmd removes sessions past the retention window once and exits.
// Meant for cron-style invocation next to a running server.
func NewSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove sessions past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), *configPath)
		},
	}
}

func runSweep(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format)

	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := pginfra.NewSessionStore(pool)
	quizzes := memory.NewQuizRepository(pginfra.NewQuizLoader(pool), time.Minute)
	service := app.NewSessionService(store, quizzes, nil, log)

	retention := config.Duration(cfg.Session.Retention, 2*time.Hour)
	removed, err := service.SweepExpiredSessions(ctx, retention)
	if err != nil {
		return err
	}
	log.Info().Int("removed", removed).Msg("sweep complete")
	return nil
}
