package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Complexity-ML/cosmetest-back-sub000/internal/appointment"
	"github.com/Complexity-ML/cosmetest-back-sub000/internal/config"
	"github.com/Complexity-ML/cosmetest-back-sub000/internal/db"
	"github.com/Complexity-ML/cosmetest-back-sub000/internal/logging"
	redisclient "github.com/Complexity-ML/cosmetest-back-sub000/internal/redis"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "schedctl",
		Short:        "Operator tools for the appointment scheduling engine",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(conflictsCmd())
	rootCmd.AddCommand(freeSlotsCmd())
	rootCmd.AddCommand(overlapCmd())
	rootCmd.AddCommand(cacheCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// session holds the connections a subcommand opened.
type session struct {
	log    zerolog.Logger
	pool   *pgxpool.Pool
	svc    *appointment.Service
	closer func()
}

func (r *session) Close() {
	if r.closer != nil {
		r.closer()
	}
}

// connect opens Postgres and, when withRedis is set, Redis plus the
// Redis-backed cache.
func connect(ctx context.Context, withRedis bool) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("cmd", "schedctl").Logger()

	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return nil, err
	}

	rt := &session{log: logger, pool: pool, closer: pool.Close}

	var cache appointment.CalendarCache
	if withRedis {
		rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			pool.Close()
			return nil, err
		}
		rt.closer = func() {
			_ = rdb.Close()
			pool.Close()
		}
		cache = redisclient.NewCalendarCache(rdb, cfg.Scheduling.CalendarCacheTTL)
	}

	rt.svc = appointment.NewService(appointment.NewPgRepository(pool), cache, nil, appointment.ServiceConfigFrom(cfg.Scheduling), logger)
	return rt, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func rangeFlags(cmd *cobra.Command) {
	cmd.Flags().String("from", "", "first day, YYYY-MM-DD")
	cmd.Flags().String("to", "", "last day, YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
}

func parseRange(cmd *cobra.Command) (time.Time, time.Time, error) {
	rawFrom, _ := cmd.Flags().GetString("from")
	rawTo, _ := cmd.Flags().GetString("to")

	from, err := appointment.ParseDate("from", rawFrom)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := appointment.ParseDate("to", rawTo)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := connect(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := db.Migrate(cmd.Context(), rt.pool); err != nil {
				return err
			}
			rt.log.Info().Msg("schema applied")
			return nil
		},
	}

	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the schema without applying it",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), db.Schema())
			return err
		},
	}
	cmd.AddCommand(printCmd)

	return cmd
}

func conflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Report double bookings and time collisions in a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := parseRange(cmd)
			if err != nil {
				return err
			}

			rt, err := connect(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			conflicts, err := rt.svc.DetectConflicts(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			rt.log.Info().Int("found", len(conflicts)).Msg("conflict scan finished")
			return printJSON(cmd, conflicts)
		},
	}
	rangeFlags(cmd)
	return cmd
}

func freeSlotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "free-slots",
		Short: "List free slot starts per day",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := parseRange(cmd)
			if err != nil {
				return err
			}
			dayStart, _ := cmd.Flags().GetString("day-start")
			dayEnd, _ := cmd.Flags().GetString("day-end")

			rt, err := connect(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			slots, err := rt.svc.FreeSlots(cmd.Context(), from, to, dayStart, dayEnd)
			if err != nil {
				return err
			}
			return printJSON(cmd, slots)
		},
	}
	rangeFlags(cmd)
	cmd.Flags().String("day-start", "", "working day start, HH:MM (default from DAY_START)")
	cmd.Flags().String("day-end", "", "working day end, HH:MM (default from DAY_END)")
	return cmd
}

func overlapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overlap",
		Short: "List a participant's enrollments overlapping a study",
		RunE: func(cmd *cobra.Command, args []string) error {
			participantID, _ := cmd.Flags().GetInt64("participant")
			studyID, _ := cmd.Flags().GetInt64("study")

			rt, err := connect(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			studies, err := rt.svc.OverlappingStudies(cmd.Context(), participantID, studyID)
			if err != nil {
				return err
			}
			return printJSON(cmd, studies)
		},
	}
	cmd.Flags().Int64("participant", 0, "participant id")
	cmd.Flags().Int64("study", 0, "study id")
	_ = cmd.MarkFlagRequired("participant")
	_ = cmd.MarkFlagRequired("study")
	return cmd
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Calendar cache maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "invalidate",
		Short: "Drop every cached calendar view",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := connect(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			return rt.svc.InvalidateCalendar(cmd.Context())
		},
	})

	return cmd
}
