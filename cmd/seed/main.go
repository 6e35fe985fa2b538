package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Complexity-ML/cosmetest-back-sub000/internal/appointment"
	"github.com/Complexity-ML/cosmetest-back-sub000/internal/config"
	"github.com/Complexity-ML/cosmetest-back-sub000/internal/db"
	"github.com/Complexity-ML/cosmetest-back-sub000/internal/logging"
)

const (
	studyCount           = 40
	participantCount     = 3000
	appointmentsPerStudy = 60
	assignedShare        = 0.6
)

var studyTypes = []string{
	"Patch test",
	"Tolerance",
	"Efficacy",
	"Sensory panel",
	"Instrumental",
	"Consumer use",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("dev", "info")
		fallback.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("cmd", "seed").Logger()
	logger.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(context.Background(), pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	faker := gofakeit.New(uint64(time.Now().UnixNano()))
	work := context.Background()

	studies, err := seedStudies(work, pool, faker, studyCount, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed studies")
	}
	participants, err := seedParticipants(work, pool, faker, participantCount, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed participants")
	}
	if err := seedEnrollments(work, pool, faker, participants, studies, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed enrollments")
	}

	// Appointments go through the engine so numbers come from the allocator
	// and assignments pass the admission gates.
	svc := appointment.NewService(appointment.NewPgRepository(pool), nil, nil, appointment.ServiceConfigFrom(cfg.Scheduling), logger)
	if err := seedAppointments(work, svc, faker, studies, participants, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed appointments")
	}

	logger.Info().Msg("seed complete")
}

type seededStudy struct {
	id         int64
	start, end time.Time
}

func seedStudies(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int, log zerolog.Logger) ([]seededStudy, error) {
	log.Info().Int("count", count).Msg("seeding studies")

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	today := time.Now().UTC().Truncate(24 * time.Hour)
	studies := make([]seededStudy, 0, count)

	for i := 0; i < count; i++ {
		start := today.AddDate(0, 0, faker.Number(-60, 90))
		end := start.AddDate(0, 0, faker.Number(3, 45))
		ref := fmt.Sprintf("%s-%04d", faker.LetterN(3), i+1)
		title := fmt.Sprintf("%s %s", faker.ProductName(), faker.RandomString(studyTypes))

		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO studies (ref, title, study_type, target_subjects, start_date, end_date)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (ref) DO UPDATE SET title = EXCLUDED.title
			RETURNING id
		`, ref, title, faker.RandomString(studyTypes), faker.Number(10, 120), start, end).Scan(&id)
		if err != nil {
			return nil, err
		}
		studies = append(studies, seededStudy{id: id, start: start, end: end})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Info().Msg("studies seeded")
	return studies, nil
}

func seedParticipants(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int, log zerolog.Logger) ([]int64, error) {
	log.Info().Int("count", count).Msg("seeding participants")

	const batchSize = 500
	ids := make([]int64, 0, count)

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			birth := faker.DateRange(time.Now().AddDate(-75, 0, 0), time.Now().AddDate(-18, 0, 0))

			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO participants (first_name, last_name, birth_date)
				VALUES ($1, $2, $3)
				RETURNING id
			`, faker.FirstName(), faker.LastName(), birth).Scan(&id)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Info().Int("done", end).Int("total", count).Msg("participants seeded")
	}

	return ids, nil
}

func seedEnrollments(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, participants []int64, studies []seededStudy, log zerolog.Logger) error {
	log.Info().Int("participants", len(participants)).Msg("seeding enrollments")

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, pid := range participants {
		// Most participants join one study, a few join two so overlap checks
		// have something to find.
		n := 1
		if faker.Float64Range(0, 1) < 0.15 {
			n = 2
		}
		for j := 0; j < n; j++ {
			s := studies[faker.Number(0, len(studies)-1)]
			_, err := tx.Exec(ctx, `
				INSERT INTO enrollments (participant_id, study_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, pid, s.id)
			if err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Info().Msg("enrollments seeded")
	return nil
}

func seedAppointments(ctx context.Context, svc *appointment.Service, faker *gofakeit.Faker, studies []seededStudy, participants []int64, log zerolog.Logger) error {
	grid, err := appointment.BuildSlotGrid("08:00", "18:00", 30)
	if err != nil {
		return err
	}

	var created, rejected int
	for _, s := range studies {
		items := appointmentDrafts(faker, s, grid, appointmentsPerStudy)

		result, err := svc.CreateBatch(ctx, s.id, items)
		if err != nil {
			return fmt.Errorf("study %d: %w", s.id, err)
		}

		var assignments []appointment.Assignment
		for _, a := range result.Created {
			if faker.Float64Range(0, 1) >= assignedShare {
				continue
			}
			assignments = append(assignments, appointment.Assignment{
				Number:        a.Number,
				ParticipantID: participants[faker.Number(0, len(participants)-1)],
			})
		}

		assigned, err := svc.AssignBatch(ctx, s.id, assignments)
		if err != nil {
			return fmt.Errorf("assign study %d: %w", s.id, err)
		}

		created += result.CreatedCount
		rejected += assigned.ErrorCount
	}

	log.Info().Int("created", created).Int("assignments_rejected", rejected).Msg("appointments seeded")
	return nil
}

// appointmentDrafts spreads n unassigned appointments over the study period,
// each on a grid slot.
func appointmentDrafts(faker *gofakeit.Faker, s seededStudy, grid []string, n int) []appointment.NewAppointment {
	days := int(s.end.Sub(s.start).Hours()/24) + 1

	items := make([]appointment.NewAppointment, n)
	for i := range items {
		date := s.start.AddDate(0, 0, faker.Number(0, days-1))
		items[i] = appointment.NewAppointment{
			Date: date.Format(appointment.DateLayout),
			Time: faker.RandomString(grid),
		}
	}
	return items
}
