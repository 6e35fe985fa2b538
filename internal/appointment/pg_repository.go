package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const (
	studyCols       = `id, ref, title, study_type, target_subjects, start_date, end_date`
	appointmentCols = `study_id, number, participant_id, group_id, appt_date, appt_time, state, note, created_at, updated_at`
)

// Helpers

func scanStudy(row pgx.Row) (*Study, error) {
	var s Study
	err := row.Scan(&s.ID, &s.Ref, &s.Title, &s.Type, &s.TargetSubjects, &s.Start, &s.End)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStudyNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date *time.Time

	err := row.Scan(
		&a.StudyID,
		&a.Number,
		&a.ParticipantID,
		&a.GroupID,
		&date,
		&a.Time,
		&a.State,
		&a.Note,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if date != nil {
		a.Date = *date
	}
	return &a, nil
}

func scanAppointmentWithStudy(row pgx.Row) (*AppointmentWithStudy, error) {
	var r AppointmentWithStudy
	var date *time.Time

	err := row.Scan(
		&r.StudyID, &r.Number, &r.ParticipantID, &r.GroupID, &date, &r.Time, &r.State, &r.Note, &r.CreatedAt, &r.UpdatedAt,
		&r.Study.ID, &r.Study.Ref, &r.Study.Title, &r.Study.Type, &r.Study.TargetSubjects, &r.Study.Start, &r.Study.End,
	)
	if err != nil {
		return nil, err
	}

	if date != nil {
		r.Date = *date
	}
	return &r, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullableDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// Interface methods

func (r *PgRepository) GetStudy(ctx context.Context, id int64) (*Study, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+studyCols+` FROM studies WHERE id = $1`, id)
	return scanStudy(row)
}

func (r *PgRepository) FindAppointmentsInRange(ctx context.Context, from, to time.Time) ([]AppointmentWithStudy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.study_id, a.number, a.participant_id, a.group_id, a.appt_date, a.appt_time, a.state, a.note, a.created_at, a.updated_at,
		       s.id, s.ref, s.title, s.study_type, s.target_subjects, s.start_date, s.end_date
		FROM appointments a
		JOIN studies s ON s.id = a.study_id
		WHERE a.appt_date BETWEEN $1::date AND $2::date
		ORDER BY a.appt_date, a.appt_time, a.study_id, a.number
	`, dateOnly(from), dateOnly(to))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointmentWithStudy)
}

func (r *PgRepository) FindAppointmentsByParticipantAndStudy(ctx context.Context, participantID, studyID int64) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE participant_id = $1 AND study_id = $2
		ORDER BY number
	`, participantID, studyID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) FindEnrolledStudies(ctx context.Context, participantID int64) ([]Study, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.id, s.ref, s.title, s.study_type, s.target_subjects, s.start_date, s.end_date
		FROM enrollments e
		JOIN studies s ON s.id = e.study_id
		WHERE e.participant_id = $1
	`, participantID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanStudy)
}

func (r *PgRepository) FindParticipantsByIDs(ctx context.Context, ids []int64) (map[int64]Participant, error) {
	result := make(map[int64]Participant, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, first_name, last_name, birth_date
		FROM participants
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &p.BirthDate); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) FindDoubleBookings(ctx context.Context, from, to time.Time) ([]Conflict, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT participant_id, appt_date, COUNT(*)
		FROM appointments
		WHERE appt_date BETWEEN $1::date AND $2::date
		  AND participant_id IS NOT NULL
		  AND state <> 'cancelled'
		GROUP BY participant_id, appt_date
		HAVING COUNT(*) > 1
		ORDER BY appt_date, participant_id
	`, dateOnly(from), dateOnly(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Conflict
	for rows.Next() {
		var pid int64
		c := Conflict{Kind: ConflictDoubleBooking}
		if err := rows.Scan(&pid, &c.Date, &c.Count); err != nil {
			return nil, err
		}
		c.ParticipantID = &pid
		result = append(result, c)
	}
	return result, rows.Err()
}

func (r *PgRepository) FindTimeCollisions(ctx context.Context, from, to time.Time) ([]Conflict, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT appt_date, appt_time, COUNT(*)
		FROM appointments
		WHERE appt_date BETWEEN $1::date AND $2::date
		  AND appt_time <> ''
		  AND state <> 'cancelled'
		GROUP BY appt_date, appt_time
		HAVING COUNT(*) > 1
		ORDER BY appt_date, appt_time
	`, dateOnly(from), dateOnly(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Conflict
	for rows.Next() {
		c := Conflict{Kind: ConflictTimeCollision}
		if err := rows.Scan(&c.Date, &c.Time, &c.Count); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (r *PgRepository) GetAppointment(ctx context.Context, key AppointmentKey) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE study_id = $1 AND number = $2
	`, key.StudyID, key.Number)
	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment) error {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET participant_id = $3,
		    group_id = $4,
		    appt_date = $5,
		    appt_time = $6,
		    state = $7,
		    note = $8,
		    updated_at = now()
		WHERE study_id = $1 AND number = $2
		RETURNING updated_at
	`, a.StudyID, a.Number, a.ParticipantID, a.GroupID, nullableDate(a.Date), a.Time, a.State, a.Note)

	if err := row.Scan(&a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAppointmentNotFound
		}
		return err
	}
	return nil
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, key AppointmentKey) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM appointments WHERE study_id = $1 AND number = $2`, key.StudyID, key.Number)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) WithinSerializableTx(ctx context.Context, fn func(ctx context.Context, w Writer) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin serializable tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgWriter{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if pgCode(err) == pgSerializationFailure {
			return fmt.Errorf("commit: %w", ErrConcurrentUpdate)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, study_id, number, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.StudyID, ev.Number, ev.Payload, nullableDate(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

// pgWriter runs allocator statements inside the serializable transaction.
type pgWriter struct {
	tx pgx.Tx
}

// CreateAppointment inserts behind a savepoint so a unique violation only
// rolls back this attempt.
func (w *pgWriter) CreateAppointment(ctx context.Context, a *Appointment) error {
	sp, err := w.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	err = insertAppointment(ctx, sp, a)
	if err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return ErrDuplicateAppointment
		case pgSerializationFailure:
			return ErrConcurrentUpdate
		}
		return err
	}

	return sp.Commit(ctx)
}

func insertAppointment(ctx context.Context, q queryable, a *Appointment) error {
	return q.QueryRow(ctx, `
		INSERT INTO appointments (study_id, number, participant_id, group_id, appt_date, appt_time, state, note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING created_at, updated_at
	`, a.StudyID, a.Number, a.ParticipantID, a.GroupID, nullableDate(a.Date), a.Time, a.State, a.Note).
		Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (w *pgWriter) ActiveBooking(ctx context.Context, participantID, studyID int64) (int, bool, error) {
	var number int
	err := w.tx.QueryRow(ctx, `
		SELECT number
		FROM appointments
		WHERE participant_id = $1 AND study_id = $2 AND state <> 'cancelled'
		ORDER BY number
		LIMIT 1
	`, participantID, studyID).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		if pgCode(err) == pgSerializationFailure {
			return 0, false, ErrConcurrentUpdate
		}
		return 0, false, err
	}
	return number, true, nil
}

func (w *pgWriter) MaxAppointmentNumber(ctx context.Context, studyID int64) (int, bool, error) {
	var highest *int
	if err := w.tx.QueryRow(ctx, `SELECT MAX(number) FROM appointments WHERE study_id = $1`, studyID).Scan(&highest); err != nil {
		return 0, false, err
	}
	if highest == nil {
		return 0, false, nil
	}
	return *highest, true, nil
}
