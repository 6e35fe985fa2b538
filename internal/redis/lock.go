package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Complexity-ML/cosmetest-back-sub000/internal/appointment"
)

// StudyLocker serializes batch creation per study across API instances.
// The lock only narrows contention; number uniqueness is still enforced by
// the database.
type StudyLocker struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

var _ appointment.Locker = (*StudyLocker)(nil)

func NewStudyLocker(client *redis.Client, ttl time.Duration, log zerolog.Logger) *StudyLocker {
	return &StudyLocker{
		client: client,
		ttl:    ttl,
		log:    log.With().Str("component", "study_lock").Logger(),
	}
}

func studyLockKey(studyID int64) string {
	return fmt.Sprintf("lock:study:%d", studyID)
}

// TryWithStudyLock runs fn while holding the study's lock. It reports
// acquired=false without running fn when another holder owns it.
func (l *StudyLocker) TryWithStudyLock(ctx context.Context, studyID int64, fn func(ctx context.Context) error) (bool, error) {
	key := studyLockKey(studyID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire study lock: %w", err)
	}
	if !ok {
		l.log.Debug().Int64("study_id", studyID).Msg("study lock busy")
		return false, nil
	}

	defer func() {
		// Release on a fresh context so a cancelled request still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := l.release(releaseCtx, key, token); err != nil {
			l.log.Warn().Err(err).Int64("study_id", studyID).Msg("study lock release failed")
		}
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return true, fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *StudyLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release study lock: %w", err)
	}
	return nil
}
