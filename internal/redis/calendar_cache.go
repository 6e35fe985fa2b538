package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Complexity-ML/cosmetest-back-sub000/internal/appointment"
)

const calendarGenerationKey = "calendar:gen"

// CalendarCache keeps calendar views as JSON under a generation prefix.
// InvalidateAll bumps the generation, orphaning every older entry until its
// TTL expires.
type CalendarCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ appointment.CalendarCache = (*CalendarCache)(nil)

func NewCalendarCache(client *redis.Client, ttl time.Duration) *CalendarCache {
	return &CalendarCache{client: client, ttl: ttl}
}

func calendarKey(generation int64, key string) string {
	return fmt.Sprintf("calendar:v%d:%s", generation, key)
}

func (c *CalendarCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, calendarGenerationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read calendar generation: %w", err)
	}
	return gen, nil
}

func (c *CalendarCache) Get(ctx context.Context, key string) (*appointment.CalendarView, int64, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return nil, 0, false, err
	}

	data, err := c.client.Get(ctx, calendarKey(gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gen, false, nil
	}
	if err != nil {
		return nil, gen, false, fmt.Errorf("get calendar view: %w", err)
	}

	var view appointment.CalendarView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, gen, false, fmt.Errorf("decode calendar view: %w", err)
	}
	return &view, gen, true, nil
}

// setIfCurrentScript writes KEYS[2] only while the generation in KEYS[1]
// still equals ARGV[1]. A missing generation counts as 0.
var setIfCurrentScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[1])
if (gen or "0") ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// Set stores view under generation gen. It is a no-op when the generation
// moved on after gen was read.
func (c *CalendarCache) Set(ctx context.Context, key string, gen int64, view *appointment.CalendarView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode calendar view: %w", err)
	}

	keys := []string{calendarGenerationKey, calendarKey(gen, key)}
	err = setIfCurrentScript.Run(ctx, c.client, keys, strconv.FormatInt(gen, 10), data, c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("set calendar view: %w", err)
	}
	return nil
}

func (c *CalendarCache) InvalidateAll(ctx context.Context) error {
	if err := c.client.Incr(ctx, calendarGenerationKey).Err(); err != nil {
		return fmt.Errorf("bump calendar generation: %w", err)
	}
	return nil
}
