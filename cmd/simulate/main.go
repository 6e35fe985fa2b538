// Command simulate drives concurrent creation against a handful of studies
// and checks that no appointment number is handed out twice within a study.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Complexity-ML/cosmetest-back-sub000/internal/config"
	"github.com/Complexity-ML/cosmetest-back-sub000/internal/db"
	"github.com/Complexity-ML/cosmetest-back-sub000/internal/logging"
)

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	BatchRatio  float64
	ReadRatio   float64
	BatchSize   int
	StudyLimit  int
	PostgresDSN string
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, worst time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	n := len(latencies)
	return sum / time.Duration(n), latencies[n*50/100], latencies[min(n*95/100, n-1)], latencies[n-1]
}

type Metrics struct {
	Single   OperationMetrics
	Batch    OperationMetrics
	Calendar OperationMetrics
}

// issued records every number the API returned, per study.
type issued struct {
	mu         sync.Mutex
	numbers    map[int64]map[int]int
	exhausted  int64
	itemErrors int64
}

func (is *issued) add(studyID int64, number int) {
	is.mu.Lock()
	defer is.mu.Unlock()
	if is.numbers[studyID] == nil {
		is.numbers[studyID] = make(map[int]int)
	}
	is.numbers[studyID][number]++
}

func (is *issued) duplicates() int {
	is.mu.Lock()
	defer is.mu.Unlock()
	dups := 0
	for _, nums := range is.numbers {
		for _, c := range nums {
			if c > 1 {
				dups += c - 1
			}
		}
	}
	return dups
}

type Simulator struct {
	config  SimConfig
	studies []int64
	client  *http.Client
	metrics Metrics
	issued  *issued
	log     zerolog.Logger
}

func main() {
	cfg, base := loadConfig()
	logger := logging.New(base.Env, base.LogLevel).With().Str("cmd", "simulate").Logger()

	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("batch_ratio", cfg.BatchRatio).
		Float64("read_ratio", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	studies, err := loadStudies(ctx, pgPool, cfg.StudyLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("load studies")
	}
	logger.Info().Int("studies", len(studies)).Msg("loaded studies")

	sim := &Simulator{
		config:  cfg,
		studies: studies,
		client:  &http.Client{Timeout: 10 * time.Second},
		issued:  &issued{numbers: make(map[int64]map[int]int)},
		log:     logger,
	}

	sim.Run()

	dbDups, err := countStoredDuplicates(context.Background(), pgPool)
	if err != nil {
		logger.Error().Err(err).Msg("duplicate check query failed")
	}
	sim.PrintReport(dbDups)
}

func loadConfig() (SimConfig, config.Config) {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load base config: %v\n", err)
		os.Exit(1)
	}

	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:"+baseCfg.HTTPPort),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 20),
		BatchRatio:  getFloat("SIM_BATCH_RATIO", 0.2),
		ReadRatio:   getFloat("SIM_READ_RATIO", 0.2),
		BatchSize:   getInt("SIM_BATCH_SIZE", 10),
		StudyLimit:  getInt("SIM_STUDY_LIMIT", 3),
		PostgresDSN: baseCfg.PostgresDSN,
	}
	return cfg, baseCfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.BatchRatio+cfg.ReadRatio > 1 {
		return fmt.Errorf("SIM_BATCH_RATIO + SIM_READ_RATIO must be <= 1")
	}
	return nil
}

func loadStudies(ctx context.Context, pool *pgxpool.Pool, limit int) ([]int64, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM studies ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no studies found, run the seed first")
	}
	return ids, nil
}

func countStoredDuplicates(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM (
			SELECT study_id, number FROM appointments
			GROUP BY study_id, number
			HAVING COUNT(*) > 1
		) d
	`).Scan(&n)
	return n, err
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context) {
	for ctx.Err() == nil {
		studyID := s.studies[rand.IntN(len(s.studies))]

		r := rand.Float64()
		switch {
		case r < s.config.BatchRatio:
			s.doBatch(ctx, studyID)
		case r < s.config.BatchRatio+s.config.ReadRatio:
			s.doCalendar(ctx)
		default:
			s.doSingle(ctx, studyID)
		}
	}
}

type createdAppointment struct {
	StudyID int64 `json:"study_id"`
	Number  int   `json:"number"`
}

func (s *Simulator) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.client.Do(req)
}

func (s *Simulator) doSingle(ctx context.Context, studyID int64) {
	start := time.Now()
	resp, err := s.post(ctx, fmt.Sprintf("/studies/%d/appointments", studyID), map[string]string{"note": "simulated"})
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusCreated:
			var created createdAppointment
			if json.NewDecoder(resp.Body).Decode(&created) == nil {
				s.issued.add(created.StudyID, created.Number)
			}
			success = true
		case http.StatusServiceUnavailable:
			atomic.AddInt64(&s.issued.exhausted, 1)
		case http.StatusConflict:
			conflict = true
		}
	} else if ctx.Err() != nil {
		return
	}

	s.metrics.Single.Record(latency, success, conflict)
}

func (s *Simulator) doBatch(ctx context.Context, studyID int64) {
	items := make([]map[string]string, s.config.BatchSize)
	for i := range items {
		items[i] = map[string]string{"note": "simulated batch"}
	}

	start := time.Now()
	resp, err := s.post(ctx, fmt.Sprintf("/studies/%d/appointments/batch", studyID), map[string]any{"items": items})
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			var result struct {
				Created    []createdAppointment `json:"created"`
				ErrorCount int                  `json:"error_count"`
			}
			if json.NewDecoder(resp.Body).Decode(&result) == nil {
				for _, c := range result.Created {
					s.issued.add(c.StudyID, c.Number)
				}
				atomic.AddInt64(&s.issued.itemErrors, int64(result.ErrorCount))
			}
			success = true
		case http.StatusConflict:
			// another batch holds the study lock
			conflict = true
		}
	} else if ctx.Err() != nil {
		return
	}

	s.metrics.Batch.Record(latency, success, conflict)
}

func (s *Simulator) doCalendar(ctx context.Context) {
	today := time.Now()
	url := fmt.Sprintf("%s/calendar?from=%s&to=%s&stats=true",
		s.config.APIBaseURL, today.Format("2006-01-02"), today.AddDate(0, 0, 30).Format("2006-01-02"))

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	} else if ctx.Err() != nil {
		return
	}

	s.metrics.Calendar.Record(latency, success, false)
}

func (s *Simulator) PrintReport(storedDuplicates int) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Studies: %v\n", s.studies)
	fmt.Println()

	printOperationReport("Single create", &s.metrics.Single)
	printOperationReport("Batch create", &s.metrics.Batch)
	printOperationReport("Calendar read", &s.metrics.Calendar)

	fmt.Println("Allocation:")
	fmt.Printf("  Exhausted requests: %d\n", atomic.LoadInt64(&s.issued.exhausted))
	fmt.Printf("  Batch item errors: %d\n", atomic.LoadInt64(&s.issued.itemErrors))
	fmt.Printf("  Duplicate numbers returned by API: %d\n", s.issued.duplicates())
	fmt.Printf("  Duplicate (study, number) rows stored: %d\n", storedDuplicates)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, worst := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond), p95.Round(time.Millisecond), worst.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
