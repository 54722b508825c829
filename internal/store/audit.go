package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Config represents audit store configuration.
type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	Path          string        `mapstructure:"path"`
	QueueSize     int           `mapstructure:"queue_size"`
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// DefaultConfig returns default audit store configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Path:          "renderpool.db",
		QueueSize:     1024,
		Retention:     7 * 24 * time.Hour,
		PruneInterval: time.Hour,
	}
}

// ScalingRecord is one persisted scaling decision.
type ScalingRecord struct {
	ID        int64     `json:"id"`
	Service   string    `json:"service"`
	Direction string    `json:"direction"`
	FromCount int       `json:"from"`
	ToCount   int       `json:"to"`
	Score     float64   `json:"score"`
	ErrorRate float64   `json:"error_rate"`
	At        time.Time `json:"at"`
}

// LaunchRecord is one persisted worker launch decision.
type LaunchRecord struct {
	ID          int64     `json:"id"`
	Service     string    `json:"service"`
	TaskClass   string    `json:"task_class"`
	Accelerated bool      `json:"accelerated"`
	Rationale   string    `json:"rationale"`
	At          time.Time `json:"at"`
}

type auditEntry struct {
	scaling *ScalingRecord
	launch  *LaunchRecord
}

// AuditStore persists controller decisions to SQLite. Writes go through a
// bounded queue drained by a single writer goroutine; when the queue is full
// the entry is dropped and counted, never blocking the control loop.
type AuditStore struct {
	logger *zap.Logger
	db     *sql.DB
	clock  func() time.Time

	queue  chan auditEntry
	done   chan struct{}
	cancel context.CancelFunc

	retention     time.Duration
	pruneInterval time.Duration
}

// Open creates or opens the audit database and starts the writer.
func Open(logger *zap.Logger, config Config) (*AuditStore, error) {
	db, err := sql.Open("sqlite3", config.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	if err := initializeSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	pruneInterval := config.PruneInterval
	if pruneInterval <= 0 {
		pruneInterval = time.Hour
	}

	writerCtx, writerCancel := context.WithCancel(context.Background())
	s := &AuditStore{
		logger:        logger,
		db:            db,
		clock:         time.Now,
		queue:         make(chan auditEntry, queueSize),
		done:          make(chan struct{}),
		cancel:        writerCancel,
		retention:     config.Retention,
		pruneInterval: pruneInterval,
	}

	go s.writer(writerCtx)

	logger.Info("Audit store opened",
		zap.String("path", config.Path),
		zap.Int("queue_size", queueSize),
		zap.Duration("retention", config.Retention),
	)

	return s, nil
}

func initializeSchema(ctx context.Context, db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS scaling_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service TEXT NOT NULL,
			direction TEXT NOT NULL,
			from_count INTEGER NOT NULL,
			to_count INTEGER NOT NULL,
			score REAL NOT NULL,
			error_rate REAL NOT NULL,
			at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scaling_service_at ON scaling_events(service, at)`,
		`CREATE TABLE IF NOT EXISTS launch_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service TEXT NOT NULL,
			task_class TEXT NOT NULL,
			accelerated INTEGER NOT NULL,
			rationale TEXT NOT NULL,
			at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_launch_service_at ON launch_events(service, at)`,
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ScalingEvent implements the controller's audit sink. Never blocks.
func (s *AuditStore) ScalingEvent(service, direction string, from, to int, score, errorRate float64) {
	rec := &ScalingRecord{
		Service:   service,
		Direction: direction,
		FromCount: from,
		ToCount:   to,
		Score:     score,
		ErrorRate: errorRate,
		At:        s.clock(),
	}
	select {
	case s.queue <- auditEntry{scaling: rec}:
	default:
		s.logger.Warn("Audit queue full, scaling event dropped",
			zap.String("service", service),
		)
	}
}

// LaunchEvent implements the controller's audit sink. Never blocks.
func (s *AuditStore) LaunchEvent(service, taskClass string, accelerated bool, rationale string) {
	rec := &LaunchRecord{
		Service:     service,
		TaskClass:   taskClass,
		Accelerated: accelerated,
		Rationale:   rationale,
		At:          s.clock(),
	}
	select {
	case s.queue <- auditEntry{launch: rec}:
	default:
		s.logger.Warn("Audit queue full, launch event dropped",
			zap.String("service", service),
		)
	}
}

func (s *AuditStore) writer(ctx context.Context) {
	defer close(s.done)

	pruneTicker := time.NewTicker(s.pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Drain whatever made it into the queue before shutdown.
			for {
				select {
				case entry := <-s.queue:
					s.persist(entry)
				default:
					return
				}
			}
		case entry := <-s.queue:
			s.persist(entry)
		case <-pruneTicker.C:
			s.prune()
		}
	}
}

func (s *AuditStore) persist(entry auditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch {
	case entry.scaling != nil:
		r := entry.scaling
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO scaling_events (service, direction, from_count, to_count, score, error_rate, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.Service, r.Direction, r.FromCount, r.ToCount, r.Score, r.ErrorRate, r.At)
	case entry.launch != nil:
		r := entry.launch
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO launch_events (service, task_class, accelerated, rationale, at)
			 VALUES (?, ?, ?, ?, ?)`,
			r.Service, r.TaskClass, r.Accelerated, r.Rationale, r.At)
	}

	if err != nil {
		s.logger.Warn("Audit write failed", zap.Error(err))
	}
}

func (s *AuditStore) prune() {
	if s.retention <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := s.clock().Add(-s.retention)
	for _, table := range []string{"scaling_events", "launch_events"} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE at < ?`, table), cutoff)
		if err != nil {
			s.logger.Warn("Audit prune failed",
				zap.String("table", table),
				zap.Error(err),
			)
			continue
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			s.logger.Debug("Audit rows pruned",
				zap.String("table", table),
				zap.Int64("rows", n),
			)
		}
	}
}

// RecentScalingEvents returns the newest scaling decisions, optionally
// filtered by service.
func (s *AuditStore) RecentScalingEvents(ctx context.Context, service string, limit int) ([]ScalingRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, service, direction, from_count, to_count, score, error_rate, at
		FROM scaling_events`
	args := []interface{}{}
	if service != "" {
		query += ` WHERE service = ?`
		args = append(args, service)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scaling events: %w", err)
	}
	defer rows.Close()

	var out []ScalingRecord
	for rows.Next() {
		var r ScalingRecord
		if err := rows.Scan(&r.ID, &r.Service, &r.Direction, &r.FromCount, &r.ToCount, &r.Score, &r.ErrorRate, &r.At); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentLaunchEvents returns the newest launch decisions, optionally filtered
// by service.
func (s *AuditStore) RecentLaunchEvents(ctx context.Context, service string, limit int) ([]LaunchRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, service, task_class, accelerated, rationale, at
		FROM launch_events`
	args := []interface{}{}
	if service != "" {
		query += ` WHERE service = ?`
		args = append(args, service)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query launch events: %w", err)
	}
	defer rows.Close()

	var out []LaunchRecord
	for rows.Next() {
		var r LaunchRecord
		if err := rows.Scan(&r.ID, &r.Service, &r.TaskClass, &r.Accelerated, &r.Rationale, &r.At); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close stops the writer, flushes the queue and closes the database.
func (s *AuditStore) Close() error {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("Audit writer did not stop in time")
	}
	return s.db.Close()
}
