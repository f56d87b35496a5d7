// Package analytics is the fire-and-forget ClickHouse telemetry sink.
// It batches completed-match records in memory and flushes on a
// size-or-ticker trigger. One invariant: nothing here may ever block or
// fail a match. Every insert error is logged and dropped.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/siggame/pyrena-arena/internal/metrics"
)

// MatchOutcome is one completed game's telemetry record.
type MatchOutcome struct {
	GameID             int
	Status             string
	WinnerSubmissionID int
	WinReason          string
	LoseReason         string
	DurationSeconds    float64
	LeftSubmissionID   int
	RightSubmissionID  int
	CreatedAt          time.Time
}

// Sink batches MatchOutcome records and inserts them into ClickHouse.
type Sink struct {
	conn          driver.Conn
	logger        *zap.SugaredLogger
	records       chan MatchOutcome
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
}

// Connect dials ClickHouse. A connection failure is never fatal to the
// caller: on error, the caller should run with a nil *Sink, which makes
// Record a no-op.
func Connect(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return conn, nil
}

// NewSink starts the batching goroutine. batchSize and flushInterval
// come from ANALYTICS_BATCH_SIZE/ANALYTICS_FLUSH_INTERVAL.
func NewSink(conn driver.Conn, batchSize int, flushInterval time.Duration, logger *zap.SugaredLogger) *Sink {
	s := &Sink{
		conn:          conn,
		logger:        logger,
		records:       make(chan MatchOutcome, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
	go s.run()
	return s
}

// Record enqueues a completed match's outcome. Safe to call on a nil
// *Sink. Never blocks the caller beyond a channel send; if the internal
// buffer is full the record is dropped rather than backing up C5.
func (s *Sink) Record(outcome MatchOutcome) {
	if s == nil {
		return
	}
	select {
	case s.records <- outcome:
	default:
		s.logger.Warnw("analytics buffer full, dropping record", "game_id", outcome.GameID)
		metrics.AnalyticsInsertFailures.Inc()
	}
}

// Stop flushes any buffered records and stops the batching goroutine.
func (s *Sink) Stop() {
	if s == nil {
		return
	}
	close(s.records)
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)

	batch := make([]MatchOutcome, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertBatch(batch); err != nil {
			s.logger.Warnw("clickhouse batch insert failed, dropping records", "error", err, "count", len(batch))
			metrics.AnalyticsInsertFailures.Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-s.records:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Sink) insertBatch(batch []MatchOutcome) error {
	ctx := context.Background()
	chBatch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO arena.match_outcomes (
			game_id, status, winner_submission_id, win_reason, lose_reason,
			duration_seconds, left_submission_id, right_submission_id, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, rec := range batch {
		err := chBatch.Append(
			rec.GameID,
			rec.Status,
			rec.WinnerSubmissionID,
			rec.WinReason,
			rec.LoseReason,
			rec.DurationSeconds,
			rec.LeftSubmissionID,
			rec.RightSubmissionID,
			rec.CreatedAt,
		)
		if err != nil {
			s.logger.Warnw("failed to append analytics record", "error", err, "game_id", rec.GameID)
		}
	}

	return chBatch.Send()
}
