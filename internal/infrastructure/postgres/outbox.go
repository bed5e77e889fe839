// Package postgres provides PostgreSQL infrastructure components.
// Implements the Transactional Outbox pattern for reliable bundle delivery.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Schema creates the outbox table
const Schema = `
CREATE TABLE IF NOT EXISTS bundle_outbox (
	id           BIGSERIAL PRIMARY KEY,
	message_key  TEXT NOT NULL,
	tenant       TEXT NOT NULL,
	trigger_event TEXT NOT NULL,
	control_id   TEXT NOT NULL,
	bundle_id    TEXT NOT NULL,
	payload      BYTEA NOT NULL,
	topic        TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at TIMESTAMPTZ,
	retry_count  INT NOT NULL DEFAULT 0,
	last_error   TEXT,
	UNIQUE (message_key)
);
CREATE INDEX IF NOT EXISTS bundle_outbox_pending_idx ON bundle_outbox (created_at) WHERE processed_at IS NULL;
`

// OutboxEntry is one converted bundle waiting for delivery
type OutboxEntry struct {
	ID         int64
	MessageKey string
	Tenant     string
	Trigger    string
	ControlID  string
	BundleID   string
	Payload    []byte
	Topic      string
	CreatedAt  time.Time
	RetryCount int
	LastError  *string
}

// OutboxConfig holds configuration for the outbox processor
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the maximum retries before moving to dead letter
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    200 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "conversion.dead-letter",
	}
}

// Publisher delivers an outbox entry downstream
type Publisher interface {
	Publish(ctx context.Context, entry *OutboxEntry) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, entry *OutboxEntry) error

func (f PublisherFunc) Publish(ctx context.Context, entry *OutboxEntry) error {
	return f(ctx, entry)
}

// DeadLetterPublisher receives entries that will not be retried again
type DeadLetterPublisher interface {
	PublishRaw(ctx context.Context, topic, key string, value []byte) error
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Outbox stores converted bundles and relays them to a Publisher
type Outbox struct {
	pool       *pgxpool.Pool
	config     OutboxConfig
	publisher  Publisher
	deadLetter DeadLetterPublisher
	logger     *zap.Logger
	tracer     trace.Tracer

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox. publisher and deadLetter may be nil for
// writers that only enqueue.
func NewOutbox(pool *pgxpool.Pool, publisher Publisher, deadLetter DeadLetterPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:       pool,
		config:     cfg,
		publisher:  publisher,
		deadLetter: deadLetter,
		logger:     logger,
		tracer:     otel.Tracer("outbox"),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// EnsureSchema creates the outbox table when missing
func (o *Outbox) EnsureSchema(ctx context.Context) error {
	if _, err := o.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create outbox schema: %w", err)
	}
	return nil
}

// WriteEntry inserts an entry. A second write for the same message key is
// a no-op and leaves entry.ID zero.
func WriteEntry(ctx context.Context, q Querier, entry *OutboxEntry) error {
	query := `
		INSERT INTO bundle_outbox (message_key, tenant, trigger_event, control_id, bundle_id, payload, topic)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_key) DO NOTHING
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		entry.MessageKey,
		entry.Tenant,
		entry.Trigger,
		entry.ControlID,
		entry.BundleID,
		entry.Payload,
		entry.Topic,
	).Scan(&entry.ID, &entry.CreatedAt)

	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Enqueue stores an entry outside any caller transaction
func (o *Outbox) Enqueue(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_enqueue",
		trace.WithAttributes(
			attribute.String("bundle_id", entry.BundleID),
			attribute.String("hl7.trigger", entry.Trigger),
		))
	defer span.End()

	if err := WriteEntry(ctx, o.pool, entry); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox processor started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox processor
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox processor stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.processBatch()
		}
	}
}

// processBatch claims a batch inside one transaction so concurrent relays
// skip each other's rows
func (o *Outbox) processBatch() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_process_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		o.logger.Error("failed to begin outbox batch", zap.Error(err))
		span.RecordError(err)
		return
	}
	defer tx.Rollback(ctx)

	entries, err := o.fetchUnprocessed(ctx, tx)
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}

	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := o.processEntry(ctx, tx, entry); err != nil {
			o.logger.Error("failed to process outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("bundle_id", entry.BundleID),
				zap.Error(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		o.logger.Error("failed to commit outbox batch", zap.Error(err))
		span.RecordError(err)
	}
}

func (o *Outbox) fetchUnprocessed(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	query := `
		SELECT id, message_key, tenant, trigger_event, control_id, bundle_id, payload,
		       topic, created_at, retry_count, last_error
		FROM bundle_outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.MessageKey, &entry.Tenant, &entry.Trigger,
			&entry.ControlID, &entry.BundleID, &entry.Payload, &entry.Topic,
			&entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("bundle_id", entry.BundleID),
			attribute.String("hl7.control_id", entry.ControlID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry); err != nil {
		span.RecordError(err)
		if entry.RetryCount+1 >= o.config.MaxRetries {
			return o.moveToDeadLetter(ctx, tx, entry, err)
		}
		_, updateErr := tx.Exec(ctx, `
			UPDATE bundle_outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, err.Error(), entry.ID)
		if updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE bundle_outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	o.logger.Debug("outbox entry delivered",
		zap.Int64("id", entry.ID),
		zap.String("bundle_id", entry.BundleID))
	return nil
}

// DeadLetter is the envelope written to the dead-letter topic
type DeadLetter struct {
	Source     string          `json:"source"`
	MessageKey string          `json:"message_key"`
	Tenant     string          `json:"tenant"`
	Trigger    string          `json:"trigger"`
	ControlID  string          `json:"control_id"`
	Reason     string          `json:"reason"`
	Error      string          `json:"error"`
	RetryCount int             `json:"retry_count,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Raw        string          `json:"raw,omitempty"`
	FailedAt   time.Time       `json:"failed_at"`
}

func (o *Outbox) moveToDeadLetter(ctx context.Context, tx pgx.Tx, entry *OutboxEntry, cause error) error {
	if o.deadLetter == nil {
		return fmt.Errorf("retries exhausted for entry %d: %w", entry.ID, cause)
	}
	payload, err := json.Marshal(DeadLetter{
		Source:     "outbox-relay",
		MessageKey: entry.MessageKey,
		Tenant:     entry.Tenant,
		Trigger:    entry.Trigger,
		ControlID:  entry.ControlID,
		Reason:     "delivery_failed",
		Error:      cause.Error(),
		RetryCount: entry.RetryCount + 1,
		Payload:    entry.Payload,
		FailedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := o.deadLetter.PublishRaw(ctx, o.config.DeadLetterTopic, entry.MessageKey, payload); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE bundle_outbox
		SET processed_at = NOW(), retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
		WHERE id = $2
	`, cause.Error(), entry.ID)
	if err != nil {
		return fmt.Errorf("failed to mark dead-lettered entry: %w", err)
	}

	o.logger.Warn("outbox entry dead-lettered",
		zap.Int64("id", entry.ID),
		zap.String("bundle_id", entry.BundleID),
		zap.Error(cause))
	return nil
}

// CleanupProcessed removes old processed entries
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM bundle_outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats holds outbox statistics
type OutboxStats struct {
	Pending       int64
	Processed     int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}

	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM bundle_outbox
	`).Scan(&stats.Pending, &stats.Processed, &stats.OldestPending)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
