package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/StricklySoft/cell-sts/pkg/clients/postgres"
)

// DefaultQueueSize bounds the entries waiting to be written.
const DefaultQueueSize = 1024

const writeTimeout = 2 * time.Second

const schema = `CREATE TABLE IF NOT EXISTS sts_decisions (
	id           BIGSERIAL PRIMARY KEY,
	decided_at   TIMESTAMPTZ NOT NULL,
	request_id   TEXT NOT NULL,
	direction    TEXT NOT NULL,
	source       TEXT NOT NULL,
	destination  TEXT NOT NULL,
	decision     TEXT NOT NULL,
	reason       TEXT NOT NULL,
	subject      TEXT NOT NULL,
	latency_us   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS sts_decisions_request_id ON sts_decisions (request_id)`

const insertSQL = `INSERT INTO sts_decisions
	(decided_at, request_id, direction, source, destination, decision, reason, subject, latency_us)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const selectSQL = `SELECT decided_at, request_id, direction, source, destination, decision, reason, subject, latency_us
	FROM sts_decisions WHERE request_id = $1 ORDER BY decided_at DESC LIMIT $2`

// PostgresRecorder queues entries and writes them from a single background
// goroutine. When the queue is full new entries are dropped and counted.
type PostgresRecorder struct {
	client *postgres.Client
	logger *slog.Logger
	queue  chan Entry

	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
}

var _ Recorder = (*PostgresRecorder)(nil)

// NewPostgresRecorder returns a recorder writing through client. Call
// [PostgresRecorder.Start] before recording.
func NewPostgresRecorder(client *postgres.Client, queueSize int, logger *slog.Logger) *PostgresRecorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRecorder{
		client: client,
		logger: logger,
		queue:  make(chan Entry, queueSize),
		stop:   make(chan struct{}),
	}
}

// Migrate creates the table if it does not exist.
func (r *PostgresRecorder) Migrate(ctx context.Context) error {
	_, err := r.client.Exec(ctx, schema)
	return err
}

// Start launches the writer.
func (r *PostgresRecorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// Close stops accepting entries, writes what is queued and waits for the
// writer to exit or ctx to end.
func (r *PostgresRecorder) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.stop) })
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record implements [Recorder]. It never blocks.
func (r *PostgresRecorder) Record(_ context.Context, e Entry) {
	select {
	case <-r.stop:
		r.dropped.Add(1)
		return
	default:
	}
	select {
	case r.queue <- e:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			r.logger.Warn("audit: queue full, dropping entries", "dropped", n)
		}
	}
}

// Dropped returns how many entries were discarded.
func (r *PostgresRecorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *PostgresRecorder) run() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-r.stop:
			for {
				select {
				case e := <-r.queue:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *PostgresRecorder) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := r.client.Exec(ctx, insertSQL,
		e.Time.UTC(), e.RequestID, e.Direction, e.Source, e.Destination,
		e.Decision, e.Reason, e.Subject, e.Latency.Microseconds())
	if err != nil {
		r.logger.Warn("audit: write failed", "request_id", e.RequestID, "error", err)
	}
}

// ByRequest returns up to limit entries for requestID, newest first.
func (r *PostgresRecorder) ByRequest(ctx context.Context, requestID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.client.Query(ctx, selectSQL, requestID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			latencyUS int64
		)
		if err := rows.Scan(&e.Time, &e.RequestID, &e.Direction, &e.Source, &e.Destination,
			&e.Decision, &e.Reason, &e.Subject, &latencyUS); err != nil {
			return nil, err
		}
		e.Latency = time.Duration(latencyUS) * time.Microsecond
		out = append(out, e)
	}
	return out, rows.Err()
}
