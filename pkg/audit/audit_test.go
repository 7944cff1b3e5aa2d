package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/cell-sts/internal/testutil"
	"github.com/StricklySoft/cell-sts/pkg/clients/postgres"
)

func sampleEntry(decision string) Entry {
	return Entry{
		Time:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RequestID:   "r1",
		Direction:   "inbound",
		Source:      "cella--orders",
		Destination: "cellb--hr",
		Decision:    decision,
		Reason:      "token_expired",
		Subject:     "alice",
		Latency:     1500 * time.Microsecond,
	}
}

// ---------------------------------------------------------------------------
// LogRecorder and Multi
// ---------------------------------------------------------------------------

func TestLogRecorder(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := &LogRecorder{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	r.Record(context.Background(), sampleEntry("ok"))
	assert.Empty(t, buf.String(), "allowed decisions log at debug unless verbose")

	r.Record(context.Background(), sampleEntry("deny"))
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit: decision", line["msg"])
	assert.Equal(t, "r1", line["request_id"])
	assert.Equal(t, "deny", line["decision"])
	assert.Equal(t, "token_expired", line["reason"])
	assert.EqualValues(t, 1, line["latency_ms"])

	buf.Reset()
	r.Verbose = true
	r.Record(context.Background(), sampleEntry("ok"))
	assert.Contains(t, buf.String(), `"decision":"ok"`)
}

type captureRecorder struct{ entries []Entry }

func (c *captureRecorder) Record(_ context.Context, e Entry) { c.entries = append(c.entries, e) }

func TestMulti(t *testing.T) {
	t.Parallel()
	a, b := &captureRecorder{}, &captureRecorder{}
	Multi(a, Nop{}, b).Record(context.Background(), sampleEntry("ok"))
	assert.Len(t, a.entries, 1)
	assert.Len(t, b.entries, 1)
}

// ---------------------------------------------------------------------------
// PostgresRecorder
// ---------------------------------------------------------------------------

func newRecorder(t *testing.T, queue int) (*PostgresRecorder, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresRecorder(postgres.NewFromPool(mock, nil), queue, testutil.DiscardLogger()), mock
}

func TestPostgresRecorder_Migrate(t *testing.T) {
	t.Parallel()
	r, mock := newRecorder(t, 0)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sts_decisions").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, r.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecorder_WritesQueuedEntries(t *testing.T) {
	t.Parallel()
	r, mock := newRecorder(t, 8)
	e := sampleEntry("deny")
	for _, id := range []string{"r1", "r2"} {
		mock.ExpectExec("INSERT INTO sts_decisions").
			WithArgs(e.Time, id, "inbound", "cella--orders", "cellb--hr", "deny", "token_expired", "alice", int64(1500)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	r.Start()
	r.Record(context.Background(), e)
	e.RequestID = "r2"
	r.Record(context.Background(), e)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Zero(t, r.Dropped())

	r.Record(context.Background(), e)
	assert.Equal(t, int64(1), r.Dropped(), "records after close are dropped")
}

func TestPostgresRecorder_DropsWhenFull(t *testing.T) {
	t.Parallel()
	r, _ := newRecorder(t, 2)

	for range 5 {
		r.Record(context.Background(), sampleEntry("ok"))
	}
	assert.Equal(t, int64(3), r.Dropped())
}

func TestPostgresRecorder_WriteFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	r, mock := newRecorder(t, 4)
	mock.ExpectExec("INSERT INTO sts_decisions").WillReturnError(errors.New("relation does not exist"))

	r.Start()
	r.Record(context.Background(), sampleEntry("ok"))
	require.NoError(t, r.Close(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecorder_ByRequest(t *testing.T) {
	t.Parallel()
	r, mock := newRecorder(t, 0)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT decided_at").
		WithArgs("r1", 100).
		WillReturnRows(pgxmock.NewRows([]string{
			"decided_at", "request_id", "direction", "source", "destination", "decision", "reason", "subject", "latency_us",
		}).
			AddRow(at, "r1", "outbound", "cellb--hr", "cellc--stock", "ok", "", "alice", int64(2000)).
			AddRow(at.Add(-time.Second), "r1", "inbound", "cella--orders", "cellb--hr", "ok", "", "alice", int64(900)))

	entries, err := r.ByRequest(context.Background(), "r1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "outbound", entries[0].Direction)
	assert.Equal(t, 2*time.Millisecond, entries[0].Latency)
	assert.Equal(t, "cella--orders", entries[1].Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecorder_ByRequestError(t *testing.T) {
	t.Parallel()
	r, mock := newRecorder(t, 0)
	mock.ExpectQuery("SELECT decided_at").WillReturnError(errors.New("boom"))

	_, err := r.ByRequest(context.Background(), "r1", 10)
	assert.Error(t, err)
}
