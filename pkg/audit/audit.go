// Package audit keeps a record of every decision the STS makes. Recording
// is best effort: it never blocks or fails a check call.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Entry is one decision.
type Entry struct {
	Time        time.Time     `json:"time"`
	RequestID   string        `json:"requestId"`
	Direction   string        `json:"direction"`
	Source      string        `json:"source"`
	Destination string        `json:"destination"`
	Decision    string        `json:"decision"`
	Reason      string        `json:"reason,omitempty"`
	Subject     string        `json:"subject,omitempty"`
	Latency     time.Duration `json:"latency"`
}

// Recorder accepts entries.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}

// LogRecorder writes entries to a structured logger at info level, or
// debug level for allowed calls when Verbose is false.
type LogRecorder struct {
	Logger  *slog.Logger
	Verbose bool
}

// Record implements [Recorder].
func (r *LogRecorder) Record(ctx context.Context, e Entry) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if e.Decision != "deny" && !r.Verbose {
		level = slog.LevelDebug
	}
	logger.Log(ctx, level, "audit: decision",
		"request_id", e.RequestID,
		"direction", e.Direction,
		"source", e.Source,
		"destination", e.Destination,
		"decision", e.Decision,
		"reason", e.Reason,
		"subject", e.Subject,
		"latency_ms", e.Latency.Milliseconds(),
	)
}

// Multi fans entries out to every recorder.
func Multi(recorders ...Recorder) Recorder {
	return multi(recorders)
}

type multi []Recorder

func (m multi) Record(ctx context.Context, e Entry) {
	for _, r := range m {
		r.Record(ctx, e)
	}
}
