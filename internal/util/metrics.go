package util

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"github.com/uber-go/tally/v4"
)

// Metrics holds the counters shared by the producer, the coordinator and the
// links of one process.
type Metrics struct {
	FramesSent    tally.Counter
	FramesRecv    tally.Counter
	FramesDropped tally.Counter
	BytesSent     tally.Counter
	BytesRecv     tally.Counter

	ChunksSent         tally.Counter
	ChunksReceived     tally.Counter
	DuplicateChunks    tally.Counter
	FragmentsEvicted   tally.Counter
	TransfersCompleted tally.Counter
	TransfersFailed    tally.Counter

	PendingFiles     tally.Gauge
	TransferDuration tally.Timer
}

// NewMetrics registers all metrics on scope.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		FramesSent:    scope.Counter("frames_sent"),
		FramesRecv:    scope.Counter("frames_received"),
		FramesDropped: scope.Counter("frames_dropped"),
		BytesSent:     scope.Counter("bytes_sent"),
		BytesRecv:     scope.Counter("bytes_received"),

		ChunksSent:         scope.Counter("chunks_sent"),
		ChunksReceived:     scope.Counter("chunks_received"),
		DuplicateChunks:    scope.Counter("chunks_duplicate"),
		FragmentsEvicted:   scope.Counter("fragments_evicted"),
		TransfersCompleted: scope.Counter("transfers_completed"),
		TransfersFailed:    scope.Counter("transfers_failed"),

		PendingFiles:     scope.Gauge("pending_files"),
		TransferDuration: scope.Timer("transfer_duration"),
	}
}

// NopMetrics returns Metrics that discard everything.
func NopMetrics() *Metrics {
	return NewMetrics(tally.NoopScope)
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartMetricsReporter creates a root scope that logs link statistics every
// interval through pterm. The scope is closed when ctx is cancelled.
func StartMetricsReporter(ctx context.Context, interval time.Duration) tally.Scope {
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "tmslink",
		Reporter: &logReporter{interval: interval, counters: make(map[string]int64)},
	}, interval)

	go func() {
		<-ctx.Done()
		closer.Close()
	}()

	return scope
}

// logReporter is a tally.StatsReporter that accumulates counter deltas and
// prints one summary line per flush.
type logReporter struct {
	interval time.Duration

	mu       sync.Mutex
	counters map[string]int64
	pending  float64
}

var _ tally.StatsReporter = (*logReporter)(nil)

func (r *logReporter) ReportCounter(name string, _ map[string]string, value int64) {
	r.mu.Lock()
	r.counters[trimPrefix(name)] += value
	r.mu.Unlock()
}

func (r *logReporter) ReportGauge(name string, _ map[string]string, value float64) {
	if trimPrefix(name) != "pending_files" {
		return
	}
	r.mu.Lock()
	r.pending = value
	r.mu.Unlock()
}

func (r *logReporter) ReportTimer(string, map[string]string, time.Duration) {}

func (r *logReporter) ReportHistogramValueSamples(string, map[string]string, tally.Buckets, float64, float64, int64) {
}

func (r *logReporter) ReportHistogramDurationSamples(string, map[string]string, tally.Buckets, time.Duration, time.Duration, int64) {
}

func (r *logReporter) Capabilities() tally.Capabilities { return r }
func (r *logReporter) Reporting() bool                  { return true }
func (r *logReporter) Tagging() bool                    { return false }

// Flush logs the accumulated deltas if anything moved, then resets them.
func (r *logReporter) Flush() {
	r.mu.Lock()
	c := r.counters
	r.counters = make(map[string]int64)
	pending := r.pending
	r.mu.Unlock()

	secs := r.interval.Seconds()
	if secs <= 0 {
		secs = 1
	}
	inS := float64(c["bytes_received"]) / secs
	outS := float64(c["bytes_sent"]) / secs

	if inS > 10 || outS > 10 || c["transfers_completed"] > 0 || c["transfers_failed"] > 0 || c["frames_dropped"] > 0 {
		pterm.DefaultLogger.Info(formatStats(inS, outS, c["transfers_completed"], c["transfers_failed"], c["frames_dropped"], pending))
	}
}

func trimPrefix(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns one summary line for the logger.
func formatStats(inS, outS float64, done, failed, dropped int64, pending float64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Files: %2d✓ %2d✗ | Dropped: %d | Pending: %.0f",
		formatBytes(inS),
		formatBytes(outS),
		done,
		failed,
		dropped,
		pending,
	)
}
