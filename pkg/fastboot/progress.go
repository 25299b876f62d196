package fastboot

import (
	"time"

	"golang.org/x/time/rate"
)

// Stage is a flash_partition lifecycle stage (spec.md §3 "Progress
// record").
type Stage int

const (
	StagePreparing Stage = iota
	StageSending
	StageWriting
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StagePreparing:
		return "Preparing"
	case StageSending:
		return "Sending"
	case StageWriting:
		return "Writing"
	case StageDone:
		return "Done"
	case StageFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Progress is emitted by value to the caller-supplied observer; the client
// keeps no back-reference to it (spec.md §9 "Event-delegate progress").
type Progress struct {
	Partition    string
	Stage        Stage
	CurrentChunk int
	TotalChunks  int
	BytesSent    uint64
	TotalBytes   uint64
	Percent      float64
	SpeedBps     float64
	Err          error // set on StageFailed
}

// ProgressFunc receives Progress records. It must not block for long — it
// is called on the session's single cooperative task.
type ProgressFunc func(Progress)

// progressEmitter rate-limits byte-level progress callbacks during a DATA
// phase so a fast bulk transfer does not flood the observer, while always
// delivering the terminal record of each stage (SPEC_FULL.md §4.4).
type progressEmitter struct {
	fn       ProgressFunc
	limiter  *rate.Limiter
	window   speedWindow
}

func newProgressEmitter(fn ProgressFunc) *progressEmitter {
	if fn == nil {
		fn = func(Progress) {}
	}
	return &progressEmitter{
		fn:      fn,
		limiter: rate.NewLimiter(rate.Limit(20), 1), // ~20 records/second
		window:  newSpeedWindow(time.Second),
	}
}

// emit delivers p unconditionally (used for stage transitions that must
// never be dropped: Preparing, Sending, Writing, Done, Failed).
func (e *progressEmitter) emit(p Progress) {
	e.fn(p)
}

// emitBytes delivers a byte-level progress update, subject to the rate
// limiter. force bypasses the limiter (used for the final byte count of a
// sub-image).
func (e *progressEmitter) emitBytes(p Progress, force bool) {
	if !force && !e.limiter.Allow() {
		return
	}
	e.fn(p)
}

// recordBytes feeds n freshly transferred bytes into the sliding window and
// returns the current speed in bytes/second.
func (e *progressEmitter) recordBytes(n int) float64 {
	return e.window.add(n)
}

// speedWindow computes a bytes/second rate over a trailing duration using a
// sliding window of timestamped samples, one per add call.
type speedWindow struct {
	horizon time.Duration
	samples []sample
}

type sample struct {
	at    time.Time
	bytes int
}

func newSpeedWindow(horizon time.Duration) speedWindow {
	return speedWindow{horizon: horizon}
}

func (w *speedWindow) add(n int) float64 {
	now := time.Now()
	w.samples = append(w.samples, sample{at: now, bytes: n})

	cutoff := now.Add(-w.horizon)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	w.samples = w.samples[i:]

	total := 0
	for _, s := range w.samples {
		total += s.bytes
	}
	if len(w.samples) == 0 {
		return 0
	}
	elapsed := now.Sub(w.samples[0].at).Seconds()
	if elapsed <= 0 {
		return float64(total)
	}
	return float64(total) / elapsed
}
