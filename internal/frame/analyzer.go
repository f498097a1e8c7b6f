package frame

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zombor/card-scanner/internal/cardmatch"
	"github.com/zombor/card-scanner/internal/recognition"
)

// ErrClosed is returned when a frame is submitted to a closed analyzer
var ErrClosed = errors.New("analyzer closed")

// Backpressure decides what happens when frames arrive faster than they are analyzed
type Backpressure string

const (
	// KeepOnlyLatest replaces a pending frame with the newest one
	KeepOnlyLatest Backpressure = "latest"
	// BlockProducer makes Submit wait until the worker has room
	BlockProducer Backpressure = "block"
)

// ParseBackpressure converts a config value into a Backpressure strategy
func ParseBackpressure(s string) (Backpressure, error) {
	switch Backpressure(s) {
	case KeepOnlyLatest, "":
		return KeepOnlyLatest, nil
	case BlockProducer:
		return BlockProducer, nil
	}
	return "", fmt.Errorf("invalid backpressure %q: must be %q or %q", s, KeepOnlyLatest, BlockProducer)
}

// Frame is a single still image from the camera stream
type Frame struct {
	ID          string
	Data        []byte
	ContentType string
	ReceivedAt  time.Time
}

// Result is what the worker produced for one frame
type Result struct {
	FrameID     string              `json:"frame_id"`
	Text        string              `json:"text"`
	Detection   cardmatch.Detection `json:"detection"`
	ProcessedAt time.Time           `json:"processed_at"`
	Duration    time.Duration       `json:"duration"`
}

// Stats counts frames as they move through the analyzer
type Stats struct {
	Submitted int64 `json:"submitted"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// Options configures an Analyzer
type Options struct {
	Backpressure Backpressure
	// QueueSize only applies to BlockProducer; KeepOnlyLatest always holds one frame
	QueueSize int
}

// Analyzer runs recognition and card detection on a single background worker
type Analyzer struct {
	recognizer recognition.Recognizer
	onResult   func(Result)
	strategy   Backpressure

	queue chan Frame
	done  chan struct{}

	// mu guards closed and the replace-latest step in Submit
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	submitted atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewAnalyzer creates an Analyzer. onResult is called from the worker goroutine.
func NewAnalyzer(recognizer recognition.Recognizer, onResult func(Result), opts Options) *Analyzer {
	strategy := opts.Backpressure
	if strategy == "" {
		strategy = KeepOnlyLatest
	}

	size := 1
	if strategy == BlockProducer && opts.QueueSize > 1 {
		size = opts.QueueSize
	}

	return &Analyzer{
		recognizer: recognizer,
		onResult:   onResult,
		strategy:   strategy,
		queue:      make(chan Frame, size),
		done:       make(chan struct{}),
	}
}

// Submit hands a frame to the worker
func (a *Analyzer) Submit(f Frame) error {
	if a.strategy == BlockProducer {
		return a.submitBlocking(f)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	a.submitted.Add(1)
	for {
		select {
		case a.queue <- f:
			return nil
		default:
		}

		// Queue is full: discard the pending frame so the newest one wins
		select {
		case stale := <-a.queue:
			a.dropped.Add(1)
			slog.Debug("Dropped stale frame", "frame_id", stale.ID)
		default:
		}
	}
}

func (a *Analyzer) submitBlocking(f Frame) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.mu.Unlock()

	// A closed analyzer must win even when the queue has room
	select {
	case <-a.done:
		return ErrClosed
	default:
	}

	select {
	case <-a.done:
		return ErrClosed
	case a.queue <- f:
		a.submitted.Add(1)
		return nil
	case <-a.done:
		return ErrClosed
	}
}

// Run processes frames until ctx is done or Close is called.
// Only one Run may be active at a time.
func (a *Analyzer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.done:
			return nil
		case f := <-a.queue:
			a.process(ctx, f)
		}
	}
}

func (a *Analyzer) process(ctx context.Context, f Frame) {
	start := time.Now()

	text, err := a.recognizer.RecognizeText(ctx, f.Data, f.ContentType)
	if err != nil {
		a.failed.Add(1)
		slog.Error("Failed to recognize frame",
			"frame_id", f.ID,
			"content_type", f.ContentType,
			"frame_size", len(f.Data),
			"error", err,
		)
		return
	}

	detection := cardmatch.Detect(text)
	a.processed.Add(1)

	if a.onResult == nil {
		return
	}
	a.onResult(Result{
		FrameID:     f.ID,
		Text:        text,
		Detection:   detection,
		ProcessedAt: time.Now(),
		Duration:    time.Since(start),
	})
}

// Close stops the worker. Frames still queued are discarded.
func (a *Analyzer) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.done)
	})
}

// Stats returns a snapshot of the frame counters
func (a *Analyzer) Stats() Stats {
	return Stats{
		Submitted: a.submitted.Load(),
		Processed: a.processed.Load(),
		Dropped:   a.dropped.Load(),
		Failed:    a.failed.Load(),
	}
}
