package usage

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/consentgate/internal/model"
)

const writeTimeout = 5 * time.Second

// Logger delivers usage records to a Sink from a bounded in-process queue.
// Delivery is at-most-once: a full queue drops the record, and records still
// queued when the process dies are lost.
type Logger struct {
	sink   Sink
	queue  chan model.UsageEntry
	logger *log.Logger
	now    func() time.Time

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewLogger starts workers goroutines draining a queue of size buffer into sink.
func NewLogger(sink Sink, buffer, workers int, logger *log.Logger, now func() time.Time) *Logger {
	if buffer <= 0 {
		buffer = 1
	}
	if workers <= 0 {
		workers = 1
	}
	if now == nil {
		now = time.Now
	}
	l := &Logger{
		sink:   sink,
		queue:  make(chan model.UsageEntry, buffer),
		logger: logger,
		now:    now,
	}
	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go l.work()
	}
	return l
}

// Record enqueues e without blocking. It returns ErrQueueFull when the record
// was dropped and ErrClosed after Close.
func (l *Logger) Record(ctx context.Context, e model.UsageEntry) error {
	e, err := Prepare(e, l.now())
	if err != nil {
		return err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.queue <- e:
		return nil
	default:
		l.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped returns how many records were rejected because the queue was full.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Failed returns how many records the sink refused.
func (l *Logger) Failed() int64 { return l.failed.Load() }

// Close stops accepting records and waits for queued records to be written,
// or for ctx to end.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) work() {
	defer l.wg.Done()
	for e := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := l.sink.AppendUsage(ctx, e)
		cancel()
		if err != nil {
			l.failed.Add(1)
			if l.logger != nil {
				l.logger.Printf("usage: dropped record %s for %s: %v", e.ID, e.Entity, err)
			}
		}
	}
}
