// Package writer implements spec §4.7's async writer: a bounded,
// non-blocking queue that persists api_requests/streaming_chunks rows
// off the response path. Grounded on the teacher's
// internal/service/request_logger.go (queue+worker-pool+batch-flush
// shape), adapted for true drop-oldest overflow and the pgx-based store.
package writer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"anthraxy/internal/metrics"
	"anthraxy/internal/store"
)

const (
	DefaultQueueSize     = 1024
	DefaultWorkers       = 4
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
)

// Entry is one completed request handed to the writer by the forwarder
// once the response has terminated (success, error, or client abort).
type Entry struct {
	Request *store.ApiRequest
	Chunks  []*store.StreamingChunk
}

// Writer owns the bounded queue and worker pool. Enqueue never blocks:
// on overflow it drops the oldest queued entry (not the new one),
// incrementing Dropped, per spec §4.7's "overflow drops oldest" rule.
type Writer struct {
	store         *store.Store
	queue         chan *Entry
	queueSize     int
	workers       int
	batchSize     int
	flushInterval time.Duration

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool

	dropped   int64
	droppedMu sync.Mutex

	metrics *metrics.Metrics
}

// Config controls queue depth and worker parallelism.
type Config struct {
	QueueSize     int
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:     DefaultQueueSize,
		Workers:       DefaultWorkers,
		BatchSize:     DefaultBatchSize,
		FlushInterval: DefaultFlushInterval,
	}
}

func New(st *store.Store, cfg Config, m *metrics.Metrics) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Writer{
		store:         st,
		queue:         make(chan *Entry, cfg.QueueSize),
		queueSize:     cfg.QueueSize,
		workers:       cfg.Workers,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		metrics:       m,
	}
}

func (w *Writer) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running = true

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run(i)
	}
	log.Info().Int("queue_size", w.queueSize).Int("workers", w.workers).Msg("writer started")
}

// Stop drains the queue with a deadline, matching spec §5's "writer
// queue is flushed best-effort with the same [30s] deadline" shutdown
// rule. It closes the queue, so an Enqueue after Stop panics on the send
// to the closed channel.
func (w *Writer) Stop(deadline time.Duration) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	close(w.queue)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		log.Warn().Msg("writer shutdown deadline exceeded, abandoning in-flight flush")
	}
}

// Enqueue is the non-blocking handoff spec §5 calls a suspension point
// that "never blocks; shed on full". On a full queue the oldest entry
// is discarded to make room for the new one.
func (w *Writer) Enqueue(e *Entry) {
	defer w.reportQueueDepth()

	select {
	case w.queue <- e:
		return
	default:
	}

	select {
	case old := <-w.queue:
		_ = old
		w.droppedMu.Lock()
		w.dropped++
		w.droppedMu.Unlock()
		if w.metrics != nil {
			w.metrics.IncWriterDropped()
		}
		log.Warn().Int64("dropped_total", w.Dropped()).Msg("writer queue full, dropped oldest entry")
	default:
	}

	select {
	case w.queue <- e:
	default:
		// Another worker drained concurrently and refilled between our
		// two selects; the entry is lost rather than blocking the caller.
		w.droppedMu.Lock()
		w.dropped++
		w.droppedMu.Unlock()
		if w.metrics != nil {
			w.metrics.IncWriterDropped()
		}
	}
}

func (w *Writer) reportQueueDepth() {
	if w.metrics != nil {
		w.metrics.SetWriterQueueDepth(len(w.queue))
	}
}

func (w *Writer) Dropped() int64 {
	w.droppedMu.Lock()
	defer w.droppedMu.Unlock()
	return w.dropped
}

func (w *Writer) run(workerID int) {
	defer w.wg.Done()
	log.Debug().Int("worker_id", workerID).Msg("writer worker started")

	batch := make([]*Entry, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.writeBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-w.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.ctx.Done():
			// Drain whatever Stop's close(w.queue) left buffered rather
			// than racing the select against it: a closed channel stays
			// selectable alongside ctx.Done(), and select's random choice
			// between ready cases would otherwise drop entries that were
			// queued before shutdown began.
			for e := range w.queue {
				batch = append(batch, e)
				if len(batch) >= w.batchSize {
					flush()
				}
			}
			flush()
			return
		}
	}
}

// writeBatch persists each entry's api_requests row and streaming_chunks
// batch. Spec §4.7's backpressure rule ("DB failures are logged and
// retried with exponential backoff") is honored with a small bounded
// retry per entry rather than blocking the whole batch on one failure.
func (w *Writer) writeBatch(entries []*Entry) {
	for _, e := range entries {
		w.writeEntry(e)
	}
}

func (w *Writer) writeEntry(e *Entry) {
	// Stop cancels w.ctx before the workers drain the queue, so inserts
	// run on a context of their own and drained entries are still written.
	ctx := context.Background()
	backoff := 200 * time.Millisecond
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := w.store.InsertApiRequest(ctx, e.Request)
		if err == nil {
			break
		}
		log.Error().Err(err).Str("request_id", e.Request.RequestID.String()).Int("attempt", attempt).Msg("writer: insert api_request failed")
		if attempt == maxAttempts {
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}

	if len(e.Chunks) == 0 {
		return
	}
	if err := w.store.InsertStreamingChunks(ctx, e.Chunks); err != nil {
		log.Error().Err(err).Str("request_id", e.Request.RequestID.String()).Msg("writer: insert streaming_chunks failed")
	}
}
