// Package compactor gzip+base64 compresses aged api_requests bodies,
// adapted from the teacher's service.ConversationCompressor onto this
// module's single api_requests table (the teacher compressed a separate
// conversation_contents table's prompt/completion/messages_json columns;
// here there is just input_body/response_body per row).
package compactor

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"anthraxy/internal/store"
)

const (
	DefaultCompactAge  = 7 * 24 * time.Hour
	DefaultInterval    = 24 * time.Hour
	DefaultBatchSize   = 100
)

// Config controls the compactor's age threshold, run interval, and batch
// size.
type Config struct {
	CompactAge time.Duration
	Interval   time.Duration
	BatchSize  int
}

// Compactor is a background worker with the same ticker+Start/Stop
// lifecycle as the teacher's ConversationCompressor.
type Compactor struct {
	store     *store.Store
	cfg       Config
	ticker    *time.Ticker
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

func New(st *store.Store, cfg Config) *Compactor {
	if cfg.CompactAge <= 0 {
		cfg.CompactAge = DefaultCompactAge
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Compactor{store: st, cfg: cfg}
}

func (c *Compactor) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.ticker = time.NewTicker(c.cfg.Interval)
	c.running = true

	go func() {
		if err := c.runCompaction(); err != nil {
			log.Error().Err(err).Msg("initial api_requests compaction failed")
		}
	}()

	c.wg.Add(1)
	go c.worker()

	log.Info().Dur("compact_age", c.cfg.CompactAge).Dur("interval", c.cfg.Interval).Msg("compactor started")
}

func (c *Compactor) Stop(deadline time.Duration) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	c.ticker.Stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		log.Warn().Msg("compactor shutdown deadline exceeded")
	}
}

func (c *Compactor) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ticker.C:
			if err := c.runCompaction(); err != nil {
				log.Error().Err(err).Msg("api_requests compaction failed")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Compactor) runCompaction() error {
	start := time.Now()
	total := 0

	for {
		rows, err := c.store.GetUncompressedApiRequests(c.ctx, c.cfg.CompactAge, c.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		for _, r := range rows {
			compressedInput, err := compressBytes(r.InputBody)
			if err != nil {
				log.Error().Err(err).Str("request_id", r.RequestID.String()).Msg("compress input_body failed")
				continue
			}
			compressedResponse, err := compressBytes(r.ResponseBody)
			if err != nil {
				log.Error().Err(err).Str("request_id", r.RequestID.String()).Msg("compress response_body failed")
				continue
			}
			if err := c.store.CompressApiRequest(c.ctx, r.RequestID, compressedInput, compressedResponse); err != nil {
				log.Error().Err(err).Str("request_id", r.RequestID.String()).Msg("persist compressed row failed")
				continue
			}
			total++
		}
	}

	log.Info().Int("total_compressed", total).Dur("duration", time.Since(start)).Msg("api_requests compaction completed")
	return nil
}

func compressBytes(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decompress reverses compressBytes, for callers that need to read a
// compressed body back out (the dashboard's single-request drill-down).
func Decompress(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
