package analysisworker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"anthraxy/internal/store"
)

// AnalysisResult is the external analysis model's parsed response (spec
// §4.9 step 3: "parse the returned JSON against a schema").
type AnalysisResult struct {
	AnalysisText string          `json:"analysis_text"`
	AnalysisJSON json.RawMessage `json:"analysis_json"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
}

// AnalysisClient calls the external analysis model. Implemented by
// httpAnalysisClient in client.go; an interface here keeps Worker
// testable without a live endpoint.
type AnalysisClient interface {
	Analyze(ctx context.Context, prompt string) (*AnalysisResult, error)
}

const maxAttempts = 3

// Config controls worker tuning (spec §4.9).
type Config struct {
	PollInterval       time.Duration
	MaxConcurrentJobs  int
	JobTimeout         time.Duration
	WatchdogInterval   time.Duration
	StuckTimeout       time.Duration
	MaxContextMessages int
	HeadMessages       int
	TailMessages       int
	MaxContextTokens   int
	SafetyMargin       float64
	RPM                int
}

// Worker is the analysis_jobs queue consumer. Lifecycle (Start/Stop,
// ticker + context-cancel + WaitGroup + mutex-guarded running flag) is
// grounded on the teacher's service.ConversationCompressor.
type Worker struct {
	store  *store.Store
	client AnalysisClient
	cfg    Config

	limiter *rateLimiter
	slots   chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func New(st *store.Store, client AnalysisClient, cfg Config) *Worker {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 4
	}
	if cfg.RPM <= 0 {
		cfg.RPM = 30
	}
	return &Worker{
		store:   st,
		client:  client,
		cfg:     cfg,
		limiter: newRateLimiter(cfg.RPM),
		slots:   make(chan struct{}, cfg.MaxConcurrentJobs),
	}
}

// Start launches the claim loop and the watchdog ticker.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running = true

	w.wg.Add(2)
	go w.claimLoop()
	go w.watchdogLoop()

	log.Info().Int("max_concurrent_jobs", w.cfg.MaxConcurrentJobs).Dur("poll_interval", w.cfg.PollInterval).Msg("analysis worker started")
}

// Stop implements spec §4.9's graceful shutdown: stop claiming new jobs,
// wait up to deadline for in-flight jobs, then return — any job still
// running is abandoned and will be reclaimed by the watchdog once its
// processing lease goes stale.
func (w *Worker) Stop(deadline time.Duration) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		log.Warn().Msg("analysis worker shutdown deadline exceeded, abandoning in-flight jobs")
	}
}

func (w *Worker) claimLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.claimAndDispatch()
		}
	}
}

// claimAndDispatch drains pending jobs into the worker pool until the
// queue is empty or every slot is in use.
func (w *Worker) claimAndDispatch() {
	for {
		select {
		case w.slots <- struct{}{}:
		default:
			return // pool saturated
		}

		job, err := w.store.ClaimNextAnalysisJob(w.ctx)
		if err != nil {
			<-w.slots
			log.Error().Err(err).Msg("analysis worker: claim failed")
			return
		}
		if job == nil {
			<-w.slots
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.slots }()
			w.processJob(job)
		}()
	}
}

func (w *Worker) processJob(job *store.AnalysisJob) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.JobTimeout)
	defer cancel()

	if err := w.runJob(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("analysis job failed")
		if ferr := w.store.FailAnalysisJob(context.Background(), job.ID, err.Error(), maxAttempts); ferr != nil {
			log.Error().Err(ferr).Str("job_id", job.ID.String()).Msg("analysis worker: recording failure failed")
		}
		return
	}

	if err := w.store.CompleteAnalysisJob(context.Background(), job.ID); err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("analysis worker: marking complete failed")
	}
}

func (w *Worker) runJob(ctx context.Context, job *store.AnalysisJob) error {
	limit := w.cfg.MaxContextMessages
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.store.LoadConversationMessages(ctx, job.ConversationID, job.BranchID, limit)
	if err != nil {
		return err
	}

	prompt := analysisPromptHeader(job.ConversationID.String(), job.BranchID) +
		truncatedPrompt(rows, w.cfg.HeadMessages, w.cfg.TailMessages, w.cfg.MaxContextTokens, w.cfg.SafetyMargin)

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	result, err := w.client.Analyze(ctx, prompt)
	if err != nil {
		return err
	}

	return w.store.UpsertConversationAnalysis(ctx, &store.ConversationAnalysis{
		ConversationID: job.ConversationID.String(),
		BranchID:       job.BranchID,
		AnalysisText:   result.AnalysisText,
		AnalysisJSON:   result.AnalysisJSON,
		InputTokens:    result.InputTokens,
		OutputTokens:   result.OutputTokens,
	})
}

func (w *Worker) watchdogLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.ReapStuckJobs(w.ctx, w.cfg.StuckTimeout)
			if err != nil {
				log.Error().Err(err).Msg("analysis worker watchdog: reap failed")
				continue
			}
			if n > 0 {
				log.Warn().Int64("reaped", n).Msg("analysis worker watchdog reverted stuck jobs")
			}
		}
	}
}
