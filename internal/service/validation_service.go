package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/citation-checker/internal/batch"
	"github.com/citation-checker/internal/entitlement"
	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/events"
	"github.com/citation-checker/internal/job"
	"github.com/citation-checker/internal/logging"
	"github.com/citation-checker/internal/metrics"
	"github.com/citation-checker/internal/models"
	"github.com/citation-checker/internal/provider"
	"github.com/citation-checker/internal/types"
)

// DefaultStyle is used when a request names no citation style
const DefaultStyle = "apa7"

// ErrShuttingDown is returned for requests that arrive after Shutdown began
var ErrShuttingDown = errors.New("validation service is shutting down")

// Dispatcher routes one batch to a provider. *provider.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, citations []string, style string, preference types.Provider) *provider.Dispatch
	Preferred(preference types.Provider) types.Provider
	Fallback() types.Provider
	Status() map[types.Provider]*provider.Status
}

// Config holds ValidationService settings
type Config struct {
	BatchSize              int
	MaxCitationsPerRequest int
	MaxConcurrentJobs      int
}

// Request is one validation request as received by the API
type Request struct {
	AccountToken       string         // empty means the free tier
	ClientID           string         // identifies a free-tier client
	ProviderPreference types.Provider // empty means the router default
	Citations          string
	Style              string
}

// Response is the synchronous validation result
type Response struct {
	JobID              string                    `json:"job_id"`
	Status             types.JobStatus           `json:"status"`
	Results            []types.CitationResult    `json:"results"`
	Partial            bool                      `json:"partial"`
	CreditsRemaining   int                       `json:"credits_remaining"`
	CitationsChecked   int                       `json:"citations_checked"`
	CitationsRemaining int                       `json:"citations_remaining"`
	Provider           models.ProviderAssignment `json:"provider"`
}

// HealthReport is served on /health
type HealthReport struct {
	Status    string                              `json:"status"`
	Fallback  types.Provider                      `json:"fallback_provider"`
	Providers map[types.Provider]*provider.Status `json:"providers"`
}

// ValidationService wires the ledger, batching, routing and the job registry
// together for each request. Every accepted job is processed by exactly one
// goroutine, which is the only writer of its job record.
type ValidationService struct {
	ledger   entitlement.Ledger
	router   Dispatcher
	registry *job.Registry
	sink     events.Sink
	cfg      Config

	slots chan struct{}

	// mu orders admission against Shutdown so wg.Add never races wg.Wait.
	mu sync.Mutex
	wg sync.WaitGroup

	// ctx outlives requests: an accepted job runs to a terminal state even if the client goes away.
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// acceptance is a job that has its reservation and is waiting for its task
type acceptance struct {
	job         *models.Job
	reservation *entitlement.Reservation
	citations   []string // the granted prefix of the submitted list
	preference  types.Provider
	style       string
	logger      *logging.Logger
}

// NewValidationService creates the service. sink may be nil.
func NewValidationService(ledger entitlement.Ledger, router Dispatcher, registry *job.Registry, sink events.Sink, cfg Config) *ValidationService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 32
	}
	if sink == nil {
		sink = events.NewLogSink(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ValidationService{
		ledger:   ledger,
		router:   router,
		registry: registry,
		sink:     sink,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.MaxConcurrentJobs),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ValidateSync reserves, validates and returns the finished job in one call.
// It holds a job slot for the whole call, so MaxConcurrentJobs bounds sync and
// async jobs together. No entitlement is reserved while waiting for the slot.
func (s *ValidationService) ValidateSync(ctx context.Context, req *Request) (*Response, error) {
	if err := s.admit(); err != nil {
		return nil, err
	}
	defer s.wg.Done()

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, apperrors.NewInternalError("service unavailable", ErrShuttingDown)
	}
	defer func() { <-s.slots }()

	a, err := s.accept(ctx, req)
	if err != nil {
		return nil, err
	}

	final := s.process(a)
	return s.buildResponse(ctx, final)
}

// SubmitAsync reserves and returns the pending job; processing continues in the background.
func (s *ValidationService) SubmitAsync(ctx context.Context, req *Request) (*models.Job, error) {
	if err := s.admit(); err != nil {
		return nil, err
	}

	a, err := s.accept(ctx, req)
	if err != nil {
		s.wg.Done()
		return nil, err
	}

	go func() {
		defer s.wg.Done()

		select {
		case s.slots <- struct{}{}:
		case <-s.ctx.Done():
			s.fail(a, 0, fmt.Errorf("job not started: %w", s.ctx.Err()))
			return
		}
		defer func() { <-s.slots }()

		s.process(a)
	}()

	return a.job.Clone(), nil
}

// admit registers a unit of work with the shutdown WaitGroup. The caller
// must call s.wg.Done once the work ends.
func (s *ValidationService) admit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return apperrors.NewInternalError("service unavailable", ErrShuttingDown)
	}
	s.wg.Add(1)
	return nil
}

// accept resolves the account, parses citations, reserves entitlement and
// creates the pending job. Nothing is dispatched before the reservation exists.
func (s *ValidationService) accept(ctx context.Context, req *Request) (*acceptance, error) {
	token, err := resolveToken(req)
	if err != nil {
		return nil, err
	}
	if req.ProviderPreference != "" {
		if _, ok := types.ParseProvider(string(req.ProviderPreference)); !ok {
			return nil, apperrors.NewInvalidInputError("provider_preference", fmt.Sprintf("unknown provider %q", req.ProviderPreference))
		}
	}
	style := req.Style
	if style == "" {
		style = DefaultStyle
	}

	citations, err := batch.ParseCitations(req.Citations, s.cfg.MaxCitationsPerRequest)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)
	reservation, err := s.ledger.Reserve(ctx, token, len(citations))
	if err != nil {
		if errors.Is(err, apperrors.ErrEntitlementExhausted) {
			metrics.EntitlementRejections.Inc()
			logger.WithField("requested", len(citations)).Info("Validation rejected: entitlement exhausted")
		}
		return nil, err
	}

	source := "credits"
	if reservation.FromPass {
		source = "pass"
	}
	metrics.CreditsReserved.WithLabelValues(source).Add(float64(reservation.Granted))

	created, err := s.registry.Create(ctx, job.NewJob{
		AccountToken:      token,
		Style:             style,
		RequestedCount:    len(citations),
		GrantedCount:      reservation.Granted,
		RequestedProvider: s.router.Preferred(req.ProviderPreference),
	})
	if err != nil {
		if rerr := s.ledger.Release(context.WithoutCancel(ctx), reservation, reservation.Granted); rerr != nil {
			logger.WithError(rerr).Error("Failed to release reservation of uncreated job")
		}
		return nil, err
	}

	jobLogger := logger.ForJob(created.JobID)
	jobLogger.WithFields(map[string]interface{}{
		"requested": reservation.Requested,
		"granted":   reservation.Granted,
		"from_pass": reservation.FromPass,
	}).Info("Validation job accepted")

	return &acceptance{
		job:         created,
		reservation: reservation,
		citations:   citations[:reservation.Granted],
		preference:  req.ProviderPreference,
		style:       style,
		logger:      jobLogger,
	}, nil
}

// resolveToken maps an anonymous request onto its free-tier ledger key
func resolveToken(req *Request) (string, error) {
	if req.AccountToken != "" {
		if entitlement.IsFreeToken(req.AccountToken) {
			return "", apperrors.NewUnauthorizedError("account token uses a reserved prefix")
		}
		return req.AccountToken, nil
	}
	client := req.ClientID
	if client == "" {
		client = "anonymous"
	}
	return entitlement.FreeToken(client), nil
}

// process runs a job from PROCESSING to a terminal state and returns the final snapshot.
func (s *ValidationService) process(a *acceptance) (final *models.Job) {
	ctx := logging.WithLogger(s.ctx, a.logger)
	bookCtx := context.WithoutCancel(ctx)
	jobID := a.job.JobID
	start := time.Now()

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	var served atomic.Int64
	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorf("Job task panicked: %v", r)
			final = s.fail(a, int(served.Load()), fmt.Errorf("panic: %v", r))
		}
	}()

	if _, err := s.registry.Transition(bookCtx, jobID, types.JobStatusProcessing, nil); err != nil {
		return s.fail(a, 0, err)
	}

	preferred := s.router.Preferred(a.preference)
	batches := batch.Split(a.citations, s.cfg.BatchSize)
	asm := batch.NewAssembler(a.job.RequestedCount)

	var (
		fellBack    atomic.Bool
		unavailable atomic.Int32
		progressMu  sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range batches {
		b := b
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					a.logger.WithField("batch", b.String()).Errorf("Batch task panicked: %v", r)
					err = fmt.Errorf("batch %s panicked: %v", b, r)
				}
			}()

			d := s.router.Dispatch(gctx, b.Citations, a.style, a.preference)

			var results []types.CitationResult
			switch {
			case d.Err != nil && errors.Is(d.Err, apperrors.ErrProviderUnavailable):
				unavailable.Add(1)
				if d.FallbackOccurred {
					fellBack.Store(true)
				}
				results = batch.NotAttempted(b)
				if err := s.ledger.Release(bookCtx, a.reservation, b.Len()); err != nil {
					a.logger.WithError(err).Error("Failed to release credits of unavailable batch")
				} else {
					metrics.CreditsReleased.Add(float64(b.Len()))
				}
				a.logger.WithField("batch", b.String()).Warn("Batch not attempted: no provider available")
			case d.Err != nil:
				return fmt.Errorf("%s: %w", b, d.Err)
			default:
				served.Add(int64(b.Len()))
				if d.FallbackOccurred {
					fellBack.Store(true)
				}
				results = batch.Reconcile(b, d.Outcome)
				for _, r := range results {
					if r.ParseStatus == types.ParseStatusFailure {
						metrics.ParseFailures.WithLabelValues(string(d.ProviderUsed)).Inc()
					}
				}
			}

			if err := asm.Add(results); err != nil {
				return fmt.Errorf("%s: %w", b, err)
			}

			progressMu.Lock()
			defer progressMu.Unlock()
			snapshot := asm.Results()
			return s.registry.Update(bookCtx, jobID, func(j *models.Job) {
				j.Results = snapshot
			})
		})
	}
	if err := g.Wait(); err != nil {
		return s.fail(a, int(served.Load()), err)
	}

	status := types.JobStatusCompleted
	if a.reservation.Granted < a.job.RequestedCount || unavailable.Load() > 0 {
		status = types.JobStatusPartial
	}

	actual := preferred
	switch {
	case int(unavailable.Load()) == len(batches):
		actual = ""
	case fellBack.Load():
		actual = s.router.Fallback()
	}

	results := asm.Results()
	missing := asm.Missing()
	counts := asm.Counts()
	a.logger.WithFields(map[string]interface{}{
		"parsed":         counts[types.ParseStatusOK],
		"parse_failures": counts[types.ParseStatusFailure],
		"not_attempted":  counts[types.ParseStatusNotAttempted],
	}).Debug("Batches assembled")
	final, err := s.registry.Transition(bookCtx, jobID, status, func(j *models.Job) {
		j.Results = results
		j.RemainingIndices = missing
		j.CreditsConsumed = a.reservation.Consumed()
		j.Assignment.RequestedProvider = preferred
		j.Assignment.ActualProvider = actual
		j.Assignment.FallbackOccurred = fellBack.Load()
	})
	if err != nil {
		return s.fail(a, int(served.Load()), err)
	}

	s.finish(bookCtx, final, start)
	return final
}

// fail releases whatever was reserved but never served and marks the job FAILED.
func (s *ValidationService) fail(a *acceptance, served int, cause error) *models.Job {
	ctx := context.WithoutCancel(logging.WithLogger(s.ctx, a.logger))
	start := a.job.CreatedAt

	unserved := a.reservation.Granted - served - a.reservation.Released()
	if unserved > 0 {
		if err := s.ledger.Release(ctx, a.reservation, unserved); err != nil {
			a.logger.WithError(err).Error("Failed to release credits of failed job")
		} else {
			metrics.CreditsReleased.Add(float64(unserved))
		}
	}

	a.logger.WithError(cause).Error("Validation job failed")
	final, err := s.registry.Transition(ctx, a.job.JobID, types.JobStatusFailed, func(j *models.Job) {
		j.Error = cause.Error()
		j.CreditsConsumed = a.reservation.Consumed()
	})
	if err != nil {
		a.logger.WithError(err).Error("Failed to record job failure")
		snapshot, gerr := s.registry.Get(ctx, a.job.JobID)
		if gerr != nil {
			snapshot = a.job.Clone()
			snapshot.Status = types.JobStatusFailed
			snapshot.Error = cause.Error()
		}
		return snapshot
	}

	s.finish(ctx, final, start)
	return final
}

// finish emits the per-job record and metrics
func (s *ValidationService) finish(ctx context.Context, final *models.Job, start time.Time) {
	metrics.JobsTotal.WithLabelValues(string(final.Status)).Inc()
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	if err := s.sink.Emit(ctx, events.FromJob(final)); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to emit job event")
	}
}

func (s *ValidationService) buildResponse(ctx context.Context, j *models.Job) (*Response, error) {
	resp := &Response{
		JobID:              j.JobID,
		Status:             j.Status,
		Results:            j.Results,
		Partial:            j.Partial(),
		CitationsChecked:   j.CitationsChecked(),
		CitationsRemaining: j.CitationsRemaining(),
		Provider:           j.Assignment,
	}
	if resp.Results == nil {
		resp.Results = []types.CitationResult{}
	}
	if j.Status == types.JobStatusFailed {
		return resp, apperrors.NewInternalError("validation failed", errors.New(j.Error))
	}

	balance, err := s.ledger.GetBalance(ctx, j.AccountToken)
	if err != nil {
		return nil, err
	}
	resp.CreditsRemaining = balance.CreditsRemaining
	return resp, nil
}

// GetJob returns the current snapshot of a job
func (s *ValidationService) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.registry.Get(ctx, jobID)
}

// Balance returns the entitlement of a request's account
func (s *ValidationService) Balance(ctx context.Context, accountToken, clientID string) (*models.Balance, error) {
	token, err := resolveToken(&Request{AccountToken: accountToken, ClientID: clientID})
	if err != nil {
		return nil, err
	}
	return s.ledger.GetBalance(ctx, token)
}

// ApplyPurchase applies a payment notification; replays are acknowledged without effect.
func (s *ValidationService) ApplyPurchase(ctx context.Context, ev *models.PurchaseEvent) (bool, error) {
	applied, err := entitlement.Apply(ctx, s.ledger, ev)
	if err != nil {
		metrics.PurchasesApplied.WithLabelValues(string(ev.Kind), "error").Inc()
		var catErr *apperrors.CategorizedError
		if errors.As(err, &catErr) {
			return false, err
		}
		return false, apperrors.NewInvalidInputError("purchase", err.Error())
	}

	result := "applied"
	if !applied {
		result = "replayed"
	}
	metrics.PurchasesApplied.WithLabelValues(string(ev.Kind), result).Inc()
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"order_ref": ev.OrderRef,
		"kind":      ev.Kind,
		"result":    result,
	}).Info("Purchase event processed")
	return applied, nil
}

// Health reports provider call health and breaker state
func (s *ValidationService) Health() *HealthReport {
	status := "ok"
	if s.closed.Load() {
		status = "shutting_down"
	}
	return &HealthReport{
		Status:    status,
		Fallback:  s.router.Fallback(),
		Providers: s.router.Status(),
	}
}

// Shutdown stops accepting work and waits for running jobs. When ctx ends
// first, running jobs are canceled and recorded as failed.
func (s *ValidationService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed.Store(true)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
