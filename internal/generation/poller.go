// Package generation tracks asynchronous server-side document generation for
// vector sources. A Poller owns at most one polling run at a time; starting a
// new run supersedes (and cancels) the previous one, and a superseded run can
// never mutate poller state again.
package generation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/secure-doc-viewer/internal/metrics"
)

const (
	// DefaultInterval is the fixed delay between status queries.
	DefaultInterval = 5 * time.Second

	// DefaultDeadline bounds a polling run, measured from the first run
	// start for the document. With the 5s interval this caps a run at 24
	// queries.
	DefaultDeadline = 120 * time.Second
)

// StatusClient queries the generation status of a document.
type StatusClient interface {
	DocumentStatus(ctx context.Context, documentID string) (string, error)
}

// Snapshot is the externally visible state of the poller. TimedOut is an
// advisory, distinct from LastError: processing may still complete later and
// the user may keep editing and retry preview.
type Snapshot struct {
	Status    Status
	LastError string
	TimedOut  bool
}

// Poller drives the status query loop. Queries within a run are strictly
// sequential: the next query is issued only after the previous one completed
// and the interval elapsed.
type Poller struct {
	client   StatusClient
	interval time.Duration
	deadline time.Duration
	onChange func(Snapshot)

	mu        sync.Mutex
	gen       int
	cancelRun context.CancelFunc
	status    Status
	lastErr   string
	timedOut  bool
	firstRun  map[string]time.Time
	done      chan struct{}
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval overrides the query interval (tests use millisecond values).
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithDeadline overrides the per-document polling deadline.
func WithDeadline(d time.Duration) Option {
	return func(p *Poller) { p.deadline = d }
}

// WithOnChange registers a callback invoked (outside the poller lock) after
// every state change.
func WithOnChange(fn func(Snapshot)) Option {
	return func(p *Poller) { p.onChange = fn }
}

// NewPoller creates a Poller in the IDLE state.
func NewPoller(client StatusClient, opts ...Option) *Poller {
	p := &Poller{
		client:   client,
		interval: DefaultInterval,
		deadline: DefaultDeadline,
		status:   StatusIdle,
		firstRun: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Snapshot returns the current poller state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{Status: p.status, LastError: p.lastErr, TimedOut: p.timedOut}
}

// Start begins a new polling run for the document, superseding any active
// run. The run start time is recorded once per document: re-triggering
// generation does not extend the original deadline window.
func (p *Poller) Start(ctx context.Context, documentID string) {
	runCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.cancelRun != nil {
		p.cancelRun()
	}
	p.gen++
	gen := p.gen
	p.cancelRun = cancel
	p.status = StatusPending
	p.lastErr = ""
	p.timedOut = false
	if _, ok := p.firstRun[documentID]; !ok {
		p.firstRun[documentID] = time.Now()
	}
	deadline := p.firstRun[documentID].Add(p.deadline)
	done := make(chan struct{})
	p.done = done
	p.mu.Unlock()

	p.notify()

	log.Info().Str("documentId", documentID).Int("run", gen).Msg("Polling generation status")
	go p.loop(runCtx, gen, documentID, deadline, done)
}

// Stop cancels the active run, if any. Safe to call repeatedly; used on view
// teardown so a late response cannot update a destroyed context.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancelRun
	p.cancelRun = nil
	// Invalidate the generation so an update racing with the cancel is
	// dropped rather than applied.
	p.gen++
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the most recently started run exits. Test helper.
func (p *Poller) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// loop is the body of a single polling run.
func (p *Poller) loop(ctx context.Context, gen int, documentID string, deadline time.Time, done chan struct{}) {
	defer close(done)
	queries := 0

	for {
		if time.Now().After(deadline) {
			if !p.update(gen, func(p *Poller) { p.timedOut = true }) {
				return
			}
			log.Warn().
				Str("documentId", documentID).
				Int("queries", queries).
				Msg("Generation polling deadline reached; processing may still complete later")
			p.emitRunMetrics("timeout", queries)
			return
		}

		raw, err := p.client.DocumentStatus(ctx, documentID)
		if ctx.Err() != nil {
			// Superseded or torn down mid-query. No state updates.
			return
		}
		if err != nil {
			// Transient failures must not abort a long-running generation
			// job. Record and keep polling until deadline or terminal.
			p.update(gen, func(p *Poller) { p.lastErr = err.Error() })
			log.Warn().Err(err).Str("documentId", documentID).Msg("Status query failed, continuing to poll")
		} else if status, ok := ParseStatus(raw); ok {
			changed := p.update(gen, func(p *Poller) {
				p.status = status
				p.lastErr = ""
			})
			if !changed {
				return
			}
			if status.Terminal() {
				log.Info().Str("documentId", documentID).Str("status", string(status)).Msg("Generation reached terminal status")
				p.emitRunMetrics(string(status), queries+1)
				return
			}
		} else {
			log.Warn().Str("documentId", documentID).Str("status", raw).Msg("Ignoring unknown generation status")
		}
		queries++

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}

// update applies fn under the lock if the run is still current, then fires
// the change callback. Returns false when the run has been superseded.
func (p *Poller) update(gen int, fn func(*Poller)) bool {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return false
	}
	fn(p)
	p.mu.Unlock()

	p.notify()
	return true
}

func (p *Poller) notify() {
	if p.onChange != nil {
		p.onChange(p.Snapshot())
	}
}

func (p *Poller) emitRunMetrics(outcome string, queries int) {
	metrics.New("SecureDocViewer").
		Dimension("Outcome", outcome).
		Metric("GenerationPollQueries", float64(queries), metrics.UnitCount).
		Count("GenerationPollRuns").
		Flush()
}
