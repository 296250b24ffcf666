// Package workflow composes the session resolver, the generation status
// poller, and the render/print coordinators into the view lifecycle: it
// decides which coordinator runs for which user action and exposes the
// derived gating state the presentation layer consumes.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/secure-doc-viewer/internal/docservice"
	"github.com/fpang/secure-doc-viewer/internal/generation"
	"github.com/fpang/secure-doc-viewer/internal/notify"
	"github.com/fpang/secure-doc-viewer/internal/printing"
	"github.com/fpang/secure-doc-viewer/internal/render"
	"github.com/fpang/secure-doc-viewer/internal/session"
	"github.com/fpang/secure-doc-viewer/internal/storage"
)

var (
	// ErrClosed is returned for any action after teardown.
	ErrClosed = errors.New("workflow has been torn down")

	// ErrNotVector is returned when Generate is invoked on a pdf document,
	// which has no server-side generation phase.
	ErrNotVector = errors.New("document has no generation phase")

	// ErrPreviewInFlight suppresses concurrent preview invocations while one
	// is loading.
	ErrPreviewInFlight = errors.New("a preview request is already in flight")

	// ErrNotConfirmed is returned when the user declines the print
	// confirmation.
	ErrNotConfirmed = errors.New("print not confirmed")
)

// ServiceClient is the document service surface the workflow needs.
// *docservice.Client satisfies it.
type ServiceClient interface {
	generation.StatusClient
	render.RenderClient
	printing.GrantClient
}

// Snapshot is an immutable view of the workflow state. Gating booleans are
// pure projections over a Snapshot so the presentation layer can never
// observe a partially updated state.
type Snapshot struct {
	DocumentType session.DocumentType
	Generation   generation.Snapshot
	Loading      bool
	Quota        printing.Quota
	PreviewURL   string
}

// CanPreview reports whether the Preview action is currently permitted: no
// request in flight, and either a raster document or a finished generation.
func CanPreview(s Snapshot) bool {
	return !s.Loading && (s.DocumentType == session.TypePDF || s.Generation.Status == generation.StatusDone)
}

// CanPrint reports whether the Print action is currently permitted.
func CanPrint(s Snapshot) bool {
	return s.Quota.Remaining > 0
}

// Controller owns the session and drives the coordinators.
type Controller struct {
	sess      *session.Session
	client    ServiceClient
	poller    *generation.Poller
	render    *render.Coordinator
	printing  *printing.Coordinator
	notifier  notify.Notifier
	confirmer notify.Confirmer

	mu         sync.Mutex
	loading    bool
	closed     bool
	requested  bool // generation explicitly requested this session
	timeoutMsg bool // poll-timeout advisory already surfaced for this run
	previewURL string
}

// Options carries the optional collaborators of a Controller.
type Options struct {
	// Store backs crop overrides and idempotency keys. Defaults to NoopStore.
	Store storage.Store

	// Printer drives the print side effect. Defaults to SystemPrinter.
	Printer printing.Printer

	// Notifier and Confirmer are the presentation collaborators. Default to
	// log-backed implementations.
	Notifier  notify.Notifier
	Confirmer notify.Confirmer

	// ReleasePreview frees the resource handle of a superseded preview.
	ReleasePreview render.ReleaseFunc

	// PollerOptions tune the generation poller (tests shorten the interval).
	PollerOptions []generation.Option
}

// New creates a Controller for a resolved session.
func New(sess *session.Session, client ServiceClient, opts Options) *Controller {
	if opts.Store == nil {
		opts.Store = storage.NoopStore{}
	}
	if opts.Printer == nil {
		opts.Printer = printing.SystemPrinter{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{}
	}
	if opts.Confirmer == nil {
		opts.Confirmer = notify.AutoConfirmer{}
	}

	c := &Controller{
		sess:      sess,
		client:    client,
		render:    render.NewCoordinator(client, opts.Store, opts.ReleasePreview),
		printing:  printing.NewCoordinator(client, opts.Printer, printing.Quota{Remaining: sess.RemainingPrints, Max: sess.MaxPrints}),
		notifier:  opts.Notifier,
		confirmer: opts.Confirmer,
	}

	pollerOpts := append([]generation.Option{generation.WithOnChange(c.onPollChange)}, opts.PollerOptions...)
	c.poller = generation.NewPoller(client, pollerOpts...)
	return c
}

// Session returns the immutable session shared read-only with the
// presentation layer.
func (c *Controller) Session() *session.Session {
	return c.sess
}

// Snapshot captures the current workflow state.
func (c *Controller) Snapshot() Snapshot {
	gen := c.effectiveGeneration()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		DocumentType: c.sess.DocumentType,
		Generation:   gen,
		Loading:      c.loading,
		Quota:        c.printing.Quota(),
		PreviewURL:   c.previewURL,
	}
}

// effectiveGeneration folds the non-vector shortcut into the poller state:
// pdf documents, and svg documents before any generation was requested, have
// nothing to wait for and report DONE.
func (c *Controller) effectiveGeneration() generation.Snapshot {
	c.mu.Lock()
	requested := c.requested
	c.mu.Unlock()

	if c.sess.DocumentType != session.TypeSVG || !requested {
		return generation.Snapshot{Status: generation.StatusDone}
	}
	return c.poller.Snapshot()
}

// Generate starts (or restarts) server-side generation tracking for a vector
// document, superseding any active polling run.
func (c *Controller) Generate(ctx context.Context) error {
	if c.sess.DocumentType != session.TypeSVG {
		return ErrNotVector
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.requested = true
	c.timeoutMsg = false
	c.mu.Unlock()

	c.poller.Start(ctx, c.sess.DocumentID)
	return nil
}

// onPollChange surfaces the poll-timeout advisory as passive text, once per
// run. Generation state itself is read through Snapshot.
func (c *Controller) onPollChange(s generation.Snapshot) {
	if !s.TimedOut {
		return
	}
	c.mu.Lock()
	if c.closed || c.timeoutMsg {
		c.mu.Unlock()
		return
	}
	c.timeoutMsg = true
	c.mu.Unlock()

	c.notifier.Info("Document processing is taking longer than expected; it may still complete. You can keep editing and retry the preview later.")
}

// Preview obtains a renderable URL for the session. A soft
// docservice.ErrStillProcessing passes through untouched so the caller can
// treat it as advisory; any previously obtained preview URL stays in place.
func (c *Controller) Preview(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.loading {
		c.mu.Unlock()
		return "", ErrPreviewInFlight
	}
	c.loading = true
	c.mu.Unlock()

	result, err := c.render.RequestPreview(ctx, c.sess, c.effectiveGeneration().Status)

	c.mu.Lock()
	c.loading = false
	if c.closed {
		// The view was torn down while the request was in flight; drop the
		// response.
		c.mu.Unlock()
		return "", ErrClosed
	}
	if err == nil {
		c.previewURL = result.FileURL
	}
	c.mu.Unlock()

	if errors.Is(err, docservice.ErrStillProcessing) {
		c.notifier.Info("The document is still being prepared; try the preview again in a moment.")
		return "", err
	}
	if err != nil {
		return "", err
	}
	return result.FileURL, nil
}

// Print runs the confirmation affordance, then the print authorization.
// Ordering on success: quota reconciliation and the print side effect happen
// inside the coordinator, then the affordance is closed (the dialog resolves
// with the answer), then the user is notified with the updated count.
func (c *Controller) Print(ctx context.Context) (*printing.Outcome, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	title := c.sess.DocumentTitle
	if title == "" {
		title = "document"
	}
	ok, err := c.confirmer.Confirm("Print", "Print \""+title+"\"? This uses one of your remaining prints.")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotConfirmed
	}

	outcome, err := c.printing.RequestPrint(ctx, c.sess.Token)
	if err != nil {
		if errors.Is(err, printing.ErrQuotaExhausted) {
			c.notifier.Error("No prints remaining for this session.")
		} else {
			c.notifier.Error(err.Error())
		}
		return nil, err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.notifier.Info(printSuccessMessage(outcome.Remaining))
	}
	return outcome, nil
}

// Close tears the workflow down: the polling run is cancelled and any
// response still in flight is ignored. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.poller.Stop()
	log.Debug().Str("documentId", c.sess.DocumentID).Msg("Workflow torn down")
}

func printSuccessMessage(remaining int) string {
	switch remaining {
	case 0:
		return "Print started. No prints remaining."
	case 1:
		return "Print started. 1 print remaining."
	default:
		return fmt.Sprintf("Print started. %d prints remaining.", remaining)
	}
}
