// Package render obtains a renderable URL for the current viewing session.
// Retries and repeated "Preview" invocations are made safe by a durable
// idempotency key scoped to the session token: the service deduplicates
// requests carrying the same key, so the worst a lost key can cause is one
// duplicate server-side computation, never incorrect output.
package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/secure-doc-viewer/internal/docservice"
	"github.com/fpang/secure-doc-viewer/internal/generation"
	"github.com/fpang/secure-doc-viewer/internal/metrics"
	"github.com/fpang/secure-doc-viewer/internal/session"
	"github.com/fpang/secure-doc-viewer/internal/storage"
)

// Distinct precondition failures, each its own rejection reason.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrMissingSession   = errors.New("missing session token")
	ErrNotReady         = errors.New("document not generated yet, run generate first")
)

// RenderClient is the subset of the document service the coordinator needs.
type RenderClient interface {
	HasCredential() bool
	RequestRender(ctx context.Context, sessionToken, requestID string) (string, error)
}

// Result is the outcome of a successful render request. Ephemeral: it is
// never persisted, and a superseding result releases the resources backing
// the previous one.
type Result struct {
	FileURL string
}

// ReleaseFunc frees any client-side resource handle associated with a
// superseded Result (a downloaded temp file, an open viewer handle).
type ReleaseFunc func(*Result)

// Coordinator issues render requests with a stable per-session idempotency
// key and holds the latest Result.
type Coordinator struct {
	client  RenderClient
	store   storage.Store
	release ReleaseFunc

	mu   sync.Mutex
	last *Result
}

// NewCoordinator creates a Coordinator. store holds the per-session
// idempotency keys; release may be nil.
func NewCoordinator(client RenderClient, store storage.Store, release ReleaseFunc) *Coordinator {
	if store == nil {
		store = storage.NoopStore{}
	}
	return &Coordinator{client: client, store: store, release: release}
}

// Last returns the most recent successful Result, or nil.
func (c *Coordinator) Last() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// keyStorageKey returns the ephemeral storage key holding the idempotency
// key for a session. Keys are scoped by session token so two sessions can
// never accidentally share one.
func keyStorageKey(sessionToken string) string {
	return "renderRequest:" + sessionToken
}

// requestID resolves or creates the idempotency key for the session
// (read-through). On storage failure a freshly generated, unpersisted key
// serves this single call.
func (c *Coordinator) requestID(sessionToken string) string {
	key := keyStorageKey(sessionToken)
	if id, err := c.store.Get(key); err == nil && id != "" {
		return id
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		id := uuid.NewString()
		log.Warn().Err(err).Msg("Idempotency key storage unavailable, using one-shot key")
		return id
	}

	id := uuid.NewString()
	if err := c.store.Set(key, id); err != nil {
		log.Warn().Err(err).Msg("Failed to persist idempotency key, retries may duplicate work")
	}
	return id
}

// RequestPreview obtains a renderable URL for the session. genStatus is the
// effective generation status: callers pass DONE for non-vector documents.
//
// Returns docservice.ErrStillProcessing when the service signals that the
// document is still being computed; that is a soft, retryable condition and
// the previous Result (if any) stays in place.
func (c *Coordinator) RequestPreview(ctx context.Context, sess *session.Session, genStatus generation.Status) (*Result, error) {
	if !c.client.HasCredential() {
		return nil, ErrNotAuthenticated
	}
	if sess == nil || sess.Token == "" {
		return nil, ErrMissingSession
	}
	if sess.DocumentType == session.TypeSVG && genStatus != generation.StatusDone {
		return nil, ErrNotReady
	}

	requestID := c.requestID(sess.Token)
	start := time.Now()

	fileURL, err := c.client.RequestRender(ctx, sess.Token, requestID)
	elapsed := time.Since(start)

	outcome := "success"
	switch {
	case errors.Is(err, docservice.ErrStillProcessing):
		outcome = "still_processing"
	case err != nil:
		outcome = "failure"
	}
	metrics.New("SecureDocViewer").
		Dimension("Outcome", outcome).
		Metric("RenderRequestMs", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds).
		Count("RenderRequests").
		Flush()

	if errors.Is(err, docservice.ErrStillProcessing) {
		log.Info().Str("requestId", requestID).Msg("Render still in progress, preview not ready yet")
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("preview unavailable: %w", err)
	}

	result := &Result{FileURL: fileURL}

	c.mu.Lock()
	prev := c.last
	c.last = result
	c.mu.Unlock()

	// Release the superseded handle so repeated previews cannot accumulate
	// resources.
	if prev != nil && c.release != nil {
		c.release(prev)
	}

	log.Info().Str("requestId", requestID).Dur("duration", elapsed).Msg("Preview URL obtained")
	return result, nil
}
