// Package printing enforces the session print quota and performs the
// authoritative print-grant request. The local quota is a fast advisory
// precondition only; the server re-checks independently and its response is
// the source of truth the local copy reconciles against.
package printing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/secure-doc-viewer/internal/docservice"
	"github.com/fpang/secure-doc-viewer/internal/metrics"
)

// ErrQuotaExhausted is returned when the local quota is already zero. No
// server round-trip is made in that case.
var ErrQuotaExhausted = errors.New("print quota exhausted")

// Quota is the client's cached copy of the session print quota.
type Quota struct {
	Remaining int
	Max       int
}

// GrantClient is the subset of the document service the coordinator needs.
type GrantClient interface {
	RequestPrintGrant(ctx context.Context, sessionToken string) (*docservice.PrintGrant, error)
}

// Printer drives the external print side effect (opening the single-use URL
// in a print context). It is a black-box collaborator.
type Printer interface {
	Print(ctx context.Context, fileURL string) error
}

// Outcome reports a granted print.
type Outcome struct {
	Remaining int
	FileURL   string
}

// Coordinator owns the cached quota and serializes print-grant requests.
type Coordinator struct {
	client  GrantClient
	printer Printer

	mu    sync.Mutex
	quota Quota
}

// NewCoordinator creates a Coordinator seeded with the session's initial
// quota.
func NewCoordinator(client GrantClient, printer Printer, initial Quota) *Coordinator {
	return &Coordinator{client: client, printer: printer, quota: initial}
}

// Quota returns a copy of the cached quota.
func (c *Coordinator) Quota() Quota {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quota
}

// RequestPrint performs one print authorization for the session.
//
// Ordering on success: the quota is reconciled first, then the print side
// effect is triggered. A failure to initiate the side effect is logged but
// does not roll back the quota: the server already committed the grant and
// the file URL is single-use.
//
// On any grant failure the quota is left unchanged and the caller may retry.
func (c *Coordinator) RequestPrint(ctx context.Context, sessionToken string) (*Outcome, error) {
	c.mu.Lock()
	remaining := c.quota.Remaining
	c.mu.Unlock()

	if remaining <= 0 {
		return nil, ErrQuotaExhausted
	}

	start := time.Now()
	grant, err := c.client.RequestPrintGrant(ctx, sessionToken)
	elapsed := time.Since(start)

	if err != nil {
		metrics.New("SecureDocViewer").
			Dimension("Outcome", "failure").
			Metric("PrintGrantMs", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds).
			Count("PrintGrants").
			Flush()
		return nil, fmt.Errorf("print failed: %w", err)
	}

	// Reconcile: the server's count replaces the local value; the local
	// decrement is only a fallback when the response omits it.
	c.mu.Lock()
	if grant.RemainingPrints != nil {
		c.quota.Remaining = *grant.RemainingPrints
	} else {
		c.quota.Remaining--
	}
	if c.quota.Remaining < 0 {
		c.quota.Remaining = 0
	}
	outcome := &Outcome{Remaining: c.quota.Remaining, FileURL: grant.FileURL}
	c.mu.Unlock()

	metrics.New("SecureDocViewer").
		Dimension("Outcome", "success").
		Metric("PrintGrantMs", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds).
		Count("PrintGrants").
		Flush()

	if c.printer != nil {
		if printErr := c.printer.Print(ctx, grant.FileURL); printErr != nil {
			// The grant is already committed server-side and the URL is
			// single-use.
			log.Error().Err(printErr).Msg("Print target could not be opened; grant already consumed")
		}
	}

	log.Info().Int("remainingPrints", outcome.Remaining).Msg("Print authorized")
	return outcome, nil
}
