package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fpang/secure-doc-viewer/internal/docservice"
	"github.com/fpang/secure-doc-viewer/internal/generation"
	"github.com/fpang/secure-doc-viewer/internal/printing"
	"github.com/fpang/secure-doc-viewer/internal/session"
	"github.com/fpang/secure-doc-viewer/internal/storage"
)

// fakeService implements ServiceClient with scripted answers.
type fakeService struct {
	mu           sync.Mutex
	status       string
	statusErr    error
	renderURL    string
	renderErr    error
	renderBlock  chan struct{} // when set, RequestRender waits for it
	grant        *docservice.PrintGrant
	grantErr     error
	renderCalls  int
	statusCalls  int
	grantCalls   int
	noCredential bool
}

func (f *fakeService) HasCredential() bool { return !f.noCredential }

func (f *fakeService) DocumentStatus(ctx context.Context, documentID string) (string, error) {
	f.mu.Lock()
	f.statusCalls++
	status, err := f.status, f.statusErr
	f.mu.Unlock()
	return status, err
}

func (f *fakeService) RequestRender(ctx context.Context, sessionToken, requestID string) (string, error) {
	f.mu.Lock()
	f.renderCalls++
	block := f.renderBlock
	url, err := f.renderURL, f.renderErr
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return url, err
}

func (f *fakeService) RequestPrintGrant(ctx context.Context, sessionToken string) (*docservice.PrintGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grantCalls++
	return f.grant, f.grantErr
}

// recordingNotifier captures messages.
type recordingNotifier struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (r *recordingNotifier) Info(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, msg)
}

func (r *recordingNotifier) Error(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

// decliningConfirmer always answers no.
type decliningConfirmer struct{ asked int }

func (d *decliningConfirmer) Confirm(string, string) (bool, error) {
	d.asked++
	return false, nil
}

func pdfSession() *session.Session {
	return &session.Session{
		Token: "tok", DocumentID: "doc-1", DocumentType: session.TypePDF,
		RemainingPrints: 2, MaxPrints: 3,
	}
}

func svgSession() *session.Session {
	return &session.Session{
		Token: "tok", DocumentID: "doc-1", DocumentType: session.TypeSVG,
		RemainingPrints: 2, MaxPrints: 3,
	}
}

func newController(sess *session.Session, svc *fakeService) *Controller {
	return New(sess, svc, Options{
		Store:   storage.NewMemoryStore(),
		Printer: &nopPrinter{},
		PollerOptions: []generation.Option{
			generation.WithInterval(5 * time.Millisecond),
			generation.WithDeadline(200 * time.Millisecond),
		},
	})
}

type nopPrinter struct{}

func (*nopPrinter) Print(context.Context, string) error { return nil }

func TestProjections(t *testing.T) {
	tests := []struct {
		name       string
		snap       Snapshot
		canPreview bool
		canPrint   bool
	}{
		{
			name: "pdf ready",
			snap: Snapshot{
				DocumentType: session.TypePDF,
				Generation:   generation.Snapshot{Status: generation.StatusDone},
				Quota:        printing.Quota{Remaining: 1},
			},
			canPreview: true, canPrint: true,
		},
		{
			name: "loading blocks preview only",
			snap: Snapshot{
				DocumentType: session.TypePDF,
				Generation:   generation.Snapshot{Status: generation.StatusDone},
				Loading:      true,
				Quota:        printing.Quota{Remaining: 1},
			},
			canPreview: false, canPrint: true,
		},
		{
			name: "svg pending blocks preview",
			snap: Snapshot{
				DocumentType: session.TypeSVG,
				Generation:   generation.Snapshot{Status: generation.StatusPending},
				Quota:        printing.Quota{Remaining: 1},
			},
			canPreview: false, canPrint: true,
		},
		{
			name: "exhausted quota blocks print",
			snap: Snapshot{
				DocumentType: session.TypePDF,
				Generation:   generation.Snapshot{Status: generation.StatusDone},
			},
			canPreview: true, canPrint: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanPreview(tt.snap); got != tt.canPreview {
				t.Errorf("CanPreview = %t, want %t", got, tt.canPreview)
			}
			if got := CanPrint(tt.snap); got != tt.canPrint {
				t.Errorf("CanPrint = %t, want %t", got, tt.canPrint)
			}
		})
	}
}

func TestGenerateRejectsNonVector(t *testing.T) {
	ctl := newController(pdfSession(), &fakeService{})
	defer ctl.Close()

	if err := ctl.Generate(context.Background()); !errors.Is(err, ErrNotVector) {
		t.Fatalf("expected ErrNotVector, got %v", err)
	}
}

func TestNonVectorIsImmediatelyPreviewable(t *testing.T) {
	svc := &fakeService{renderURL: "https://f/p.pdf"}
	ctl := newController(pdfSession(), svc)
	defer ctl.Close()

	snap := ctl.Snapshot()
	if snap.Generation.Status != generation.StatusDone {
		t.Fatalf("pdf documents have no generation phase, got %s", snap.Generation.Status)
	}
	if !CanPreview(snap) {
		t.Fatal("expected pdf document to be previewable without Generate")
	}

	fileURL, err := ctl.Preview(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fileURL != "https://f/p.pdf" {
		t.Errorf("unexpected preview URL %q", fileURL)
	}
	if svc.statusCalls != 0 {
		t.Errorf("pdf flow must not query generation status, got %d calls", svc.statusCalls)
	}
}

func TestVectorBeforeGenerateReportsDone(t *testing.T) {
	// No generation requested yet: nothing to wait for.
	ctl := newController(svgSession(), &fakeService{renderURL: "https://f/p.pdf"})
	defer ctl.Close()

	if got := ctl.Snapshot().Generation.Status; got != generation.StatusDone {
		t.Fatalf("expected DONE before first Generate, got %s", got)
	}
}

func TestGenerateGatesPreviewUntilDone(t *testing.T) {
	svc := &fakeService{status: "RUNNING", renderURL: "https://f/p.pdf"}
	ctl := newController(svgSession(), svc)
	defer ctl.Close()

	if err := ctl.Generate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Give the poller a moment to observe RUNNING.
	time.Sleep(20 * time.Millisecond)
	if CanPreview(ctl.Snapshot()) {
		t.Fatal("preview must be gated while generation is running")
	}

	svc.mu.Lock()
	svc.status = "DONE"
	svc.mu.Unlock()

	deadline := time.After(time.Second)
	for !CanPreview(ctl.Snapshot()) {
		select {
		case <-deadline:
			t.Fatal("preview never became available after DONE")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := ctl.Preview(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPreviewSuppressedWhileLoading(t *testing.T) {
	block := make(chan struct{})
	svc := &fakeService{renderURL: "https://f/p.pdf", renderBlock: block}
	ctl := newController(pdfSession(), svc)
	defer ctl.Close()

	done := make(chan error, 1)
	go func() {
		_, err := ctl.Preview(context.Background())
		done <- err
	}()

	// Wait until the first request is in flight.
	for {
		svc.mu.Lock()
		calls := svc.renderCalls
		svc.mu.Unlock()
		if calls == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := ctl.Preview(context.Background()); !errors.Is(err, ErrPreviewInFlight) {
		t.Fatalf("expected ErrPreviewInFlight, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first preview failed: %v", err)
	}
}

func TestStillProcessingIsAdvisory(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := &fakeService{renderErr: docservice.ErrStillProcessing}
	ctl := New(pdfSession(), svc, Options{
		Store:    storage.NewMemoryStore(),
		Printer:  &nopPrinter{},
		Notifier: notifier,
	})
	defer ctl.Close()

	_, err := ctl.Preview(context.Background())
	if !errors.Is(err, docservice.ErrStillProcessing) {
		t.Fatalf("expected ErrStillProcessing passthrough, got %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.infos) != 1 {
		t.Errorf("expected one advisory, got %v", notifier.infos)
	}
	if len(notifier.errors) != 0 {
		t.Errorf("still-processing must not raise an error notification: %v", notifier.errors)
	}
	if ctl.Snapshot().PreviewURL != "" {
		t.Error("still-processing must not set a preview URL")
	}
}

func TestTeardownDropsInFlightPreview(t *testing.T) {
	block := make(chan struct{})
	svc := &fakeService{renderURL: "https://f/p.pdf", renderBlock: block}
	ctl := newController(pdfSession(), svc)

	done := make(chan error, 1)
	go func() {
		_, err := ctl.Preview(context.Background())
		done <- err
	}()

	for {
		svc.mu.Lock()
		calls := svc.renderCalls
		svc.mu.Unlock()
		if calls == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	ctl.Close()
	close(block)

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed for post-teardown response, got %v", err)
	}
	if ctl.Snapshot().PreviewURL != "" {
		t.Error("late response mutated state after teardown")
	}
}

func TestCloseCancelsPolling(t *testing.T) {
	svc := &fakeService{status: "RUNNING"}
	ctl := newController(svgSession(), svc)

	ctl.Generate(context.Background())
	time.Sleep(20 * time.Millisecond)
	ctl.Close()

	// Let a query that was already in flight at Close drain before sampling.
	time.Sleep(10 * time.Millisecond)
	svc.mu.Lock()
	calls := svc.statusCalls
	svc.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	svc.mu.Lock()
	after := svc.statusCalls
	svc.mu.Unlock()

	if after != calls {
		t.Errorf("polling continued after Close: %d -> %d", calls, after)
	}
}

func TestPrintDeclinedMakesNoGrantCall(t *testing.T) {
	svc := &fakeService{grant: &docservice.PrintGrant{FileURL: "https://f/p.pdf"}}
	confirmer := &decliningConfirmer{}
	ctl := New(pdfSession(), svc, Options{
		Store:     storage.NewMemoryStore(),
		Printer:   &nopPrinter{},
		Confirmer: confirmer,
	})
	defer ctl.Close()

	_, err := ctl.Print(context.Background())
	if !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("expected ErrNotConfirmed, got %v", err)
	}
	if confirmer.asked != 1 {
		t.Errorf("expected one confirmation prompt, got %d", confirmer.asked)
	}
	if svc.grantCalls != 0 {
		t.Errorf("declined print must not reach the server, got %d calls", svc.grantCalls)
	}
}

func TestPrintSuccessNotifiesWithRemaining(t *testing.T) {
	remaining := 1
	notifier := &recordingNotifier{}
	svc := &fakeService{grant: &docservice.PrintGrant{
		RemainingPrints: &remaining,
		FileURL:         "https://f/p.pdf",
	}}
	ctl := New(pdfSession(), svc, Options{
		Store:    storage.NewMemoryStore(),
		Printer:  &nopPrinter{},
		Notifier: notifier,
	})
	defer ctl.Close()

	outcome, err := ctl.Print(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Remaining != 1 {
		t.Errorf("expected remaining 1, got %d", outcome.Remaining)
	}
	if got := ctl.Snapshot().Quota.Remaining; got != 1 {
		t.Errorf("snapshot quota not reconciled, got %d", got)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.infos) != 1 {
		t.Fatalf("expected one success notification, got %v", notifier.infos)
	}
	if notifier.infos[0] != "Print started. 1 print remaining." {
		t.Errorf("unexpected notification: %q", notifier.infos[0])
	}
}

func TestPrintQuotaExhaustedNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	sess := pdfSession()
	sess.RemainingPrints = 0
	ctl := New(sess, &fakeService{}, Options{
		Store:    storage.NewMemoryStore(),
		Printer:  &nopPrinter{},
		Notifier: notifier,
	})
	defer ctl.Close()

	_, err := ctl.Print(context.Background())
	if !errors.Is(err, printing.ErrQuotaExhausted) {
		t.Fatalf("expected ErrQuotaExhausted, got %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.errors) != 1 {
		t.Errorf("expected one error notification, got %v", notifier.errors)
	}
}

func TestPollTimeoutAdvisorySurfacedOnce(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := &fakeService{status: "RUNNING"}
	ctl := New(svgSession(), svc, Options{
		Store:    storage.NewMemoryStore(),
		Printer:  &nopPrinter{},
		Notifier: notifier,
		PollerOptions: []generation.Option{
			generation.WithInterval(5 * time.Millisecond),
			generation.WithDeadline(25 * time.Millisecond),
		},
	})
	defer ctl.Close()

	ctl.Generate(context.Background())

	deadline := time.After(time.Second)
	for !ctl.Snapshot().Generation.TimedOut {
		select {
		case <-deadline:
			t.Fatal("poller never timed out")
		case <-time.After(5 * time.Millisecond):
		}
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.infos) != 1 {
		t.Errorf("expected exactly one timeout advisory, got %v", notifier.infos)
	}
}
