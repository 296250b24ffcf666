package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedClient returns canned responses in order, then repeats the last
// one. It counts calls and is safe for concurrent use.
type scriptedClient struct {
	mu        sync.Mutex
	responses []response
	calls     int
}

type response struct {
	status string
	err    error
	delay  time.Duration
}

func (c *scriptedClient) DocumentStatus(ctx context.Context, documentID string) (string, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	r := c.responses[idx]
	c.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.status, r.err
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestPollerStopsAtTerminalStatus(t *testing.T) {
	client := &scriptedClient{responses: []response{
		{status: "PENDING"},
		{status: "RUNNING"},
		{status: "DONE"},
	}}

	p := NewPoller(client, WithInterval(5*time.Millisecond))
	p.Start(context.Background(), "doc-1")
	p.Wait()

	if got := p.Snapshot().Status; got != StatusDone {
		t.Fatalf("expected DONE, got %s", got)
	}
	if n := client.callCount(); n != 3 {
		t.Fatalf("expected exactly 3 queries, got %d", n)
	}

	// The loop must not issue a fourth query after the terminal status.
	time.Sleep(25 * time.Millisecond)
	if n := client.callCount(); n != 3 {
		t.Errorf("poller queried after terminal status: %d calls", n)
	}
}

func TestPollerSurvivesTransientErrors(t *testing.T) {
	client := &scriptedClient{responses: []response{
		{err: errors.New("connection refused")},
		{err: errors.New("status 502")},
		{status: "DONE"},
	}}

	var snapshots []Snapshot
	var mu sync.Mutex
	p := NewPoller(client,
		WithInterval(5*time.Millisecond),
		WithOnChange(func(s Snapshot) {
			mu.Lock()
			snapshots = append(snapshots, s)
			mu.Unlock()
		}))
	p.Start(context.Background(), "doc-1")
	p.Wait()

	snap := p.Snapshot()
	if snap.Status != StatusDone {
		t.Fatalf("expected DONE despite transient errors, got %s", snap.Status)
	}
	if snap.LastError != "" {
		t.Errorf("terminal success should clear the error, got %q", snap.LastError)
	}
	if snap.TimedOut {
		t.Error("run must not be marked timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	var sawError bool
	for _, s := range snapshots {
		if s.LastError != "" {
			sawError = true
		}
	}
	if !sawError {
		t.Error("transient errors were never recorded")
	}
}

func TestPollerDeadline(t *testing.T) {
	client := &scriptedClient{responses: []response{{status: "RUNNING"}}}

	p := NewPoller(client,
		WithInterval(5*time.Millisecond),
		WithDeadline(30*time.Millisecond))
	p.Start(context.Background(), "doc-1")
	p.Wait()

	snap := p.Snapshot()
	if !snap.TimedOut {
		t.Fatal("expected TimedOut advisory")
	}
	if snap.Status != StatusRunning {
		t.Errorf("timeout must not rewrite the last observed status, got %s", snap.Status)
	}
	if snap.LastError != "" {
		t.Errorf("timeout is an advisory, not an error, got %q", snap.LastError)
	}

	// No further network calls after the deadline.
	calls := client.callCount()
	time.Sleep(25 * time.Millisecond)
	if n := client.callCount(); n != calls {
		t.Errorf("poller queried after deadline: %d -> %d", calls, n)
	}
}

func TestPollerIgnoresUnknownStatus(t *testing.T) {
	client := &scriptedClient{responses: []response{
		{status: "SORT_OF_DONE"},
		{status: "done"},
	}}

	var snapshots []Snapshot
	var mu sync.Mutex
	p := NewPoller(client,
		WithInterval(5*time.Millisecond),
		WithOnChange(func(s Snapshot) {
			mu.Lock()
			snapshots = append(snapshots, s)
			mu.Unlock()
		}))
	p.Start(context.Background(), "doc-1")
	p.Wait()

	if got := p.Snapshot().Status; got != StatusDone {
		t.Fatalf("expected DONE (case-normalized), got %s", got)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, s := range snapshots {
		if !knownStatuses[s.Status] {
			t.Errorf("unknown status leaked into state: %q", s.Status)
		}
	}
}

func TestPollerSupersededRunCannotMutateState(t *testing.T) {
	// The first run's query answers FAILED, but slowly; the second run is
	// started while that answer is still in flight.
	client := &scriptedClient{responses: []response{
		{status: "FAILED", delay: 50 * time.Millisecond},
		{status: "RUNNING"},
	}}

	p := NewPoller(client, WithInterval(5*time.Millisecond))
	p.Start(context.Background(), "doc-1")
	time.Sleep(10 * time.Millisecond)
	p.Start(context.Background(), "doc-1")

	time.Sleep(80 * time.Millisecond)
	if got := p.Snapshot().Status; got == StatusFailed {
		t.Fatal("late response from a superseded run mutated poller state")
	}
	p.Stop()
}

func TestPollerStopPreventsFurtherQueries(t *testing.T) {
	client := &scriptedClient{responses: []response{{status: "RUNNING"}}}

	p := NewPoller(client, WithInterval(5*time.Millisecond))
	p.Start(context.Background(), "doc-1")
	time.Sleep(12 * time.Millisecond)
	p.Stop()
	p.Wait()

	calls := client.callCount()
	time.Sleep(25 * time.Millisecond)
	if n := client.callCount(); n != calls {
		t.Errorf("poller queried after Stop: %d -> %d", calls, n)
	}
}

func TestPollerIdleBeforeStart(t *testing.T) {
	p := NewPoller(&scriptedClient{responses: []response{{status: "DONE"}}})
	snap := p.Snapshot()
	if snap.Status != StatusIdle || snap.TimedOut || snap.LastError != "" {
		t.Errorf("unexpected initial snapshot: %+v", snap)
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		input string
		want  Status
		ok    bool
	}{
		{"DONE", StatusDone, true},
		{"done", StatusDone, true},
		{" pending ", StatusPending, true},
		{"RUNNING", StatusRunning, true},
		{"IDLE", StatusIdle, true},
		{"FAILED", StatusFailed, true},
		{"", "", false},
		{"COMPLETE", "COMPLETE", false},
	}
	for _, tt := range tests {
		got, ok := ParseStatus(tt.input)
		if ok != tt.ok {
			t.Errorf("ParseStatus(%q) ok = %t, want %t", tt.input, ok, tt.ok)
		}
		if ok && got != tt.want {
			t.Errorf("ParseStatus(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for status, terminal := range map[Status]bool{
		StatusIdle:    false,
		StatusPending: false,
		StatusRunning: false,
		StatusDone:    true,
		StatusFailed:  true,
	} {
		if status.Terminal() != terminal {
			t.Errorf("%s.Terminal() = %t, want %t", status, status.Terminal(), terminal)
		}
	}
}
