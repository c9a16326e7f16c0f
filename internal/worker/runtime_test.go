package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailgate/internal/queue"
)

type fakeJobSource struct {
	mu   sync.Mutex
	jobs []*queue.Envelope
}

func (f *fakeJobSource) Candidates(_ context.Context, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return nil, nil
	}
	return []string{f.jobs[0].CompanyID}, nil
}

func (f *fakeJobSource) Pop(_ context.Context, companyID string, _ bool) (*queue.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, env := range f.jobs {
		if env.CompanyID == companyID {
			f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
			return env, nil
		}
	}
	return nil, queue.ErrEmpty
}

func (f *fakeJobSource) SkipRound(context.Context, []string) error { return nil }
func (f *fakeJobSource) Extend(context.Context, string, time.Duration) error {
	return nil
}
func (f *fakeJobSource) PromoteDue(context.Context, int) (int, error)        { return 0, nil }
func (f *fakeJobSource) ReapExpiredLeases(context.Context, int) (int, error) { return 0, nil }
func (f *fakeJobSource) Fairness(context.Context, string) (*queue.FairnessRecord, error) {
	return nil, nil
}
func (f *fakeJobSource) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{}, nil
}

type blockingProcessor struct {
	started  chan struct{}
	release  chan struct{}
	mu       sync.Mutex
	canceled bool
}

func (p *blockingProcessor) Process(ctx context.Context, _ *queue.Envelope) error {
	close(p.started)
	select {
	case <-p.release:
	case <-ctx.Done():
		p.mu.Lock()
		p.canceled = true
		p.mu.Unlock()
	}
	return nil
}

func (p *blockingProcessor) wasCanceled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled
}

// Shutdown must stop claiming but never abort an attempt the provider may
// already have accepted: the job keeps its own context and Run returns once
// the drain window elapses.
func TestRunShutdownDoesNotCancelInflightJob(t *testing.T) {
	src := &fakeJobSource{jobs: []*queue.Envelope{{JobID: "job-1", CompanyID: "co-1"}}}
	proc := &blockingProcessor{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	rt := NewRuntime(src, proc, RuntimeConfig{
		Concurrency:  2,
		Lease:        time.Second,
		PollInterval: 5 * time.Millisecond,
		DrainTimeout: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(done)
	}()

	select {
	case <-proc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never claimed")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return within the drain window")
	}
	assert.False(t, proc.wasCanceled(), "in-flight job saw the shutdown cancellation")
	close(proc.release)
}

// When the in-flight job settles inside the window, Run waits for it
// instead of burning the whole drain timeout.
func TestRunDrainsInflightJobBeforeTimeout(t *testing.T) {
	src := &fakeJobSource{jobs: []*queue.Envelope{{JobID: "job-1", CompanyID: "co-1"}}}
	proc := &blockingProcessor{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	rt := NewRuntime(src, proc, RuntimeConfig{
		Concurrency:  2,
		Lease:        time.Second,
		PollInterval: 5 * time.Millisecond,
		DrainTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(done)
	}()

	select {
	case <-proc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never claimed")
	}
	cancel()
	close(proc.release)

	start := time.Now()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after the job settled")
	}
	require.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, proc.wasCanceled())
}
