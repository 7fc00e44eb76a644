package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu          sync.Mutex
	name        string
	startErr    error
	stopErr     error
	started     bool
	stopped     bool
	stopDelay   time.Duration
	startCalled chan struct{}
}

func newFakeService(name string) *fakeService {
	return &fakeService{name: name, startCalled: make(chan struct{}, 1)}
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	select {
	case f.startCalled <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeService) Stop(ctx context.Context) error {
	if f.stopDelay > 0 {
		select {
		case <-time.After(f.stopDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = true
	return nil
}

func (f *fakeService) isStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeService) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func TestRunStartsAllServicesAndStopsOnContextCancel(t *testing.T) {
	a := newFakeService("a")
	b := newFakeService("b")
	r := New([]Service{a, b}, WithShutdownTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	<-a.startCalled
	<-b.startCalled
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	assert.True(t, a.isStopped())
	assert.True(t, b.isStopped())
}

func TestRunStopsAlreadyStartedServicesWhenOneFailsToStart(t *testing.T) {
	a := newFakeService("a")
	failing := newFakeService("b")
	failing.startErr = errors.New("boom")

	r := New([]Service{a, failing}, WithStartupTimeout(time.Second))
	err := r.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "b")
	assert.True(t, a.isStopped())
	assert.False(t, failing.isStarted())
}

func TestStopServicesReportsTimeoutExceeded(t *testing.T) {
	slow := newFakeService("slow")
	slow.stopDelay = 500 * time.Millisecond

	r := New([]Service{slow}, WithShutdownTimeout(50*time.Millisecond))
	err := r.stopServices([]Service{slow})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestHealthCheckWithNoServicesReturnsNil(t *testing.T) {
	r := New(nil)
	err := r.HealthCheck(context.Background())
	require.NoError(t, err)
}
