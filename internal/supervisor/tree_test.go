package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyService struct {
	starts   atomic.Int32
	failures int32
	running  chan struct{}
}

func (s *flakyService) Serve(ctx context.Context) error {
	if s.starts.Add(1) <= s.failures {
		return errors.New("stream gap detected")
	}
	close(s.running)
	<-ctx.Done()
	return ctx.Err()
}

func (s *flakyService) String() string { return "flaky" }

func TestTreeRestartsFailedService(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tree := New(logger, Config{FailureBackoff: time.Millisecond, ShutdownTimeout: time.Second})

	svc := &flakyService{failures: 2, running: make(chan struct{})}
	tree.AddIngest(svc)

	ops := &flakyService{running: make(chan struct{})}
	tree.AddOps(ops)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()

	select {
	case <-svc.running:
	case <-time.After(5 * time.Second):
		t.Fatal("service never came up")
	}
	<-ops.running
	assert.Equal(t, int32(3), svc.starts.Load())
	assert.Equal(t, int32(1), ops.starts.Load())

	cancel()
	select {
	case err := <-done:
		if err != nil {
			require.ErrorIs(t, err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop")
	}

	report, err := tree.UnstoppedServiceReport()
	require.NoError(t, err)
	assert.Empty(t, report)
}
