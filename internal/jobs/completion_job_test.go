package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeCompleter struct {
	mu    sync.Mutex
	calls []time.Time
	n     int
	err   error
}

func (f *fakeCompleter) CompleteDue(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	return f.n, f.err
}

func (f *fakeCompleter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSweepUsesClock(t *testing.T) {
	fixed := time.Date(2026, 10, 12, 15, 0, 0, 0, time.UTC)
	completer := &fakeCompleter{n: 3}
	job := NewCompletionJob(completer, time.Minute)
	job.now = func() time.Time { return fixed }

	assert.Equal(t, 3, job.Sweep(context.Background()))
	assert.Equal(t, []time.Time{fixed}, completer.calls)
}

func TestSweepReportsPartialProgress(t *testing.T) {
	completer := &fakeCompleter{n: 2, err: errors.New("lock timeout")}
	job := NewCompletionJob(completer, time.Minute)

	assert.Equal(t, 2, job.Sweep(context.Background()))
}

func TestCompletionJobStartStop(t *testing.T) {
	completer := &fakeCompleter{}
	job := NewCompletionJob(completer, 10*time.Millisecond)

	job.Start(context.Background())
	assert.Eventually(t, func() bool { return completer.count() >= 2 }, time.Second, 5*time.Millisecond)

	job.Stop()
	stopped := completer.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, completer.count(), "no sweeps after Stop")

	job.Stop()
}
