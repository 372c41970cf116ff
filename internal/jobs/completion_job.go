package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

// Completer completes bookings whose end time has passed.
type Completer interface {
	CompleteDue(ctx context.Context, now time.Time) (int, error)
}

// CompletionJob runs the CONFIRMED -> COMPLETED sweep on an interval.
type CompletionJob struct {
	completer Completer
	interval  time.Duration
	now       func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewCompletionJob(completer Completer, interval time.Duration) *CompletionJob {
	return &CompletionJob{
		completer: completer,
		interval:  interval,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the sweep in the background until Stop is called or ctx is done.
func (j *CompletionJob) Start(ctx context.Context) {
	go j.run(ctx)
	log.Printf("[completion-job] started, sweeping every %s", j.interval)
}

// Stop ends the sweep and waits for a running pass to finish.
func (j *CompletionJob) Stop() {
	j.once.Do(func() { close(j.stop) })
	<-j.done
	log.Println("[completion-job] stopped")
}

func (j *CompletionJob) run(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(ctx)
		case <-j.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one pass and returns the number of completed bookings.
func (j *CompletionJob) Sweep(ctx context.Context) int {
	n, err := j.completer.CompleteDue(ctx, j.now())
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[completion-job] sweep failed after %d completions: %v", n, err)
		}
		return n
	}
	if n > 0 {
		log.Printf("[completion-job] completed %d bookings", n)
	}
	return n
}
