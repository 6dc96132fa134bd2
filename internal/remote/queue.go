package remote

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// DefaultBackoffBase is the first retry delay; each further retry doubles it.
	DefaultBackoffBase = 1000 * time.Millisecond
	// DefaultRetryCap bounds retries after the first attempt: 4 attempts total.
	DefaultRetryCap = 3

	jitterFraction = 0.20
)

// Backoff returns the nominal delay before retry number attempt (0-based),
// spread by ±20% jitter from randFloat (uniform in [0,1)).
func Backoff(base time.Duration, attempt int, randFloat func() float64) time.Duration {
	d := float64(base) * float64(int64(1)<<attempt)
	j := (randFloat()*2 - 1) * jitterFraction
	return time.Duration(d * (1 + j))
}

// Pusher is the single-attempt write the queue retries. Satisfied by *Client.
type Pusher interface {
	Push(ctx context.Context, key, value string) error
}

// Result reports the final outcome of one queued push. Err is nil on
// success and a *PushFailure otherwise.
type Result struct {
	Key      string
	Value    string
	Attempts int
	Err      error
}

// Queue owns the SyncTask lifecycle: queued -> in-flight -> resolved|failed.
// Concurrent pushes to one key coalesce to the newest desired value; the
// superseded value is dropped without consuming the new value's retry budget.
type Queue struct {
	pusher   Pusher
	base     time.Duration
	retryCap int
	onResult func(Result)
	log      *slog.Logger

	// injectable for tests
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

type task struct {
	key string

	mu    sync.Mutex
	value string
	gen   int
}

func (t *task) snapshot() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen, t.value
}

func (t *task) supersede(value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.value = value
}

// NewQueue builds a push queue. onResult, when non-nil, is invoked once per
// resolved or failed task (from the task's goroutine).
func NewQueue(p Pusher, base time.Duration, retryCap int, onResult func(Result), log *slog.Logger) *Queue {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if retryCap < 0 {
		retryCap = DefaultRetryCap
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		pusher:    p,
		base:      base,
		retryCap:  retryCap,
		onResult:  onResult,
		log:       log,
		sleep:     sleepCtx,
		randFloat: rand.Float64,
		tasks:     make(map[string]*task),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue schedules a push of key=value. A pending task for the same key is
// superseded in place.
func (q *Queue) Enqueue(ctx context.Context, key, value string) {
	q.mu.Lock()
	if t, ok := q.tasks[key]; ok {
		t.supersede(value)
		q.mu.Unlock()
		q.log.Debug("remote: push superseded", "key", key)
		return
	}
	t := &task{key: key, value: value}
	q.tasks[key] = t
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(ctx, t)
}

// Depth reports the number of pending tasks, for diagnostics.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Wait blocks until every pending task resolves or fails. Test hook and
// shutdown path.
func (q *Queue) Wait() { q.wg.Wait() }

// run drives one task to resolution. When the desired value changes
// mid-flight the attempt budget resets: the old task is considered dropped,
// not penalized.
func (q *Queue) run(ctx context.Context, t *task) {
	defer q.wg.Done()
	for {
		gen, value := t.snapshot()
		res, superseded := q.attempt(ctx, t, gen, value)
		q.mu.Lock()
		if cur, _ := t.snapshot(); cur != gen || superseded {
			q.mu.Unlock()
			continue // superseded; push the newer value with a fresh budget
		}
		delete(q.tasks, t.key)
		q.mu.Unlock()
		if q.onResult != nil {
			q.onResult(res)
		}
		return
	}
}

// attempt runs the bounded retry loop for one desired value. It bails out
// between attempts when the task is superseded: the stale value must not be
// pushed again once a newer one is known.
func (q *Queue) attempt(ctx context.Context, t *task, gen int, value string) (Result, bool) {
	key := t.key
	var history []error
	attempts := 0
	for {
		attempts++
		err := q.pusher.Push(ctx, key, value)
		if err == nil {
			return Result{Key: key, Value: value, Attempts: attempts}, false
		}
		history = append(history, err)

		if Classify(err) == Terminal {
			q.log.Warn("remote: push failed terminally", "key", key, "error", err)
			return Result{Key: key, Value: value, Attempts: attempts,
				Err: &PushFailure{Key: key, Value: value, Attempts: attempts, History: history}}, false
		}
		if attempts > q.retryCap {
			q.log.Warn("remote: push retries exhausted", "key", key, "attempts", attempts)
			return Result{Key: key, Value: value, Attempts: attempts,
				Err: &PushFailure{Key: key, Value: value, Attempts: attempts, History: history}}, false
		}

		delay := Backoff(q.base, attempts-1, q.randFloat)
		q.log.Debug("remote: push retry scheduled", "key", key, "attempt", attempts, "delay", delay)
		if err := q.sleep(ctx, delay); err != nil {
			history = append(history, err)
			return Result{Key: key, Value: value, Attempts: attempts,
				Err: &PushFailure{Key: key, Value: value, Attempts: attempts, History: history}}, false
		}
		if cur, _ := t.snapshot(); cur != gen {
			return Result{}, true
		}
	}
}
