// Package banqueue serializes mute calls against the bridge. Exactly one
// call is in flight at a time, consecutive calls are paced to the bridge's
// rate limit, and duplicate requests for the same (group, user) coalesce
// into the first one enqueued.
package banqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultInterval   = 800 * time.Millisecond
	defaultStaleAfter = 30 * time.Second
	taskBuffer        = 256
)

var (
	// ErrStale marks a task that aged past the staleness bound before the
	// worker reached it. It is never sent to the bridge.
	ErrStale = errors.New("banqueue: task went stale before it was serviced")

	ErrFull = errors.New("banqueue: task buffer full")
)

// MuteCaller is the slice of the bridge client the queue needs.
type MuteCaller interface {
	SetGroupBan(groupID, userID int64, durationSec int) error
}

type key struct {
	groupID int64
	userID  int64
}

type task struct {
	groupID     int64
	userID      int64
	durationSec int
	enqueuedAt  time.Time
	result      chan error // buffered, resolved exactly once by the worker
}

type Queue struct {
	caller     MuteCaller
	staleAfter time.Duration
	limiter    *rate.Limiter

	mu      sync.Mutex
	pending map[key]struct{}

	tasks  chan *task
	cancel context.CancelFunc
}

func New(caller MuteCaller) *Queue {
	return &Queue{
		caller:     caller,
		staleAfter: defaultStaleAfter,
		limiter:    rate.NewLimiter(rate.Every(defaultInterval), 1),
		pending:    make(map[key]struct{}),
		tasks:      make(chan *task, taskBuffer),
	}
}

// Start launches the single consumer. Stop cancels it; tasks still queued
// at that point are abandoned and their submitters unblock through their
// own context deadlines.
func (q *Queue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go q.worker(ctx)
}

func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

// Submit enqueues a mute and waits until the worker resolves it or ctx
// expires. A task already pending for the same (group, user) wins: the
// duplicate reports success immediately and a different duration does not
// override the queued one. Callers must bound ctx; giving up only releases
// the caller, the worker still services the task.
func (q *Queue) Submit(ctx context.Context, groupID, userID int64, durationSec int) error {
	k := key{groupID, userID}

	q.mu.Lock()
	if _, exists := q.pending[k]; exists {
		q.mu.Unlock()
		slog.Debug("duplicate ban request coalesced", "group", groupID, "user", userID)
		return nil
	}
	q.pending[k] = struct{}{}
	q.mu.Unlock()

	t := &task{
		groupID:     groupID,
		userID:      userID,
		durationSec: durationSec,
		enqueuedAt:  time.Now(),
		result:      make(chan error, 1),
	}

	select {
	case q.tasks <- t:
	default:
		q.mu.Lock()
		delete(q.pending, k)
		q.mu.Unlock()
		slog.Error("ban task buffer full, dropping", "group", groupID, "user", userID)
		return ErrFull
	}

	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DirectBan bypasses the queue and dedup entirely.
func (q *Queue) DirectBan(groupID, userID int64, durationSec int) error {
	return q.caller.SetGroupBan(groupID, userID, durationSec)
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			q.service(ctx, t)
		}
	}
}

func (q *Queue) service(ctx context.Context, t *task) {
	defer func() {
		q.mu.Lock()
		delete(q.pending, key{t.groupID, t.userID})
		q.mu.Unlock()
	}()

	if age := time.Since(t.enqueuedAt); age > q.staleAfter {
		slog.Warn("ban task went stale, dropping",
			"group", t.groupID, "user", t.userID, "age", age)
		t.result <- ErrStale
		return
	}

	// Pacing: stale tasks above never consume a token, so a backlog of
	// expired tasks drains without throttling the next live one.
	if err := q.limiter.Wait(ctx); err != nil {
		t.result <- err
		return
	}

	err := q.caller.SetGroupBan(t.groupID, t.userID, t.durationSec)
	if err != nil {
		slog.Error("ban call failed",
			"group", t.groupID, "user", t.userID, "duration", t.durationSec, "err", err)
	} else {
		slog.Info("ban issued",
			"group", t.groupID, "user", t.userID, "duration", t.durationSec,
			"waited", time.Since(t.enqueuedAt).Round(time.Millisecond))
	}
	t.result <- err
}
