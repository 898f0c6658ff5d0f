// Package commandqueue serializes agent work per session lane so a
// session never runs two requests at once.
package commandqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one unit of queued work.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tunes a single enqueue.
type TaskOptions struct {
	// WarnAfter logs and invokes OnWait when the task is still queued
	// after this long. Zero disables the timer.
	WarnAfter time.Duration
	OnWait    func(waited time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	mu      sync.Mutex
	queue   []*taskRecord
	running int
}

// Queue runs at most one task per lane at a time. Lanes are created on
// first use.
type Queue struct {
	mu        sync.RWMutex
	lanes     map[string]*laneState
	taskIDSeq int
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    zerolog.Logger
}

// New returns an empty queue.
func New(logger zerolog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Do enqueues the task on the lane and blocks until it has run. Tasks
// on the same lane execute strictly in order.
func (q *Queue) Do(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ls := q.lane(lane)

	q.mu.Lock()
	q.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, q.taskIDSeq)
	q.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	q.logger.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queue_size", queueSize).
		Msg("Task enqueued")

	if opts.WarnAfter > 0 {
		go q.startWarnTimer(ls, record, lane)
	}

	go q.processLane(lane, ls)

	select {
	case result := <-record.result:
		return result.value, result.err
	case <-ctx.Done():
		// The task may still run; the lane hands its result to the
		// closed-over channel, which stays buffered.
		return nil, ctx.Err()
	}
}

func (q *Queue) lane(name string) *laneState {
	q.mu.RLock()
	ls, ok := q.lanes[name]
	q.mu.RUnlock()
	if ok {
		return ls
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, ok = q.lanes[name]; !ok {
		ls = &laneState{}
		q.lanes[name] = ls
	}
	return ls
}

func (q *Queue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < 1 && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.running++

		q.wg.Add(1)
		go q.executeTask(lane, ls, record)
	}
}

func (q *Queue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer q.wg.Done()

	runCtx, cancel := context.WithCancel(record.ctx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running--
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		q.logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		q.logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	go q.processLane(lane, ls)
}

func (q *Queue) startWarnTimer(ls *laneState, record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			waited := time.Since(record.enqueuedAt)
			q.logger.Warn().
				Str("lane", lane).
				Str("task_id", record.id).
				Dur("waited", waited).
				Int("queue_pos", queuePos).
				Msg("Task waiting longer than expected")
			if record.options.OnWait != nil {
				record.options.OnWait(waited, queuePos)
			}
		}
	case <-q.ctx.Done():
	}
}

// QueueSize returns how many tasks are waiting on a lane.
func (q *Queue) QueueSize(lane string) int {
	q.mu.RLock()
	ls, ok := q.lanes[lane]
	q.mu.RUnlock()
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// ClearLane rejects every queued task on a lane and returns how many
// were dropped. The currently running task is not interrupted.
func (q *Queue) ClearLane(lane string) int {
	q.mu.RLock()
	ls, ok := q.lanes[lane]
	q.mu.RUnlock()
	if !ok {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: fmt.Errorf("lane cleared")}
		close(record.result)
	}
	ls.queue = nil

	if count > 0 {
		q.logger.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	}
	return count
}

// Stats reports queued and running counts per lane.
func (q *Queue) Stats() map[string]map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := make(map[string]map[string]int, len(q.lanes))
	for lane, ls := range q.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":  len(ls.queue),
			"running": ls.running,
		}
		ls.mu.Unlock()
	}
	return stats
}

// Close cancels pending work contexts and waits for running tasks.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}
