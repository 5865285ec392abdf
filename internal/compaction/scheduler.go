package compaction

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/metrics"
	"github.com/aalhour/epochkv/internal/objstore"
	"github.com/aalhour/epochkv/internal/table"
	"github.com/aalhour/epochkv/internal/version"
)

// Options configures a Scheduler.
type Options struct {
	Versions *version.VersionSet
	Tables   *table.Store
	Logger   logging.Logger
	Metrics  *metrics.Metrics
	Picker   Picker

	// Workers is the number of concurrent jobs (default 2).
	Workers int

	// QueueSize bounds the pending task queue (default 16). Tasks generated
	// while the queue is full are dropped and counted as throttled.
	QueueSize int

	// Interval drives the generator between explicit triggers. Zero means
	// the generator only runs when triggered.
	Interval time.Duration

	// MaxConflictRetries bounds how often a job is recomputed after losing
	// a commit race (default 3).
	MaxConflictRetries int

	Builder table.BuilderOptions
	Retry   objstore.RetryPolicy
}

// task is a queued pick. Its inputs are chosen again from the current
// version when a worker runs it.
type task struct {
	c     *Compaction
	index int
}

// taskQueue orders tasks by score, largest overshoot first.
type taskQueue []*task

func (q taskQueue) Len() int           { return len(q) }
func (q taskQueue) Less(i, j int) bool { return q[i].c.Score > q[j].c.Score }
func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// Scheduler generates compaction tasks and runs them on a worker pool. At
// most one task per group is queued or running at a time.
type Scheduler struct {
	opts   Options
	logger logging.Logger
	m      *metrics.Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	queue   taskQueue
	queued  map[manifest.GroupID]bool
	running map[manifest.GroupID]chan struct{}
	closed  bool

	throttled atomic.Int64
	completed atomic.Int64
	trigger   chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. Call Start to launch the workers.
func NewScheduler(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.MaxConflictRetries <= 0 {
		opts.MaxConflictRetries = 3
	}
	if opts.Picker == nil {
		opts.Picker = LeveledPicker{}
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = objstore.DefaultRetryPolicy()
	}
	s := &Scheduler{
		opts:    opts,
		logger:  logging.OrDefault(opts.Logger),
		m:       opts.Metrics,
		queued:  make(map[manifest.GroupID]bool),
		running: make(map[manifest.GroupID]chan struct{}),
		trigger: make(chan struct{}, 1),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the generator and the workers.
func (s *Scheduler) Start() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1 + s.opts.Workers)
	go s.generate(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		go s.work(ctx)
	}
}

// Close stops the scheduler and waits for running jobs.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
	}
}

// Trigger asks the generator to run a pass soon. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Throttled returns the number of tasks dropped because the queue was full.
func (s *Scheduler) Throttled() int64 { return s.throttled.Load() }

// Completed returns the number of jobs that committed.
func (s *Scheduler) Completed() int64 { return s.completed.Load() }

// QueueLen returns the number of queued tasks.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) generate(ctx context.Context) {
	defer s.wg.Done()
	var tick <-chan time.Time
	if s.opts.Interval > 0 {
		t := time.NewTicker(s.opts.Interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
		case <-tick:
		}
		s.Generate()
	}
}

// Generate scores every group of the current version and enqueues a task
// for each group that needs compaction and has none queued or running. It
// returns the number of tasks enqueued.
func (s *Scheduler) Generate() int {
	vs := s.opts.Versions
	if vs.Paused() {
		return 0
	}
	v := vs.Current()
	n := 0
	for _, g := range v.Groups() {
		if vs.GroupError(g.ID()) != nil || s.busy(g.ID()) {
			continue
		}
		c := s.opts.Picker.PickCompaction(g)
		if c == nil {
			continue
		}
		if s.enqueue(&task{c: c}) {
			n++
		}
	}
	return n
}

func (s *Scheduler) busy(id manifest.GroupID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.running[id]
	return s.queued[id] || running
}

func (s *Scheduler) enqueue(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := t.c.Group
	if _, running := s.running[g]; s.queued[g] || running || s.closed {
		return false
	}
	if len(s.queue) >= s.opts.QueueSize {
		s.throttled.Add(1)
		s.m.Throttled()
		s.logger.Debugf(logging.NSCompact+"queue full, dropped task for group %d (score %.2f)", g, t.c.Score)
		return false
	}
	heap.Push(&s.queue, t)
	s.queued[g] = true
	s.m.SetQueueDepth(len(s.queue))
	s.cond.Signal()
	return true
}

// next blocks until a task whose group is idle is queued, marks the group
// running and returns the task. It returns nil once the scheduler closes.
func (s *Scheduler) next() *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return nil
		}
		var skipped []*task
		var picked *task
		for len(s.queue) > 0 {
			t := heap.Pop(&s.queue).(*task)
			if _, running := s.running[t.c.Group]; running {
				skipped = append(skipped, t)
				continue
			}
			picked = t
			break
		}
		for _, t := range skipped {
			heap.Push(&s.queue, t)
		}
		if picked != nil {
			delete(s.queued, picked.c.Group)
			s.running[picked.c.Group] = make(chan struct{})
			s.m.SetQueueDepth(len(s.queue))
			return picked
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) release(id manifest.GroupID) {
	s.mu.Lock()
	if ch, ok := s.running[id]; ok {
		close(ch)
		delete(s.running, id)
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// acquire marks group id running, waiting for a running task to finish. A
// queued task of the group is dropped.
func (s *Scheduler) acquire(ctx context.Context, id manifest.GroupID) error {
	for {
		s.mu.Lock()
		ch, busy := s.running[id]
		if !busy {
			s.dropQueued(id)
			s.running[id] = make(chan struct{})
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dropQueued removes the queued task of group id. s.mu must be held.
func (s *Scheduler) dropQueued(id manifest.GroupID) {
	if !s.queued[id] {
		return
	}
	for i, t := range s.queue {
		if t.c.Group == id {
			heap.Remove(&s.queue, i)
			break
		}
	}
	delete(s.queued, id)
	s.m.SetQueueDepth(len(s.queue))
}

func (s *Scheduler) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		t := s.next()
		if t == nil {
			return
		}
		s.execute(ctx, t)
		s.release(t.c.Group)
		s.Trigger()
	}
}

// execute runs a task, picking its inputs from the current version on every
// attempt. Lost commit races are recomputed against the new version; a pause
// waits for resume and runs the task again.
func (s *Scheduler) execute(ctx context.Context, t *task) {
	prev := t.c
	for conflicts := 0; ; {
		if err := s.opts.Versions.WaitRunning(ctx); err != nil {
			return
		}
		base := s.opts.Versions.Current()
		g, ok := base.Group(prev.Group)
		if !ok {
			return
		}
		c := s.repick(g, prev)
		if c == nil {
			s.logger.Debugf(logging.NSCompact+"group %d: nothing left to compact", prev.Group)
			return
		}
		_, err := s.newJob(c, base).Run(ctx)
		switch {
		case err == nil:
			s.completed.Add(1)
			return
		case errors.Is(err, version.ErrClusterPaused):
			s.logger.Debugf(logging.NSCompact+"group %d: paused, will rerun after resume", c.Group)
		case errors.Is(err, version.ErrConflict) && conflicts < s.opts.MaxConflictRetries:
			conflicts++
			prev = c
		case ctx.Err() != nil:
			return
		default:
			s.logger.Errorf(logging.NSCompact+"group %d: %v", c.Group, err)
			return
		}
	}
}

func (s *Scheduler) repick(g *version.GroupState, prev *Compaction) *Compaction {
	if prev.Reason == ReasonManual {
		return PickManual(g, prev.StartLevel())
	}
	return s.opts.Picker.PickCompaction(g)
}

func (s *Scheduler) newJob(c *Compaction, base *version.Version) *Job {
	return NewJob(c, base, JobOptions{
		Versions: s.opts.Versions,
		Tables:   s.opts.Tables,
		Builder:  s.opts.Builder,
		Retry:    s.opts.Retry,
		Logger:   s.opts.Logger,
		Metrics:  s.m,
	})
}

// CompactRange compacts every level of a group into the next one, top down,
// until all data sits in the last level. It waits for a running task of the
// group and keeps the generator off the group meanwhile.
func (s *Scheduler) CompactRange(ctx context.Context, id manifest.GroupID) error {
	if err := s.acquire(ctx, id); err != nil {
		return err
	}
	defer s.release(id)

	g, ok := s.opts.Versions.Current().Group(id)
	if !ok {
		return fmt.Errorf("compaction: %w: %d", version.ErrUnknownGroup, id)
	}
	for level := 0; level < len(g.Levels)-1; level++ {
		for conflicts := 0; ; conflicts++ {
			base := s.opts.Versions.Current()
			g, _ = base.Group(id)
			c := PickManual(g, level)
			if c == nil {
				break
			}
			_, err := s.newJob(c, base).Run(ctx)
			if err == nil {
				s.completed.Add(1)
				break
			}
			if !errors.Is(err, version.ErrConflict) || conflicts >= s.opts.MaxConflictRetries {
				return err
			}
		}
	}
	return nil
}
