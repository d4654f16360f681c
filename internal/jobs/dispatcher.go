package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/google/uuid"
)

// Runner advances one job; the workflow engine implements it.
type Runner interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

// Dispatcher runs jobs on a bounded pool of workers. A job is never run by
// two workers at once: scheduling a job that is already running makes the
// running worker run it once more when it finishes.
type Dispatcher struct {
	runner  Runner
	logger  *slog.Logger
	workers int

	ch     chan uuid.UUID
	quit   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.Mutex
	closed bool
	state  map[uuid.UUID]*slot
}

type slot struct {
	running bool
	rerun   bool
}

type DispatcherOption func(*Dispatcher)

func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.ch = make(chan uuid.UUID, n)
		}
	}
}

// NewDispatcher creates a dispatcher and starts its workers.
func NewDispatcher(runner Runner, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		runner:  runner,
		logger:  logger,
		workers: 4,
		ch:      make(chan uuid.UUID, 256),
		quit:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		state:   make(map[uuid.UUID]*slot),
	}
	for _, o := range opts {
		o(d)
	}
	d.start()
	return d
}

func (d *Dispatcher) start() {
	d.once.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go func(workerID int) {
				defer d.wg.Done()
				d.logger.Debug("worker started", "worker_id", workerID)
				for {
					select {
					case <-d.quit:
						d.logger.Debug("worker stopped", "worker_id", workerID)
						return
					case id := <-d.ch:
						d.process(workerID, id)
					}
				}
			}(i + 1)
		}
	})
}

// Schedule queues a job. It blocks while the queue is full and drops the
// request once shutdown has begun; recovery picks such jobs up on restart.
func (d *Dispatcher) Schedule(id uuid.UUID) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("cannot schedule: dispatcher is shutting down", "job_id", id)
		return
	}
	if s, ok := d.state[id]; ok {
		if s.running {
			s.rerun = true
		}
		d.mu.Unlock()
		return
	}
	d.state[id] = &slot{}
	d.mu.Unlock()

	select {
	case d.ch <- id:
		d.logger.Debug("job scheduled", "job_id", id)
	case <-d.quit:
	}
}

func (d *Dispatcher) process(workerID int, id uuid.UUID) {
	for {
		d.mu.Lock()
		s := d.state[id]
		s.running = true
		s.rerun = false
		d.mu.Unlock()

		d.runOnce(workerID, id)

		d.mu.Lock()
		if s.rerun && !d.closed {
			d.mu.Unlock()
			continue
		}
		delete(d.state, id)
		d.mu.Unlock()
		return
	}
}

func (d *Dispatcher) runOnce(workerID int, id uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while running job", "worker_id", workerID, "job_id", id, "error", r)
		}
	}()

	err := d.runner.Run(d.ctx, id)
	var stageErr *workflow.StageExecutionError
	switch {
	case err == nil:
	case errors.As(err, &stageErr):
		d.logger.Warn("job stage failed", "worker_id", workerID, "job_id", id, "stage", stageErr.Stage, "error", stageErr.Err)
	case errors.Is(err, context.Canceled):
		d.logger.Info("job run interrupted by shutdown", "worker_id", workerID, "job_id", id)
	default:
		d.logger.Error("job run failed", "worker_id", workerID, "job_id", id, "error", err)
	}
}

// Pending reports how many jobs are queued or running.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.state)
}

// Shutdown stops accepting work and waits for running jobs to reach a stage
// boundary. When ctx ends first, in-flight stages are interrupted.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.quit)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); d.wg.Wait() }()

	select {
	case <-done:
		d.logger.Info("dispatcher drained, shutdown complete")
	case <-ctx.Done():
		d.logger.Warn("shutdown deadline reached, interrupting running stages")
		d.cancel()
		<-done
	}
	d.cancel()
}
