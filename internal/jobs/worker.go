package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/repository"
)

// HandlerFunc runs one task. Handlers must be idempotent with respect to
// the conversation id they are keyed by: re-running one never duplicates
// its results.
type HandlerFunc func(ctx context.Context, task Task) error

// WorkerPool pulls tasks from the broker and runs registered handlers
type WorkerPool struct {
	broker   Broker
	jobs     repository.JobRepository
	handlers map[models.JobType]HandlerFunc
	count    int

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logrus.Entry
}

// NewWorkerPool creates a pool of count workers
func NewWorkerPool(broker Broker, jobs repository.JobRepository, count int) *WorkerPool {
	if count <= 0 {
		count = 1
	}
	return &WorkerPool{
		broker:   broker,
		jobs:     jobs,
		handlers: make(map[models.JobType]HandlerFunc),
		count:    count,
		log:      logrus.WithField("component", "worker-pool"),
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (p *WorkerPool) Register(jobType models.JobType, handler HandlerFunc) {
	p.handlers[jobType] = handler
}

// Start launches the workers
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Stop cancels the workers and waits for in-flight tasks to finish
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.WithField("worker", id)

	for {
		payload, err := p.broker.Pop(ctx, 2*time.Second)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.WithError(err).Warn("broker pop failed")
			time.Sleep(time.Second)
			continue
		}
		if payload == nil {
			continue
		}

		var task Task
		if err := json.Unmarshal(payload, &task); err != nil {
			log.WithError(err).Error("dropping undecodable task")
			continue
		}

		p.handle(ctx, log, task)
	}
}

func (p *WorkerPool) handle(ctx context.Context, log *logrus.Entry, task Task) {
	log = log.WithFields(logrus.Fields{
		"job_id":   task.JobID,
		"job_type": task.Type,
	})

	handler, ok := p.handlers[task.Type]
	if !ok {
		log.Error("no handler registered for job type")
		_ = p.jobs.SetStatus(ctx, task.JobID, models.JobFailed, "", "no handler for job type")
		return
	}

	_ = p.jobs.SetStatus(ctx, task.JobID, models.JobStarted, "", "")

	if err := handler(ctx, task); err != nil {
		log.WithError(err).Error("job failed")
		_ = p.jobs.SetStatus(ctx, task.JobID, models.JobFailed, "", err.Error())
		return
	}

	_ = p.jobs.SetStatus(ctx, task.JobID, models.JobFinished, "", "")
	log.Debug("job finished")
}
