package queue

import (
	"context"
	"errors"

	"github.com/itstheanurag/autograder/internal/grader"
	"github.com/itstheanurag/autograder/internal/metrics"
)

var ErrQueueFull = errors.New("grading queue is full")

type Job struct {
	ID      string
	Request grader.Request
	Result  chan *grader.Outcome
	Ctx     context.Context
}

func NewJob(ctx context.Context, id string, req grader.Request) *Job {
	return &Job{
		ID:      id,
		Request: req,
		Result:  make(chan *grader.Outcome, 1),
		Ctx:     ctx,
	}
}

type Manager struct {
	jobQueue chan *Job
}

func NewManager(capacity int) *Manager {
	return &Manager{
		jobQueue: make(chan *Job, capacity),
	}
}

// Submit enqueues job, waiting for room until ctx is done.
func (m *Manager) Submit(ctx context.Context, job *Job) error {
	select {
	case m.jobQueue <- job:
		m.UpdateQueueMetric()
		return nil
	case <-ctx.Done():
		return ErrQueueFull
	}
}

func (m *Manager) NextJob() <-chan *Job {
	return m.jobQueue
}

func (m *Manager) UpdateQueueMetric() {
	metrics.QueueDepth.Set(float64(len(m.jobQueue)))
}
