package worker

import (
	"context"

	"github.com/itstheanurag/autograder/internal/grader"
	"github.com/itstheanurag/autograder/internal/metrics"
	"github.com/itstheanurag/autograder/internal/queue"
	"github.com/rs/zerolog"
)

// Publisher receives every outcome after grading.
type Publisher interface {
	Publish(ctx context.Context, out *grader.Outcome) error
}

type Worker struct {
	id        int
	grader    *grader.Grader
	manager   *queue.Manager
	publisher Publisher
	logger    *zerolog.Logger
}

// NewWorker builds a worker; publisher may be nil.
func NewWorker(id int, g *grader.Grader, manager *queue.Manager, publisher Publisher, logger *zerolog.Logger) *Worker {
	return &Worker{
		id:        id,
		grader:    g,
		manager:   manager,
		publisher: publisher,
		logger:    logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Int("worker_id", w.id).Msg("worker started")
	for {
		select {
		case job := <-w.manager.NextJob():
			w.manager.UpdateQueueMetric()
			metrics.ActiveWorkers.Inc()
			w.processJob(job)
			metrics.ActiveWorkers.Dec()
		case <-ctx.Done():
			w.logger.Info().Int("worker_id", w.id).Msg("worker stopping")
			return
		}
	}
}

func (w *Worker) processJob(job *queue.Job) {
	w.logger.Info().
		Int("worker_id", w.id).
		Str("job_id", job.ID).
		Str("student_id", job.Request.StudentID).
		Str("assignment_id", job.Request.AssignmentID).
		Msg("processing job")

	// The outcome is recorded even when the requester has gone away.
	ctx := context.WithoutCancel(job.Ctx)
	out := w.grader.Grade(ctx, job.Request)

	if w.publisher != nil {
		if err := w.publisher.Publish(ctx, out); err != nil {
			w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to publish outcome")
		}
	}

	job.Result <- out
}
