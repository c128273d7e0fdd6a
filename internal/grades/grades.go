package grades

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("submission not found")

// Submission is the single stored record for a (user, assignment) pair.
type Submission struct {
	UserID       string    `json:"user_id"`
	AssignmentID string    `json:"assignment_id"`
	SubmittedAt  time.Time `json:"submission_time"`
	Grade        float64   `json:"grade"`
}

// Store persists submissions. Upsert must serialize callers on the same key:
// it inserts when no record exists, overwrites grade and time when grade is
// at least the stored one, and otherwise leaves the record untouched. It
// returns the record as stored afterwards and whether it changed.
type Store interface {
	Upsert(ctx context.Context, userID, assignmentID string, grade float64, at time.Time) (*Submission, bool, error)
	Get(ctx context.Context, userID, assignmentID string) (*Submission, error)
}

// Percentage converts a score to a grade in [0, 100]. A non-positive total
// yields 0.
func Percentage(score, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := 100 * float64(score) / float64(total)
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

type Recorder struct {
	store  Store
	logger *zerolog.Logger
	now    func() time.Time
}

func NewRecorder(store Store, logger *zerolog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, userID, assignmentID string, score, total int) (*Submission, error) {
	grade := Percentage(score, total)

	sub, changed, err := r.store.Upsert(ctx, userID, assignmentID, grade, r.now())
	if err != nil {
		return nil, fmt.Errorf("failed to record submission: %w", err)
	}

	level := zerolog.InfoLevel
	if !changed {
		level = zerolog.DebugLevel
	}
	r.logger.WithLevel(level).
		Str("user_id", userID).
		Str("assignment_id", assignmentID).
		Float64("grade", grade).
		Float64("best", sub.Grade).
		Bool("updated", changed).
		Msg("submission recorded")

	return sub, nil
}

func (r *Recorder) Get(ctx context.Context, userID, assignmentID string) (*Submission, error) {
	return r.store.Get(ctx, userID, assignmentID)
}
