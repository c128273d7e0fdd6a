package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/itstheanurag/autograder/internal/grader"
	"github.com/redis/go-redis/v9"
)

// maxStreamLen caps the stream; trimming is approximate.
const maxStreamLen = 10000

// Publisher appends grading outcomes to a Redis stream.
type Publisher struct {
	rdb    *redis.Client
	stream string
	now    func() time.Time
}

func NewPublisher(rdb *redis.Client, stream string) *Publisher {
	return &Publisher{rdb: rdb, stream: stream, now: time.Now}
}

func (p *Publisher) Publish(ctx context.Context, out *grader.Outcome) error {
	_, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: OutcomeValues(out, p.now()),
		ID:     "*",
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish outcome: %w", err)
	}
	return nil
}

// OutcomeValues flattens out into stream fields. Raw output stays in the
// service logs and is not published.
func OutcomeValues(out *grader.Outcome, at time.Time) map[string]any {
	errMsg := ""
	if out.ErrorMessage != nil {
		errMsg = *out.ErrorMessage
	}
	return map[string]any{
		"student_id":    out.StudentID,
		"assignment_id": out.AssignmentID,
		"success":       strconv.FormatBool(out.Success),
		"score":         out.Score,
		"total":         out.Total,
		"best_grade":    strconv.FormatFloat(out.BestGrade, 'f', -1, 64),
		"display_text":  out.DisplayText,
		"error_message": errMsg,
		"completed_at":  at.UTC().Format(time.RFC3339),
	}
}
