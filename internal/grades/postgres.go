package grades

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Upsert runs in one transaction: the insert either creates the row or
// conflicts, after which the row is locked with FOR UPDATE so concurrent
// graders for the same key compare and write one at a time.
func (s *PgStore) Upsert(ctx context.Context, userID, assignmentID string, grade float64, at time.Time) (*Submission, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // Safe to call, does nothing if already committed

	tag, err := tx.Exec(ctx, `
		INSERT INTO submissions (user_id, assignment_id, submission_time, grade)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, assignment_id) DO NOTHING`,
		userID, assignmentID, at, grade,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert submission: %w", err)
	}

	sub := Submission{UserID: userID, AssignmentID: assignmentID, SubmittedAt: at, Grade: grade}
	changed := true

	if tag.RowsAffected() == 0 {
		var existing Submission
		err = tx.QueryRow(ctx, `
			SELECT user_id, assignment_id, submission_time, grade
			FROM submissions
			WHERE user_id = $1 AND assignment_id = $2
			FOR UPDATE`,
			userID, assignmentID,
		).Scan(&existing.UserID, &existing.AssignmentID, &existing.SubmittedAt, &existing.Grade)
		if err != nil {
			return nil, false, fmt.Errorf("failed to lock submission: %w", err)
		}

		if grade < existing.Grade {
			sub, changed = existing, false
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE submissions SET grade = $3, submission_time = $4
				WHERE user_id = $1 AND assignment_id = $2`,
				userID, assignmentID, grade, at,
			)
			if err != nil {
				return nil, false, fmt.Errorf("failed to update submission: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &sub, changed, nil
}

func (s *PgStore) Get(ctx context.Context, userID, assignmentID string) (*Submission, error) {
	var sub Submission
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, assignment_id, submission_time, grade
		FROM submissions
		WHERE user_id = $1 AND assignment_id = $2`,
		userID, assignmentID,
	).Scan(&sub.UserID, &sub.AssignmentID, &sub.SubmittedAt, &sub.Grade)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return &sub, nil
}
