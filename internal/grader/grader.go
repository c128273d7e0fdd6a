package grader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/itstheanurag/autograder/internal/config"
	"github.com/itstheanurag/autograder/internal/extractor"
	"github.com/itstheanurag/autograder/internal/grades"
	"github.com/itstheanurag/autograder/internal/metrics"
	"github.com/itstheanurag/autograder/internal/sandbox"
)

// Failure categories shown to students.
const (
	CategoryCompilationFailed = "compilation failed"
	CategoryNoTest            = "no test defined"
	CategoryTimeout           = "execution timeout"
	CategoryProcessing        = "processing error"
	CategoryUnknown           = "unknown error"
)

// Markers the grading binary prints for failures it detects itself.
const (
	markerCompilationFailed = "COMPILATION_FAILED"
	markerNoTest            = "No test defined"
)

// Request is what the upload workflow hands over for one attempt.
type Request struct {
	ArchivePath  string `json:"archive_path"`
	StudentID    string `json:"student_id"`
	AssignmentID string `json:"assignment_id"`
	DataDir      string `json:"data_dir,omitempty"`
}

// Job is one grading attempt in flight.
type Job struct {
	Request
	ContainerName string
	StartedAt     time.Time
}

type Outcome struct {
	Success      bool    `json:"success"`
	Score        int     `json:"score"`
	Total        int     `json:"total"`
	DisplayText  string  `json:"display_text"`
	Output       string  `json:"output,omitempty"`
	RawOutput    string  `json:"raw_output"`
	ErrorMessage *string `json:"error_message,omitempty"`

	// BestGrade is the stored percentage after this attempt, or -1 when
	// nothing could be recorded.
	BestGrade float64 `json:"best_grade"`

	StudentID    string `json:"student_id"`
	AssignmentID string `json:"assignment_id"`
}

type Grader struct {
	sandbox  sandbox.Sandbox
	recorder *grades.Recorder
	conf     config.SandboxConfig
	logger   *zerolog.Logger
	now      func() time.Time
}

func New(sb sandbox.Sandbox, recorder *grades.Recorder, conf config.SandboxConfig, logger *zerolog.Logger) *Grader {
	return &Grader{
		sandbox:  sb,
		recorder: recorder,
		conf:     conf,
		logger:   logger,
		now:      time.Now,
	}
}

// Grade runs one attempt end to end. It never returns an error: every
// failure is recorded as a zero-score attempt and reported in the outcome.
func (g *Grader) Grade(ctx context.Context, req Request) *Outcome {
	if req.DataDir == "" {
		req.DataDir = g.conf.DataDir
	}
	start := g.now()
	job := Job{
		Request:       req,
		ContainerName: sandbox.ContainerName(req.StudentID, start),
		StartedAt:     start,
	}
	log := g.logger.With().
		Str("student_id", req.StudentID).
		Str("assignment_id", req.AssignmentID).
		Str("container", job.ContainerName).
		Logger()

	out := g.grade(ctx, job, &log)

	status := "graded"
	if out.ErrorMessage != nil {
		status = *out.ErrorMessage
	}
	metrics.GradingsTotal.WithLabelValues(status).Inc()
	metrics.GradingDuration.WithLabelValues("total").Observe(float64(time.Since(start).Milliseconds()))

	return out
}

func (g *Grader) grade(ctx context.Context, job Job, log *zerolog.Logger) *Outcome {
	if err := g.sandbox.EnsureImage(ctx, g.conf.Image); err != nil {
		log.Error().Err(err).Msg("sandbox image unavailable")
		return g.fail(ctx, job, log, CategoryProcessing, err.Error())
	}

	raw, err := g.sandbox.Run(ctx, g.runConfig(job))
	if err != nil {
		log.Error().Err(err).Msg("sandbox run failed")
		return g.fail(ctx, job, log, CategoryProcessing, err.Error())
	}
	metrics.GradingDuration.WithLabelValues("run").Observe(float64(raw.Duration.Milliseconds()))

	if raw.TimedOut {
		err := fmt.Errorf("%w after %s", sandbox.ErrTimeout, g.conf.Timeout)
		log.Warn().Err(err).Msg("grading timed out")
		return g.fail(ctx, job, log, CategoryTimeout, raw.Output())
	}
	log.Debug().Int("exit_code", raw.ExitCode).Dur("duration", raw.Duration).Msg("sandbox finished")
	if raw.Truncated {
		log.Warn().Int64("limit", g.conf.MaxOutput).Msg("sandbox output exceeded the capture limit and was truncated")
	}

	res := extractor.Extract(raw.Stdout, job.StudentID, job.AssignmentID)
	if res.Foreign > 0 {
		metrics.ForeignRecords.Add(float64(res.Foreign))
		log.Warn().Int("records", res.Foreign).Msg("output contained result records for another student or assignment")
	}
	if res.Fallback {
		category := classify(raw.Output())
		log.Warn().Str("category", category).Int("rejected", res.Rejected).Int("exit_code", raw.ExitCode).
			Msg("no matching result record in sandbox output")
		return g.fail(ctx, job, log, category, raw.Output())
	}

	sub, err := g.recorder.Record(ctx, job.StudentID, job.AssignmentID, res.Score, res.Total)
	if err != nil {
		log.Error().Err(err).Msg("failed to record grade")
		return &Outcome{
			Success:      false,
			Score:        res.Score,
			Total:        res.Total,
			DisplayText:  fmt.Sprintf("Final grade: %d/%d (%s)", res.Score, res.Total, capitalize(CategoryProcessing)),
			Output:       res.Output,
			RawOutput:    raw.Output(),
			ErrorMessage: ptr(CategoryProcessing),
			BestGrade:    -1,
			StudentID:    job.StudentID,
			AssignmentID: job.AssignmentID,
		}
	}

	return &Outcome{
		Success:      true,
		Score:        res.Score,
		Total:        res.Total,
		DisplayText:  fmt.Sprintf("Final grade: %d/%d", res.Score, res.Total),
		Output:       res.Output,
		RawOutput:    raw.Output(),
		BestGrade:    sub.Grade,
		StudentID:    job.StudentID,
		AssignmentID: job.AssignmentID,
	}
}

func (g *Grader) runConfig(job Job) sandbox.RunConfig {
	cmd := make([]string, 0, len(g.conf.Command)+3)
	cmd = append(cmd, g.conf.Command...)
	cmd = append(cmd, g.conf.ArchiveMount, job.StudentID, job.AssignmentID)

	return sandbox.RunConfig{
		Image:       g.conf.Image,
		Name:        job.ContainerName,
		Cmd:         cmd,
		ArchivePath: job.ArchivePath,
		DataDir:     job.DataDir,
		Timeout:     g.conf.Timeout,
		Labels: map[string]string{
			"autograder.student_id":    job.StudentID,
			"autograder.assignment_id": job.AssignmentID,
		},
		Limits: sandbox.Limits{
			MemoryBytes: g.conf.MemoryBytes,
			NanoCPUs:    g.conf.NanoCPUs,
			PidsLimit:   g.conf.PidsLimit,
			TmpfsSize:   g.conf.TmpfsSize,
			MaxOutput:   g.conf.MaxOutput,
		},
		Mounts: sandbox.MountPoints{
			Archive: g.conf.ArchiveMount,
			Data:    g.conf.DataMount,
		},
	}
}

// fail records a zero-score attempt so the pair always has a submission; the
// best-grade rule keeps any earlier, higher grade.
func (g *Grader) fail(ctx context.Context, job Job, log *zerolog.Logger, category, raw string) *Outcome {
	out := &Outcome{
		Success:      false,
		Score:        0,
		Total:        extractor.FallbackTotal,
		DisplayText:  fmt.Sprintf("Final grade: 0/%d (%s)", extractor.FallbackTotal, capitalize(category)),
		RawOutput:    raw,
		ErrorMessage: ptr(category),
		BestGrade:    -1,
		StudentID:    job.StudentID,
		AssignmentID: job.AssignmentID,
	}

	sub, err := g.recorder.Record(ctx, job.StudentID, job.AssignmentID, 0, extractor.FallbackTotal)
	if err != nil {
		log.Error().Err(err).Msg("failed to record failed attempt")
		return out
	}
	out.BestGrade = sub.Grade
	return out
}

func classify(raw string) string {
	switch {
	case strings.Contains(raw, markerCompilationFailed):
		return CategoryCompilationFailed
	case strings.Contains(raw, markerNoTest):
		return CategoryNoTest
	}
	return CategoryUnknown
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func ptr[T any](v T) *T { return &v }
