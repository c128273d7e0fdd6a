package grader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itstheanurag/autograder/internal/config"
	"github.com/itstheanurag/autograder/internal/grades"
	"github.com/itstheanurag/autograder/internal/sandbox"
)

type fakeSandbox struct {
	mu       sync.Mutex
	imageErr error
	runErr   error
	result   *sandbox.Result
	configs  []sandbox.RunConfig
}

func (f *fakeSandbox) EnsureImage(ctx context.Context, image string) error {
	return f.imageErr
}

func (f *fakeSandbox) Run(ctx context.Context, cfg sandbox.RunConfig) (*sandbox.Result, error) {
	f.mu.Lock()
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	res := *f.result
	return &res, nil
}

func testConfig() config.SandboxConfig {
	return config.SandboxConfig{
		Image:        "autograder:latest",
		Timeout:      30 * time.Second,
		MemoryBytes:  128 << 20,
		NanoCPUs:     500_000_000,
		PidsLimit:    64,
		TmpfsSize:    "100m",
		MaxOutput:    4 << 20,
		DataDir:      "/srv/data",
		Command:      []string{"./autograding_src/autograder"},
		ArchiveMount: "/input.zip",
		DataMount:    "/data",
	}
}

func newTestGrader(sb sandbox.Sandbox) (*Grader, *grades.MemoryStore) {
	logger := zerolog.Nop()
	store := grades.NewMemoryStore()
	return New(sb, grades.NewRecorder(store, &logger), testConfig(), &logger), store
}

func record(student, assignment string, score, total int) string {
	return fmt.Sprintf(`{"student_id": %q, "assignment_id": %q, "score": %d, "total": %d, "output": "42"}`,
		student, assignment, score, total)
}

func request() Request {
	return Request{ArchivePath: "/srv/submissions/123456779_A2.zip", StudentID: "123456779", AssignmentID: "A2"}
}

func TestGradeSuccess(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.Result{
		Stdout: "Processing single zip file\n" + record("123456779", "A2", 87, 100) + "\nDone\n",
	}}
	g, store := newTestGrader(sb)

	out := g.Grade(context.Background(), request())

	assert.True(t, out.Success)
	assert.Nil(t, out.ErrorMessage)
	assert.Equal(t, 87, out.Score)
	assert.Equal(t, 100, out.Total)
	assert.Equal(t, "Final grade: 87/100", out.DisplayText)
	assert.Equal(t, "42", out.Output)
	assert.Equal(t, 87.0, out.BestGrade)

	sub, err := store.Get(context.Background(), "123456779", "A2")
	require.NoError(t, err)
	assert.Equal(t, 87.0, sub.Grade)
}

func TestGradeBuildsRunConfig(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.Result{Stdout: record("123456779", "A2", 1, 1)}}
	g, _ := newTestGrader(sb)

	g.Grade(context.Background(), request())

	require.Len(t, sb.configs, 1)
	cfg := sb.configs[0]
	assert.Equal(t, []string{"./autograding_src/autograder", "/input.zip", "123456779", "A2"}, cfg.Cmd)
	assert.Equal(t, "/srv/data", cfg.DataDir, "the configured data dir is the default")
	assert.Equal(t, "/srv/submissions/123456779_A2.zip", cfg.ArchivePath)
	assert.True(t, strings.HasPrefix(cfg.Name, "grader_123456779_"))
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, int64(128<<20), cfg.Limits.MemoryBytes)
	assert.Equal(t, int64(4<<20), cfg.Limits.MaxOutput)
}

func TestGradeTimeout(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.Result{Stdout: "still running...\n", TimedOut: true, ExitCode: -1}}
	g, store := newTestGrader(sb)

	out := g.Grade(context.Background(), request())

	assert.False(t, out.Success)
	require.NotNil(t, out.ErrorMessage)
	assert.Contains(t, *out.ErrorMessage, "timeout")
	assert.Equal(t, 0, out.Score)
	assert.Equal(t, "Final grade: 0/100 (Execution timeout)", out.DisplayText)
	assert.Equal(t, "still running...\n", out.RawOutput)

	sub, err := store.Get(context.Background(), "123456779", "A2")
	require.NoError(t, err, "a timed out attempt is still recorded")
	assert.Equal(t, 0.0, sub.Grade)
}

func TestGradeForeignRecordFallsBack(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.Result{Stdout: record("999", "A2", 100, 100) + "\n"}}
	g, _ := newTestGrader(sb)

	out := g.Grade(context.Background(), request())

	assert.False(t, out.Success)
	require.NotNil(t, out.ErrorMessage)
	assert.Equal(t, CategoryUnknown, *out.ErrorMessage)
	assert.Equal(t, 0, out.Score)
	assert.Equal(t, 100, out.Total)
	assert.Equal(t, "Final grade: 0/100 (Unknown error)", out.DisplayText)
}

func TestGradeClassifiesFailures(t *testing.T) {
	tests := []struct {
		stdout string
		want   string
	}{
		{"Creating temp directory\nCOMPILATION_FAILED\n", CategoryCompilationFailed},
		{"No test defined for assignment A2\n", CategoryNoTest},
		{"Segmentation fault\n", CategoryUnknown},
	}
	for _, tt := range tests {
		sb := &fakeSandbox{result: &sandbox.Result{Stdout: tt.stdout, ExitCode: 1}}
		g, _ := newTestGrader(sb)

		out := g.Grade(context.Background(), request())

		require.NotNil(t, out.ErrorMessage)
		assert.Equal(t, tt.want, *out.ErrorMessage)
		assert.Equal(t, tt.stdout, out.RawOutput)
	}
}

func TestGradeInfrastructureFailures(t *testing.T) {
	tests := []struct {
		name string
		sb   *fakeSandbox
	}{
		{"image build", &fakeSandbox{imageErr: fmt.Errorf("%w: no Dockerfile", sandbox.ErrImageBuild)}},
		{"launch", &fakeSandbox{runErr: fmt.Errorf("%w: create container: no space left", sandbox.ErrLaunch)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, store := newTestGrader(tt.sb)

			out := g.Grade(context.Background(), request())

			assert.False(t, out.Success)
			require.NotNil(t, out.ErrorMessage)
			assert.Equal(t, CategoryProcessing, *out.ErrorMessage)
			assert.Equal(t, "Final grade: 0/100 (Processing error)", out.DisplayText)
			assert.Equal(t, 1, store.Len())
		})
	}
}

func TestGradeFailureKeepsPriorBest(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.Result{Stdout: record("123456779", "A2", 9, 10)}}
	g, store := newTestGrader(sb)

	first := g.Grade(context.Background(), request())
	require.True(t, first.Success)

	sb.result = &sandbox.Result{TimedOut: true}
	second := g.Grade(context.Background(), request())

	assert.False(t, second.Success)
	assert.Equal(t, 90.0, second.BestGrade)
	sub, err := store.Get(context.Background(), "123456779", "A2")
	require.NoError(t, err)
	assert.Equal(t, 90.0, sub.Grade)
}

func TestGradeTruncatedOutputStillGrades(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.Result{
		Stdout:    record("123456779", "A2", 5, 10) + "\n" + strings.Repeat("y\n", 64),
		Truncated: true,
	}}
	g, _ := newTestGrader(sb)

	out := g.Grade(context.Background(), request())

	assert.True(t, out.Success)
	assert.Equal(t, 5, out.Score)
}

func TestGradeUsesRequestDataDir(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.Result{Stdout: record("123456779", "A2", 1, 1)}}
	g, _ := newTestGrader(sb)

	req := request()
	req.DataDir = "/tmp/custom"
	g.Grade(context.Background(), req)

	require.Len(t, sb.configs, 1)
	assert.Equal(t, "/tmp/custom", sb.configs[0].DataDir)
}
