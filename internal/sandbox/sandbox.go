package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrImageBuild = errors.New("sandbox image build failed")
	ErrLaunch     = errors.New("sandbox launch failed")
	ErrTimeout    = errors.New("sandbox execution timed out")
)

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	// Truncated reports that stdout or stderr went past Limits.MaxOutput
	// and the rest was discarded.
	Truncated bool
	Duration  time.Duration
}

// Output returns stdout followed by stderr, for diagnostics.
func (r *Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + r.Stderr
}

type Sandbox interface {
	Run(ctx context.Context, config RunConfig) (*Result, error)
	EnsureImage(ctx context.Context, image string) error
}

type RunConfig struct {
	Image       string
	Name        string
	Cmd         []string
	Labels      map[string]string
	ArchivePath string
	DataDir     string
	Timeout     time.Duration
	Limits      Limits
	Mounts      MountPoints
}

type Limits struct {
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	TmpfsSize   string
	// MaxOutput caps the bytes kept per stream. Zero keeps everything.
	MaxOutput int64
}

// MountPoints are the in-sandbox paths of the read-only inputs.
type MountPoints struct {
	Archive string
	Data    string
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ContainerName derives a unique container name from the student id and the
// start time. Characters docker rejects in names are replaced.
func ContainerName(studentID string, at time.Time) string {
	id := invalidNameChars.ReplaceAllString(studentID, "-")
	if id == "" {
		id = "anonymous"
	}
	return fmt.Sprintf("grader_%s_%d", id, at.UnixNano())
}
