package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/itstheanurag/autograder/internal/metrics"
)

// teardownTimeout bounds kill, log collection and removal once the run is over.
const teardownTimeout = 30 * time.Second

// dockerAPI is the subset of *client.Client the sandbox uses.
type dockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

type BuildConfig struct {
	ContextDir string
	Timeout    time.Duration
}

type DockerSandbox struct {
	cli    dockerAPI
	logger *zerolog.Logger
	build  BuildConfig

	ready  sync.Map // image name -> struct{}
	builds singleflight.Group
}

func NewDockerSandbox(logger *zerolog.Logger, build BuildConfig) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return newDockerSandbox(cli, logger, build), nil
}

func newDockerSandbox(cli dockerAPI, logger *zerolog.Logger, build BuildConfig) *DockerSandbox {
	return &DockerSandbox{cli: cli, logger: logger, build: build}
}

func (s *DockerSandbox) Close() error {
	return s.cli.Close()
}

func (s *DockerSandbox) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	archive, err := filepath.Abs(cfg.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve archive path: %v", ErrLaunch, err)
	}
	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve data dir: %v", ErrLaunch, err)
	}

	log := s.logger.With().Str("container", cfg.Name).Logger()
	pidsLimit := cfg.Limits.PidsLimit

	createStart := time.Now()
	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:           cfg.Image,
		Cmd:             cfg.Cmd,
		Labels:          cfg.Labels,
		Tty:             false,
		NetworkDisabled: true,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:     cfg.Limits.MemoryBytes,
			MemorySwap: cfg.Limits.MemoryBytes, // No swap allowed
			NanoCPUs:   cfg.Limits.NanoCPUs,
			PidsLimit:  &pidsLimit,
		},
		NetworkMode: "none",
		LogConfig:   logConfig(cfg.Limits.MaxOutput),
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			"/tmp": "rw,exec,nosuid,size=" + cfg.Limits.TmpfsSize,
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: archive, Target: cfg.Mounts.Archive, ReadOnly: true},
			{Type: mount.TypeBind, Source: dataDir, Target: cfg.Mounts.Data, ReadOnly: true},
		},
	}, nil, nil, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: create container: %v", ErrLaunch, err)
	}

	kill := sync.OnceFunc(func() {
		kctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := s.cli.ContainerKill(kctx, resp.ID, "SIGKILL"); err != nil {
			log.Debug().Err(err).Msg("kill container")
		}
	})
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := s.cli.ContainerRemove(rctx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Warn().Err(err).Msg("failed to remove container")
		}
	}()

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: start container: %v", ErrLaunch, err)
	}
	metrics.ContainerCreationTime.Observe(float64(time.Since(createStart).Milliseconds()))
	log.Debug().Msg("container started")

	startTime := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	res := &Result{ExitCode: -1}
	statusCh, errCh := s.cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		res.ExitCode = int(status.StatusCode)
		if status.Error != nil && status.Error.Message != "" {
			log.Warn().Str("error", status.Error.Message).Msg("container wait reported an error")
		}
	case err := <-errCh:
		if !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			kill()
			return nil, fmt.Errorf("%w: wait for container: %v", ErrLaunch, err)
		}
		res.TimedOut = true
	case <-runCtx.Done():
		if !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			kill()
			return nil, fmt.Errorf("%w: %v", ErrLaunch, runCtx.Err())
		}
		res.TimedOut = true
	}
	res.Duration = time.Since(startTime)

	if res.TimedOut {
		metrics.SandboxTimeouts.Inc()
		log.Warn().Dur("timeout", cfg.Timeout).Msg("sandbox exceeded its time budget, killing")
		kill()
	}

	if err := s.collectLogs(resp.ID, cfg.Limits.MaxOutput, res); err != nil {
		log.Warn().Err(err).Msg("failed to collect container logs")
	}

	return res, nil
}

func (s *DockerSandbox) collectLogs(id string, maxOutput int64, res *Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	reader, err := s.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer reader.Close()

	stdout := &cappedBuffer{limit: maxOutput}
	stderr := &cappedBuffer{limit: maxOutput}
	_, err = stdcopy.StdCopy(stdout, stderr, reader)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.truncated || stderr.truncated
	return err
}

// logConfig bounds what the daemon keeps for the container. The json-file
// driver rotates, so the daemon holds at most two files of limit bytes.
func logConfig(limit int64) container.LogConfig {
	if limit <= 0 {
		return container.LogConfig{}
	}
	return container.LogConfig{
		Type: "json-file",
		Config: map[string]string{
			"max-size": strconv.FormatInt(limit, 10),
			"max-file": "2",
		},
	}
}

// cappedBuffer keeps the first limit bytes written and drops the rest while
// still reporting full writes, so the copy drains the stream.
type cappedBuffer struct {
	bytes.Buffer
	limit     int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.Buffer.Write(p)
	}
	room := b.limit - int64(b.Len())
	if int64(len(p)) > room {
		b.truncated = true
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
