package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/itstheanurag/autograder/internal/metrics"
)

// EnsureImage makes sure img exists locally, building it from the configured
// build context when it does not. Builds of the same image are serialized and
// share one result; once an image is known to exist the check is a map lookup.
func (s *DockerSandbox) EnsureImage(ctx context.Context, img string) error {
	if _, ok := s.ready.Load(img); ok {
		return nil
	}

	_, err, _ := s.builds.Do(img, func() (any, error) {
		if _, ok := s.ready.Load(img); ok {
			return nil, nil
		}
		if err := s.ensureImage(context.WithoutCancel(ctx), img); err != nil {
			return nil, err
		}
		s.ready.Store(img, struct{}{})
		return nil, nil
	})
	return err
}

func (s *DockerSandbox) ensureImage(ctx context.Context, img string) error {
	_, _, err := s.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil // Image already exists
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: inspect image %s: %v", ErrImageBuild, img, err)
	}

	s.logger.Info().Str("image", img).Str("context", s.build.ContextDir).Msg("building sandbox image")

	if s.build.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.build.Timeout)
		defer cancel()
	}

	if err := s.buildImage(ctx, img); err != nil {
		metrics.ImageBuilds.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %s: %v", ErrImageBuild, img, err)
	}

	metrics.ImageBuilds.WithLabelValues("success").Inc()
	s.logger.Info().Str("image", img).Msg("successfully built sandbox image")
	return nil
}

func (s *DockerSandbox) buildImage(ctx context.Context, img string) error {
	buildCtx, err := archive.TarWithOptions(s.build.ContextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to archive build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := s.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{img},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("failed to start build: %w", err)
	}
	defer resp.Body.Close()

	// The build only finishes once the progress stream is drained; errors
	// reported by the daemon arrive inside the stream.
	return jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil)
}
