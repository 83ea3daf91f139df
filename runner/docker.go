package runner

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/loomci/loom/artifact"
	"github.com/loomci/loom/log"
)

const workspaceDir = "/loom/workspace"

type cleanupFunc func(context.Context) error

// Docker runs every step in a fresh container; an instance's steps
// share a workspace volume and a bridge network.
type Docker struct {
	docker client.APIClient
	store  artifact.Store
	image  string
	l      *slog.Logger

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
}

func NewDocker(ctx context.Context, store artifact.Store, baseImage string) (*Docker, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	return &Docker{
		docker:  dcli,
		store:   store,
		image:   baseImage,
		l:       log.FromContext(ctx).With("component", "runner"),
		cleanup: make(map[string][]cleanupFunc),
	}, nil
}

func (d *Docker) SetupJob(ctx context.Context, runId, instance string) error {
	key := jobKey(runId, instance)
	d.l.Info("setting up job", "run", runId, "instance", instance)

	_, err := d.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   workspaceVolume(key),
		Driver: "local",
	})
	if err != nil {
		return err
	}
	d.registerCleanup(key, func(ctx context.Context) error {
		return d.docker.VolumeRemove(ctx, workspaceVolume(key), true)
	})

	_, err = d.docker.NetworkCreate(ctx, networkName(key), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return err
	}
	d.registerCleanup(key, func(ctx context.Context) error {
		return d.docker.NetworkRemove(ctx, networkName(key))
	})

	reader, err := d.docker.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)

	return nil
}

func (d *Docker) RunStep(ctx context.Context, spec StepSpec, logw io.Writer) (Outcome, error) {
	key := jobKey(spec.RunId, spec.Instance)
	start := time.Now()

	envs := append([]string(nil), spec.Env...)
	envs = append(envs, "HOME="+workspaceDir)

	resp, err := d.docker.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", spec.Command},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "loom",
		Env:        envs,
	}, hostConfig(key), nil, nil, "")
	if err != nil {
		return Outcome{}, fmt.Errorf("creating container: %w", err)
	}
	defer d.destroyStep(context.WithoutCancel(ctx), resp.ID)

	err = d.docker.NetworkConnect(ctx, networkName(key), resp.ID, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("connecting network: %w", err)
	}

	err = d.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return Outcome{}, err
	}
	d.l.Info("started container", "name", resp.ID, "step", spec.Name)

	// tail logs in the background
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- d.tailStep(ctx, resp.ID, logw)
	}()

	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error
	go func() {
		defer close(waitDone)
		state, waitErr = d.waitStep(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		<-tailDone
	case <-ctx.Done():
		d.l.Warn("step deadline hit; killing container", "container", resp.ID, "step", spec.Name)
		if err := d.destroyStep(context.WithoutCancel(ctx), resp.ID); err != nil {
			d.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}
		<-waitDone
		<-tailDone
		return Outcome{Duration: time.Since(start)}, ErrTimedOut
	}

	if waitErr != nil {
		return Outcome{Duration: time.Since(start)}, waitErr
	}

	outcome := Outcome{
		ExitCode: state.ExitCode,
		Duration: time.Since(start),
	}

	if state.OOMKilled {
		return outcome, ErrOOMKilled
	}

	// collect declared artifacts even from failed steps, partial
	// results still publish
	for _, as := range spec.Artifacts {
		handle, err := d.collectArtifact(ctx, resp.ID, as.Name, as.Path)
		if err != nil {
			d.l.Warn("failed to collect artifact", "name", as.Name, "path", as.Path, "error", err)
			continue
		}
		outcome.Artifacts = append(outcome.Artifacts, Produced{Name: as.Name, Handle: handle})
	}

	return outcome, nil
}

func (d *Docker) waitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := d.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	info, err := d.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (d *Docker) tailStep(ctx context.Context, containerID string, logw io.Writer) error {
	logs, err := d.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
		Details:    false,
		Timestamps: false,
	})
	if err != nil {
		return err
	}

	_, err = stdcopy.StdCopy(logw, logw, logs)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

// collectArtifact pulls one file out of the stopped container and
// stores it.
func (d *Docker) collectArtifact(ctx context.Context, containerID, name, path string) (artifact.Handle, error) {
	rc, _, err := d.docker.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return "", fmt.Errorf("no regular file at %s", path)
		}
		if err != nil {
			return "", err
		}
		if hdr.Typeflag == tar.TypeReg {
			return d.store.Put(ctx, name, tr)
		}
	}
}

func (d *Docker) destroyStep(ctx context.Context, containerID string) error {
	err := d.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := d.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		RemoveLinks:   false,
		Force:         false,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

func (d *Docker) DestroyJob(ctx context.Context, runId, instance string) error {
	key := jobKey(runId, instance)

	d.cleanupMu.Lock()
	fns := d.cleanup[key]
	delete(d.cleanup, key)
	d.cleanupMu.Unlock()

	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			d.l.Error("failed to cleanup job resource", "job", key, "error", err)
		}
	}
	return nil
}

func (d *Docker) registerCleanup(key string, fn cleanupFunc) {
	d.cleanupMu.Lock()
	defer d.cleanupMu.Unlock()
	d.cleanup[key] = append(d.cleanup[key], fn)
}

var keyUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func jobKey(runId, instance string) string {
	return keyUnsafe.ReplaceAllString(runId+"-"+instance, "-")
}

func workspaceVolume(key string) string {
	return "workspace-" + key
}

func networkName(key string) string {
	return "job-network-" + key
}

func hostConfig(key string) *container.HostConfig {
	return &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: workspaceVolume(key),
				Target: workspaceDir,
			},
		},
		ReadonlyRootfs: false,
		CapDrop:        []string{"ALL"},
	}
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
