// Package containerengine is the thin wrapper over the Docker Engine
// API used by the submission materializer and match supervisor to build
// per-submission images and run per-match containers.
package containerengine

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Engine wraps a Docker Engine API client.
type Engine struct {
	cli *client.Client
}

// New builds an Engine. host, if empty, uses the client's default
// (DOCKER_HOST env var or the local unix socket).
func New(host string) (*Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("build docker client: %w", err)
	}
	return &Engine{cli: cli}, nil
}

// ImageExists reports whether an image with the given tag is already
// built.
func (e *Engine) ImageExists(ctx context.Context, tag string) (bool, error) {
	images, err := e.cli.ImageList(ctx, types.ImageListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", tag)),
	})
	if err != nil {
		return false, fmt.Errorf("list images for %s: %w", tag, err)
	}
	return len(images) > 0, nil
}

// BuildImage builds dir (a submission's Joueur.<lang> folder, with the
// per-language Dockerfile already copied in) into an image tagged tag,
// writing the full build log to logWriter.
func (e *Engine) BuildImage(ctx context.Context, dir, tag string, logWriter io.Writer) error {
	buildCtx, err := tarDirectory(dir)
	if err != nil {
		return fmt.Errorf("tar build context %s: %w", dir, err)
	}

	resp, err := e.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", tag, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(logWriter, resp.Body); err != nil {
		return fmt.Errorf("stream build log for %s: %w", tag, err)
	}
	return nil
}

// RunSpec describes one side's container for a match.
type RunSpec struct {
	Name    string
	Image   string
	Args    []string
	CPU     string // e.g. "0.5" cores
	Memory  string // e.g. "1g", applied to both Memory and MemorySwap
	LogFile string
}

// Handle identifies a running container and the file its stdout/stderr
// is being streamed to.
type Handle struct {
	ContainerID string
	logFile     *os.File
}

// RunContainer starts a match-side container with host networking, the
// given CPU and memory caps (no swap beyond the memory cap), and
// combined stdout/stderr redirected to spec.LogFile.
func (e *Engine) RunContainer(ctx context.Context, spec RunSpec) (*Handle, error) {
	nanoCPUs, err := parseNanoCPUs(spec.CPU)
	if err != nil {
		return nil, fmt.Errorf("parse cpu limit %q: %w", spec.CPU, err)
	}
	memBytes, err := parseMemoryBytes(spec.Memory)
	if err != nil {
		return nil, fmt.Errorf("parse memory limit %q: %w", spec.Memory, err)
	}

	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image: spec.Image,
			Cmd:   spec.Args,
		},
		&container.HostConfig{
			NetworkMode: "host",
			AutoRemove:  true,
			Resources: container.Resources{
				NanoCPUs:   nanoCPUs,
				Memory:     memBytes,
				MemorySwap: memBytes,
			},
		},
		nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	logFile, err := os.Create(spec.LogFile)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", spec.LogFile, err)
	}

	if err := e.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start container %s: %w", spec.Name, err)
	}

	go e.streamLogs(resp.ID, logFile)

	return &Handle{ContainerID: resp.ID, logFile: logFile}, nil
}

func (e *Engine) streamLogs(containerID string, logFile *os.File) {
	defer logFile.Close()
	out, err := e.cli.ContainerLogs(context.Background(), containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return
	}
	defer out.Close()
	stdcopy.StdCopy(logFile, logFile, out)
}

// Wait blocks until the container exits and reports its exit status.
func (e *Engine) Wait(ctx context.Context, h *Handle) (int64, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, h.ContainerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("wait for container %s: %w", h.ContainerID, err)
		}
		return 0, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Kill stops a container, giving it a short grace period to exit.
func (e *Engine) Kill(ctx context.Context, h *Handle) error {
	timeout := 5
	if err := e.cli.ContainerStop(ctx, h.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", h.ContainerID, err)
	}
	return nil
}

// parseNanoCPUs converts a "--cpus"-style fractional core count (e.g.
// "0.5", "2") into the NanoCPUs unit container.Resources expects
// (1 core == 1e9).
func parseNanoCPUs(cpus string) (int64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(cpus), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cpu value %q: %w", cpus, err)
	}
	return int64(f * 1e9), nil
}

// parseMemoryBytes converts a "--memory"-style size (e.g. "1g", "512m",
// "1024k", or a bare byte count) into bytes, mirroring docker's own
// suffix parsing (b/k/m/g, case-insensitive).
func parseMemoryBytes(mem string) (int64, error) {
	mem = strings.TrimSpace(mem)
	if mem == "" {
		return 0, fmt.Errorf("empty memory value")
	}

	unit := int64(1)
	numPart := mem
	switch suffix := mem[len(mem)-1:]; strings.ToLower(suffix) {
	case "b":
		numPart = mem[:len(mem)-1]
	case "k":
		unit = 1 << 10
		numPart = mem[:len(mem)-1]
	case "m":
		unit = 1 << 20
		numPart = mem[:len(mem)-1]
	case "g":
		unit = 1 << 30
		numPart = mem[:len(mem)-1]
	}

	f, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory value %q: %w", mem, err)
	}
	return int64(f * float64(unit)), nil
}

func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	defer tw.Close()

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &buf, nil
}
