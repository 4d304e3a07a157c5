package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Container runs a command inside a single-use Docker/Podman container,
// additionally enforcing the memory, pid, and network limits the Baseline
// backend cannot (spec.md §4.8). The container is removed on exit
// regardless of how the command finished.
type Container struct {
	Image string // e.g. "alpine:3.20"; must already contain the target command
}

// NewContainer returns a container-backed sandbox that runs commands inside
// image.
func NewContainer(image string) *Container {
	return &Container{Image: image}
}

func (c *Container) Execute(ctx context.Context, cfg Config, command string, args []string) (Result, error) {
	cpuTime := cfg.Limits.CPUTime
	if cpuTime <= 0 {
		cpuTime = defaultCPUTimeSeconds
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(cpuTime)*time.Second)
	defer cancel()

	memBytes := int64(cfg.Limits.MemoryMB) * 1024 * 1024
	pidsLimit := int64(cfg.Limits.MaxProcs)
	if pidsLimit <= 0 {
		pidsLimit = 64
	}

	networkMode := container.NetworkMode("none")
	if cfg.NetworkPolicy == NetworkHost {
		networkMode = "bridge"
	}

	cmdline := append([]string{command}, args...)

	req := testcontainers.ContainerRequest{
		Image:      c.Image,
		Cmd:        cmdline,
		WaitingFor: wait.ForExit().WithExitTimeout(time.Duration(cpuTime) * time.Second),
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.NetworkMode = networkMode
			hc.PidsLimit = &pidsLimit
			if memBytes > 0 {
				hc.Resources.Memory = memBytes
			}
			if cfg.FilesystemPolicy == FilesystemReadOnly {
				hc.ReadonlyRootfs = true
			}
		},
	}
	if cfg.RootDir != "" {
		mode := "rw"
		if cfg.FilesystemPolicy == FilesystemReadOnly {
			mode = "ro"
		}
		req.Mounts = testcontainers.ContainerMounts{
			{
				Source:   testcontainers.GenericBindMountSource{HostPath: cfg.RootDir},
				Target:   "/workspace",
				ReadOnly: mode == "ro",
			},
		}
		req.WorkingDir = "/workspace"
	}

	start := time.Now()
	ctr, err := testcontainers.GenericContainer(runCtx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("start sandbox container: %w", err)
	}
	defer func() {
		_ = ctr.Terminate(context.Background())
	}()

	state, err := ctr.State(runCtx)
	killed := runCtx.Err() == context.DeadlineExceeded

	var stdoutBuf, stderrBuf bytes.Buffer
	if logs, lerr := ctr.Logs(runCtx); lerr == nil {
		io.Copy(&stdoutBuf, logs)
		logs.Close()
	}

	res := Result{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if killed {
		res.Killed = true
		res.KillReason = fmt.Sprintf("cpu_time limit of %ds exceeded", cpuTime)
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("read sandbox container state: %w", err)
	}
	res.ExitCode = state.ExitCode
	return res, nil
}
