package executor

import (
	"bytes"
	"context"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

// Resource limits applied to every Docker-sandboxed container. These mirror
// the constraints a descriptor on the process sandbox gets for free from
// the host kernel's own limits on the worker process.
const (
	dockerMemoryLimit = 256 * 1024 * 1024 // 256MB
	dockerCPULimit    = 1.0               // 1 CPU core
	dockerPidsLimit   = int64(50)
	dockerNetworkMode = "none"
	dockerStopTimeout = 1 // seconds
)

// dockerSandbox runs the child inside a throwaway container: a network-disabled,
// read-only-root, resource-capped box. It implements the same sandbox
// interface as processSandbox so the Executor can't tell them apart.
type dockerSandbox struct {
	log    *logrus.Entry
	client *client.Client
}

// newDockerSandbox attempts to connect to the local Docker daemon. When
// Docker isn't reachable it returns a sandbox with a nil client; descriptors
// that request sandbox=docker then fail closed with failSandboxDown rather
// than silently falling back to unsandboxed execution.
func newDockerSandbox(log *logrus.Entry) *dockerSandbox {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.WithError(err).Warn("docker sandbox unavailable: could not create client")
		return &dockerSandbox{log: log}
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		log.WithError(err).Warn("docker sandbox unavailable: daemon unreachable")
		return &dockerSandbox{log: log}
	}
	return &dockerSandbox{log: log, client: cli}
}

func (s *dockerSandbox) run(ctx context.Context, req runRequest) runOutcome {
	if s.client == nil {
		return runOutcome{Failure: failSandboxDown, Detail: "docker daemon unreachable"}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerID, err := s.createAndStart(runCtx, req)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return runOutcome{Failure: failTimeout}
		}
		return runOutcome{Failure: failSpawn, Detail: err.Error()}
	}
	defer s.cleanup(context.Background(), containerID)

	statusCh, errCh := s.client.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	var statusCode int64
	select {
	case err := <-errCh:
		if runCtx.Err() == context.DeadlineExceeded {
			return runOutcome{Failure: failTimeout}
		}
		if err != nil {
			return runOutcome{Failure: failSpawn, Detail: err.Error()}
		}
	case status := <-statusCh:
		statusCode = status.StatusCode
	case <-runCtx.Done():
		return runOutcome{Failure: failTimeout}
	}

	stdout, stderr, err := s.logs(context.Background(), containerID)
	if err != nil {
		return runOutcome{Failure: failSpawn, Detail: err.Error()}
	}

	if len(stdout) > MaxOutputBytes || len(stderr) > MaxOutputBytes {
		return runOutcome{Failure: failOutputCap}
	}

	return runOutcome{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: int(statusCode),
	}
}

func (s *dockerSandbox) createAndStart(ctx context.Context, req runRequest) (string, error) {
	mounts := []mount.Mount{
		{
			Type:     mount.TypeBind,
			Source:   req.Workspace,
			Target:   "/code",
			ReadOnly: false,
		},
	}

	cmd := strslice.StrSlice(append([]string{req.Command}, req.Args...))

	config := &container.Config{
		Image:      req.Descriptor.Image,
		Cmd:        cmd,
		Tty:        false,
		WorkingDir: "/code",
		OpenStdin:  req.Stdin != "",
		StdinOnce:  true,
	}

	pidsLimit := dockerPidsLimit
	hostConfig := &container.HostConfig{
		Mounts:         mounts,
		NetworkMode:    container.NetworkMode(dockerNetworkMode),
		ReadonlyRootfs: true,
		Resources: container.Resources{
			Memory:    dockerMemoryLimit,
			NanoCPUs:  int64(dockerCPULimit * 1e9),
			PidsLimit: &pidsLimit,
		},
	}

	resp, err := s.client.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return "", err
	}

	if req.Stdin != "" {
		attach, err := s.client.ContainerAttach(ctx, resp.ID, container.AttachOptions{Stream: true, Stdin: true})
		if err == nil {
			go func() {
				defer attach.Close()
				_, _ = attach.Conn.Write([]byte(req.Stdin))
			}()
		}
	}

	if err := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, err
	}
	return resp.ID, nil
}

func (s *dockerSandbox) logs(ctx context.Context, containerID string) (string, string, error) {
	reader, err := s.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", "", err
	}
	return stdout.String(), stderr.String(), nil
}

func (s *dockerSandbox) cleanup(ctx context.Context, containerID string) {
	stopTimeout := dockerStopTimeout
	if err := s.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		_ = s.client.ContainerKill(ctx, containerID, "SIGKILL")
	}
	_ = s.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}
