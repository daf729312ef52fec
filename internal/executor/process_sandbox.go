package executor

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// processSandbox runs the child directly on the host via os/exec. It is the
// default, low-overhead isolation strategy; descriptors that need stronger
// isolation opt into dockerSandbox instead.
type processSandbox struct {
	log *logrus.Entry
}

func newProcessSandbox(log *logrus.Entry) *processSandbox {
	return &processSandbox{log: log}
}

func (s *processSandbox) run(ctx context.Context, req runRequest) runOutcome {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Command, req.Args...)
	cmd.Dir = req.Workspace
	setProcessGroup(cmd)

	stdout := newLimitWriter(MaxOutputBytes)
	stderr := newLimitWriter(MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return runOutcome{Failure: failSpawn, Detail: err.Error()}
	}

	if err := cmd.Start(); err != nil {
		return runOutcome{Failure: failSpawn, Detail: err.Error()}
	}

	go func() {
		// Write the full stdin buffer then close immediately: programs
		// that read until EOF must see EOF to terminate.
		defer stdin.Close()
		if req.Stdin != "" {
			_, _ = stdin.Write([]byte(req.Stdin))
		}
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case <-stdout.ExceededCh():
		killProcessGroup(cmd)
		<-waitDone
		return runOutcome{Failure: failOutputCap}
	case <-stderr.ExceededCh():
		killProcessGroup(cmd)
		<-waitDone
		return runOutcome{Failure: failOutputCap}
	case waitErr := <-waitDone:
		if runCtx.Err() == context.DeadlineExceeded {
			killProcessGroup(cmd)
			return runOutcome{Failure: failTimeout}
		}

		exitCode := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				return runOutcome{Failure: failSpawn, Detail: waitErr.Error()}
			}
		}

		return runOutcome{
			Stdout:   strings.TrimSpace(stdout.String()),
			Stderr:   strings.TrimSpace(stderr.String()),
			ExitCode: exitCode,
		}
	}
}
