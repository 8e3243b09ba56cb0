package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/stackbound/agentflow/common/config"
	"github.com/stackbound/agentflow/common/logger"
	"github.com/stackbound/agentflow/common/models"
)

// Spec describes one agent invocation.
type Spec struct {
	AgentName    string
	EntryPath    string
	Action       string
	Input        map[string]any
	OutputSchema json.RawMessage
	MemoryMB     int
	Timeout      time.Duration
}

// Result is the tagged outcome of an invocation: Output is non-nil iff
// the invocation succeeded, otherwise Failure carries the kind and message.
type Result struct {
	Output   map[string]any
	Failure  *models.AgentError
	Stderr   string
	Duration time.Duration
}

// Success reports whether the invocation produced a valid output.
func (r Result) Success() bool {
	return r.Failure == nil
}

// Executor runs agent invocations.
type Executor interface {
	Execute(ctx context.Context, spec Spec) Result
}

// CommandRunner executes one command and returns its separated output
// streams. Factored out so tests can substitute a deterministic fake.
type CommandRunner func(ctx context.Context, name string, args []string) (stdout, stderr []byte, err error)

func defaultRunner(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	cmd.Env = []string{} // no ambient credentials

	err := cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Sandbox launches each agent in an ephemeral container: no network, a
// memory cap, a private workspace mount, the serialized input as the
// single command-line argument. stdout is the result channel, stderr is
// captured into logs only. In "process" runtime mode the entry path is
// executed directly (local development).
type Sandbox struct {
	cfg    config.ExecutorConfig
	run    CommandRunner
	log    *logger.Logger
	schema *schemaCache
}

// NewSandbox creates the executor from configuration.
func NewSandbox(cfg config.ExecutorConfig, log *logger.Logger) *Sandbox {
	return &Sandbox{
		cfg:    cfg,
		run:    defaultRunner,
		log:    log,
		schema: newSchemaCache(),
	}
}

// NewSandboxWithRunner substitutes the command runner (tests).
func NewSandboxWithRunner(cfg config.ExecutorConfig, run CommandRunner, log *logger.Logger) *Sandbox {
	s := NewSandbox(cfg, log)
	s.run = run
	return s
}

// Execute runs one invocation and classifies the outcome. The wall-clock
// cap is enforced here; the container is removed on every exit path
// (docker run --rm plus workspace cleanup).
func (s *Sandbox) Execute(ctx context.Context, spec Spec) Result {
	start := time.Now()

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inputJSON, err := json.Marshal(spec.Input)
	if err != nil {
		return s.failure(models.FailureRuntimeError, fmt.Sprintf("marshal input: %v", err), "", start)
	}

	name, args, cleanup, err := s.command(spec, string(inputJSON))
	if err != nil {
		return s.failure(models.FailureRuntimeError, err.Error(), "", start)
	}
	defer cleanup()

	log := s.log.WithAgent(spec.AgentName)
	log.Debug("dispatching agent", "action", spec.Action, "timeout", timeout)

	stdout, stderr, runErr := s.run(ctx, name, args)
	stderrStr := string(stderr)

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return s.failure(models.FailureTimeout,
				fmt.Sprintf("wall-clock cap %s exceeded", timeout), stderrStr, start)
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return s.failure(models.FailureCancelled, "invocation cancelled", stderrStr, start)
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return s.failure(models.FailureNonZeroExit,
				fmt.Sprintf("exit code %d", exitErr.ExitCode()), stderrStr, start)
		}
		return s.failure(models.FailureRuntimeError, runErr.Error(), stderrStr, start)
	}

	var output map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &output); err != nil {
		return s.failure(models.FailureInvalidOutput,
			fmt.Sprintf("stdout is not a JSON object: %v", err), stderrStr, start)
	}

	if len(spec.OutputSchema) > 0 {
		if err := s.schema.validate(spec.AgentName, spec.Action, spec.OutputSchema, stdout); err != nil {
			return s.failure(models.FailureSchemaViolation, err.Error(), stderrStr, start)
		}
	}

	return Result{
		Output:   output,
		Stderr:   stderrStr,
		Duration: time.Since(start),
	}
}

// command builds the invocation for the configured runtime mode.
func (s *Sandbox) command(spec Spec, inputJSON string) (string, []string, func(), error) {
	if s.cfg.RuntimeMode == "process" {
		return spec.EntryPath, []string{inputJSON}, func() {}, nil
	}

	workspace, err := os.MkdirTemp(s.cfg.WorkspaceDir, "agent-")
	if err != nil {
		return "", nil, nil, fmt.Errorf("create workspace: %w", err)
	}
	cleanup := func() { os.RemoveAll(workspace) }

	memoryMB := spec.MemoryMB
	if memoryMB <= 0 {
		memoryMB = s.cfg.MemoryLimitMB
	}

	args := []string{
		"run", "--rm",
		"--network", "none",
		"--memory", strconv.Itoa(memoryMB) + "m",
		"--read-only",
		"-v", workspace + ":/workspace:rw",
		"-w", "/workspace",
		s.cfg.RuntimeImage,
		spec.EntryPath,
		inputJSON,
	}
	return "docker", args, cleanup, nil
}

func (s *Sandbox) failure(kind models.FailureKind, msg, stderr string, start time.Time) Result {
	return Result{
		Failure:  &models.AgentError{Kind: kind, Message: msg},
		Stderr:   stderr,
		Duration: time.Since(start),
	}
}
