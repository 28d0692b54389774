package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ShellConfig configures ShellProcedures
type ShellConfig struct {
	// Shell used for execute, invoked as <shell> -c <command>
	Shell string

	// Program run for generate as <program> <algorithm> [args...] [files...].
	// When empty generate requests are only logged.
	GeneratorCommand string

	// Upper bound on one execute or generate run
	Timeout time.Duration
}

// DefaultShellConfig returns a default shell configuration
func DefaultShellConfig() ShellConfig {
	return ShellConfig{
		Shell:   "sh",
		Timeout: 10 * time.Minute,
	}
}

// ShellProcedures implements Procedures on the local machine
type ShellProcedures struct {
	config ShellConfig
	logger zerolog.Logger
}

var _ Procedures = (*ShellProcedures)(nil)

// NewShellProcedures creates shell-backed procedures
func NewShellProcedures(config ShellConfig) *ShellProcedures {
	if config.Shell == "" {
		config.Shell = DefaultShellConfig().Shell
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultShellConfig().Timeout
	}
	return &ShellProcedures{
		config: config,
		logger: log.With().Str("component", "rpc-shell").Logger(),
	}
}

// Execute runs command and returns its exit code with both output streams
// fully captured
func (p *ShellProcedures) Execute(ctx context.Context, command string) (ExecuteResult, error) {
	if command == "" {
		return ExecuteResult{}, errors.New("command is empty")
	}
	return p.run(ctx, p.config.Shell, "-c", command)
}

// Alert logs the alert
func (p *ShellProcedures) Alert(ctx context.Context, code, message string) error {
	p.logger.Warn().Str("code", code).Msg(message)
	return nil
}

// Generate runs the configured generator. A non-zero exit is an error.
func (p *ShellProcedures) Generate(ctx context.Context, algorithm string, files, args []string) error {
	if algorithm == "" {
		return errors.New("algorithm is empty")
	}

	logger := p.logger.With().
		Str("algorithm", algorithm).
		Int("files", len(files)).
		Logger()

	if p.config.GeneratorCommand == "" {
		logger.Info().Strs("arguments", args).Msg("Generate requested, no generator configured")
		return nil
	}

	argv := append([]string{algorithm}, args...)
	argv = append(argv, files...)

	result, err := p.run(ctx, p.config.GeneratorCommand, argv...)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		logger.Error().Int("exit_code", result.ExitCode).Str("stderr", result.Stderr).Msg("Generator failed")
		return fmt.Errorf("generator exited with code %d", result.ExitCode)
	}

	logger.Info().Msg("Generator finished")
	return nil
}

func (p *ShellProcedures) run(ctx context.Context, name string, args ...string) (ExecuteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	cmd := exec.Command(name, args...)
	// Own process group so cancellation kills the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return ExecuteResult{}, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return ExecuteResult{}, fmt.Errorf("execution cancelled: %w", ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return ExecuteResult{}, fmt.Errorf("failed to execute command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return ExecuteResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
