package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/animal-classifier/internal/logging"
	"github.com/example/animal-classifier/internal/pipeline"
)

// InvokerConfig describes how to launch the worker. The staged image path is
// appended to Command as the final argument.
type InvokerConfig struct {
	Command   []string
	Timeout   time.Duration
	WaitDelay time.Duration
}

// ProcessInvoker runs one worker process per classification.
type ProcessInvoker struct {
	command   []string
	timeout   time.Duration
	waitDelay time.Duration
	logger    *zap.Logger
}

var _ Classifier = (*ProcessInvoker)(nil)

// NewProcessInvoker validates cfg and returns an invoker.
func NewProcessInvoker(cfg InvokerConfig, logger *zap.Logger) (*ProcessInvoker, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, errors.New("worker command is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("worker timeout must be positive, got %s", cfg.Timeout)
	}
	return &ProcessInvoker{
		command:   append([]string(nil), cfg.Command...),
		timeout:   cfg.Timeout,
		waitDelay: cfg.WaitDelay,
		logger:    logger.Named("classifier"),
	}, nil
}

// Probe reports whether the worker executable can be resolved.
func (p *ProcessInvoker) Probe() error {
	_, err := exec.LookPath(p.command[0])
	return err
}

// Classify launches the worker against imagePath and waits for it to finish
// or for the invocation timeout to expire, whichever comes first. Output is
// captured while the process runs so a chatty worker cannot fill the pipe
// and stall.
func (p *ProcessInvoker) Classify(ctx context.Context, imagePath string) (*Result, error) {
	opLogger := logging.WithOperation(p.logger, "classifier.invoke", logging.RequestID(ctx))

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := append(append([]string(nil), p.command[1:]...), imagePath)
	cmd := exec.CommandContext(ctx, p.command[0], args...)
	stdout := newStreamCapture("stdout", opLogger)
	stderr := newStreamCapture("stderr", opLogger)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = p.waitDelay
	isolateProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		opLogger.Error("failed to start worker", zap.Strings("command", p.command), zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, pipeline.InvocationTimeout(err, "", "")
		}
		return nil, pipeline.InvocationError(err)
	}
	opLogger.Debug("worker started", zap.Int("pid", cmd.Process.Pid), zap.String("image_path", imagePath))

	waitErr := cmd.Wait()
	out, errOut := stdout.String(), stderr.String()
	elapsed := time.Since(start)

	if waitErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			opLogger.Error("worker timed out", zap.Duration("timeout", p.timeout), zap.String("stderr", errOut))
			return nil, pipeline.InvocationTimeout(fmt.Errorf("worker exceeded %s: %w", p.timeout, context.DeadlineExceeded), out, errOut)
		}

		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			opLogger.Error("worker exited with failure",
				zap.Int("exit_code", exitErr.ExitCode()),
				zap.String("stderr", errOut),
				zap.Duration("elapsed", elapsed),
			)
			pErr := pipeline.WorkerExecutionError(exitErr.ExitCode(), out, errOut)
			pErr.Reported, _ = ReportedErrorMessage(out)
			return nil, pErr
		}

		if errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
			// The worker exited cleanly but a descendant kept its output open.
			opLogger.Warn("worker output still held open after exit", zap.Duration("wait_delay", p.waitDelay))
			reapProcessGroup(cmd)
		} else {
			opLogger.Error("worker wait failed", zap.Error(waitErr))
			return nil, pipeline.InvocationWaitError(waitErr, out, errOut)
		}
	}

	opLogger.Debug("worker finished", zap.Duration("elapsed", elapsed), zap.Int("stdout_bytes", len(out)))

	result, err := ParseOutput(out, errOut)
	if err != nil {
		opLogger.Warn("worker output rejected", zap.Error(err), zap.String("raw_output", out))
		return nil, err
	}
	return result, nil
}

// streamCapture accumulates one output stream of the worker as it arrives.
type streamCapture struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	stream string
	logger *zap.Logger
}

func newStreamCapture(stream string, logger *zap.Logger) *streamCapture {
	return &streamCapture{stream: stream, logger: logger}
}

func (s *streamCapture) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ce := s.logger.Check(zap.DebugLevel, "worker output chunk"); ce != nil {
		ce.Write(zap.String("stream", s.stream), zap.ByteString("chunk", p))
	}
	return s.buf.Write(p)
}

func (s *streamCapture) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
