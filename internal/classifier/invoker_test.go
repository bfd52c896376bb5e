package classifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/animal-classifier/internal/pipeline"
)

// newScriptInvoker writes body as a /bin/sh worker script and returns an
// invoker running it. The staged image path arrives as $1.
func newScriptInvoker(t *testing.T, body string, timeout time.Duration) *ProcessInvoker {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+body+"\n"), 0o755))

	invoker, err := NewProcessInvoker(InvokerConfig{
		Command:   []string{"/bin/sh", script},
		Timeout:   timeout,
		WaitDelay: 500 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return invoker
}

func stagedImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.png")
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o600))
	return path
}

func requirePipelineError(t *testing.T, err error, kind pipeline.Kind) *pipeline.Error {
	t.Helper()
	require.Error(t, err)
	var pErr *pipeline.Error
	require.True(t, errors.As(err, &pErr), "expected *pipeline.Error, got %T: %v", err, err)
	require.Equal(t, kind, pErr.Kind, "unexpected kind: %v", err)
	return pErr
}

func TestClassifySuccess(t *testing.T) {
	invoker := newScriptInvoker(t, `test -f "$1" || exit 3
echo "loading model" >&2
echo '{"animalType":"fox","confidence":0.87}'`, 5*time.Second)

	result, err := invoker.Classify(context.Background(), stagedImage(t))
	require.NoError(t, err)
	assert.Equal(t, &Result{AnimalType: "fox", Confidence: 0.87}, result)
}

func TestClassifyPassesImagePathAsLastArgument(t *testing.T) {
	invoker := newScriptInvoker(t, `printf '{"animalType":"%s","confidence":1}' "$(basename "$1")"`, 5*time.Second)

	image := stagedImage(t)
	result, err := invoker.Classify(context.Background(), image)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(image), result.AnimalType)
}

func TestClassifyNonZeroExit(t *testing.T) {
	invoker := newScriptInvoker(t, `echo "model load failed" >&2
exit 1`, 5*time.Second)

	_, err := invoker.Classify(context.Background(), stagedImage(t))
	pErr := requirePipelineError(t, err, pipeline.KindWorkerExecution)
	assert.Equal(t, 1, pErr.ExitCode)
	assert.Equal(t, "model load failed\n", pErr.Stderr)
	assert.Empty(t, pErr.Reported)
}

func TestClassifyNonZeroExitKeepsSelfReportedMessageAsDiagnostic(t *testing.T) {
	invoker := newScriptInvoker(t, `echo '{"error":"Model file not found"}'
exit 2`, 5*time.Second)

	_, err := invoker.Classify(context.Background(), stagedImage(t))
	pErr := requirePipelineError(t, err, pipeline.KindWorkerExecution)
	assert.Equal(t, 2, pErr.ExitCode)
	assert.Equal(t, "Model file not found", pErr.Reported)
	assert.Contains(t, pErr.Stdout, "Model file not found")
}

func TestClassifyEmptyOutput(t *testing.T) {
	for name, body := range map[string]string{
		"empty":      `exit 0`,
		"whitespace": `printf '  \n\t\n'`,
	} {
		t.Run(name, func(t *testing.T) {
			invoker := newScriptInvoker(t, body, 5*time.Second)
			_, err := invoker.Classify(context.Background(), stagedImage(t))
			requirePipelineError(t, err, pipeline.KindEmptyOutput)
		})
	}
}

func TestClassifyWorkerReportedError(t *testing.T) {
	invoker := newScriptInvoker(t, `echo '{"error":"no animal detected"}'`, 5*time.Second)

	result, err := invoker.Classify(context.Background(), stagedImage(t))
	assert.Nil(t, result)
	pErr := requirePipelineError(t, err, pipeline.KindWorkerReported)
	assert.Equal(t, "no animal detected", pErr.Reported)
}

func TestClassifyMalformedOutput(t *testing.T) {
	invoker := newScriptInvoker(t, `echo 'not json'`, 5*time.Second)

	_, err := invoker.Classify(context.Background(), stagedImage(t))
	pErr := requirePipelineError(t, err, pipeline.KindMalformedOutput)
	assert.Equal(t, "not json\n", pErr.Stdout)
	assert.Error(t, pErr.Err)
}

func TestClassifyStartFailure(t *testing.T) {
	invoker, err := NewProcessInvoker(InvokerConfig{
		Command: []string{filepath.Join(t.TempDir(), "missing-worker")},
		Timeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = invoker.Classify(context.Background(), stagedImage(t))
	pErr := requirePipelineError(t, err, pipeline.KindInvocation)
	assert.False(t, pErr.Timeout)
	assert.Error(t, pErr.Err)
	assert.Error(t, invoker.Probe())
}

func TestClassifyTimeoutKillsWorker(t *testing.T) {
	invoker := newScriptInvoker(t, `echo "warming up" >&2
exec sleep 30`, 200*time.Millisecond)

	start := time.Now()
	_, err := invoker.Classify(context.Background(), stagedImage(t))
	elapsed := time.Since(start)

	pErr := requirePipelineError(t, err, pipeline.KindInvocation)
	assert.True(t, pErr.Timeout)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, elapsed, 5*time.Second)
}

func TestClassifySucceedsWhenDescendantHoldsOutputOpen(t *testing.T) {
	invoker := newScriptInvoker(t, `sleep 3 &
echo '{"animalType":"fox","confidence":0.5}'
exit 0`, 10*time.Second)

	start := time.Now()
	result, err := invoker.Classify(context.Background(), stagedImage(t))
	require.NoError(t, err)
	assert.Equal(t, &Result{AnimalType: "fox", Confidence: 0.5}, result)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestClassifyDescendantHoldingOutputStillParsesOutput(t *testing.T) {
	invoker := newScriptInvoker(t, `sleep 3 &
echo '{"error":"unsupported image"}'
exit 0`, 10*time.Second)

	_, err := invoker.Classify(context.Background(), stagedImage(t))
	pErr := requirePipelineError(t, err, pipeline.KindWorkerReported)
	assert.Equal(t, "unsupported image", pErr.Reported)
}

func TestClassifyLargeStderrDoesNotDeadlock(t *testing.T) {
	invoker := newScriptInvoker(t, `i=0
while [ $i -lt 2000 ]; do
  echo "diagnostic line $i padded with enough text to fill the pipe buffer quickly" >&2
  i=$((i+1))
done
echo '{"animalType":"owl","confidence":0.5}'`, 10*time.Second)

	result, err := invoker.Classify(context.Background(), stagedImage(t))
	require.NoError(t, err)
	assert.Equal(t, "owl", result.AnimalType)
}

func TestNewProcessInvokerValidates(t *testing.T) {
	_, err := NewProcessInvoker(InvokerConfig{Timeout: time.Second}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewProcessInvoker(InvokerConfig{Command: []string{"python3"}}, zap.NewNop())
	assert.Error(t, err)

	invoker, err := NewProcessInvoker(InvokerConfig{Command: []string{"sh"}, Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, invoker.Probe())
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   *Result
		kind   pipeline.Kind
	}{
		{name: "success", stdout: `{"animalType":"fox","confidence":0.87}`, want: &Result{AnimalType: "fox", Confidence: 0.87}},
		{name: "surrounding whitespace", stdout: "\n {\"animalType\":\"cat\",\"confidence\":1}\n", want: &Result{AnimalType: "cat", Confidence: 1}},
		{name: "extra fields ignored", stdout: `{"animalType":"cat","confidence":0,"index":3}`, want: &Result{AnimalType: "cat", Confidence: 0}},
		{name: "null error is absent", stdout: `{"animalType":"cat","confidence":0.1,"error":null}`, want: &Result{AnimalType: "cat", Confidence: 0.1}},
		{name: "empty", stdout: "", kind: pipeline.KindEmptyOutput},
		{name: "reported", stdout: `{"error":"no animal detected"}`, kind: pipeline.KindWorkerReported},
		{name: "reported wins over fields", stdout: `{"animalType":"cat","confidence":0.1,"error":"blurry"}`, kind: pipeline.KindWorkerReported},
		{name: "non string error", stdout: `{"error":{"code":7}}`, kind: pipeline.KindWorkerReported},
		{name: "not json", stdout: "not json", kind: pipeline.KindMalformedOutput},
		{name: "array", stdout: `[{"animalType":"cat","confidence":0.1}]`, kind: pipeline.KindMalformedOutput},
		{name: "two objects", stdout: `{"animalType":"cat","confidence":0.1} {"animalType":"dog","confidence":0.2}`, kind: pipeline.KindMalformedOutput},
		{name: "missing label", stdout: `{"confidence":0.1}`, kind: pipeline.KindMalformedOutput},
		{name: "missing confidence", stdout: `{"animalType":"cat"}`, kind: pipeline.KindMalformedOutput},
		{name: "confidence out of range", stdout: `{"animalType":"cat","confidence":1.5}`, kind: pipeline.KindMalformedOutput},
		{name: "wrong type", stdout: `{"animalType":"cat","confidence":"high"}`, kind: pipeline.KindMalformedOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOutput(tt.stdout, "")
			if tt.want != nil {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			requirePipelineError(t, err, tt.kind)
			if tt.kind == pipeline.KindMalformedOutput {
				assert.True(t, strings.Contains(err.Error(), "Invalid response"))
			}
		})
	}
}

func TestReportedErrorMessage(t *testing.T) {
	msg, ok := ReportedErrorMessage(`{"error":"Setup error: boom"}`)
	assert.True(t, ok)
	assert.Equal(t, "Setup error: boom", msg)

	_, ok = ReportedErrorMessage("Traceback (most recent call last)")
	assert.False(t, ok)
}
