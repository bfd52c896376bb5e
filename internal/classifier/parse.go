package classifier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/example/animal-classifier/internal/pipeline"
)

// workerOutput is the single JSON object a worker writes to stdout.
type workerOutput struct {
	AnimalType *string          `json:"animalType"`
	Confidence *float64         `json:"confidence"`
	Error      *json.RawMessage `json:"error"`
}

// ParseOutput interprets the stdout of a worker that exited with status 0.
func ParseOutput(stdout, stderr string) (*Result, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, pipeline.EmptyOutputError(stderr)
	}
	if !strings.HasPrefix(trimmed, "{") {
		return nil, pipeline.MalformedOutputError(errors.New("output is not a JSON object"), stdout)
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	var out workerOutput
	if err := dec.Decode(&out); err != nil {
		return nil, pipeline.MalformedOutputError(err, stdout)
	}
	if dec.More() {
		return nil, pipeline.MalformedOutputError(errors.New("unexpected data after JSON object"), stdout)
	}

	if reported, ok := reportedError(out.Error); ok {
		return nil, pipeline.WorkerReportedError(reported)
	}

	switch {
	case out.AnimalType == nil || *out.AnimalType == "":
		return nil, pipeline.MalformedOutputError(errors.New(`missing "animalType" field`), stdout)
	case out.Confidence == nil:
		return nil, pipeline.MalformedOutputError(errors.New(`missing "confidence" field`), stdout)
	case *out.Confidence < 0 || *out.Confidence > 1:
		return nil, pipeline.MalformedOutputError(fmt.Errorf("confidence %v outside [0, 1]", *out.Confidence), stdout)
	}

	return &Result{AnimalType: *out.AnimalType, Confidence: *out.Confidence}, nil
}

// ReportedErrorMessage extracts the worker's self-reported error from stdout,
// if stdout is a JSON object carrying one. Used for diagnostics on
// non-zero exits.
func ReportedErrorMessage(stdout string) (string, bool) {
	var out workerOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &out); err != nil {
		return "", false
	}
	return reportedError(out.Error)
}

// reportedError treats null, "" and false as absent. Non-string values are
// reported verbatim.
func reportedError(raw *json.RawMessage) (string, bool) {
	if raw == nil {
		return "", false
	}
	value := bytes.TrimSpace(*raw)
	switch string(value) {
	case "", "null", `""`, "false":
		return "", false
	}
	var message string
	if err := json.Unmarshal(value, &message); err == nil {
		return message, true
	}
	return string(value), true
}
