package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/animal-classifier/internal/pipeline"
)

// statusFor maps a pipeline failure to an HTTP status: 4xx for a bad upload,
// 5xx for everything the pipeline itself got wrong.
func statusFor(pErr *pipeline.Error) int {
	switch pErr.Kind {
	case pipeline.KindUploadMissing:
		return http.StatusBadRequest
	case pipeline.KindUploadInvalidType:
		return http.StatusUnsupportedMediaType
	case pipeline.KindUploadTooLarge:
		return http.StatusRequestEntityTooLarge
	case pipeline.KindInvocation:
		if pErr.Timeout {
			return http.StatusGatewayTimeout
		}
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	var pErr *pipeline.Error
	if !errors.As(err, &pErr) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Unexpected error during image classification",
			"details": err.Error(),
		})
		return
	}

	body := gin.H{
		"error": pErr.Message,
		"kind":  pErr.Kind,
	}
	if pErr.Err != nil {
		body["details"] = pErr.Err.Error()
	}

	switch pErr.Kind {
	case pipeline.KindInvocation:
		if pErr.Timeout {
			body["timeout"] = true
		}
		if pErr.Stderr != "" {
			body["stderr"] = pErr.Stderr
		}
	case pipeline.KindWorkerExecution:
		body["exitCode"] = pErr.ExitCode
		body["stderr"] = pErr.Stderr
		body["rawOutput"] = pErr.Stdout
		if pErr.Reported != "" {
			body["details"] = pErr.Reported
		}
	case pipeline.KindEmptyOutput:
		body["stderr"] = pErr.Stderr
	case pipeline.KindMalformedOutput:
		body["rawOutput"] = pErr.Stdout
		if pErr.Err != nil {
			body["parseError"] = pErr.Err.Error()
		}
	case pipeline.KindWorkerReported:
		body["details"] = pErr.Reported
	}

	c.JSON(statusFor(pErr), body)
}
