package clip

import (
	"errors"
	"fmt"
	"regexp"
)

// Error taxonomy shared across the pipeline.
var (
	ErrNoCredentials       = errors.New("no analysis credentials configured")
	ErrDownloadFailed      = errors.New("download failed")
	ErrQuotaExceeded       = errors.New("analysis quota exceeded")
	ErrAnalysisFailed      = errors.New("analysis failed")
	ErrArtifactMergeFailed = errors.New("artifact merge failed")
	ErrTransportSendFailed = errors.New("chat transport send failed")
	ErrAllKeysExhausted    = errors.New("all keys exhausted")
	ErrJobNotFound         = errors.New("job not found")
	ErrInvalidTransition   = errors.New("invalid job status transition")
	ErrQueueFull           = errors.New("queue full")
	ErrQueueClosed         = errors.New("queue closed")
)

// quotaPattern anchors "rate" and "429" at a word start so that words such as
// "generate" or "moderate" do not classify as rate limiting.
var quotaPattern = regexp.MustCompile(`(?i)quota|exceed|\b429\b|\brate`)

// IsQuotaError reports whether err should move the analysis loop on to the next
// model or credential instead of aborting.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return true
	}
	return quotaPattern.MatchString(err.Error())
}

// ExhaustedError is returned once every credential and model combination failed
// with a quota error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s after %d attempts", ErrAllKeysExhausted, e.Attempts)
	}
	return fmt.Sprintf("%s after %d attempts: %v", ErrAllKeysExhausted, e.Attempts, e.Last)
}

// Unwrap exposes the last observed failure.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Is matches ErrAllKeysExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllKeysExhausted
}
