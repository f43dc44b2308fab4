package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageDownloadDone Stage = "DOWNLOAD_DONE"
	StageJobHB        Stage = "JOB_HEARTBEAT"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobDuplicate Stage = "JOB_DUPLICATE"
)

// Event captures one milestone of a job.
type Event struct {
	// MessageID is the chat message that created the job.
	MessageID int64
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Stage Stage
	// Site is the lowercase host of the job URL.
	Site string
	URL  string
	// Bytes is the downloaded file size for DOWNLOAD_DONE.
	Bytes int64
	// Attempts counts analysis calls made before the terminal stage.
	Attempts int
	// Rerun marks events emitted by a re-run job.
	Rerun bool
	// Dur is the elapsed time since JOB_START.
	Dur time.Duration
	// Note is low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.MessageID == 0 {
		return errors.New("message id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobHB, StageJobDone, StageJobError, StageJobDuplicate:
	case StageDownloadDone:
		if e.Site == "" {
			return errors.New("download done requires site")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends a job.
func (s Stage) Terminal() bool {
	return s == StageJobDone || s == StageJobError
}
