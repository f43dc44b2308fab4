package clip

import (
	"strconv"
	"time"
)

// JobStatus tracks the download lifecycle of a Job.
type JobStatus string

// Supported job states. Transitions only go from downloading to done or failed.
const (
	JobStatusDownloading JobStatus = "downloading"
	JobStatusDone        JobStatus = "done"
	JobStatusFailed      JobStatus = "failed"
)

// CanTransition reports whether a job may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	return s == JobStatusDownloading && (next == JobStatusDone || next == JobStatusFailed)
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusDownloading, JobStatusDone, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Job is one download/analysis run. Original rows are unique per URL; re-run rows
// reference the message that first produced the URL through RerunOf.
type Job struct {
	MessageID int64     `json:"message_id"`
	URL       string    `json:"url"`
	FilePath  string    `json:"file_path"`
	Status    JobStatus `json:"status"`
	RerunOf   int64     `json:"rerun_of,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsRerun reports whether the job was created by a re-run callback.
func (j Job) IsRerun() bool {
	return j.RerunOf != 0
}

// Credential is one analysis-service key and its rotation bookkeeping.
type Credential struct {
	Key        string     `json:"-"`
	UsageCount int64      `json:"usage_count"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
}

// Fingerprint returns a loggable form of the key.
func (c Credential) Fingerprint() string {
	return Fingerprint(c.Key)
}

// Fingerprint masks all but the last four characters of a secret.
func Fingerprint(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "…" + secret[len(secret)-4:]
}

// Download is the outcome of a successful Download Step.
type Download struct {
	Path        string
	Title       string
	Description string
	SourceURL   string
	SizeBytes   int64
}

// AnalysisInput describes one video submitted to the Analysis Step.
type AnalysisInput struct {
	MessageID   int64
	VideoPath   string
	URL         string
	Title       string
	Description string
}

// HasContext reports whether any text context accompanies the video.
func (in AnalysisInput) HasContext() bool {
	return in.URL != "" || in.Title != "" || in.Description != ""
}

// AnalysisResult is the text produced by a successful analysis call.
type AnalysisResult struct {
	Text        string
	Model       string
	Attempts    int
	ArtifactURI string
	AnalyzedAt  time.Time
}

// ArtifactMetadata is the sidecar stored next to an analysis result.
type ArtifactMetadata struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	AnalyzedAt  time.Time `json:"analyzedAt"`
	Model       string    `json:"model"`
	VideoSHA256 string    `json:"videoSha256,omitempty"`
}

// GenerateRequest is a single call to the analysis service.
type GenerateRequest struct {
	APIKey      string
	Model       string
	Video       []byte
	MIMEType    string
	ContextText string
	Prompt      string
}

// OutboundMessage is a chat message sent by the bot.
type OutboundMessage struct {
	ChatID  int64
	Text    string
	ReplyTo int64
	Action  *InlineAction
}

// InlineAction renders as a single button carrying opaque callback data.
type InlineAction struct {
	Label string
	Data  string
}

// ArtifactID returns the artifact name for a message id.
func ArtifactID(messageID int64) string {
	return strconv.FormatInt(messageID, 10)
}

// MergedArtifactID returns the combined artifact name for a re-run pair.
func MergedArtifactID(prior, current int64) string {
	return ArtifactID(prior) + "_" + ArtifactID(current)
}
