package clip

import (
	"context"
	"time"
)

// JobStore persists job rows keyed by message id and deduplicated by URL.
type JobStore interface {
	// CreateJob inserts a job, replacing any row with the same message id and,
	// for original (non-rerun) jobs, any original row with the same URL.
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, messageID int64, status JobStatus) error
	GetJobByURL(ctx context.Context, url string) (Job, error)
	GetJobByMessageID(ctx context.Context, messageID int64) (Job, error)
}

// CredentialStore keeps the rotation table for analysis-service keys.
type CredentialStore interface {
	UpsertCredentials(ctx context.Context, keys []string) error
	// AcquireCredential selects the least recently used key and marks it used at
	// now in one atomic step.
	AcquireCredential(ctx context.Context, now time.Time) (Credential, error)
	CountCredentials(ctx context.Context) (int, error)
}

// ArtifactStore persists analysis results and their sidecars.
type ArtifactStore interface {
	SaveResult(ctx context.Context, id string, markdown string) (string, error)
	SaveMetadata(ctx context.Context, id string, meta ArtifactMetadata) (string, error)
	Merge(ctx context.Context, priorID, currentID string) (string, error)
}

// Downloader fetches a remote video to local disk.
type Downloader interface {
	Download(ctx context.Context, url string, name string) (Download, error)
}

// Model performs one call against the analysis service.
type Model interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Messenger is the outbound side of the chat transport.
type Messenger interface {
	SendMessage(ctx context.Context, msg OutboundMessage) (int64, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Publisher pushes completion notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue buffers inbound events between the webhook handler and the workers.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for sidecar integrity fields.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task ids.
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps an inbound event accepted by the webhook handler.
type QueueItem struct {
	Event      Event
	RequestID  string
	ReceivedAt time.Time
}
