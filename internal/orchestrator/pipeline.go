package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/metrics"
	"github.com/JakeFAU/clipbrief/internal/progress"
	"github.com/JakeFAU/clipbrief/internal/status"
	"github.com/JakeFAU/clipbrief/internal/storage/artifact"
	"github.com/JakeFAU/clipbrief/internal/telegram"
)

// DefaultNotifyTopic names the completion topic when none is configured.
const DefaultNotifyTopic = "analysis-completed"

// jobRun is the state of one download and analysis pass.
type jobRun struct {
	messageID int64
	url       string
	rerunOf   int64
	reporter  *status.Reporter
	started   time.Time
}

func (j jobRun) rerun() bool { return j.rerunOf != 0 }

// CompletionNotice is published after every successful analysis.
type CompletionNotice struct {
	MessageID  int64     `json:"message_id"`
	URL        string    `json:"url"`
	Artifact   string    `json:"artifact,omitempty"`
	Model      string    `json:"model"`
	AnalyzedAt time.Time `json:"analyzed_at"`
	RerunOf    int64     `json:"rerun_of,omitempty"`
}

// DownloadName is the local file stem for a job.
func DownloadName(messageID int64) string {
	return fmt.Sprintf("video_%d", messageID)
}

// run creates the job row and drives Download, Analysis and the final report.
// The downloaded file is removed on every path once the row exists.
func (o *Orchestrator) run(ctx context.Context, jr jobRun, logger *zap.Logger) {
	jr.started = o.deps.Clock.Now()
	site := metrics.SanitizeSite(jr.url)
	name := DownloadName(jr.messageID)

	o.emit(progress.Event{MessageID: jr.messageID, Stage: progress.StageJobStart, Site: site, URL: jr.url, Rerun: jr.rerun()})
	metrics.ObserveJob("started")

	job := clip.Job{
		MessageID: jr.messageID,
		URL:       jr.url,
		FilePath:  name,
		Status:    clip.JobStatusDownloading,
		RerunOf:   jr.rerunOf,
		CreatedAt: jr.started,
	}
	if err := o.deps.Jobs.CreateJob(ctx, job); err != nil {
		o.fail(ctx, jr, msgJobCreate, err, 0, logger)
		return
	}

	var dl clip.Download
	defer func() { o.cleanup(name, dl.Path, logger) }()

	dl, err := o.deps.Downloader.Download(ctx, jr.url, name)
	if err != nil {
		o.setStatus(ctx, jr.messageID, clip.JobStatusFailed, logger)
		o.fail(ctx, jr, msgDownloadFailed, err, 0, logger)
		return
	}
	logger.Info("download complete", zap.String("path", dl.Path), zap.Int64("bytes", dl.SizeBytes))
	o.emit(progress.Event{MessageID: jr.messageID, Stage: progress.StageDownloadDone, Site: site, URL: jr.url, Bytes: dl.SizeBytes, Rerun: jr.rerun(), Dur: o.since(jr.started)})
	o.setStatus(ctx, jr.messageID, clip.JobStatusDone, logger)

	jr.reporter.Update(ctx, msgAnalyzing)
	stop := jr.reporter.Heartbeat(ctx, msgAnalyzing, func(elapsed time.Duration) {
		o.emit(progress.Event{MessageID: jr.messageID, Stage: progress.StageJobHB, Site: site, URL: jr.url, Rerun: jr.rerun(), Dur: elapsed})
	})
	res, err := o.deps.Analyzer.Analyze(ctx, clip.AnalysisInput{
		MessageID:   jr.messageID,
		VideoPath:   dl.Path,
		URL:         jr.url,
		Title:       dl.Title,
		Description: dl.Description,
	})
	stop()
	if err != nil {
		var exhausted *clip.ExhaustedError
		attempts := 1
		if errors.As(err, &exhausted) {
			attempts = exhausted.Attempts
		}
		o.fail(ctx, jr, analysisFailureText(err), err, attempts, logger)
		return
	}

	artifactID := clip.ArtifactID(jr.messageID)
	artifactURI := res.ArtifactURI
	if jr.rerun() {
		merged, mergeErr := o.deps.Artifacts.Merge(ctx, clip.ArtifactID(jr.rerunOf), artifactID)
		if mergeErr != nil {
			metrics.ObserveArtifactMerge("error")
			logger.Warn("artifact merge failed", zap.Error(fmt.Errorf("%w: %w", clip.ErrArtifactMergeFailed, mergeErr)))
		} else {
			metrics.ObserveArtifactMerge("ok")
			artifactID = clip.MergedArtifactID(jr.rerunOf, jr.messageID)
			artifactURI = merged
		}
	}

	jr.reporter.Finish(ctx, o.finalText(res.Text, jr.url, dl.Title, artifactID, res.ArtifactURI != ""))
	o.emit(progress.Event{MessageID: jr.messageID, Stage: progress.StageJobDone, Site: site, URL: jr.url, Attempts: res.Attempts, Rerun: jr.rerun(), Dur: o.since(jr.started)})
	metrics.ObserveJob("done")
	logger.Info("analysis delivered", zap.String("model", res.Model), zap.Int("attempts", res.Attempts), zap.String("artifact", artifactURI))

	o.publish(ctx, CompletionNotice{
		MessageID:  jr.messageID,
		URL:        jr.url,
		Artifact:   artifactURI,
		Model:      res.Model,
		AnalyzedAt: res.AnalyzedAt,
		RerunOf:    jr.rerunOf,
	}, logger)
}

// fail writes the single terminal failure notice for a job.
func (o *Orchestrator) fail(ctx context.Context, jr jobRun, text string, err error, attempts int, logger *zap.Logger) {
	logger.Error("job failed", zap.String("notice", text), zap.Error(err))
	jr.reporter.Finish(ctx, text)
	o.emit(progress.Event{
		MessageID: jr.messageID,
		Stage:     progress.StageJobError,
		Site:      metrics.SanitizeSite(jr.url),
		URL:       jr.url,
		Attempts:  attempts,
		Rerun:     jr.rerun(),
		Dur:       o.since(jr.started),
		Note:      err.Error(),
	})
	metrics.ObserveJob("failed")
}

func (o *Orchestrator) setStatus(ctx context.Context, messageID int64, next clip.JobStatus, logger *zap.Logger) {
	if err := o.deps.Jobs.UpdateJobStatus(ctx, messageID, next); err != nil {
		logger.Warn("job status update failed", zap.String("status", string(next)), zap.Error(err))
	}
}

// cleanup removes local download output. Failures are logged only.
func (o *Orchestrator) cleanup(name, path string, logger *zap.Logger) {
	if c, ok := o.deps.Downloader.(Cleaner); ok {
		if err := c.Cleanup(name); err != nil {
			logger.Warn("download cleanup failed", zap.String("name", name), zap.Error(err))
		}
		return
	}
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("download cleanup failed", zap.String("path", path), zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, notice CompletionNotice, logger *zap.Logger) {
	if o.deps.Publisher == nil {
		return
	}
	topic := o.cfg.NotifyTopic
	if topic == "" {
		topic = DefaultNotifyTopic
	}
	id, err := o.deps.Publisher.Publish(ctx, topic, notice)
	if err != nil {
		logger.Warn("completion notice publish failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	logger.Debug("completion notice published", zap.String("topic", topic), zap.String("id", id))
}

// finalText appends the Source Context section and fits the reply within the
// chat limit, trimming the analysis body rather than the context.
func (o *Orchestrator) finalText(body, url, title, artifactID string, saved bool) string {
	var footer strings.Builder
	footer.WriteString("\n\nSource Context\nURL: ")
	footer.WriteString(url)
	if title != "" {
		footer.WriteString("\nTitle: ")
		footer.WriteString(title)
	}
	if saved && o.cfg.ServeArtifacts && o.cfg.PublicBaseURL != "" {
		footer.WriteString("\nSaved analysis: ")
		footer.WriteString(strings.TrimRight(o.cfg.PublicBaseURL, "/") + "/artifacts/" + artifact.ResultName(artifactID))
	}
	tail := footer.String()
	budget := telegram.MaxMessageRunes - len([]rune(tail))
	if budget < 1 {
		return telegram.Truncate(strings.TrimSpace(body)+tail, telegram.MaxMessageRunes)
	}
	return telegram.Truncate(strings.TrimSpace(body), budget) + tail
}

func analysisFailureText(err error) string {
	switch {
	case errors.Is(err, clip.ErrNoCredentials):
		return "Analysis is unavailable: no API keys are configured."
	case errors.Is(err, clip.ErrAllKeysExhausted):
		return "Analysis failed: every API key is over quota. Please try again later."
	default:
		return "Analysis failed. Please try again later."
	}
}
