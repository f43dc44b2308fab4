// Package analyzer implements the Analysis Step: it submits a downloaded video
// to the analysis service, rotating credentials and model variants on quota
// failures, and persists the successful result.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/metrics"
	"github.com/JakeFAU/clipbrief/internal/telemetry"
)

const defaultMIMEType = "video/mp4"

var videoMIMETypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".3gp":  "video/3gpp",
}

// Credentials hands out analysis-service keys.
type Credentials interface {
	Next(ctx context.Context) (clip.Credential, error)
	Count(ctx context.Context) (int, error)
}

// Config selects models and the instruction prompt.
type Config struct {
	Models   []string
	Prompt   string
	MIMEType string
}

// Analyzer runs the credential × model retry loop.
type Analyzer struct {
	creds     Credentials
	model     clip.Model
	artifacts clip.ArtifactStore
	hasher    clip.Hasher
	clock     clip.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Analyzer.
func New(
	creds Credentials,
	model clip.Model,
	artifacts clip.ArtifactStore,
	hasher clip.Hasher,
	clock clip.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Analyzer, error) {
	if creds == nil || model == nil || artifacts == nil || clock == nil {
		return nil, errors.New("analyzer requires credentials, model, artifacts and clock")
	}
	if len(cfg.Models) == 0 {
		return nil, errors.New("at least one model is required")
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		creds:     creds,
		model:     model,
		artifacts: artifacts,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("analyzer"),
	}, nil
}

// Analyze submits the video and returns the result text. Quota failures move on
// to the next model, then the next credential; any other failure aborts. When
// every combination is exhausted the error is a *clip.ExhaustedError.
func (a *Analyzer) Analyze(ctx context.Context, in clip.AnalysisInput) (res clip.AnalysisResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "analyze", attribute.Int64("message_id", in.MessageID))
	defer func() { telemetry.EndSpan(span, err) }()

	video, err := os.ReadFile(in.VideoPath)
	if err != nil {
		return clip.AnalysisResult{}, fmt.Errorf("%w: read video: %w", clip.ErrAnalysisFailed, err)
	}
	rounds, err := a.creds.Count(ctx)
	if err != nil {
		return clip.AnalysisResult{}, fmt.Errorf("%w: %w", clip.ErrAnalysisFailed, err)
	}
	if rounds == 0 {
		return clip.AnalysisResult{}, clip.ErrNoCredentials
	}

	req := clip.GenerateRequest{
		Video:       video,
		MIMEType:    a.mimeType(in.VideoPath),
		ContextText: BuildContext(in),
		Prompt:      a.cfg.Prompt,
	}
	log := a.logger.With(zap.Int64("message_id", in.MessageID))

	var (
		attempts int
		last     error
	)
	for round := 0; round < rounds; round++ {
		if err := ctx.Err(); err != nil {
			return clip.AnalysisResult{}, fmt.Errorf("%w: %w", clip.ErrAnalysisFailed, err)
		}
		cred, err := a.creds.Next(ctx)
		if err != nil {
			return clip.AnalysisResult{}, err
		}
		req.APIKey = cred.Key
		for _, model := range a.cfg.Models {
			attempts++
			req.Model = model
			text, genErr := a.model.Generate(ctx, req)
			if genErr == nil {
				metrics.ObserveAnalysisAttempt(model, "success")
				log.Info("analysis succeeded",
					zap.String("model", model),
					zap.String("key", cred.Fingerprint()),
					zap.Int("attempts", attempts),
				)
				res = clip.AnalysisResult{
					Text:       text,
					Model:      model,
					Attempts:   attempts,
					AnalyzedAt: a.clock.Now(),
				}
				res.ArtifactURI = a.persist(ctx, in, res, video)
				return res, nil
			}
			if clip.IsQuotaError(genErr) {
				metrics.ObserveAnalysisAttempt(model, "quota")
				log.Warn("analysis quota exhausted, rotating",
					zap.String("model", model),
					zap.String("key", cred.Fingerprint()),
					zap.Error(genErr),
				)
				last = genErr
				continue
			}
			metrics.ObserveAnalysisAttempt(model, "error")
			return clip.AnalysisResult{}, fmt.Errorf("%w: %w", clip.ErrAnalysisFailed, genErr)
		}
	}
	span.SetAttributes(attribute.Int("attempts", attempts))
	return clip.AnalysisResult{}, &clip.ExhaustedError{Attempts: attempts, Last: last}
}

// persist stores the result and, when context was supplied, its sidecar.
// Failures are logged; the analysis text is still returned to the caller.
func (a *Analyzer) persist(ctx context.Context, in clip.AnalysisInput, res clip.AnalysisResult, video []byte) string {
	id := clip.ArtifactID(in.MessageID)
	uri, err := a.artifacts.SaveResult(ctx, id, res.Text)
	if err != nil {
		a.logger.Error("save analysis result failed", zap.Int64("message_id", in.MessageID), zap.Error(err))
		return ""
	}
	if !in.HasContext() {
		return uri
	}
	meta := clip.ArtifactMetadata{
		URL:         in.URL,
		Title:       in.Title,
		Description: in.Description,
		AnalyzedAt:  res.AnalyzedAt,
		Model:       res.Model,
	}
	if a.hasher != nil {
		if sum, err := a.hasher.Hash(video); err == nil {
			meta.VideoSHA256 = sum
		}
	}
	if _, err := a.artifacts.SaveMetadata(ctx, id, meta); err != nil {
		a.logger.Error("save analysis metadata failed", zap.Int64("message_id", in.MessageID), zap.Error(err))
	}
	return uri
}

func (a *Analyzer) mimeType(path string) string {
	if mt, ok := videoMIMETypes[strings.ToLower(filepath.Ext(path))]; ok {
		return mt
	}
	if a.cfg.MIMEType != "" {
		return a.cfg.MIMEType
	}
	return defaultMIMEType
}

// BuildContext renders the optional text context sent alongside the video.
func BuildContext(in clip.AnalysisInput) string {
	if !in.HasContext() {
		return ""
	}
	var b strings.Builder
	b.WriteString("Context for this video:\n")
	if in.URL != "" {
		fmt.Fprintf(&b, "Source URL: %s\n", in.URL)
	}
	if in.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", in.Title)
	}
	if in.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", in.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
