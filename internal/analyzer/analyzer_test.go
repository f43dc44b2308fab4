package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/clock/system"
	"github.com/JakeFAU/clipbrief/internal/hash/sha256"
	"github.com/JakeFAU/clipbrief/internal/rotator"
	"github.com/JakeFAU/clipbrief/internal/storage/memory"
)

type call struct {
	Key   string
	Model string
}

type scriptedModel struct {
	mu      sync.Mutex
	calls   []call
	respond func(n int, req clip.GenerateRequest) (string, error)
}

func (m *scriptedModel) Generate(_ context.Context, req clip.GenerateRequest) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call{Key: req.APIKey, Model: req.Model})
	n := len(m.calls)
	m.mu.Unlock()
	return m.respond(n, req)
}

func (m *scriptedModel) Calls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]call(nil), m.calls...)
}

type fixture struct {
	analyzer  *Analyzer
	model     *scriptedModel
	artifacts *memory.ArtifactStore
	creds     *memory.CredentialStore
	video     string
}

func newFixture(t *testing.T, keys []string, models []string, respond func(int, clip.GenerateRequest) (string, error)) fixture {
	t.Helper()
	clk := system.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	creds := memory.NewCredentialStore()
	rot := rotator.New(creds, clk, nil)
	require.NoError(t, rot.Sync(context.Background(), keys))

	model := &scriptedModel{respond: respond}
	artifacts := memory.NewArtifactStore()
	a, err := New(rot, model, artifacts, sha256.New(), clk, Config{
		Models: models,
		Prompt: "Summarise the video.",
	}, nil)
	require.NoError(t, err)

	video := filepath.Join(t.TempDir(), "video_42.mp4")
	require.NoError(t, os.WriteFile(video, []byte("fake video"), 0o600))
	return fixture{analyzer: a, model: model, artifacts: artifacts, creds: creds, video: video}
}

func TestAnalyzeSuccessPersistsResultAndSidecar(t *testing.T) {
	t.Parallel()

	var seen clip.GenerateRequest
	f := newFixture(t, []string{"k1", "k2"}, []string{"gemini-2.5-flash"}, func(_ int, req clip.GenerateRequest) (string, error) {
		seen = req
		return "## Summary\nA rocket launch.", nil
	})

	res, err := f.analyzer.Analyze(context.Background(), clip.AnalysisInput{
		MessageID: 42,
		VideoPath: f.video,
		URL:       "https://example.com/v/1",
		Title:     "Launch",
	})
	require.NoError(t, err)
	require.Equal(t, "## Summary\nA rocket launch.", res.Text)
	require.Equal(t, "gemini-2.5-flash", res.Model)
	require.Equal(t, 1, res.Attempts)
	require.NotEmpty(t, res.ArtifactURI)

	require.Equal(t, []byte("fake video"), seen.Video)
	require.Equal(t, "video/mp4", seen.MIMEType)
	require.Equal(t, "Summarise the video.", seen.Prompt)
	require.Contains(t, seen.ContextText, "Source URL: https://example.com/v/1")
	require.Contains(t, seen.ContextText, "Title: Launch")

	md, ok := f.artifacts.Object("42.md")
	require.True(t, ok)
	require.Equal(t, res.Text, string(md))

	raw, ok := f.artifacts.Object("42.json")
	require.True(t, ok)
	var meta clip.ArtifactMetadata
	require.NoError(t, json.Unmarshal(raw, &meta))
	require.Equal(t, "https://example.com/v/1", meta.URL)
	require.Equal(t, "gemini-2.5-flash", meta.Model)
	require.Equal(t, 64, len(meta.VideoSHA256))
}

func TestAnalyzeWithoutContextSkipsSidecar(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"k1"}, []string{"m"}, func(int, clip.GenerateRequest) (string, error) {
		return "ok", nil
	})
	_, err := f.analyzer.Analyze(context.Background(), clip.AnalysisInput{MessageID: 7, VideoPath: f.video})
	require.NoError(t, err)
	_, ok := f.artifacts.Object("7.json")
	require.False(t, ok)
	_, ok = f.artifacts.Object("7.md")
	require.True(t, ok)
}

func TestAnalyzeQuotaExhaustionTriesEveryCombination(t *testing.T) {
	t.Parallel()

	keys := []string{"k1", "k2", "k3"}
	models := []string{"gemini-2.5-flash", "gemini-2.5-flash-lite"}
	f := newFixture(t, keys, models, func(n int, _ clip.GenerateRequest) (string, error) {
		return "", fmt.Errorf("googleapi: Error 429: quota exceeded (call %d)", n)
	})

	_, err := f.analyzer.Analyze(context.Background(), clip.AnalysisInput{MessageID: 42, VideoPath: f.video, URL: "https://a"})
	require.ErrorIs(t, err, clip.ErrAllKeysExhausted)
	var exhausted *clip.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, len(keys)*len(models), exhausted.Attempts)
	require.ErrorContains(t, exhausted.Last, "call 6")

	calls := f.model.Calls()
	require.Len(t, calls, 6)
	require.Equal(t, []call{
		{"k1", "gemini-2.5-flash"}, {"k1", "gemini-2.5-flash-lite"},
		{"k2", "gemini-2.5-flash"}, {"k2", "gemini-2.5-flash-lite"},
		{"k3", "gemini-2.5-flash"}, {"k3", "gemini-2.5-flash-lite"},
	}, calls)

	_, ok := f.artifacts.Object("42.md")
	require.False(t, ok, "no artifact should be written when every attempt fails")
	_, ok = f.artifacts.Object("42.json")
	require.False(t, ok)
}

func TestAnalyzeNonQuotaErrorAbortsAfterOneAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"k1", "k2", "k3"}, []string{"m1", "m2"}, func(int, clip.GenerateRequest) (string, error) {
		return "", errors.New("invalid argument: video too long")
	})

	_, err := f.analyzer.Analyze(context.Background(), clip.AnalysisInput{MessageID: 1, VideoPath: f.video})
	require.ErrorIs(t, err, clip.ErrAnalysisFailed)
	require.NotErrorIs(t, err, clip.ErrAllKeysExhausted)
	require.Len(t, f.model.Calls(), 1)
}

func TestAnalyzeRecoversOnSecondCredential(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"k1", "k2"}, []string{"m1"}, func(_ int, req clip.GenerateRequest) (string, error) {
		if req.APIKey == "k1" {
			return "", fmt.Errorf("wrapped: %w", clip.ErrQuotaExceeded)
		}
		return "done", nil
	})

	res, err := f.analyzer.Analyze(context.Background(), clip.AnalysisInput{MessageID: 5, VideoPath: f.video})
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempts)

	snap := f.creds.Snapshot()
	for _, c := range snap {
		require.Equal(t, int64(1), c.UsageCount, "each key selected once: %s", c.Key)
	}
}

func TestAnalyzeNoCredentials(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, []string{"m1"}, func(int, clip.GenerateRequest) (string, error) {
		t.Fatal("model should not be called")
		return "", nil
	})
	_, err := f.analyzer.Analyze(context.Background(), clip.AnalysisInput{MessageID: 5, VideoPath: f.video})
	require.ErrorIs(t, err, clip.ErrNoCredentials)
}

func TestAnalyzeMissingVideo(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"k1"}, []string{"m1"}, func(int, clip.GenerateRequest) (string, error) {
		return "never", nil
	})
	_, err := f.analyzer.Analyze(context.Background(), clip.AnalysisInput{MessageID: 5, VideoPath: "/nope/video.mp4"})
	require.ErrorIs(t, err, clip.ErrAnalysisFailed)
	require.Empty(t, f.model.Calls())
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	creds := rotator.New(memory.NewCredentialStore(), system.New(), nil)
	model := &scriptedModel{}
	_, err := New(creds, model, memory.NewArtifactStore(), nil, system.New(), Config{Prompt: "p"}, nil)
	require.Error(t, err)
	_, err = New(creds, model, memory.NewArtifactStore(), nil, system.New(), Config{Models: []string{"m"}}, nil)
	require.Error(t, err)
	_, err = New(nil, model, memory.NewArtifactStore(), nil, system.New(), Config{Models: []string{"m"}, Prompt: "p"}, nil)
	require.Error(t, err)
}

func TestMIMETypeAndContext(t *testing.T) {
	t.Parallel()

	a := &Analyzer{cfg: Config{MIMEType: "video/x-custom"}}
	require.Equal(t, "video/webm", a.mimeType("/tmp/video_1.WEBM"))
	require.Equal(t, "video/x-custom", a.mimeType("/tmp/video_1.bin"))
	require.Equal(t, defaultMIMEType, (&Analyzer{}).mimeType("/tmp/x"))

	require.Empty(t, BuildContext(clip.AnalysisInput{MessageID: 1}))
	require.Equal(t, "Context for this video:\nDescription: d", BuildContext(clip.AnalysisInput{Description: "d"}))
}
