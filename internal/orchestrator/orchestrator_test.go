package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipbrief/internal/analyzer"
	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/clock/system"
	"github.com/JakeFAU/clipbrief/internal/hash/sha256"
	"github.com/JakeFAU/clipbrief/internal/progress"
	pubmemory "github.com/JakeFAU/clipbrief/internal/publisher/memory"
	"github.com/JakeFAU/clipbrief/internal/rotator"
	"github.com/JakeFAU/clipbrief/internal/status"
	"github.com/JakeFAU/clipbrief/internal/storage/memory"
)

const targetChat int64 = 10

type sent struct {
	kind      string // send, edit or answer
	messageID int64
	text      string
	msg       clip.OutboundMessage
}

type recordingMessenger struct {
	mu     sync.Mutex
	ops    []sent
	nextID int64
}

func (m *recordingMessenger) SendMessage(_ context.Context, msg clip.OutboundMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := 1000 + m.nextID
	m.ops = append(m.ops, sent{kind: "send", messageID: id, text: msg.Text, msg: msg})
	return id, nil
}

func (m *recordingMessenger) EditMessage(_ context.Context, _ int64, messageID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, sent{kind: "edit", messageID: messageID, text: text})
	return nil
}

func (m *recordingMessenger) AnswerCallback(_ context.Context, _ string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, sent{kind: "answer", text: text})
	return nil
}

func (m *recordingMessenger) snapshot() []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sent(nil), m.ops...)
}

func (m *recordingMessenger) last() sent {
	ops := m.snapshot()
	if len(ops) == 0 {
		return sent{}
	}
	return ops[len(ops)-1]
}

type fakeDownloader struct {
	dir   string
	title string
	err   error
	calls atomic.Int32
}

func (d *fakeDownloader) Download(_ context.Context, url, name string) (clip.Download, error) {
	d.calls.Add(1)
	if d.err != nil {
		return clip.Download{}, d.err
	}
	path := filepath.Join(d.dir, name+".mp4")
	if err := os.WriteFile(path, []byte("video:"+url), 0o600); err != nil {
		return clip.Download{}, err
	}
	return clip.Download{Path: path, Title: d.title, SourceURL: url, SizeBytes: int64(len("video:" + url))}, nil
}

type modelFunc func(ctx context.Context, req clip.GenerateRequest) (string, error)

func (f modelFunc) Generate(ctx context.Context, req clip.GenerateRequest) (string, error) {
	return f(ctx, req)
}

type analyzerFunc func(ctx context.Context, in clip.AnalysisInput) (clip.AnalysisResult, error)

func (f analyzerFunc) Analyze(ctx context.Context, in clip.AnalysisInput) (clip.AnalysisResult, error) {
	return f(ctx, in)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		if evt.Stage != progress.StageJobHB {
			out = append(out, evt.Stage)
		}
	}
	return out
}

type denyLimiter struct{}

func (denyLimiter) AllowChat(int64) bool { return false }

type failingJobs struct {
	*memory.JobStore
}

func (failingJobs) CreateJob(context.Context, clip.Job) error { return errors.New("disk full") }

type harness struct {
	orch       *Orchestrator
	jobs       *memory.JobStore
	artifacts  *memory.ArtifactStore
	creds      *memory.CredentialStore
	messenger  *recordingMessenger
	downloader *fakeDownloader
	publisher  *pubmemory.Publisher
	emitter    *recordingEmitter
	modelCalls *atomic.Int32
}

type harnessOption func(*Deps, *harness)

func withModel(m clip.Model, keys ...string) harnessOption {
	return func(d *Deps, h *harness) {
		rot := rotator.New(h.creds, d.Clock, zap.NewNop())
		if len(keys) > 0 {
			if err := rot.Sync(context.Background(), keys); err != nil {
				panic(err)
			}
		}
		a, err := analyzer.New(rot, m, h.artifacts, sha256.New(), d.Clock, analyzer.Config{
			Models: []string{"model-a"},
			Prompt: "summarize",
		}, zap.NewNop())
		if err != nil {
			panic(err)
		}
		d.Analyzer = a
	}
}

func withAnalyzer(a Analyzer) harnessOption {
	return func(d *Deps, _ *harness) { d.Analyzer = a }
}

func withHeartbeat(interval time.Duration) harnessOption {
	return func(d *Deps, h *harness) { d.Status = status.NewFactory(h.messenger, interval, zap.NewNop()) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		jobs:       memory.NewJobStore(),
		artifacts:  memory.NewArtifactStore(),
		creds:      memory.NewCredentialStore(),
		messenger:  &recordingMessenger{},
		downloader: &fakeDownloader{dir: t.TempDir()},
		publisher:  pubmemory.New(),
		emitter:    &recordingEmitter{},
		modelCalls: &atomic.Int32{},
	}
	calls := h.modelCalls
	deps := Deps{
		Jobs:       h.jobs,
		Artifacts:  h.artifacts,
		Downloader: h.downloader,
		Messenger:  h.messenger,
		Publisher:  h.publisher,
		Progress:   h.emitter,
		Clock:      system.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	deps.Status = status.NewFactory(h.messenger, time.Hour, zap.NewNop())
	withModel(modelFunc(func(context.Context, clip.GenerateRequest) (string, error) {
		calls.Add(1)
		return "## Summary\nA rocket launches.", nil
	}), "key-one")(&deps, h)
	for _, opt := range opts {
		opt(&deps, h)
	}
	orch, err := New(Config{TargetChatID: targetChat}, deps, zap.NewNop())
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) message(t *testing.T, messageID int64, text string) {
	t.Helper()
	require.NoError(t, h.orch.Handle(context.Background(), clip.QueueItem{
		Event:     clip.MessageEvent{ChatID: targetChat, MessageID: messageID, Text: text},
		RequestID: fmt.Sprintf("req-%d", messageID),
	}))
}

func (h *harness) callback(t *testing.T, onMessage int64, data string) {
	t.Helper()
	require.NoError(t, h.orch.Handle(context.Background(), clip.QueueItem{
		Event: clip.CallbackEvent{CallbackID: "cb-1", ChatID: targetChat, MessageID: onMessage, Data: data},
	}))
}

func countContaining(ops []sent, substr string) int {
	n := 0
	for _, op := range ops {
		if strings.Contains(op.text, substr) {
			n++
		}
	}
	return n
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)
}

func TestSuccessfulMessageProducesOneFinalEdit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.downloader.title = "Launch day"

	h.message(t, 42, "check this https://example.com/v/1")

	ops := h.messenger.snapshot()
	require.Equal(t, "send", ops[0].kind)
	require.Equal(t, msgDownloading, ops[0].text)
	require.Equal(t, int64(42), ops[0].msg.ReplyTo)

	final := h.messenger.last()
	require.Equal(t, "edit", final.kind)
	require.Equal(t, ops[0].messageID, final.messageID)
	require.Contains(t, final.text, "A rocket launches.")
	require.Contains(t, final.text, "Source Context\nURL: https://example.com/v/1")
	require.Contains(t, final.text, "Title: Launch day")
	require.Equal(t, 1, countContaining(ops, "Source Context"))

	job, err := h.jobs.GetJobByURL(context.Background(), "https://example.com/v/1")
	require.NoError(t, err)
	require.Equal(t, int64(42), job.MessageID)
	require.Equal(t, clip.JobStatusDone, job.Status)

	_, err = os.Stat(filepath.Join(h.downloader.dir, "video_42.mp4"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, ok := h.artifacts.Object("42.md")
	require.True(t, ok)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, DefaultNotifyTopic, msgs[0].Topic)
	require.Contains(t, string(msgs[0].Data), `"message_id":42`)
	require.Contains(t, string(msgs[0].Data), `"model":"model-a"`)

	require.Equal(t, []progress.Stage{progress.StageJobStart, progress.StageDownloadDone, progress.StageJobDone}, h.emitter.stages())
}

func TestDuplicateURLOffersRerunWithoutDownloading(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.message(t, 42, "https://example.com/v/1")
	require.Equal(t, int32(1), h.downloader.calls.Load())

	h.message(t, 99, "again https://example.com/v/1")
	require.Equal(t, int32(1), h.downloader.calls.Load())

	reply := h.messenger.last()
	require.Equal(t, "send", reply.kind)
	require.Equal(t, msgDuplicate, reply.text)
	require.NotNil(t, reply.msg.Action)
	require.Equal(t, "rerun:42:99", reply.msg.Action.Data)
	require.NotContains(t, reply.msg.Action.Data, "example.com")

	_, err := h.jobs.GetJobByMessageID(context.Background(), 99)
	require.ErrorIs(t, err, clip.ErrJobNotFound)
	require.Contains(t, h.emitter.stages(), progress.StageJobDuplicate)
}

func TestRerunWithUnknownPriorAnswersAndCreatesNoJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.callback(t, 500, "rerun:42:99")

	ops := h.messenger.snapshot()
	require.Len(t, ops, 1)
	require.Equal(t, "answer", ops[0].kind)
	require.Equal(t, "No URL found for this message.", ops[0].text)
	require.Empty(t, h.jobs.Jobs())
	require.Zero(t, h.downloader.calls.Load())
}

func TestRerunMergesArtifacts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.message(t, 42, "https://example.com/v/1")
	h.callback(t, 500, "rerun:42:99")

	ops := h.messenger.snapshot()
	require.Contains(t, ops, sent{kind: "answer", text: msgRerunning})
	require.Contains(t, ops, sent{kind: "edit", messageID: 500, text: msgRerunning})
	final := h.messenger.last()
	require.Equal(t, "edit", final.kind)
	require.Equal(t, int64(500), final.messageID)
	require.Contains(t, final.text, "Source Context")

	job, err := h.jobs.GetJobByMessageID(context.Background(), 99)
	require.NoError(t, err)
	require.Equal(t, int64(42), job.RerunOf)
	require.Equal(t, clip.JobStatusDone, job.Status)

	original, err := h.jobs.GetJobByURL(context.Background(), "https://example.com/v/1")
	require.NoError(t, err)
	require.Equal(t, int64(42), original.MessageID)

	_, ok := h.artifacts.Object("42_99.md")
	require.True(t, ok)
	_, ok = h.artifacts.Object("42.md")
	require.False(t, ok)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 2)
	require.Contains(t, string(msgs[1].Data), `"rerun_of":42`)
}

func TestRepeatedRerunKeepsEarlierAnalyses(t *testing.T) {
	t.Parallel()
	var n atomic.Int32
	h := newHarness(t, withModel(modelFunc(func(context.Context, clip.GenerateRequest) (string, error) {
		return fmt.Sprintf("analysis %d", n.Add(1)), nil
	}), "key-one"))

	h.message(t, 42, "https://example.com/v/1")
	h.callback(t, 500, "rerun:42:99")
	h.callback(t, 500, "rerun:42:99")

	data, ok := h.artifacts.Object("42_99.md")
	require.True(t, ok)
	merged := string(data)
	require.True(t, strings.HasPrefix(merged, "analysis 1"))
	require.Contains(t, merged, "analysis 2")
	require.True(t, strings.HasSuffix(merged, "analysis 3"))

	original, err := h.jobs.GetJobByURL(context.Background(), "https://example.com/v/1")
	require.NoError(t, err)
	require.Equal(t, int64(42), original.MessageID)
}

func TestRerunOntoSameMessageIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.message(t, 42, "https://example.com/v/1")
	h.callback(t, 500, "rerun:42:42")

	require.Contains(t, h.messenger.snapshot(), sent{kind: "answer", text: msgUnknownAction})
	original, err := h.jobs.GetJobByURL(context.Background(), "https://example.com/v/1")
	require.NoError(t, err)
	require.Equal(t, int64(42), original.MessageID)
	require.Equal(t, clip.JobStatusDone, original.Status)

	h.message(t, 43, "https://example.com/v/1")
	require.Equal(t, int32(1), h.downloader.calls.Load())
}

func TestAllCredentialsExhaustedFailsAfterDownload(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	quota := modelFunc(func(context.Context, clip.GenerateRequest) (string, error) {
		calls.Add(1)
		return "", fmt.Errorf("%w: 429 RESOURCE_EXHAUSTED", clip.ErrQuotaExceeded)
	})
	h := newHarness(t, func(d *Deps, h *harness) {
		h.creds = memory.NewCredentialStore()
		withModel(quota, "k1", "k2", "k3")(d, h)
	})

	h.message(t, 42, "https://example.com/v/1")

	require.Equal(t, int32(3), calls.Load())
	final := h.messenger.last()
	require.Equal(t, "edit", final.kind)
	require.Contains(t, final.text, "over quota")
	require.Equal(t, 1, countContaining(h.messenger.snapshot(), "Analysis failed"))

	job, err := h.jobs.GetJobByMessageID(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, clip.JobStatusDone, job.Status)

	_, ok := h.artifacts.Object("42.md")
	require.False(t, ok)
	require.Empty(t, h.publisher.Messages())
	require.Equal(t, []progress.Stage{progress.StageJobStart, progress.StageDownloadDone, progress.StageJobError}, h.emitter.stages())
}

func TestDownloadFailureMarksJobFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.downloader.err = fmt.Errorf("%w: exit status 1: unsupported URL", clip.ErrDownloadFailed)

	h.message(t, 42, "https://example.com/v/1")

	require.Equal(t, msgDownloadFailed, h.messenger.last().text)
	require.Zero(t, h.modelCalls.Load())
	job, err := h.jobs.GetJobByMessageID(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, clip.JobStatusFailed, job.Status)
}

func TestFailedJobIsRetriedOnNextSubmission(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.downloader.err = clip.ErrDownloadFailed
	h.message(t, 42, "https://example.com/v/1")

	h.downloader.err = nil
	h.message(t, 43, "https://example.com/v/1")

	require.Equal(t, int32(2), h.downloader.calls.Load())
	job, err := h.jobs.GetJobByURL(context.Background(), "https://example.com/v/1")
	require.NoError(t, err)
	require.Equal(t, int64(43), job.MessageID)
	require.Equal(t, clip.JobStatusDone, job.Status)
}

func TestMessageWithoutLink(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.message(t, 42, "hello there")

	ops := h.messenger.snapshot()
	require.Len(t, ops, 1)
	require.Equal(t, msgNoLink, ops[0].text)
	require.Empty(t, h.jobs.Jobs())
}

func TestMessagesFromOtherChatsAreIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.NoError(t, h.orch.Handle(context.Background(), clip.QueueItem{
		Event: clip.MessageEvent{ChatID: 77, MessageID: 1, Text: "https://example.com/v/1"},
	}))
	require.NoError(t, h.orch.Handle(context.Background(), clip.QueueItem{
		Event: clip.CallbackEvent{CallbackID: "cb", ChatID: 77, MessageID: 5, Data: "rerun:1:2"},
	}))
	require.NoError(t, h.orch.Handle(context.Background(), clip.QueueItem{
		Event: clip.Unrecognized{UpdateID: 3, Reason: "no message or callback"},
	}))

	require.Equal(t, []sent{{kind: "answer"}}, h.messenger.snapshot())
	require.Empty(t, h.jobs.Jobs())
}

func TestRateLimitedChatGetsSlowDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.orch.deps.Limiter = denyLimiter{}

	h.message(t, 42, "https://example.com/v/1")

	require.Equal(t, msgSlowDown, h.messenger.last().text)
	require.Empty(t, h.jobs.Jobs())
}

func TestJobCreateFailureSkipsDownload(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.orch.deps.Jobs = failingJobs{JobStore: h.jobs}

	h.message(t, 42, "https://example.com/v/1")

	require.Equal(t, msgJobCreate, h.messenger.last().text)
	require.Zero(t, h.downloader.calls.Load())
}

func TestPanicBecomesSingleFailureNotice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withAnalyzer(analyzerFunc(func(context.Context, clip.AnalysisInput) (clip.AnalysisResult, error) {
		panic("boom")
	})))

	h.message(t, 42, "https://example.com/v/1")

	ops := h.messenger.snapshot()
	require.Equal(t, 1, countContaining(ops, msgUnexpected))
	require.Equal(t, msgUnexpected, h.messenger.last().text)
	_, err := os.Stat(filepath.Join(h.downloader.dir, "video_42.mp4"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNoHeartbeatAfterFinalResult(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := newHarness(t,
		withHeartbeat(2*time.Millisecond),
		withAnalyzer(analyzerFunc(func(ctx context.Context, in clip.AnalysisInput) (clip.AnalysisResult, error) {
			<-release
			return clip.AnalysisResult{Text: "done text", Model: "model-a", Attempts: 1}, nil
		})),
	)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		h.message(t, 42, "https://example.com/v/1")
	}()

	require.Eventually(t, func() bool {
		return countContaining(h.messenger.snapshot(), "elapsed") >= 3
	}, 2*time.Second, time.Millisecond)
	close(release)
	<-finished
	time.Sleep(20 * time.Millisecond)

	ops := h.messenger.snapshot()
	final := ops[len(ops)-1]
	require.Contains(t, final.text, "done text")
	require.Equal(t, 1, countContaining(ops, "done text"))
}

func TestFinalTextKeepsContextWithinLimit(t *testing.T) {
	t.Parallel()
	o := &Orchestrator{cfg: Config{PublicBaseURL: "https://clips.example.org/", ServeArtifacts: true}}

	text := o.finalText(strings.Repeat("a", 5000), "https://example.com/v/1", "", "42", true)
	require.Len(t, []rune(text), 4096)
	require.True(t, strings.HasSuffix(text, "Source Context\nURL: https://example.com/v/1\nSaved analysis: https://clips.example.org/artifacts/42.md"))

	short := o.finalText("body", "https://example.com/v/1", "Title", "42", false)
	require.Equal(t, "body\n\nSource Context\nURL: https://example.com/v/1\nTitle: Title", short)
}

func TestFinalTextOmitsLinkWhenArtifactsAreNotServed(t *testing.T) {
	t.Parallel()
	o := &Orchestrator{cfg: Config{PublicBaseURL: "https://clips.example.org"}}

	text := o.finalText("body", "https://example.com/v/1", "", "42", true)
	require.Equal(t, "body\n\nSource Context\nURL: https://example.com/v/1", text)
	require.NotContains(t, text, "/artifacts/")
}

func TestExtractURL(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"check this https://example.com/v/1":        "https://example.com/v/1",
		"(see https://example.com/v/2).":            "https://example.com/v/2",
		"first http://a.test/x then https://b.test": "http://a.test/x",
		"no links here":                             "",
	}
	for in, want := range cases {
		require.Equal(t, want, ExtractURL(in), in)
	}
}
