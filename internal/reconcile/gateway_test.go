package reconcile

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"voice-transcribe-go/internal/events"
	"voice-transcribe-go/internal/pipeline"
	"voice-transcribe-go/internal/registry"
	"voice-transcribe-go/internal/transcription"
	"voice-transcribe-go/internal/types"
)

type fakeEngine struct {
	mu       sync.Mutex
	statuses map[string]transcription.TaskStatus
	err      error
	calls    int
}

func (f *fakeEngine) Status(_ context.Context, taskID string) (transcription.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return transcription.TaskStatus{}, f.err
	}
	st, ok := f.statuses[taskID]
	if !ok {
		return transcription.TaskStatus{}, &transcription.StatusError{Code: http.StatusNotFound}
	}
	return st, nil
}

type fakeRunner struct {
	runs    atomic.Int32
	release chan struct{}
	err     error
}

func (f *fakeRunner) Run(_ context.Context, in pipeline.Input) (pipeline.Output, error) {
	f.runs.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return pipeline.Output{}, f.err
	}
	return pipeline.Output{CorrectedText: "Corrected: " + in.RawText, IdentifiedText: "Speaker 1: " + in.RawText}, nil
}

func newTestGateway(t *testing.T, engine *fakeEngine, opts ...Option) (*Gateway, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore(), nil)
	return New(reg, events.NewTracker(reg, nil), engine, "s3cret", nil, opts...), reg
}

func createStarted(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := reg.CreateJob(ctx, id, "call.mp3", 100); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.UpdateStatus(ctx, id, registry.Update{Status: types.StatusStarted}); err != nil {
		t.Fatal(err)
	}
}

func countStage(job types.Job, stage string) int {
	n := 0
	for _, ev := range job.ProcessingEvents {
		if ev.Stage == stage {
			n++
		}
	}
	return n
}

// TestWebhookRejectsBadSecret verifies unauthenticated deliveries change nothing.
func TestWebhookRejectsBadSecret(t *testing.T) {
	g, reg := newTestGateway(t, &fakeEngine{})
	createStarted(t, reg, "s1:t1")

	_, err := g.HandleWebhook(context.Background(), "wrong", []byte(`{"task_id":"t1","status":"SUCCESS"}`))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
	job, _ := reg.GetJob(context.Background(), "s1:t1")
	if job.Status != types.StatusStarted {
		t.Fatalf("status = %s", job.Status)
	}
}

// TestWebhookResolvesBySuffixAndCompletes covers a bare task id delivery for a scoped job.
func TestWebhookResolvesBySuffixAndCompletes(t *testing.T) {
	g, reg := newTestGateway(t, &fakeEngine{})
	createStarted(t, reg, "s1:t1")

	job, err := g.HandleWebhook(context.Background(), "s3cret",
		[]byte(`{"task_id":"t1","status":"SUCCESS","result":{"text":"hello there","processing_time":1.5}}`))
	if err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	if job.ID != "s1:t1" || job.Status != types.StatusSuccess || job.Progress.Percentage != 100 {
		t.Fatalf("job = %+v", job)
	}
	if job.Result == nil || job.Result.RawText != "hello there" || job.Result.ProcessingTimeMs != 1500 {
		t.Fatalf("result = %+v", job.Result)
	}
}

// TestDuplicateDeliveryIsIgnored verifies a terminal job keeps its status and
// result while the duplicate is logged as an event.
func TestDuplicateDeliveryIsIgnored(t *testing.T) {
	g, reg := newTestGateway(t, &fakeEngine{})
	createStarted(t, reg, "t1")
	ctx := context.Background()

	if _, err := g.HandleWebhook(ctx, "s3cret", []byte(`{"task_id":"t1","status":"SUCCESS","result":{"text":"first"}}`)); err != nil {
		t.Fatal(err)
	}
	job, err := g.HandleWebhook(ctx, "s3cret", []byte(`{"id":"t1","event":"transcription.failed","data":{"error":"late failure"}}`))
	if err != nil {
		t.Fatalf("duplicate delivery error = %v", err)
	}
	if job.Status != types.StatusSuccess || job.Result.RawText != "first" || job.Error != "" {
		t.Fatalf("job changed: %+v", job)
	}
	stored, _ := reg.GetJob(ctx, "t1")
	if countStage(stored, events.StageDuplicateDelivery) != 1 {
		t.Fatalf("expected one duplicate_delivery event, got %+v", stored.ProcessingEvents)
	}
}

// TestPollMaterializesUnknownJobOnce verifies repeated polls never duplicate a record.
func TestPollMaterializesUnknownJobOnce(t *testing.T) {
	engine := &fakeEngine{statuses: map[string]transcription.TaskStatus{
		"t9": {TaskID: "t9", Status: "STARTED"},
	}}
	g, reg := newTestGateway(t, engine)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		job, err := g.Poll(ctx, "sess:t9", "sess")
		if err != nil {
			t.Fatalf("Poll() #%d error = %v", i, err)
		}
		if job.ID != "sess:t9" || job.Status != types.StatusStarted {
			t.Fatalf("job = %+v", job)
		}
	}
	jobs, _ := reg.ListRecent(ctx, 0)
	if len(jobs) != 1 {
		t.Fatalf("registry holds %d jobs, want 1", len(jobs))
	}
	if engine.calls != 3 {
		t.Fatalf("engine calls = %d, want 3 while job is STARTED", engine.calls)
	}
}

// TestPollUnknownRemoteTask returns not found when the engine does not know the task.
func TestPollUnknownRemoteTask(t *testing.T) {
	g, reg := newTestGateway(t, &fakeEngine{})
	if _, err := g.Poll(context.Background(), "nope", ""); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if jobs, _ := reg.ListRecent(context.Background(), 0); len(jobs) != 0 {
		t.Fatalf("nothing should be materialized, got %d", len(jobs))
	}
}

// TestPollScopeCheck verifies the soft session authorization.
func TestPollScopeCheck(t *testing.T) {
	engine := &fakeEngine{statuses: map[string]transcription.TaskStatus{"t1": {TaskID: "t1", Status: "SUCCESS"}}}
	g, reg := newTestGateway(t, engine)
	createStarted(t, reg, "alice:t1")
	ctx := context.Background()

	if _, err := g.Poll(ctx, "alice:t1", "bob"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("error = %v, want ErrForbidden", err)
	}
	if _, err := g.Poll(ctx, "alice:t1", ""); err != nil {
		t.Fatalf("unscoped poll error = %v", err)
	}
}

// TestPollTerminalJobSkipsEngine verifies terminal records are served locally.
func TestPollTerminalJobSkipsEngine(t *testing.T) {
	engine := &fakeEngine{}
	g, reg := newTestGateway(t, engine)
	createStarted(t, reg, "t1")
	if _, err := reg.UpdateStatus(context.Background(), "t1", registry.Update{Status: types.StatusFailure, Error: "boom"}); err != nil {
		t.Fatal(err)
	}
	job, err := g.Poll(context.Background(), "t1", "")
	if err != nil || job.Status != types.StatusFailure {
		t.Fatalf("job = %+v err = %v", job, err)
	}
	if engine.calls != 0 {
		t.Fatalf("engine calls = %d, want 0", engine.calls)
	}
}

// TestPollServesLocalRecordWhenEngineDown verifies a failed status fetch is not fatal for known jobs.
func TestPollServesLocalRecordWhenEngineDown(t *testing.T) {
	g, reg := newTestGateway(t, &fakeEngine{err: errors.New("timeout")})
	createStarted(t, reg, "t1")
	job, err := g.Poll(context.Background(), "t1", "")
	if err != nil || job.Status != types.StatusStarted {
		t.Fatalf("job = %+v err = %v", job, err)
	}
}

// TestPollRunsPipelineOnce verifies a SUCCESS poll triggers exactly one
// pipeline run even when webhook and poll race.
func TestPollRunsPipelineOnce(t *testing.T) {
	engine := &fakeEngine{statuses: map[string]transcription.TaskStatus{
		"t1": {TaskID: "t1", Status: "SUCCESS", Result: &transcription.TaskResult{Text: "raw words"}},
	}}
	runner := &fakeRunner{release: make(chan struct{})}
	g, reg := newTestGateway(t, engine, WithPipeline(runner))
	createStarted(t, reg, "s:t1")
	ctx := context.Background()

	job, err := g.Poll(ctx, "s:t1", "s")
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if job.Status != types.StatusStarted || job.Progress.Stage != events.StageAIStarted || job.Result.RawText != "raw words" {
		t.Fatalf("job = %+v", job)
	}
	if _, err := g.HandleWebhook(ctx, "s3cret", []byte(`{"task_id":"t1","status":"SUCCESS","result":{"text":"raw words"}}`)); err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	if _, err := g.Poll(ctx, "s:t1", "s"); err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	close(runner.release)
	g.Wait()

	if runner.runs.Load() != 1 {
		t.Fatalf("pipeline runs = %d, want 1", runner.runs.Load())
	}
	final, _ := reg.GetJob(ctx, "s:t1")
	if final.Status != types.StatusSuccess || final.Result.CorrectedText != "Corrected: raw words" || final.Result.RawText != "raw words" {
		t.Fatalf("final job = %+v result = %+v", final, final.Result)
	}
	if engine.calls != 1 {
		t.Fatalf("engine calls = %d, want 1", engine.calls)
	}
}

// TestPipelineFailureMarksJobFailed verifies the gateway decides the final
// status and keeps the raw transcript.
func TestPipelineFailureMarksJobFailed(t *testing.T) {
	runner := &fakeRunner{err: errors.New("llm gateway down")}
	g, reg := newTestGateway(t, &fakeEngine{}, WithPipeline(runner))
	createStarted(t, reg, "t1")
	ctx := context.Background()

	if _, err := g.HandleWebhook(ctx, "s3cret", []byte(`{"task_id":"t1","status":"SUCCESS","result":{"text":"raw words"}}`)); err != nil {
		t.Fatal(err)
	}
	g.Wait()

	job, _ := reg.GetJob(ctx, "t1")
	if job.Status != types.StatusFailure || job.Result.RawText != "raw words" || job.Result.CorrectedText != "" {
		t.Fatalf("job = %+v result = %+v", job, job.Result)
	}
	if job.Error == "" {
		t.Fatal("expected error message on failed job")
	}
}

// TestPollDoesNotCrossSessions verifies a scoped poll never resolves or
// duplicates a job registered under another session.
func TestPollDoesNotCrossSessions(t *testing.T) {
	engine := &fakeEngine{statuses: map[string]transcription.TaskStatus{"t9": {TaskID: "t9", Status: "STARTED"}}}
	g, reg := newTestGateway(t, engine)
	createStarted(t, reg, "victim:t9")
	ctx := context.Background()

	if _, err := g.Poll(ctx, "attacker:t9", "attacker"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if engine.calls != 0 {
		t.Fatalf("engine calls = %d, want 0", engine.calls)
	}
	if jobs, _ := reg.ListRecent(ctx, 0); len(jobs) != 1 || jobs[0].ID != "victim:t9" {
		t.Fatalf("registry = %+v", jobs)
	}
	job, err := g.Poll(ctx, "other:t9", "")
	if err != nil || job.ID != "victim:t9" {
		t.Fatalf("unscoped poll = %q, %v", job.ID, err)
	}
}
