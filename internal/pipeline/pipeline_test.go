package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"voice-transcribe-go/internal/events"
	"voice-transcribe-go/internal/llm"
	"voice-transcribe-go/internal/registry"
)

// fakeLLM answers by stage, keyed on the system prompt.
type fakeLLM struct {
	mu       sync.Mutex
	replies  map[string]string
	errs     map[string]error
	calls    []string
	inFlight int
	maxPar   int
	delay    time.Duration
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.System)
	f.inFlight++
	if f.inFlight > f.maxPar {
		f.maxPar = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return llm.Completion{}, ctx.Err()
		}
	}
	if err := f.errs[req.System]; err != nil {
		return llm.Completion{}, err
	}
	return llm.Completion{Text: f.replies[req.System], Model: req.Model, TokenCount: 7}, nil
}

const rawTranscript = "hello and welcome to the weekly planning call today we will go over the release schedule and the open bugs from last sprint"

func newTestOrchestrator(t *testing.T, f *fakeLLM) (*Orchestrator, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore(), nil)
	if _, err := reg.CreateJob(context.Background(), "job-1", "call.mp3", 10); err != nil {
		t.Fatal(err)
	}
	return New(f, events.NewTracker(reg, nil), Models{Correction: "m-correct", Summary: "m-sum"}, nil), reg
}

// TestRunGatesIdentificationIndependently covers correction passing its gate
// while a short, unlabelled identification falls back to the raw transcript.
func TestRunGatesIdentificationIndependently(t *testing.T) {
	corrected := "Hello and welcome to the weekly planning call. Today we will go over the release schedule and open bugs."
	f := &fakeLLM{replies: map[string]string{
		correctionSystem:     corrected,
		identificationSystem: rawTranscript[:len(rawTranscript)*4/10],
	}}
	o, reg := newTestOrchestrator(t, f)

	out, err := o.Run(context.Background(), Input{JobID: "job-1", RawText: rawTranscript})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.CorrectedText != corrected || !out.CorrectionAccepted {
		t.Fatalf("corrected = %q accepted=%v", out.CorrectedText, out.CorrectionAccepted)
	}
	if out.IdentifiedText != rawTranscript || out.IdentifiedAccepted {
		t.Fatalf("identified = %q accepted=%v", out.IdentifiedText, out.IdentifiedAccepted)
	}
	if out.Summary != "" {
		t.Fatalf("summary = %q, want none", out.Summary)
	}

	job, _ := reg.GetJob(context.Background(), "job-1")
	stages := map[string]int{}
	for _, ev := range job.ProcessingEvents {
		stages[ev.Stage]++
	}
	for _, s := range []string{events.StageAIStarted, events.StageCorrection, events.StageIdentification, events.StageQualityGate} {
		if stages[s] == 0 {
			t.Errorf("missing %s event in %v", s, stages)
		}
	}
}

// TestRunSummarizesIdentifiedText verifies the summary runs after gating on the identified text.
func TestRunSummarizesIdentifiedText(t *testing.T) {
	labelled := "Speaker 1: hello and welcome to the weekly planning call\nSpeaker 2: today we will go over the release schedule and the open bugs from last sprint"
	f := &fakeLLM{replies: map[string]string{
		correctionSystem:     rawTranscript,
		identificationSystem: labelled,
		summarySystem:        "- release schedule\n- open bugs",
	}}
	o, _ := newTestOrchestrator(t, f)

	out, err := o.Run(context.Background(), Input{JobID: "job-1", RawText: rawTranscript, GenerateSummary: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.IdentifiedText != labelled || out.Summary != "- release schedule\n- open bugs" {
		t.Fatalf("output = %+v", out)
	}
	if len(f.calls) != 3 || f.calls[2] != summarySystem {
		t.Fatalf("summary should be the last of 3 calls, got %d", len(f.calls))
	}
	if got := out.Result(); got.Summary == "" || got.RawText != "" {
		t.Fatalf("result = %+v", got)
	}
}

// TestRunIssuesStageOneConcurrently verifies both stage one calls overlap.
func TestRunIssuesStageOneConcurrently(t *testing.T) {
	f := &fakeLLM{delay: 50 * time.Millisecond, replies: map[string]string{
		correctionSystem:     rawTranscript,
		identificationSystem: "Speaker 1: " + rawTranscript,
	}}
	o, _ := newTestOrchestrator(t, f)
	if _, err := o.Run(context.Background(), Input{JobID: "job-1", RawText: rawTranscript}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.maxPar != 2 {
		t.Fatalf("max parallel calls = %d, want 2", f.maxPar)
	}
}

// TestRunAbortsWithoutPartialOutput verifies a stage one failure returns nothing.
func TestRunAbortsWithoutPartialOutput(t *testing.T) {
	boom := errors.New("gateway down")
	f := &fakeLLM{
		replies: map[string]string{correctionSystem: rawTranscript},
		errs:    map[string]error{identificationSystem: boom},
	}
	o, _ := newTestOrchestrator(t, f)

	out, err := o.Run(context.Background(), Input{JobID: "job-1", RawText: rawTranscript, GenerateSummary: true})
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "speaker identification") {
		t.Fatalf("error = %v", err)
	}
	if out != (Output{}) {
		t.Fatalf("output = %+v, want zero", out)
	}
	for _, c := range f.calls {
		if c == summarySystem {
			t.Fatal("summary must not run after a stage one failure")
		}
	}
}

// TestGates exercises the quality gate rules directly.
func TestGates(t *testing.T) {
	raw := strings.Repeat("word ", 20)
	if v := GateCorrection(raw, raw[:len(raw)/2]); v.Accepted || v.Text != raw {
		t.Fatalf("short correction accepted: %+v", v)
	}
	if v := GateCorrection("a b c", "a b c d"); v.Accepted {
		t.Fatal("correction with 10 or fewer words should fall back")
	}
	if v := GateCorrection(raw, raw); !v.Accepted {
		t.Fatalf("full correction rejected: %s", v.Reason)
	}
	if v := GateIdentification(raw, raw); v.Accepted {
		t.Fatal("identification without labels should fall back")
	}
	if v := GateIdentification(raw, "Speaker 1: "+raw); !v.Accepted {
		t.Fatalf("labelled identification rejected: %s", v.Reason)
	}
	for _, s := range []string{"SPEAKER_01: hi", "**Speaker A**: hi", "[Speaker 2]: hi", "Interviewer: hi"} {
		if !HasSpeakerLabels(s) {
			t.Errorf("HasSpeakerLabels(%q) = false", s)
		}
	}
	if HasSpeakerLabels("Note: nothing here") {
		t.Error("plain prefixes should not count as speaker labels")
	}
}
