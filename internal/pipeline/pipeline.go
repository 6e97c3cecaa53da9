// Package pipeline post-processes a finished transcript: correction and
// speaker identification run concurrently, each result is quality gated, and
// an optional summary is produced from the identified text.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"voice-transcribe-go/internal/events"
	"voice-transcribe-go/internal/llm"
	"voice-transcribe-go/internal/logger"
	"voice-transcribe-go/internal/types"
)

// Completer is the LLM call the stages share.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Completion, error)
}

// Models selects the model per stage.
type Models struct {
	Correction     string
	Identification string
	Summary        string
}

// Stage percentages reported through the event log.
const (
	pctStarted        = 50
	pctCorrection     = 65
	pctIdentification = 70
	pctGate           = 80
	pctSummary        = 90
)

type Orchestrator struct {
	llm     Completer
	tracker *events.Tracker
	models  Models
	log     *logger.Logger
}

func New(c Completer, tracker *events.Tracker, models Models, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Discard()
	}
	if models.Identification == "" {
		models.Identification = models.Correction
	}
	if models.Summary == "" {
		models.Summary = models.Correction
	}
	return &Orchestrator{llm: c, tracker: tracker, models: models, log: log.Component("pipeline")}
}

type Input struct {
	JobID           string
	RawText         string
	GenerateSummary bool
}

// Output holds the gated channel texts. A channel that failed its gate holds
// the raw transcript.
type Output struct {
	CorrectedText      string
	IdentifiedText     string
	Summary            string
	CorrectionAccepted bool
	IdentifiedAccepted bool
	Duration           time.Duration
}

// Result converts the output into the registry's result fields.
func (o Output) Result() types.Result {
	return types.Result{
		CorrectedText:  o.CorrectedText,
		IdentifiedText: o.IdentifiedText,
		Summary:        o.Summary,
	}
}

// Run executes all stages for one job. Any stage error aborts the run and no
// partial output is returned; deciding the job's status is left to the caller.
func (o *Orchestrator) Run(ctx context.Context, in Input) (Output, error) {
	start := time.Now()
	log := o.log.WithJob(in.JobID)
	o.record(ctx, in.JobID, events.StageAIStarted, pctStarted, "AI processing started", nil)

	var corrected, identified llm.Completion
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := o.llm.Complete(gctx, llm.Request{
			Model:  o.models.Correction,
			System: correctionSystem,
			Prompt: BuildCorrectionPrompt(in.RawText),
		})
		if err != nil {
			return fmt.Errorf("correction: %w", err)
		}
		corrected = c
		o.record(ctx, in.JobID, events.StageCorrection, pctCorrection, "transcript corrected", details(c))
		return nil
	})
	g.Go(func() error {
		c, err := o.llm.Complete(gctx, llm.Request{
			Model:  o.models.Identification,
			System: identificationSystem,
			Prompt: BuildIdentificationPrompt(in.RawText),
		})
		if err != nil {
			return fmt.Errorf("speaker identification: %w", err)
		}
		identified = c
		o.record(ctx, in.JobID, events.StageIdentification, pctIdentification, "speakers identified", details(c))
		return nil
	})
	if err := g.Wait(); err != nil {
		log.WithField("error", err.Error()).Error("pipeline aborted")
		return Output{}, err
	}

	cv := GateCorrection(in.RawText, corrected.Text)
	iv := GateIdentification(in.RawText, identified.Text)
	for _, v := range []Verdict{cv, iv} {
		if !v.Accepted && o.tracker != nil {
			o.tracker.Warn(ctx, in.JobID, events.StageQualityGate, pctGate, "quality gate fallback to raw transcript: "+v.Reason)
		}
	}
	if cv.Accepted && iv.Accepted {
		o.record(ctx, in.JobID, events.StageQualityGate, pctGate, "quality gate passed", nil)
	}

	out := Output{
		CorrectedText:      cv.Text,
		IdentifiedText:     iv.Text,
		CorrectionAccepted: cv.Accepted,
		IdentifiedAccepted: iv.Accepted,
	}

	if in.GenerateSummary {
		s, err := o.llm.Complete(ctx, llm.Request{
			Model:  o.models.Summary,
			System: summarySystem,
			Prompt: BuildSummaryPrompt(out.IdentifiedText),
		})
		if err != nil {
			log.WithField("error", err.Error()).Error("summarization failed")
			return Output{}, fmt.Errorf("summarization: %w", err)
		}
		out.Summary = s.Text
		o.record(ctx, in.JobID, events.StageSummarization, pctSummary, "summary generated", details(s))
	}

	out.Duration = time.Since(start)
	log.WithField("duration_ms", out.Duration.Milliseconds()).
		WithField("correction_accepted", out.CorrectionAccepted).
		WithField("identification_accepted", out.IdentifiedAccepted).
		Info("pipeline finished")
	return out, nil
}

func (o *Orchestrator) record(ctx context.Context, jobID, stage string, pct int, msg string, d *types.EventDetails) {
	if o.tracker == nil {
		return
	}
	_ = o.tracker.Record(ctx, jobID, stage, pct, msg, d)
}

func details(c llm.Completion) *types.EventDetails {
	return &types.EventDetails{
		ModelName:      c.Model,
		PromptLength:   c.PromptLength,
		ResponseTimeMs: c.Latency.Milliseconds(),
		TokenCount:     c.TokenCount,
	}
}
