package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// runner executes the four-stage conversion for a single file. It holds
// no durable state beyond the outcome it returns; side effects are
// collaborator calls only.
type runner struct {
	source     FileSource
	recognizer TextRecognizer
	extractor  StructureExtractor
	sink       ResultSink

	retry   RetryPolicy
	limiter *rate.Limiter
	clock   Clock
	logger  *slog.Logger
}

// process runs file through fetch, recognize, structure, and sink. The
// returned outcome is terminal: Success, or Failed with the last error
// classification attached. The cancellation signal is checked between
// stages; an in-flight collaborator call is never force-aborted beyond
// its own context handling.
func (r *runner) process(ctx context.Context, file FileRecord) Outcome {
	outcome := Outcome{
		FileID:   file.ID,
		FileName: file.Name,
		Attempts: 1,
	}

	fail := func(stage Stage, class Class, err error) Outcome {
		// A transient failure observed after the batch was cancelled is
		// the cancellation, not the collaborator.
		if class == ClassTransient && ctx.Err() != nil {
			class = ClassBatchTimeout
		}
		outcome.Status = StatusFailed
		outcome.Stage = stage
		outcome.Class = class
		outcome.Message = err.Error()
		outcome.Timestamp = r.clock.Now()
		return outcome
	}

	if err := ctx.Err(); err != nil {
		return fail(StageDiscover, ClassBatchTimeout, fmt.Errorf("batch cancelled before processing started: %w", err))
	}

	if file.Size == 0 {
		return fail(StageFetch, ClassUnsupportedInput, fmt.Errorf("file %q is empty", file.Name))
	}
	if !SupportedKind(file.ContentType) {
		return fail(StageFetch, ClassUnsupportedInput, fmt.Errorf("unsupported content kind %q", file.ContentType))
	}

	var (
		data []byte
		kind string
	)
	err := r.runStage(ctx, &outcome, StageFetch, func(ctx context.Context) error {
		var err error
		data, kind, err = r.source.Fetch(ctx, file.ID)
		return err
	})
	if err != nil {
		return fail(StageFetch, ClassOf(err), err)
	}
	if kind == "" {
		kind = file.ContentType
	}

	if err := ctx.Err(); err != nil {
		return fail(StageRecognize, ClassBatchTimeout, fmt.Errorf("batch cancelled before recognize: %w", err))
	}

	var rawText string
	err = r.runStage(ctx, &outcome, StageRecognize, func(ctx context.Context) error {
		var err error
		rawText, err = r.recognizer.Recognize(ctx, data, kind)
		return err
	})
	if err != nil {
		return fail(StageRecognize, ClassOf(err), err)
	}
	r.logger.Debug("recognized text", "file", file.Name, "chars", len(rawText))

	if err := ctx.Err(); err != nil {
		return fail(StageStructure, ClassBatchTimeout, fmt.Errorf("batch cancelled before structure: %w", err))
	}

	var receipt *StructuredReceipt
	err = r.runStage(ctx, &outcome, StageStructure, func(ctx context.Context) error {
		var err error
		receipt, err = r.extractor.Extract(ctx, rawText)
		return err
	})
	if err != nil {
		return fail(StageStructure, ClassOf(err), err)
	}

	// Missing total or date is the extractor's contract, not a
	// pipeline failure; note it and keep going.
	receipt.Normalize(r.clock.Now())
	if receipt.Incomplete() {
		outcome.Message = fmt.Sprintf("incomplete-fields: %v", receipt.MissingFields)
		r.logger.Warn("receipt has unresolved required fields",
			"file", file.Name,
			"missing", receipt.MissingFields,
		)
	}

	if err := ctx.Err(); err != nil {
		return fail(StageSink, ClassBatchTimeout, fmt.Errorf("batch cancelled before sink: %w", err))
	}

	var reference string
	err = r.runStage(ctx, &outcome, StageSink, func(ctx context.Context) error {
		var err error
		reference, err = r.sink.Write(ctx, receipt, file)
		return err
	})
	if err != nil {
		return fail(StageSink, ClassOf(err), err)
	}

	outcome.Status = StatusSuccess
	outcome.Stage = StageSink
	outcome.Reference = reference
	outcome.Timestamp = r.clock.Now()
	return outcome
}

// runStage invokes call with per-stage retry. Transient failures are
// retried up to the policy's attempt budget with capped exponential
// backoff; everything else returns immediately. The outcome's attempt
// count keeps the highest count any stage needed.
func (r *runner) runStage(ctx context.Context, outcome *Outcome, stage Stage, call func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		if attempt > outcome.Attempts {
			outcome.Attempts = attempt
		}

		if err := r.admit(ctx, stage); err != nil {
			return err
		}

		lastErr = call(ctx)
		if lastErr == nil {
			return nil
		}

		class := ClassOf(lastErr)
		if !class.Retryable() || attempt == r.retry.MaxAttempts {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}

		delay := r.retry.delay(attempt)
		r.logger.Warn("stage failed, retrying",
			"stage", stage,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr,
		)
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}
	return lastErr
}

// admit gates quota-limited stages through the shared token bucket.
// Fetch is not gated: only the LLM and sink collaborators are
// quota-bound.
func (r *runner) admit(ctx context.Context, stage Stage) error {
	if r.limiter == nil || stage == StageFetch {
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return WithClass(ClassBatchTimeout, fmt.Errorf("waiting for rate limit: %w", err))
	}
	return nil
}
