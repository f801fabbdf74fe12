package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Deps are the collaborators a batch run calls. All of them are
// injected; the pipeline owns no external state of its own.
type Deps struct {
	Source     FileSource
	Recognizer TextRecognizer
	Extractor  StructureExtractor
	Sink       ResultSink
	Store      ProcessedStore
}

// Batch orchestrates one run: discovery, dedup filtering, bounded
// fan-out, and report assembly.
type Batch struct {
	deps Deps
	opts Options
}

// New creates a batch orchestrator.
func New(deps Deps, opts Options) *Batch {
	return &Batch{deps: deps, opts: opts.withDefaults()}
}

// Run processes every candidate file under scope and returns the batch
// report. Per-file failures never abort the run unless StopOnError is
// set; only a discovery failure or cancellation does.
func (b *Batch) Run(ctx context.Context, scope string) (*BatchReport, error) {
	opts := b.opts
	clock := opts.Clock
	logger := opts.Logger
	start := clock.Now()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	files, err := b.deps.Source.List(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("listing source files: %w", err)
	}
	logger.Info("discovered files", "scope", scope, "count", len(files))

	outcomes := make([]Outcome, len(files))
	var pending []int
	for i, file := range files {
		if skip, ok := b.dedup(file, logger); ok {
			outcomes[i] = skip
			continue
		}
		pending = append(pending, i)
	}

	if opts.DryRun {
		for _, i := range pending {
			file := files[i]
			logger.Info("dry run: would process", "file", file.Name, "id", file.ID)
			outcomes[i] = Outcome{
				FileID:    file.ID,
				FileName:  file.Name,
				Status:    StatusSkipped,
				Stage:     StageDiscover,
				Message:   "dry run",
				Timestamp: clock.Now(),
			}
		}
		report := buildReport(outcomes, clock.Now().Sub(start))
		// Candidates the dry run held back are not dedup skips; count
		// them on their own.
		report.WouldProcess = len(pending)
		report.Skipped -= len(pending)
		return report, nil
	}

	run := &runner{
		source:     b.deps.Source,
		recognizer: b.deps.Recognizer,
		extractor:  b.deps.Extractor,
		sink:       b.deps.Sink,
		retry:      opts.Retry,
		limiter:    opts.limiter(),
		clock:      clock,
		logger:     logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, i := range pending {
		// The cancellation signal is checked before each dispatch;
		// files never dispatched terminate without collaborator calls.
		if gctx.Err() != nil {
			outcomes[i] = b.undispatched(files[i])
			continue
		}

		i := i
		file := files[i]
		g.Go(func() error {
			outcome := run.process(gctx, file)
			// Timed-out files are not recorded: they never reached a
			// real terminal state, and a rerun should pick them up
			// fresh.
			if outcome.Class != ClassBatchTimeout {
				outcome = b.record(outcome, logger)
			}
			outcomes[i] = outcome
			b.observe(outcome, logger)
			if opts.StopOnError && outcome.Status == StatusFailed {
				return fmt.Errorf("processing %s: %s", file.Name, outcome.Message)
			}
			return nil
		})
	}

	runErr := g.Wait()

	// A timeout or stop-on-error abort can leave gaps where a worker
	// slot never opened; mark those terminal too.
	for _, i := range pending {
		if outcomes[i].Status == "" {
			outcomes[i] = b.undispatched(files[i])
		}
	}

	report := buildReport(outcomes, clock.Now().Sub(start))
	logger.Info("batch finished",
		"summary", report.Summary(),
		"discovered", report.Discovered,
		"skipped", report.Skipped,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"duration", report.Duration,
	)

	if runErr != nil && opts.StopOnError {
		return report, runErr
	}
	return report, nil
}

// History returns every recorded outcome from the processed-file store.
func (b *Batch) History() ([]Outcome, error) {
	outcomes, err := b.deps.Store.History()
	if err != nil {
		return nil, fmt.Errorf("reading processing history: %w", err)
	}
	return outcomes, nil
}

// dedup decides whether a file can be skipped as already processed.
// A store read failure fails open: the file is treated as unprocessed.
func (b *Batch) dedup(file FileRecord, logger *slog.Logger) (Outcome, bool) {
	if b.opts.Force {
		return Outcome{}, false
	}
	done, err := b.deps.Store.HasSucceeded(file.ID)
	if err != nil {
		logger.Warn("processed-file store unreachable, treating file as unprocessed",
			"file", file.Name,
			"error", err,
		)
		return Outcome{}, false
	}
	if !done {
		return Outcome{}, false
	}
	return Outcome{
		FileID:    file.ID,
		FileName:  file.Name,
		Status:    StatusSkipped,
		Stage:     StageDiscover,
		Message:   "already processed",
		Timestamp: b.opts.Clock.Now(),
	}, true
}

// record persists a terminal outcome. Losing the write loses the dedup
// signal, so it demotes the outcome to a tracking failure rather than
// passing silently.
func (b *Batch) record(outcome Outcome, logger *slog.Logger) Outcome {
	if err := b.deps.Store.Record(outcome); err != nil {
		logger.Error("failed to record outcome", "file", outcome.FileName, "error", err)
		outcome.Status = StatusFailed
		outcome.Class = ClassTrackingUnavailable
		outcome.Message = fmt.Sprintf("recording outcome: %v", err)
		outcome.Reference = ""
	}
	return outcome
}

func (b *Batch) undispatched(file FileRecord) Outcome {
	return Outcome{
		FileID:    file.ID,
		FileName:  file.Name,
		Status:    StatusFailed,
		Stage:     StageDiscover,
		Class:     ClassBatchTimeout,
		Message:   "batch cancelled before processing started",
		Timestamp: b.opts.Clock.Now(),
	}
}

func (b *Batch) observe(outcome Outcome, logger *slog.Logger) {
	switch outcome.Status {
	case StatusSuccess:
		logger.Info("processed file",
			"file", outcome.FileName,
			"reference", outcome.Reference,
			"attempts", outcome.Attempts,
		)
	case StatusFailed:
		logger.Error("failed to process file",
			"file", outcome.FileName,
			"stage", outcome.Stage,
			"class", outcome.Class,
			"error", outcome.Message,
		)
	}
}
