package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/slipstream/slipstream/internal/extract"
	"github.com/slipstream/slipstream/internal/pipeline"
	"github.com/slipstream/slipstream/internal/recognize"
	"github.com/slipstream/slipstream/internal/sink"
	"github.com/slipstream/slipstream/internal/source"
	"github.com/slipstream/slipstream/internal/tracking"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootFlags := ff.NewFlagSet("slipstream")
	dbPath := rootFlags.StringLong("db", "slipstream.db", "Processed-file store path")

	processFlags := ff.NewFlagSet("process").SetParent(rootFlags)
	var (
		folder      = processFlags.StringLong("folder", "", "Google Drive folder ID or URL (required)")
		sheet       = processFlags.StringLong("sheet", "", "Google Sheets spreadsheet ID or URL to write results to")
		csvPath     = processFlags.StringLong("csv", "", "Local CSV file to write results to (used when --sheet is not set)")
		workers     = processFlags.IntLong("workers", 4, "Number of parallel workers")
		force       = processFlags.BoolLong("force", "Reprocess files even if already processed")
		dryRun      = processFlags.BoolLong("dry-run", "Show what would be processed without calling any service")
		timeout     = processFlags.DurationLong("timeout", 0, "Overall batch timeout (0 = none)")
		ratePerSec  = processFlags.Float64Long("rate", 0, "Max requests per second against quota-limited services (0 = unlimited)")
		geminiKey   = processFlags.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = processFlags.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
	)

	historyFlags := ff.NewFlagSet("history").SetParent(rootFlags)

	processCmd := &ff.Command{
		Name:      "process",
		Usage:     "slipstream process --folder <id|url> [flags]",
		ShortHelp: "Process receipt files from a Google Drive folder",
		Flags:     processFlags,
		Exec: func(ctx context.Context, _ []string) error {
			return runProcess(ctx, processConfig{
				dbPath:      *dbPath,
				folder:      *folder,
				sheet:       *sheet,
				csvPath:     *csvPath,
				workers:     *workers,
				force:       *force,
				dryRun:      *dryRun,
				timeout:     *timeout,
				ratePerSec:  *ratePerSec,
				geminiKey:   *geminiKey,
				geminiModel: *geminiModel,
			})
		},
	}

	historyCmd := &ff.Command{
		Name:      "history",
		Usage:     "slipstream history",
		ShortHelp: "List recorded processing outcomes",
		Flags:     historyFlags,
		Exec: func(ctx context.Context, _ []string) error {
			return runHistory(*dbPath)
		},
	}

	root := &ff.Command{
		Name:        "slipstream",
		Usage:       "slipstream <command> [flags]",
		ShortHelp:   "Turn a folder of receipt images into spreadsheet rows",
		Flags:       rootFlags,
		Subcommands: []*ff.Command{processCmd, historyCmd},
		Exec: func(context.Context, []string) error {
			return ff.ErrHelp
		},
	}

	err := root.ParseAndRun(ctx, os.Args[1:], ff.WithEnvVarPrefix("SLIPSTREAM"))
	switch {
	case errors.Is(err, ff.ErrHelp):
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root))
		os.Exit(1)
	case err != nil:
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

type processConfig struct {
	dbPath      string
	folder      string
	sheet       string
	csvPath     string
	workers     int
	force       bool
	dryRun      bool
	timeout     time.Duration
	ratePerSec  float64
	geminiKey   string
	geminiModel string
}

func runProcess(ctx context.Context, cfg processConfig) error {
	if cfg.folder == "" {
		return fmt.Errorf("--folder is required")
	}
	folderID, err := source.ParseResourceID(cfg.folder)
	if err != nil {
		return fmt.Errorf("parsing folder: %w", err)
	}

	store, err := tracking.NewBoltStore(cfg.dbPath)
	if err != nil {
		return fmt.Errorf("opening processed-file store: %w", err)
	}
	defer store.Close()

	drv, err := source.NewDrive(ctx)
	if err != nil {
		return err
	}

	apiKey := cfg.geminiKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	recognizer, err := recognize.NewGemini(ctx, apiKey, cfg.geminiModel)
	if err != nil {
		return fmt.Errorf("initializing recognizer: %w", err)
	}
	defer recognizer.Close()

	extractor, err := extract.NewGemini(ctx, apiKey, cfg.geminiModel)
	if err != nil {
		return fmt.Errorf("initializing extractor: %w", err)
	}
	defer extractor.Close()

	var resultSink pipeline.ResultSink
	switch {
	case cfg.sheet != "":
		spreadsheetID, err := source.ParseResourceID(cfg.sheet)
		if err != nil {
			return fmt.Errorf("parsing spreadsheet: %w", err)
		}
		resultSink, err = sink.NewSheets(ctx, spreadsheetID)
		if err != nil {
			return err
		}
		slog.Info("writing results to spreadsheet", "id", spreadsheetID)
	case cfg.csvPath != "":
		resultSink, err = sink.NewCSV(cfg.csvPath)
		if err != nil {
			return err
		}
		slog.Info("writing results to local file", "path", cfg.csvPath)
	default:
		return fmt.Errorf("either --sheet or --csv is required")
	}

	batch := pipeline.New(pipeline.Deps{
		Source:     drv,
		Recognizer: recognizer,
		Extractor:  extractor,
		Sink:       resultSink,
		Store:      store,
	}, pipeline.Options{
		Force:         cfg.force,
		DryRun:        cfg.dryRun,
		Workers:       cfg.workers,
		Timeout:       cfg.timeout,
		RatePerSecond: cfg.ratePerSec,
	})

	report, err := batch.Run(ctx, folderID)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func runHistory(dbPath string) error {
	store, err := tracking.NewBoltStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening processed-file store: %w", err)
	}
	defer store.Close()

	batch := pipeline.New(pipeline.Deps{Store: store}, pipeline.Options{})
	outcomes, err := batch.History()
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		fmt.Println("no processing history")
		return nil
	}
	for _, o := range outcomes {
		line := fmt.Sprintf("%s  %-7s  %-9s  %s", o.Timestamp.Format(time.RFC3339), o.Status, o.Stage, o.FileName)
		if o.Message != "" {
			line += "  " + o.Message
		}
		fmt.Println(line)
	}
	return nil
}

func printReport(report *pipeline.BatchReport) {
	for _, o := range report.Outcomes {
		switch o.Status {
		case pipeline.StatusFailed:
			fmt.Fprintf(os.Stderr, "failed   %s (%s at %s): %s\n", o.FileName, o.Class, o.Stage, o.Message)
		case pipeline.StatusSkipped:
			fmt.Printf("skipped  %s: %s\n", o.FileName, o.Message)
		default:
			fmt.Printf("ok       %s -> %s\n", o.FileName, o.Reference)
		}
	}
	if report.WouldProcess > 0 {
		fmt.Printf("dry run: %d file(s) would be processed\n", report.WouldProcess)
	}
	fmt.Printf("%s: %d discovered, %d skipped, %d succeeded, %d failed in %s\n",
		report.Summary(),
		report.Discovered,
		report.Skipped,
		report.Succeeded,
		report.Failed,
		report.Duration.Round(time.Millisecond),
	)
}
