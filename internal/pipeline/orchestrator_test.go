package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Batch", func() {
	var (
		ctx    context.Context
		src    *stubSource
		rec    *stubRecognizer
		ext    *stubExtractor
		snk    *stubSink
		store  *memStore
		opts   Options
		batch  *Batch
		report *BatchReport
		runErr error
	)

	BeforeEach(func() {
		ctx = context.Background()
		src = newStubSource(
			testFile("f1", "a.jpg"),
			testFile("f2", "b.jpg"),
			testFile("f3", "c.jpg"),
			testFile("f4", "d.jpg"),
			testFile("f5", "e.jpg"),
		)
		rec = &stubRecognizer{}
		ext = &stubExtractor{}
		snk = &stubSink{}
		store = newMemStore()
		opts = Options{
			Workers: 2,
			Retry: RetryPolicy{
				MaxAttempts: 3,
				BaseDelay:   time.Millisecond,
				MaxDelay:    4 * time.Millisecond,
			},
			Clock:  newFixedClock(),
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		}
	})

	JustBeforeEach(func() {
		batch = New(Deps{
			Source:     src,
			Recognizer: rec,
			Extractor:  ext,
			Sink:       snk,
			Store:      store,
		}, opts)
		report, runErr = batch.Run(ctx, "folder-1")
	})

	When("all files process cleanly", func() {
		It("does not return an error", func() {
			Expect(runErr).NotTo(HaveOccurred())
		})

		It("reports every file succeeded", func() {
			Expect(report.Discovered).To(Equal(5))
			Expect(report.Succeeded).To(Equal(5))
			Expect(report.Failed).To(BeZero())
			Expect(report.Skipped).To(BeZero())
		})

		It("lists outcomes in discovery order", func() {
			ids := make([]string, len(report.Outcomes))
			for i, o := range report.Outcomes {
				ids[i] = o.FileID
			}
			Expect(ids).To(Equal([]string{"f1", "f2", "f3", "f4", "f5"}))
		})

		It("records every outcome in the store", func() {
			history, err := store.History()
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(5))
		})

		It("summarizes the run as ok", func() {
			Expect(report.Summary()).To(Equal("ok"))
		})
	})

	When("the batch is run a second time without force", func() {
		JustBeforeEach(func() {
			report, runErr = batch.Run(ctx, "folder-1")
		})

		It("skips every file", func() {
			Expect(report.Skipped).To(Equal(5))
			Expect(report.Succeeded).To(BeZero())
		})

		It("performs no new sink writes", func() {
			Expect(snk.writeCount()).To(Equal(5))
		})
	})

	When("the batch is rerun with force", func() {
		JustBeforeEach(func() {
			opts.Force = true
			batch = New(Deps{
				Source:     src,
				Recognizer: rec,
				Extractor:  ext,
				Sink:       snk,
				Store:      store,
			}, opts)
			report, runErr = batch.Run(ctx, "folder-1")
		})

		It("reprocesses every file", func() {
			Expect(report.Succeeded).To(Equal(5))
			Expect(snk.writeCount()).To(Equal(10))
		})
	})

	When("one file is already marked successful in the store", func() {
		BeforeEach(func() {
			Expect(store.Record(Outcome{
				FileID:    "f3",
				FileName:  "c.jpg",
				Status:    StatusSuccess,
				Stage:     StageSink,
				Timestamp: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
			})).To(Succeed())
		})

		It("skips it and processes the rest", func() {
			Expect(report.Discovered).To(Equal(5))
			Expect(report.Skipped).To(Equal(1))
			Expect(report.Succeeded).To(Equal(4))
			Expect(report.Failed).To(BeZero())
		})

		It("never fetches the skipped file", func() {
			Expect(src.fetched("f3")).To(BeZero())
		})
	})

	When("a file previously failed", func() {
		BeforeEach(func() {
			Expect(store.Record(Outcome{
				FileID:    "f2",
				FileName:  "b.jpg",
				Status:    StatusFailed,
				Stage:     StageRecognize,
				Class:     ClassPermanent,
				Timestamp: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
			})).To(Succeed())
		})

		It("stays eligible and is reprocessed", func() {
			Expect(report.Skipped).To(BeZero())
			Expect(report.Succeeded).To(Equal(5))
		})
	})

	When("exactly one file hits a permanent error at recognize", func() {
		BeforeEach(func() {
			var mu sync.Mutex
			failed := false
			rec.hook = func(_ context.Context, call int) (string, error) {
				mu.Lock()
				defer mu.Unlock()
				if !failed {
					failed = true
					return "", Permanentf("unreadable scan")
				}
				return "RECEIPT TEXT", nil
			}
		})

		It("isolates the failure", func() {
			Expect(runErr).NotTo(HaveOccurred())
			Expect(report.Succeeded).To(Equal(4))
			Expect(report.Failed).To(Equal(1))
		})

		It("includes a failure detail with stage and reason", func() {
			Expect(report.Failures).To(HaveLen(1))
			Expect(report.Failures[0].Stage).To(Equal(StageRecognize))
			Expect(report.Failures[0].Message).To(ContainSubstring("unreadable scan"))
		})

		It("summarizes the run as partial", func() {
			Expect(report.Summary()).To(Equal("partial"))
		})
	})

	When("discovery fails", func() {
		BeforeEach(func() {
			src.listErr = errors.New("folder not reachable")
		})

		It("is fatal to the whole run", func() {
			Expect(runErr).To(MatchError(ContainSubstring("listing source files")))
			Expect(report).To(BeNil())
		})

		It("invokes no other collaborator", func() {
			Expect(rec.callCount()).To(BeZero())
			Expect(snk.writeCount()).To(BeZero())
		})
	})

	When("the store read fails", func() {
		BeforeEach(func() {
			store.readErr = errors.New("store offline")
		})

		It("fails open and processes every file", func() {
			Expect(report.Succeeded).To(Equal(5))
			Expect(report.Skipped).To(BeZero())
		})
	})

	When("the store write fails", func() {
		BeforeEach(func() {
			store.recordErr = errors.New("store offline")
		})

		It("surfaces each file as failed with tracking_unavailable", func() {
			Expect(report.Failed).To(Equal(5))
			for _, o := range report.Outcomes {
				Expect(o.Class).To(Equal(ClassTrackingUnavailable))
			}
		})
	})

	When("running with a worker limit", func() {
		BeforeEach(func() {
			opts.Workers = 2
			rec.hook = func(_ context.Context, _ int) (string, error) {
				time.Sleep(5 * time.Millisecond)
				return "RECEIPT TEXT", nil
			}
		})

		It("never exceeds the limit of in-flight stage executions", func() {
			Expect(rec.maxActive).To(BeNumerically("<=", 2))
		})

		It("still processes every file", func() {
			Expect(report.Succeeded).To(Equal(5))
		})
	})

	When("a request rate cap is set", func() {
		var started time.Time

		BeforeEach(func() {
			src = newStubSource(
				testFile("f1", "a.jpg"),
				testFile("f2", "b.jpg"),
			)
			opts.RatePerSecond = 5
			started = time.Now()
		})

		It("still processes every file", func() {
			Expect(runErr).NotTo(HaveOccurred())
			Expect(report.Succeeded).To(Equal(2))
		})

		It("cannot finish before the token bucket refills", func() {
			// Six gated stage admissions against a burst of five at
			// 5/s: the sixth token exists 200ms in at the earliest.
			Expect(time.Since(started)).To(BeNumerically(">=", 190*time.Millisecond))
		})
	})

	When("a batch timeout is set", func() {
		BeforeEach(func() {
			opts.Workers = 1
			opts.Timeout = 30 * time.Millisecond
			rec.hook = func(ctx context.Context, _ int) (string, error) {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(200 * time.Millisecond):
					return "RECEIPT TEXT", nil
				}
			}
		})

		It("does not fail the run itself", func() {
			Expect(runErr).NotTo(HaveOccurred())
		})

		It("marks unfinished files with the batch timeout class", func() {
			Expect(report.Failed).To(Equal(5))
			for _, o := range report.Outcomes {
				Expect(o.Class).To(Equal(ClassBatchTimeout))
			}
		})

		It("dispatches no further files after expiry", func() {
			Expect(rec.callCount()).To(Equal(1))
			Expect(src.fetched("f2")).To(BeZero())
		})

		It("keeps timed-out files out of the store", func() {
			_, ok := store.get("f1")
			Expect(ok).To(BeFalse())
		})
	})

	When("the batch is cancelled after the first file starts", func() {
		var cancel context.CancelFunc

		BeforeEach(func() {
			ctx, cancel = context.WithCancel(context.Background())
			DeferCleanup(func() { cancel() })

			opts.Workers = 1
			rec.hook = func(_ context.Context, call int) (string, error) {
				if call == 1 {
					cancel()
					return "", Transientf("interrupted")
				}
				return "RECEIPT TEXT", nil
			}
		})

		It("marks every unfinished file with the batch timeout class", func() {
			Expect(report.Failed).To(Equal(5))
			for _, o := range report.Outcomes {
				Expect(o.Class).To(Equal(ClassBatchTimeout))
			}
		})

		It("invokes no collaborator for undispatched files", func() {
			Expect(rec.callCount()).To(Equal(1))
			Expect(src.fetched("f3")).To(BeZero())
			Expect(src.fetched("f4")).To(BeZero())
			Expect(src.fetched("f5")).To(BeZero())
		})

		It("does not record timed-out files in the store", func() {
			_, ok := store.get("f3")
			Expect(ok).To(BeFalse())
		})
	})

	When("running dry", func() {
		BeforeEach(func() {
			opts.DryRun = true
			Expect(store.Record(Outcome{
				FileID:    "f1",
				FileName:  "a.jpg",
				Status:    StatusSuccess,
				Stage:     StageSink,
				Timestamp: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
			})).To(Succeed())
		})

		It("invokes no mutating collaborator", func() {
			Expect(rec.callCount()).To(BeZero())
			Expect(snk.writeCount()).To(BeZero())
			Expect(src.fetched("f2")).To(BeZero())
		})

		It("reports the dedup filtering it would apply", func() {
			Expect(report.Outcomes[0].Message).To(Equal("already processed"))
			Expect(report.Outcomes[1].Message).To(Equal("dry run"))
		})

		It("counts dry-run candidates apart from dedup skips", func() {
			Expect(report.Skipped).To(Equal(1))
			Expect(report.WouldProcess).To(Equal(4))
		})
	})

	When("stop-on-error is set and a file fails permanently", func() {
		BeforeEach(func() {
			opts.StopOnError = true
			opts.Workers = 1
			rec.hook = func(_ context.Context, call int) (string, error) {
				if call == 1 {
					return "", Permanentf("unreadable scan")
				}
				return "RECEIPT TEXT", nil
			}
		})

		It("returns the failure and still yields a report", func() {
			Expect(runErr).To(HaveOccurred())
			Expect(report).NotTo(BeNil())
			Expect(report.Failed).To(BeNumerically(">=", 1))
		})
	})
})
