package pipeline

import "time"

// Stage identifies a step of the per-file conversion.
type Stage string

const (
	StageDiscover  Stage = "discover"
	StageFetch     Stage = "fetch"
	StageRecognize Stage = "recognize"
	StageStructure Stage = "structure"
	StageSink      Stage = "sink"
)

// Status is the terminal state of one processing attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Outcome records how processing one file ended. The store keeps the
// latest outcome per file identity.
type Outcome struct {
	FileID    string    `json:"file_id"`
	FileName  string    `json:"file_name"`
	Status    Status    `json:"status"`
	Stage     Stage     `json:"stage"`
	Class     Class     `json:"class,omitempty"`
	Message   string    `json:"message,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// FailureDetail is the report entry for one failed file.
type FailureDetail struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	Stage    Stage  `json:"stage"`
	Class    Class  `json:"class"`
	Message  string `json:"message"`
}

// BatchReport summarizes one batch run. Outcomes are listed in
// discovery order regardless of completion order. Skipped counts dedup
// skips only; candidates a dry run would have processed are counted in
// WouldProcess.
type BatchReport struct {
	Discovered   int             `json:"discovered"`
	Skipped      int             `json:"skipped_already_processed"`
	WouldProcess int             `json:"would_process,omitempty"`
	Succeeded    int             `json:"succeeded"`
	Failed       int             `json:"failed"`
	Outcomes     []Outcome       `json:"outcomes"`
	Failures     []FailureDetail `json:"failures,omitempty"`
	Duration     time.Duration   `json:"duration"`
}

func buildReport(outcomes []Outcome, duration time.Duration) *BatchReport {
	report := &BatchReport{
		Discovered: len(outcomes),
		Outcomes:   outcomes,
		Duration:   duration,
	}
	for _, o := range outcomes {
		switch o.Status {
		case StatusSuccess:
			report.Succeeded++
		case StatusSkipped:
			report.Skipped++
		case StatusFailed:
			report.Failed++
			report.Failures = append(report.Failures, FailureDetail{
				FileID:   o.FileID,
				FileName: o.FileName,
				Stage:    o.Stage,
				Class:    o.Class,
				Message:  o.Message,
			})
		}
	}
	return report
}

// Summary describes the overall result in one word for operators:
// "empty", "ok", "partial", or "all failed". A run with failures is
// still a completed run.
func (r *BatchReport) Summary() string {
	switch {
	case r.Discovered == 0:
		return "empty"
	case r.Failed == 0:
		return "ok"
	case r.Succeeded == 0 && r.Failed > 0:
		return "all failed"
	default:
		return "partial"
	}
}
