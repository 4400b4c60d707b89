package pipeline

import (
	"time"

	"github.com/joelkehle/inspection-bridge/internal/inspection"
)

// OutcomeKind buckets a document's terminal state for the batch summary.
type OutcomeKind string

const (
	// OutcomeAccepted passed every validation rule and persisted cleanly.
	OutcomeAccepted OutcomeKind = "ACCEPTED"
	// OutcomeFlagged persisted with validation issues or reconciliation
	// conflicts attached.
	OutcomeFlagged OutcomeKind = "FLAGGED"
	// OutcomeNeedsReprocess means classification failed permanently; the
	// identity skeleton persisted so the document can be retried.
	OutcomeNeedsReprocess OutcomeKind = "NEEDS_REPROCESS"
	// OutcomeFatal means the document produced no persisted record at all.
	OutcomeFatal OutcomeKind = "FATAL"
)

// DocumentOutcome is the per-document result line of a batch run.
type DocumentOutcome struct {
	SourceDocument string
	InspectionID   string
	Kind           OutcomeKind
	Status         inspection.RecordStatus
	NeedsReview    bool
	Attempts       int
	Issues         []inspection.Issue
	Conflicts      []inspection.Conflict
	Error          string
}

// Summary aggregates one batch run. Outcomes keep the input's document
// order regardless of completion order.
type Summary struct {
	RunID          string
	Started        time.Time
	Finished       time.Time
	Accepted       int
	Flagged        int
	NeedsReprocess int
	Fatal          int
	FeedRows       int
	FeedSkipped    int
	FeedConflicts  []inspection.Conflict
	Outcomes       []DocumentOutcome
}

func (s *Summary) tally() {
	s.Accepted, s.Flagged, s.NeedsReprocess, s.Fatal = 0, 0, 0, 0
	for _, o := range s.Outcomes {
		switch o.Kind {
		case OutcomeAccepted:
			s.Accepted++
		case OutcomeFlagged:
			s.Flagged++
		case OutcomeNeedsReprocess:
			s.NeedsReprocess++
		case OutcomeFatal:
			s.Fatal++
		}
	}
}

// AffectedIDs lists the inspection identities touched by outcomes of the
// given kind.
func (s *Summary) AffectedIDs(kind OutcomeKind) []string {
	var ids []string
	for _, o := range s.Outcomes {
		if o.Kind == kind && o.InspectionID != "" {
			ids = append(ids, o.InspectionID)
		}
	}
	return ids
}
