// Package pipeline orchestrates batch processing of inspection documents:
// extraction, classification, validation, reconciliation, persistence. Each
// document is independent; one failure never aborts the batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/joelkehle/inspection-bridge/internal/classifier"
	"github.com/joelkehle/inspection-bridge/internal/inspection"
	"github.com/joelkehle/inspection-bridge/internal/normalizer"
	"github.com/joelkehle/inspection-bridge/internal/reconciler"
	"github.com/joelkehle/inspection-bridge/internal/store"
	"github.com/joelkehle/inspection-bridge/internal/validator"
)

const defaultConcurrency = 4

type Runner struct {
	normalizer  *normalizer.Normalizer
	engine      *classifier.Engine
	store       *store.Store
	concurrency int
	tracer      trace.Tracer
}

func NewRunner(n *normalizer.Normalizer, e *classifier.Engine, s *store.Store, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}
	return &Runner{
		normalizer:  n,
		engine:      e,
		store:       s,
		concurrency: concurrency,
		tracer:      otel.Tracer("inspection-bridge/pipeline"),
	}
}

// IngestFeed merges tabular dataset rows into the store before any document
// processing, so feed identity fields are in place when PDF extractions for
// the same inspections arrive. Equal-priority disagreements between feed
// files come back as conflicts; unresolved ones mark the stored record for
// manual review.
func (r *Runner) IngestFeed(ctx context.Context, rows []inspection.Record) (int, []inspection.Conflict, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.ingest_feed",
		trace.WithAttributes(attribute.Int("feed.rows", len(rows))))
	defer span.End()

	var conflicts []inspection.Conflict
	for i, row := range rows {
		rowConflicts, err := r.mergeAndPersist(ctx, row)
		if err != nil {
			return i, conflicts, fmt.Errorf("feed row %d (%s): %w", i, row.InspectionID, err)
		}
		for _, c := range rowConflicts {
			log.Printf("feed: %s: %s conflict (%q from %s vs %q from %s): %s",
				c.InspectionID, c.Field, c.Existing, c.ExistingFrom, c.Incoming, c.IncomingFrom, c.Resolution)
		}
		conflicts = append(conflicts, rowConflicts...)
	}
	span.SetAttributes(attribute.Int("feed.conflicts", len(conflicts)))
	return len(rows), conflicts, nil
}

// Run processes a batch of documents with bounded concurrency. The returned
// summary lists every document's outcome in input order; the error is non-nil
// only when the batch context itself was cancelled.
func (r *Runner) Run(ctx context.Context, docs []normalizer.Document) (Summary, error) {
	summary := Summary{
		RunID:    uuid.NewString(),
		Started:  time.Now().UTC(),
		Outcomes: make([]DocumentOutcome, len(docs)),
	}
	ctx, span := r.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", summary.RunID),
			attribute.Int("run.documents", len(docs)),
		))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			summary.Outcomes[i] = r.processDocument(gctx, doc)
			return nil
		})
	}
	err := g.Wait()

	summary.Finished = time.Now().UTC()
	summary.tally()
	span.SetAttributes(
		attribute.Int("run.accepted", summary.Accepted),
		attribute.Int("run.flagged", summary.Flagged),
		attribute.Int("run.needs_reprocess", summary.NeedsReprocess),
		attribute.Int("run.fatal", summary.Fatal),
	)
	if err != nil {
		return summary, err
	}
	return summary, ctx.Err()
}

func (r *Runner) processDocument(ctx context.Context, doc normalizer.Document) DocumentOutcome {
	name := doc.Name
	if name == "" {
		name = doc.Path
	}
	ctx, span := r.tracer.Start(ctx, "pipeline.document",
		trace.WithAttributes(attribute.String("document.name", name)))
	defer span.End()

	out := DocumentOutcome{SourceDocument: name}

	norm, err := r.normalizer.Normalize(ctx, doc)
	if err != nil {
		out.Kind = OutcomeFatal
		out.Error = fmt.Sprintf("extraction: %v", err)
		log.Printf("pipeline: %s: extraction failed: %v", name, err)
		return out
	}
	out.NeedsReview = norm.NeedsReview
	if norm.NeedsReview {
		log.Printf("pipeline: %s: extraction confidence %.2f, routed to review", name, norm.ExtractionConfidence)
	}

	identity := r.resolveIdentity(ctx, norm)
	out.InspectionID = identity
	span.SetAttributes(attribute.String("inspection.id", identity))

	ingestedAt := time.Now().UTC()
	pdfRec := recordFromExtraction(norm, identity, ingestedAt)

	res, err := r.engine.Classify(ctx, norm)
	if err != nil {
		var failed *classifier.FailedError
		if errors.As(err, &failed) {
			out.Attempts = failed.Attempts
		}
		pdfRec.Status = inspection.StatusNeedsReprocess
		pdfRec.ValidationIssues = []inspection.Issue{{Field: "classification", Reason: err.Error()}}
		if _, perr := r.mergeAndPersist(ctx, pdfRec); perr != nil {
			out.Kind = OutcomeFatal
			out.Error = fmt.Sprintf("classification failed and persist failed: %v / %v", err, perr)
			return out
		}
		out.Kind = OutcomeNeedsReprocess
		out.Status = inspection.StatusNeedsReprocess
		out.Error = err.Error()
		log.Printf("pipeline: %s: classification failed after %d attempt(s): %v", name, out.Attempts, err)
		return out
	}
	out.Attempts = res.Attempts

	verdict := validator.Validate(res, norm)
	if norm.NeedsReview {
		verdict.Issues = append(verdict.Issues, inspection.Issue{
			Field:  "extraction_confidence",
			Reason: fmt.Sprintf("extraction confidence %.2f below review threshold", norm.ExtractionConfidence),
		})
		verdict.Status = inspection.StatusFlagged
	}

	modelRec := recordFromResult(res, identity, norm.SourceDocument, ingestedAt)

	unlock := r.store.LockIdentity(identity)
	defer unlock()

	existing, found, err := r.store.GetInspection(ctx, identity)
	if err != nil {
		out.Kind = OutcomeFatal
		out.Error = fmt.Sprintf("load existing record: %v", err)
		return out
	}
	var base *inspection.Record
	if found {
		base = &existing
	}
	merged, conflicts := reconciler.Merge(base, pdfRec)
	merged, moreConflicts := reconciler.Merge(&merged, modelRec)
	conflicts = append(conflicts, moreConflicts...)
	out.Conflicts = conflicts

	merged.Status = verdict.Status
	merged.ValidationIssues = verdict.Issues
	if hasUnresolved(conflicts) {
		merged.Status = inspection.StatusNeedsReview
	}

	if err := r.store.UpsertInspection(ctx, merged); err != nil {
		out.Kind = OutcomeFatal
		out.Error = fmt.Sprintf("persist inspection: %v", err)
		return out
	}
	obs := observationsFromFindings(res, identity)
	if err := r.store.ReplaceObservations(ctx, identity, obs); err != nil {
		// Includes OrphanObservationError; the transaction rolled back, so
		// the observation set is unchanged.
		out.Kind = OutcomeFatal
		out.Error = fmt.Sprintf("persist observations: %v", err)
		return out
	}

	out.Status = merged.Status
	out.Issues = verdict.Issues
	switch {
	case merged.Status == inspection.StatusAccepted && len(conflicts) == 0:
		out.Kind = OutcomeAccepted
	default:
		out.Kind = OutcomeFlagged
	}
	return out
}

func (r *Runner) mergeAndPersist(ctx context.Context, rec inspection.Record) ([]inspection.Conflict, error) {
	unlock := r.store.LockIdentity(rec.InspectionID)
	defer unlock()

	existing, found, err := r.store.GetInspection(ctx, rec.InspectionID)
	if err != nil {
		return nil, err
	}
	var base *inspection.Record
	if found {
		base = &existing
	}
	merged, conflicts := reconciler.Merge(base, rec)
	if found {
		// Feed rows and reprocess skeletons never clear an earlier verdict.
		merged.Status = existing.Status
		merged.ValidationIssues = existing.ValidationIssues
		if rec.Status == inspection.StatusNeedsReprocess {
			merged.Status = rec.Status
			merged.ValidationIssues = rec.ValidationIssues
		}
	}
	if rec.Status != inspection.StatusNeedsReprocess && hasUnresolved(conflicts) {
		merged.Status = inspection.StatusNeedsReview
	}
	if err := r.store.UpsertInspection(ctx, merged); err != nil {
		return conflicts, err
	}
	return conflicts, nil
}

// resolveIdentity prefers the externally assigned media id. Without one, a
// document whose registration number already has a row joins that row;
// otherwise the id is synthesized deterministically from the identity
// candidates so reprocessing the same document converges on the same row.
func (r *Runner) resolveIdentity(ctx context.Context, norm normalizer.NormalizedDocument) string {
	if norm.MediaID != "" {
		return norm.MediaID
	}
	if reg := norm.Candidates.RegistrationNumber; reg != "" {
		if existing, found, err := r.store.FindByRegistration(ctx, reg); err == nil && found {
			return existing.InspectionID
		}
	}
	return inspection.SynthesizeID(norm.Candidates.FirmName, norm.Candidates.RegistrationNumber, norm.SourceDocument)
}

func recordFromExtraction(norm normalizer.NormalizedDocument, identity string, ingestedAt time.Time) inspection.Record {
	return inspection.Record{
		InspectionID:       identity,
		FirmName:           norm.Candidates.FirmName,
		RegistrationNumber: norm.Candidates.RegistrationNumber,
		StreetAddress:      norm.Candidates.Address,
		InspectionType:     inspection.TypeForm483,
		SourceKind:         inspection.SourcePDFExtraction,
		SourceDocument:     norm.SourceDocument,
		IngestedAt:         ingestedAt,
	}
}

func recordFromResult(res classifier.Result, identity, sourceDocument string, ingestedAt time.Time) inspection.Record {
	return inspection.Record{
		InspectionID:    identity,
		InspectionType:  inspection.TypeForm483,
		Classification:  res.Classification,
		Justification:   res.Justification,
		ComplianceProgs: res.CompliancePrograms,
		SourceKind:      inspection.SourceModelInference,
		SourceDocument:  sourceDocument,
		IngestedAt:      ingestedAt,
	}
}

func observationsFromFindings(res classifier.Result, identity string) []inspection.Observation {
	obs := make([]inspection.Observation, 0, len(res.Findings))
	for _, f := range res.Findings {
		obs = append(obs, inspection.Observation{
			InspectionID:   identity,
			SequenceNumber: f.SequenceNumber,
			Severity:       f.Severity,
			ViolationCode:  f.ViolationCode,
			Category:       f.Category,
			IsRepeat:       f.IsRepeat,
			RationaleText:  f.Rationale,
			ActionRequired: f.ActionRequired,
			Confidence:     res.ExtractionAgreement,
		})
	}
	return obs
}

func hasUnresolved(conflicts []inspection.Conflict) bool {
	for _, c := range conflicts {
		if strings.HasPrefix(c.Resolution, "unresolved") {
			return true
		}
	}
	return false
}
