package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/joelkehle/inspection-bridge/internal/classifier"
	"github.com/joelkehle/inspection-bridge/internal/feed"
	"github.com/joelkehle/inspection-bridge/internal/inspection"
	"github.com/joelkehle/inspection-bridge/internal/normalizer"
	"github.com/joelkehle/inspection-bridge/internal/pipeline"
	"github.com/joelkehle/inspection-bridge/internal/report"
	"github.com/joelkehle/inspection-bridge/internal/store"
	"github.com/joelkehle/inspection-bridge/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	dbPath := flag.String("db", "db/inspections.db", "SQLite database path")
	docsDir := flag.String("docs", "", "Directory of inspection PDFs to process")
	feedPath := flag.String("feed", "", "Tabular dataset file (.csv or .xlsx) to ingest first")
	concurrency := flag.Int("concurrency", 4, "Concurrent documents in flight")
	timeout := flag.Duration("timeout", 30*time.Minute, "Batch deadline")
	reportPath := flag.String("report", "", "Write the batch summary markdown to this path")
	flag.Parse()

	if *docsDir == "" && *feedPath == "" {
		log.Fatal("nothing to do: provide -docs and/or -feed")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, *timeout)
	defer timeoutCancel()

	if shutdown := telemetry.Init(ctx, telemetry.Config{ServiceName: "inspect-pipeline"}); shutdown != nil {
		defer func() {
			shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			_ = shutdown(shutdownCtx)
		}()
	}

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		log.Fatalf("create db dir: %v", err)
	}
	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	caller, err := classifier.NewAnthropicCallerFromEnv()
	if err != nil {
		log.Fatalf("classifier: %v", err)
	}
	runner := pipeline.NewRunner(normalizer.New(), classifier.NewEngine(caller), st, *concurrency)

	var feedRows, feedSkipped int
	var feedConflicts []inspection.Conflict
	if *feedPath != "" {
		rows, skipped, err := loadFeed(*feedPath)
		if err != nil {
			log.Fatalf("load feed: %v", err)
		}
		feedSkipped = skipped
		n, conflicts, err := runner.IngestFeed(ctx, rows)
		if err != nil {
			log.Fatalf("ingest feed (after %d rows): %v", n, err)
		}
		feedRows = n
		feedConflicts = conflicts
		log.Printf("ingested %d feed row(s) from %s (%d skipped, %d conflict(s))", n, *feedPath, skipped, len(conflicts))
	}

	var docs []normalizer.Document
	if *docsDir != "" {
		docs, err = collectDocuments(*docsDir)
		if err != nil {
			log.Fatalf("collect documents: %v", err)
		}
		log.Printf("processing %d document(s) from %s", len(docs), *docsDir)
	}

	summary, err := runner.Run(ctx, docs)
	summary.FeedRows = feedRows
	summary.FeedSkipped = feedSkipped
	summary.FeedConflicts = feedConflicts
	if err != nil && err != context.Canceled {
		log.Printf("batch ended early: %v", err)
	}

	log.Printf("run %s: accepted=%d flagged=%d needs_reprocess=%d fatal=%d",
		summary.RunID, summary.Accepted, summary.Flagged, summary.NeedsReprocess, summary.Fatal)
	for _, id := range summary.AffectedIDs(pipeline.OutcomeNeedsReprocess) {
		log.Printf("needs reprocess: %s", id)
	}

	if *reportPath != "" {
		md := report.BatchMarkdown(summary)
		if err := os.WriteFile(*reportPath, []byte(md), 0o644); err != nil {
			log.Fatalf("write report: %v", err)
		}
		log.Printf("batch report written to %s", *reportPath)
	}
	if summary.Fatal > 0 {
		os.Exit(1)
	}
}

func loadFeed(path string) ([]inspection.Record, int, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return feed.ReadExcel(path, time.Now().UTC())
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, 0, err
		}
		return feed.ReadCSV(data, filepath.Base(path), time.Now().UTC())
	}
}

func collectDocuments(dir string) ([]normalizer.Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var docs []normalizer.Document
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			continue
		}
		docs = append(docs, normalizer.Document{
			Path: filepath.Join(dir, e.Name()),
			Name: e.Name(),
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	if len(docs) == 0 {
		return nil, fmt.Errorf("no PDF documents in %s", dir)
	}
	return docs, nil
}
