package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/joelkehle/inspection-bridge/internal/report"
	"github.com/joelkehle/inspection-bridge/internal/store"
)

func main() {
	_ = godotenv.Load()

	dbPath := flag.String("db", "db/inspections.db", "SQLite database path")
	inspectionID := flag.String("inspection", "", "Inspection ID to render")
	outPath := flag.String("out", "", "Output PDF path (default <inspection>.pdf)")
	styleDir := flag.String("style-dir", "", "Directory containing style.css (optional)")
	markdownOnly := flag.Bool("markdown", false, "Emit markdown to stdout instead of PDF")
	flag.Parse()

	if *inspectionID == "" {
		log.Fatal("-inspection is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	rec, found, err := st.GetInspection(ctx, *inspectionID)
	if err != nil {
		log.Fatalf("load inspection: %v", err)
	}
	if !found {
		log.Fatalf("inspection %s not found", *inspectionID)
	}
	observations, err := st.ListObservations(ctx, *inspectionID)
	if err != nil {
		log.Fatalf("load observations: %v", err)
	}

	md := report.InspectionMarkdown(rec, observations)
	if *markdownOnly {
		os.Stdout.WriteString(md)
		return
	}

	renderer := report.NewChromiumPDFRenderer(*styleDir)
	pdf, err := renderer.Render(ctx, md)
	if err != nil {
		log.Fatalf("render PDF: %v", err)
	}

	out := *outPath
	if out == "" {
		out = *inspectionID + ".pdf"
	}
	if err := os.WriteFile(out, pdf, 0o644); err != nil {
		log.Fatalf("write PDF: %v", err)
	}
	log.Printf("report for %s written to %s", *inspectionID, out)
}
