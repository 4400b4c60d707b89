package report

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// defaultStyleCSS keeps the renderer usable without an external stylesheet.
const defaultStyleCSS = `
body{font-family:Georgia,'Times New Roman',serif;color:#1c1917;font-size:0.92rem;line-height:1.5;}
h1{font-size:1.5rem;border-bottom:2px solid #92400e;padding-bottom:0.3rem;}
h2{font-size:1.15rem;margin-top:1.4rem;}
table{width:100%;border-collapse:collapse;font-size:0.8rem;}
th,td{border:1px solid #a8a29e;padding:0.35rem 0.45rem;text-align:left;vertical-align:top;}
thead th{background:#f1f5f9;font-weight:700;}
`

type ChromiumPDFRenderer struct {
	styleDir   string
	chromePath string
	styleOnce  sync.Once
	styleCSS   string
}

// NewChromiumPDFRenderer builds a renderer. styleDir may be empty; when set,
// styleDir/style.css overrides the built-in stylesheet.
func NewChromiumPDFRenderer(styleDir string) *ChromiumPDFRenderer {
	return &ChromiumPDFRenderer{
		styleDir:   styleDir,
		chromePath: detectChromePath(),
	}
}

// Render converts report markdown to a paginated PDF through headless
// Chromium's print pipeline.
func (r *ChromiumPDFRenderer) Render(ctx context.Context, markdown string) ([]byte, error) {
	htmlDoc, err := r.buildHTML(markdown)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, append(chromedp.DefaultExecAllocatorOptions[:], opts...)...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var pdf []byte
	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(htmlDoc))
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			footer := `<div style="width:100%;text-align:center;font-size:9px;color:#666;padding-right:8px;">` +
				`Page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`
			out, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate(`<div></div>`).
				WithFooterTemplate(footer).
				WithPaperWidth(8.5).
				WithPaperHeight(11).
				WithMarginTop(0.5).
				WithMarginBottom(0.75).
				WithMarginLeft(0.45).
				WithMarginRight(0.45).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = out
			return nil
		}),
	); err != nil {
		return nil, err
	}
	return pdf, nil
}

func (r *ChromiumPDFRenderer) buildHTML(markdown string) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(markdown), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}

	return "<!doctype html><html><head><meta charset='utf-8'><title>Inspection Report</title>" +
		"<style>" + r.loadStyleCSS() + "\n" +
		"html,body,*{-webkit-print-color-adjust:exact !important;print-color-adjust:exact !important;} " +
		"body{background:#fff !important;padding:0.6rem;} .pdf-wrap{max-width:1000px;margin:0 auto;} " +
		"@media print{ @page{size:auto;margin:12mm;} body{padding:0;} .pdf-wrap{max-width:none;} }" +
		"</style></head><body>" +
		"<div class='pdf-wrap'>" + content.String() + "</div>" +
		"</body></html>", nil
}

func (r *ChromiumPDFRenderer) loadStyleCSS() string {
	r.styleOnce.Do(func() {
		r.styleCSS = defaultStyleCSS
		if r.styleDir == "" {
			return
		}
		if b, err := os.ReadFile(filepath.Join(r.styleDir, "style.css")); err == nil {
			r.styleCSS = string(b)
		}
	})
	return r.styleCSS
}

func detectChromePath() string {
	candidates := []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
