// Package cli renders receipts, denials, and approval prompts for
// terminal operators. Color selection checks whether stdout is a real
// TTY before emitting ANSI codes, and the palette is a small table of
// named colors keyed by outcome rather than scattered color.New calls.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/sintraprime/ger/internal/model"
)

// palette names the color used per receipt status. Populated lazily so
// color.NoColor can be set correctly first.
type palette struct {
	success  *color.Color
	failed   *color.Color
	denied   *color.Color
	throttled *color.Color
	approval *color.Color
	muted    *color.Color
}

func newPalette() palette {
	return palette{
		success:   color.New(color.FgGreen, color.Bold),
		failed:    color.New(color.FgRed, color.Bold),
		denied:    color.New(color.FgYellow, color.Bold),
		throttled: color.New(color.FgMagenta, color.Bold),
		approval:  color.New(color.FgCyan, color.Bold),
		muted:     color.New(color.FgHiBlack),
	}
}

// Printer renders runtime output to an io.Writer, colorizing only when
// the writer is a real terminal.
type Printer struct {
	w   io.Writer
	pal palette
}

// NewPrinter constructs a Printer for w. If w is *os.File and not a
// TTY (e.g. piped to a file or another process), color is disabled,
// following the "never paint ANSI codes into a redirected pipe" rule.
func NewPrinter(w io.Writer) *Printer {
	if f, ok := w.(*os.File); ok {
		if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
			color.NoColor = true
		}
	}
	return &Printer{w: w, pal: newPalette()}
}

// Receipt renders a terminal receipt summary line plus per-step detail.
func (p *Printer) Receipt(r model.Receipt) {
	c := p.colorFor(r.Status)
	c.Fprintf(p.w, "[%s] execution_id=%s fingerprint=%s\n", r.Status, r.ExecutionID, shortHash(r.Fingerprint))
	if r.PolicyDenied != nil {
		p.pal.denied.Fprintf(p.w, "  denied: %s: %s\n", r.PolicyDenied.Code, r.PolicyDenied.Reason)
	}
	if r.ApprovalRequired != nil {
		p.pal.approval.Fprintf(p.w, "  approval required: %s (plan_hash=%s)\n", r.ApprovalRequired.Reason, shortHash(r.ApprovalRequired.PlanHash))
	}
	if r.RetryAfter > 0 {
		p.pal.throttled.Fprintf(p.w, "  retry_after=%.1fs\n", r.RetryAfter)
	}
	for _, s := range r.Steps {
		p.pal.muted.Fprintf(p.w, "  step %-20s %-14s", s.StepID, s.Status)
		if s.Error != "" {
			fmt.Fprintf(p.w, " error=%s", s.Error)
		}
		fmt.Fprintln(p.w)
	}
}

func (p *Printer) colorFor(status model.Status) *color.Color {
	switch status {
	case model.StatusSuccess:
		return p.pal.success
	case model.StatusFailed:
		return p.pal.failed
	case model.StatusDenied:
		return p.pal.denied
	case model.StatusThrottled:
		return p.pal.throttled
	case model.StatusAwaitingApproval:
		return p.pal.approval
	default:
		return p.pal.muted
	}
}

func shortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}

// ExitCodeFor maps a receipt status to its fixed process exit code,
// for callers that already hold a receipt and need the code without
// re-running the orchestrator.
func ExitCodeFor(r model.Receipt) int {
	switch r.Status {
	case model.StatusSuccess:
		return 0
	case model.StatusFailed:
		return 1
	case model.StatusThrottled:
		return 3
	case model.StatusAwaitingApproval:
		return 4
	case model.StatusDenied:
		return 3
	default:
		return 1
	}
}
