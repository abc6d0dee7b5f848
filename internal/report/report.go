// Package report renders test results and responses for the terminal.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/history"
)

const maxValueWidth = 120

type Theme struct {
	Pass    lipgloss.Style
	Fail    lipgloss.Style
	Name    lipgloss.Style
	Stage   lipgloss.Style
	Reason  lipgloss.Style
	Value   lipgloss.Style
	Muted   lipgloss.Style
	Summary lipgloss.Style
	Frame   lipgloss.Style
}

// NewTheme builds styles for r. A renderer on a non-terminal writer drops
// colour, so piped output stays plain.
func NewTheme(r *lipgloss.Renderer) Theme {
	return Theme{
		Pass: r.NewStyle().
			Foreground(lipgloss.Color("#0F111A")).
			Background(lipgloss.Color("#6EF17E")).
			Bold(true).
			Padding(0, 1),
		Fail: r.NewStyle().
			Foreground(lipgloss.Color("#1A1020")).
			Background(lipgloss.Color("#FF6E6E")).
			Bold(true).
			Padding(0, 1),
		Name:    r.NewStyle().Foreground(lipgloss.Color("#E6E1FF")).Bold(true),
		Stage:   r.NewStyle().Foreground(lipgloss.Color("#FFD46A")),
		Reason:  r.NewStyle().Foreground(lipgloss.Color("#FF6E6E")),
		Value:   r.NewStyle().Foreground(lipgloss.Color("#5FB3B3")),
		Muted:   r.NewStyle().Foreground(lipgloss.Color("#6E6A86")),
		Summary: r.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true),
		Frame:   r.NewStyle().Foreground(lipgloss.Color("#dcd7ff")),
	}
}

type Printer struct {
	out   io.Writer
	theme Theme
}

func New(out io.Writer) *Printer {
	return &Printer{out: out, theme: NewTheme(lipgloss.NewRenderer(out))}
}

func NewWithTheme(out io.Writer, theme Theme) *Printer {
	return &Printer{out: out, theme: theme}
}

// Result writes one line per cycle. A dispatch failure means the request
// never produced a response, so no script ran.
func (p *Printer) Result(res domain.TestResult) {
	fmt.Fprintln(p.out, p.FormatResult(res))
}

func (p *Printer) FormatResult(res domain.TestResult) string {
	th := p.theme
	name := res.RequestName
	if name == "" {
		name = res.RequestUUID
	}
	parts := make([]string, 0, 4)
	if res.IsSuccess {
		parts = append(parts, th.Pass.Render("PASS"), th.Name.Render(name))
		if v := formatValue(res.ReturnValue); v != "" && v != "true" {
			parts = append(parts, th.Value.Render("returned "+v))
		}
		return strings.Join(parts, " ")
	}

	parts = append(parts, th.Fail.Render("FAIL"), th.Name.Render(name))
	if res.DispatchFailed() {
		parts = append(parts, th.Stage.Render("dispatch failed:"))
	} else {
		parts = append(parts, th.Stage.Render("test failed:"))
	}
	reason := res.Reason
	if reason == "" {
		reason = "no reason given"
	}
	parts = append(parts, th.Reason.Render(reason))
	return strings.Join(parts, " ")
}

type Summary struct {
	Passed  int
	Failed  int
	Skipped int
	Elapsed time.Duration
}

func (s Summary) Total() int {
	return s.Passed + s.Failed
}

// Tally counts results. skipped is the number of requests that had no script.
func Tally(results []domain.TestResult, skipped int, elapsed time.Duration) Summary {
	s := Summary{Skipped: skipped, Elapsed: elapsed}
	for _, r := range results {
		if r.IsSuccess {
			s.Passed++
		} else {
			s.Failed++
		}
	}
	return s
}

func (p *Printer) Summary(s Summary) {
	line := fmt.Sprintf("%d passed, %d failed", s.Passed, s.Failed)
	if s.Skipped > 0 {
		line += fmt.Sprintf(", %d skipped", s.Skipped)
	}
	out := p.theme.Summary.Render(line)
	if s.Elapsed > 0 {
		out += " " + p.theme.Muted.Render("in "+s.Elapsed.Round(time.Millisecond).String())
	}
	fmt.Fprintln(p.out, out)
}

// Response writes one received frame or reply.
func (p *Printer) Response(resp domain.Response) {
	stamp := resp.ReceivedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}
	prefix := p.theme.Muted.Render(stamp.Format("15:04:05.000"))
	tag := ""
	if resp.Encoding == domain.EncodingBase64 {
		tag = " " + p.theme.Muted.Render("[base64]")
	}
	fmt.Fprintf(p.out, "%s%s %s\n", prefix, tag, p.theme.Frame.Render(resp.Text()))
}

func (p *Printer) History(entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(p.out, p.theme.Muted.Render("no history"))
		return
	}
	for _, e := range entries {
		res := domain.TestResult{
			RequestUUID: e.RequestUUID,
			RequestName: e.RequestName,
			IsSuccess:   e.IsSuccess,
			Reason:      e.Reason,
			Stage:       e.Stage,
		}
		if len(e.ReturnValue) > 0 {
			res.ReturnValue = json.RawMessage(e.ReturnValue)
		}
		when := p.theme.Muted.Render(e.CompletedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(p.out, "%s %s\n", when, p.FormatResult(res))
	}
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	var s string
	switch t := v.(type) {
	case string:
		s = fmt.Sprintf("%q", t)
	case json.RawMessage:
		s = string(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			s = fmt.Sprint(t)
		} else {
			s = string(data)
		}
	}
	if len(s) > maxValueWidth {
		s = s[:maxValueWidth-3] + "..."
	}
	return s
}
