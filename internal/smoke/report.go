package smoke

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
)

var (
	bannerStyle = lipgloss.NewStyle().Bold(true).Reverse(true).Padding(0, 1)
	passStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	skipStyle   = lipgloss.NewStyle().Faint(true)
)

// Reporter writes the human readable progress of the checks. The format is
// informational, not a stable contract.
type Reporter struct {
	w       io.Writer
	verbose bool
	dumper  *spew.ConfigState
}

// NewReporter creates a reporter writing to w. Verbose reporters also dump
// the structures returned by property queries.
func NewReporter(w io.Writer, verbose bool) *Reporter {
	return &Reporter{
		w:       w,
		verbose: verbose,
		dumper: &spew.ConfigState{
			Indent:                  "  ",
			DisablePointerAddresses: true,
			DisableCapacities:       true,
			SortKeys:                true,
		},
	}
}

// Banner starts the section of a check
func (r *Reporter) Banner(title string) {
	fmt.Fprintln(r.w, bannerStyle.Render(strings.ToUpper(title)))
}

// Printf writes one line of check output, indented under the banner
func (r *Reporter) Printf(format string, args ...interface{}) {
	fmt.Fprintf(r.w, "  "+strings.TrimSuffix(format, "\n")+"\n", args...)
}

// Dump writes v in full when the reporter is verbose
func (r *Reporter) Dump(label string, v interface{}) {
	if !r.verbose {
		return
	}
	fmt.Fprintf(r.w, "  %s: %s", label, r.dumper.Sdump(v))
}

func bytesOf(n int) string {
	return humanize.IBytes(uint64(n))
}

// Outcome is the state of one check after a run
type Outcome int

const (
	Passed Outcome = iota
	Failed
	NotRun // Skipped after an earlier failure under FailFast
)

func (o Outcome) String() string {
	switch o {
	case Passed:
		return "PASS"
	case Failed:
		return "FAIL"
	case NotRun:
		return "NOT RUN"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is the outcome of one check
type Result struct {
	Check   string
	Outcome Outcome
	Err     error
	Elapsed time.Duration
}

// Summary writes one line per check followed by the totals
func (r *Reporter) Summary(results []Result) {
	fmt.Fprintln(r.w, bannerStyle.Render("SUMMARY"))
	counts := map[Outcome]int{}
	for _, res := range results {
		counts[res.Outcome]++
		var status string
		switch res.Outcome {
		case Passed:
			status = passStyle.Render(res.Outcome.String())
		case Failed:
			status = failStyle.Render(res.Outcome.String())
		default:
			status = skipStyle.Render(res.Outcome.String())
		}
		fmt.Fprintf(r.w, "  %-16s %s %s\n", res.Check, status, res.Elapsed.Round(time.Microsecond))
	}
	fmt.Fprintf(r.w, "  %d passed, %d failed, %d not run\n", counts[Passed], counts[Failed], counts[NotRun])
}
