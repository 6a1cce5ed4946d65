package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
)

func renderText(w io.Writer, doc *Document) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Run:     %s\n", doc.RunID)
	fmt.Fprintf(&b, "URL:     %s\n", doc.URL)
	fmt.Fprintf(&b, "Status:  %s\n", doc.Status)

	if doc.Reason != "" {
		fmt.Fprintf(&b, "Reason:  %s\n", doc.Reason)
	}

	if !doc.CreatedAt.IsZero() && doc.Status.IsTerminal() {
		fmt.Fprintf(&b, "Elapsed: %s\n", units.HumanDuration(doc.UpdatedAt.Sub(doc.CreatedAt)))
	}

	b.WriteString("\n")

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tATTEMPTS\tDURATION\tERROR")

	for _, s := range doc.Stages {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			s.Name, s.Status, s.Attempts, formatDuration(s.Duration), s.Error)
	}

	if err := tw.Flush(); err != nil {
		return fmt.Errorf("writing stage table: %w", err)
	}

	if v := doc.Verdict; v != nil {
		b.WriteString("\n")
		fmt.Fprintf(&b, "Risk:           %d/10 (%s)\n", v.RiskScore, v.RiskLevel)
		fmt.Fprintf(&b, "Recommendation: %s\n", v.Recommendation)
		fmt.Fprintf(&b, "Confidence:     %s\n", v.Confidence)

		if v.Summary != "" {
			fmt.Fprintf(&b, "Summary:        %s\n", v.Summary)
		}

		for _, signal := range v.Signals {
			fmt.Fprintf(&b, "  - %s\n", signal)
		}
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	return nil
}

// formatDuration prints sub-second durations precisely and longer ones in
// human form.
func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(10 * time.Millisecond).String()
	default:
		return units.HumanDuration(d)
	}
}
