package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/ethpandaops/urlanalyzer/pkg/pipeline"
	"github.com/nao1215/markdown"
)

func renderMarkdown(w io.Writer, doc *Document) error {
	md := markdown.NewMarkdown(w)

	md.H1("URL Analysis Report")
	md.PlainText("")

	rows := [][]string{
		{"URL", "`" + doc.URL + "`"},
		{"Run", "`" + doc.RunID + "`"},
		{"Status", string(doc.Status)},
	}

	if doc.Reason != "" {
		rows = append(rows, []string{"Reason", doc.Reason})
	}

	if !doc.CreatedAt.IsZero() {
		rows = append(rows, []string{"Submitted", doc.CreatedAt.Format("2006-01-02 15:04:05 MST")})
	}

	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows:   rows,
	})
	md.PlainText("")

	if doc.Verdict != nil {
		writeVerdict(md, doc.Verdict)
	}

	md.H2("Stages")
	md.PlainText("")

	stageRows := make([][]string, 0, len(doc.Stages))
	for _, s := range doc.Stages {
		stageRows = append(stageRows, []string{
			string(s.Name),
			string(s.Status),
			strconv.Itoa(s.Attempts),
			formatDuration(s.Duration),
			s.Error,
		})
	}

	md.Table(markdown.TableSet{
		Header: []string{"Stage", "Status", "Attempts", "Duration", "Error"},
		Rows:   stageRows,
	})
	md.PlainText("")

	if doc.Verdict != nil && len(doc.Verdict.Evidence) > 0 {
		if err := writeEvidence(md, doc.Verdict); err != nil {
			return err
		}
	}

	if err := md.Build(); err != nil {
		return fmt.Errorf("writing markdown: %w", err)
	}

	return nil
}

func writeVerdict(md *markdown.Markdown, v *pipeline.Verdict) {
	md.H2("Verdict")
	md.PlainText("")

	switch v.RiskLevel {
	case pipeline.RiskCritical:
		md.Cautionf("%s. Risk score %d/10.", v.Recommendation, v.RiskScore)
	case pipeline.RiskHigh:
		md.Warningf("%s. Risk score %d/10.", v.Recommendation, v.RiskScore)
	case pipeline.RiskMedium:
		md.Importantf("%s. Risk score %d/10.", v.Recommendation, v.RiskScore)
	default:
		md.Tip(fmt.Sprintf("%s. Risk score %d/10.", v.Recommendation, v.RiskScore))
	}

	md.PlainText("")

	md.Table(markdown.TableSet{
		Header: []string{"Risk score", "Risk level", "Confidence"},
		Rows: [][]string{
			{strconv.Itoa(v.RiskScore) + "/10", v.RiskLevel, v.Confidence},
		},
	})
	md.PlainText("")

	if v.Summary != "" {
		md.PlainText(v.Summary)
		md.PlainText("")
	}

	if len(v.Signals) > 0 {
		md.H3("Signals")
		md.PlainText("")
		md.BulletList(v.Signals...)
		md.PlainText("")
	}

	if len(v.Missing) > 0 {
		md.Note(fmt.Sprintf("Unavailable evidence: %s.", strings.Join(v.Missing, ", ")))
		md.PlainText("")
	}
}

func writeEvidence(md *markdown.Markdown, v *pipeline.Verdict) error {
	md.H2("Evidence")
	md.PlainText("")

	stages := make([]string, 0, len(v.Evidence))
	for stage := range v.Evidence {
		stages = append(stages, stage)
	}

	sort.Strings(stages)

	for _, stage := range stages {
		data, err := json.MarshalIndent(v.Evidence[stage], "", "  ")
		if err != nil {
			return fmt.Errorf("encoding %s evidence: %w", stage, err)
		}

		md.H3(stage)
		md.CodeBlocks(markdown.SyntaxHighlight("json"), string(data))
		md.PlainText("")
	}

	return nil
}
