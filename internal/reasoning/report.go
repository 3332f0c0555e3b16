package reasoning

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/nugget/loopguard/internal/looptrace"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Report renders a markdown audit report for one loop family: its
// guardrail state, each attempt in rerun order, and every reasoning
// record. traces and records are expected in the order returned by the
// stores (depth ascending, oldest first).
func Report(f *looptrace.Family, traces []*looptrace.LoopTrace, records []looptrace.ReasoningRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Loop family %s\n\n", f.FamilyID)
	status := "active"
	if f.Finalized {
		status = "finalized"
	}
	fmt.Fprintf(&b, "- **Status:** %s\n", status)
	fmt.Fprintf(&b, "- **Reruns:** %d of %d\n", f.RerunCount, f.MaxReruns)
	fmt.Fprintf(&b, "- **Reflection fatigue:** %.2f\n", f.Fatigue)
	if f.Persona != "" {
		fmt.Fprintf(&b, "- **Persona:** %s\n", escape(f.Persona))
	}
	if len(f.BiasCounts) > 0 {
		fmt.Fprintf(&b, "- **Bias history:** %s\n", formatCounts(f.BiasCounts))
	}

	b.WriteString("\n## Attempts\n\n")
	if len(traces) == 0 {
		b.WriteString("No attempts recorded.\n")
	} else {
		b.WriteString("| Loop | Depth | Status | Decision | Alignment | Drift | Fatigue | Triggers |\n")
		b.WriteString("|---|---|---|---|---|---|---|---|\n")
		for _, t := range traces {
			fmt.Fprintf(&b, "| %s | %d | %s | %s | %.2f | %.2f | %.2f | %s |\n",
				escape(t.LoopID), t.RerunDepth, t.Status, orDash(string(t.Decision)),
				t.AlignmentScore, t.DriftScore, t.ReflectionFatigue, formatTriggers(t.RerunTrigger))
		}
	}

	b.WriteString("\n## Reasoning\n\n")
	if len(records) == 0 {
		b.WriteString("No decisions recorded.\n")
		return b.String()
	}
	for _, r := range records {
		fmt.Fprintf(&b, "### %s: %s\n\n", escape(r.LoopID), r.Decision)
		fmt.Fprintf(&b, "- **At:** %s\n", r.CreatedAt.UTC().Format("2006-01-02 15:04:05Z"))
		fmt.Fprintf(&b, "- **Reason:** %s\n", r.Reason)
		fmt.Fprintf(&b, "- **Triggers:** %s\n", formatTriggers(r.Triggers))
		if r.OverriddenBy != "" {
			fmt.Fprintf(&b, "- **Overridden by:** %s\n", escape(r.OverriddenBy))
		}
		if r.Detail != "" {
			fmt.Fprintf(&b, "\n%s\n", escape(r.Detail))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// reportMarkdown converts report markdown, with GFM tables enabled.
var reportMarkdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// ReportHTML renders a markdown report as a standalone HTML document.
func ReportHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := reportMarkdown.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}

	html := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>loopguard report</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String())

	return html, nil
}

func formatTriggers(ts []looptrace.Trigger) string {
	if len(ts) == 0 {
		return "none"
	}
	s := make([]string, len(ts))
	for i, t := range ts {
		s[i] = "`" + string(t) + "`"
	}
	return strings.Join(s, ", ")
}

func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s ×%d", escape(k), m[k])
	}
	return strings.Join(parts, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var escaper = strings.NewReplacer("|", `\|`, "<", "&lt;", ">", "&gt;", "\n", " ")

// escape neutralizes characters in caller-supplied strings that would
// break a table cell or inject markup.
func escape(s string) string {
	return escaper.Replace(s)
}
