package voltaic

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// renderSessionSummary builds a human-readable Markdown report of an
// automated-predict session's accumulated statistics and renders it to
// HTML. Models are listed by name in sorted order; discharges follow the
// session's upload order, the same order as the CSV column triplets.
func renderSessionSummary(session *AutomatedPredictSession) ([]byte, error) {
	var md strings.Builder
	fmt.Fprintf(&md, "# Automated Prediction Session %s\n\n", session.ID)
	fmt.Fprintf(&md, "Discharges processed, in upload order: %s\n\n", strings.Join(session.dischargeOrder, ", "))

	models := make([]string, 0, len(session.stats))
	for name := range session.stats {
		models = append(models, name)
	}
	sort.Strings(models)

	for _, name := range models {
		ms := session.stats[name]
		fmt.Fprintf(&md, "## Model: %s\n\n", name)
		md.WriteString("| Discharge | Windows | Threshold Passes | Streak Hits |\n")
		md.WriteString("|---|---|---|---|\n")
		for _, id := range session.dischargeOrder {
			ds, ok := ms.discharges[id]
			if !ok {
				fmt.Fprintf(&md, "| %s | 0 | 0 | 0 |\n", id)
				continue
			}
			passes := sumInts(ds.thresholds)
			streaks := sumInts(ds.countThresh)
			fmt.Fprintf(&md, "| %s | %d | %d | %d |\n", id, len(ds.justifications), passes, streaks)
		}
		md.WriteString("\n")
	}

	gm := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var html bytes.Buffer
	if err := gm.Convert([]byte(md.String()), &html); err != nil {
		return nil, wrapErr(CodeInternal, err, "render session summary")
	}
	return html.Bytes(), nil
}

func sumInts(vs []int) int {
	total := 0
	for _, v := range vs {
		total += v
	}
	return total
}
