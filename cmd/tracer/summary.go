package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aigoflow/grammar-tracer/internal/models"
	"github.com/aigoflow/grammar-tracer/internal/stats"
)

const (
	previewRunes   = 500
	topDecisionCap = 10
)

func printSummary(w io.Writer, trace *models.Trace, doc *stats.DashboardDocument) {
	s := trace.Summary
	st := doc.Statistics

	version := doc.Metadata.TraceVersion
	if version == "" {
		version = "unknown"
	}
	fmt.Fprintln(w, "Trace summary")
	fmt.Fprintf(w, "  Log version:          %s\n", version)
	fmt.Fprintf(w, "  Format:               %s\n", doc.Metadata.Format)
	fmt.Fprintf(w, "  Generation steps:     %d\n", s.TotalSteps)
	fmt.Fprintf(w, "  Tokens:               %d\n", doc.Metadata.TotalTokens)
	fmt.Fprintf(w, "  Filtering events:     %d\n", st.TotalFilteringEvents)
	fmt.Fprintf(w, "  Rejected steps:       %d (%.1f%%)\n", s.RejectedSteps, s.RejectionRate*100)
	fmt.Fprintf(w, "  Total rejections:     %d\n", s.TotalRejections)
	fmt.Fprintf(w, "  Rejections per step:  avg %.2f, max %d\n", s.AvgRejectionsPerStep, s.MaxRejectionsInStep)
	fmt.Fprintf(w, "  Probability shift:    avg %.3f, max %.3f\n", st.AvgProbShift, st.MaxProbShift)
	fmt.Fprintf(w, "  High-impact steps:    %d\n", st.HighImpactSteps)
	fmt.Fprintf(w, "  Warnings:             %d\n", len(trace.Warnings))

	fmt.Fprintf(w, "\nGenerated text (first %d characters):\n%s\n", previewRunes, preview(doc.GeneratedText, previewRunes))

	if len(doc.DecisionPoints) == 0 {
		return
	}
	points := append([]stats.DecisionPoint(nil), doc.DecisionPoints...)
	sort.SliceStable(points, func(i, j int) bool { return points[i].ProbShift > points[j].ProbShift })
	if len(points) > topDecisionCap {
		points = points[:topDecisionCap]
	}

	fmt.Fprintf(w, "\nTop %d high-impact steps:\n", len(points))
	for _, p := range points {
		fmt.Fprintf(w, "  step %4d  token %-12q shift %.3f  rejections %d", p.Step, p.Token, p.ProbShift, p.Rejections)
		if len(p.TopRejected) > 0 {
			alts := make([]string, 0, len(p.TopRejected))
			for _, c := range p.TopRejected {
				if c.Probability != nil {
					alts = append(alts, fmt.Sprintf("%q (%.3f)", c.Token, *c.Probability))
				} else {
					alts = append(alts, fmt.Sprintf("%q", c.Token))
				}
			}
			fmt.Fprintf(w, "  rejected: %s", strings.Join(alts, ", "))
		}
		fmt.Fprintln(w)
	}
}

func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
