package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aigoflow/grammar-tracer/internal/matcher"
	"github.com/aigoflow/grammar-tracer/internal/models"
	"github.com/aigoflow/grammar-tracer/internal/services"
	"github.com/aigoflow/grammar-tracer/internal/stats"
	"github.com/aigoflow/grammar-tracer/internal/tracelog"
	"github.com/aigoflow/grammar-tracer/internal/validation"
)

type analyzeOptions struct {
	output     string
	combined   string
	summary    bool
	validate   bool
	structured string
	topK       int
	normalize  bool
	from       int64
	to         int64
	taskID     string
}

func newAnalyzeCmd() *cobra.Command {
	opts := &analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze <rejection-log> [api-response]",
		Short: "Merge a rejection log with an API response into a dashboard trace",
		Long: `Reads a rejection log (repairing a truncated or still-open file), validates
it, and merges it with the API response saved from the same request. Without
an API response the emitted tokens are taken from the log itself.

Warnings go to stderr and never fail the command. A log that cannot be
repaired exits with status 2, an invalid byte range with status 3.`,
		Example: `  tracer analyze rejection_log.json response.json --summary
  tracer analyze rejection_log.json --validate
  tracer analyze rejection_log.json response.json --structured simple.json --top-k 10`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.output, "output", "o", "", "Dashboard document path (default trace_<timestamp>.json)")
	f.StringVar(&opts.combined, "combined", "", "Also write the merged steps in log form to this path")
	f.BoolVar(&opts.summary, "summary", false, "Print a human-readable summary")
	f.BoolVar(&opts.validate, "validate", false, "Only validate the log and report warnings")
	f.StringVar(&opts.structured, "structured", "", "Also write the simplified per-step export to this path")
	f.IntVar(&opts.topK, "top-k", 5, "Alternatives per step in the structured export")
	f.BoolVar(&opts.normalize, "normalize", false, "Softmax candidate lists that carry logits only")
	f.Int64Var(&opts.from, "from", 0, "First byte of the log range to analyze")
	f.Int64Var(&opts.to, "to", -1, "End of the log range to analyze (default end of file)")
	f.StringVar(&opts.taskID, "task-id", "", "Keep only events of this task")
	return cmd
}

func runAnalyze(cmd *cobra.Command, opts *analyzeOptions, args []string) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	logPath := args[0]

	log, err := tracelog.Read(logPath)
	if err != nil {
		return err
	}

	events, warnings := log.Events, log.Warnings
	start, end := int64(0), log.Size
	if opts.from != 0 || opts.to >= 0 || opts.taskID != "" {
		if opts.to < 0 {
			opts.to = log.Size
		}
		slice, err := matcher.SliceLog(log, opts.from, opts.to, opts.taskID)
		if err != nil {
			return err
		}
		events, warnings = slice.Events, slice.Warnings
		start, end = slice.Start, slice.End
	}

	if opts.validate {
		all := append(append([]models.Warning(nil), warnings...), validation.Validate(events)...)
		printWarnings(stderr, all)
		fmt.Fprintf(stdout, "%s: %d events, format %s, version %q, %d warnings\n",
			logPath, len(events), models.DetectFormat(events), log.Version, len(all))
		return nil
	}

	var response []byte
	if len(args) == 2 {
		response, err = os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read response %s: %w", args[1], err)
		}
	}

	started := time.Now()
	output := opts.output
	if output == "" {
		output = services.ArtifactName("trace", started)
	}

	svc := services.NewTraceService(nil, nil, stats.ExportOptions{NormalizeLogits: opts.normalize})
	result, err := svc.Analyze(cmd.Context(), services.TraceRequest{
		RequestPath: logPath,
		Started:     started,
		Response:    response,
		Events:      events,
		LogWarnings: warnings,
		Source: models.TraceSource{
			LogPath:        logPath,
			LogVersion:     log.Version,
			LogTimestamp:   log.Timestamp,
			LogOffsetStart: start,
			LogOffsetEnd:   end,
		},
		OutputPath:   output,
		CombinedPath: opts.combined,
	})
	if err != nil {
		return err
	}
	printWarnings(stderr, result.Trace.Warnings)

	if opts.structured != "" {
		raw, err := json.MarshalIndent(stats.Structured(result.Trace, opts.topK), "", "  ")
		if err != nil {
			return fmt.Errorf("encode structured export: %w", err)
		}
		if err := stats.WriteJSONFile(opts.structured, raw); err != nil {
			return err
		}
	}

	if opts.summary {
		printSummary(stdout, result.Trace, result.Document)
	}
	fmt.Fprintf(stdout, "Trace written to %s\n", output)
	if opts.combined != "" {
		fmt.Fprintf(stdout, "Combined log written to %s\n", opts.combined)
	}
	if opts.structured != "" {
		fmt.Fprintf(stdout, "Structured export written to %s\n", opts.structured)
	}
	return nil
}

func printWarnings(w io.Writer, warnings []models.Warning) {
	for _, warn := range warnings {
		fmt.Fprintln(w, "warning:", warn.String())
	}
}
