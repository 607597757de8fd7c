package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/aigoflow/grammar-tracer/internal/matcher"
	"github.com/aigoflow/grammar-tracer/internal/tracelog"
)

// Exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitRepair   = 2
	exitMatching = 3
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var repairErr *tracelog.RepairError
	var matchErr *matcher.MatchError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &repairErr):
		return exitRepair
	case errors.As(err, &matchErr):
		return exitMatching
	default:
		return exitFailure
	}
}
