package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that e is reachable and pulls each of models it does
// not have yet. Blank and repeated names are skipped. Pull progress is
// written to w once per status change or ten percent step.
func EnsureReady(ctx context.Context, e Engine, w io.Writer, models ...string) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("inference engine is not reachable; start it or check the configured base URL")
	}

	seen := make(map[string]bool, len(models))
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true

		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		if err := e.PullModel(ctx, model, progressPrinter(w)); err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}

func progressPrinter(w io.Writer) func(PullProgress) {
	lastStatus, lastStep := "", -1
	return func(p PullProgress) {
		pct := p.Percent()
		step := pct / 10
		if p.Status == lastStatus && step == lastStep {
			return
		}
		lastStatus, lastStep = p.Status, step
		if pct >= 0 {
			fmt.Fprintf(w, "  %s %d%%\n", p.Status, pct)
		} else {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
	}
}
