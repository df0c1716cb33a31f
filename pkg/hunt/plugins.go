package hunt

import (
	"context"

	"github.com/sentinel-platform/sentinel/core/pkg/canonical"
	"github.com/sentinel-platform/sentinel/core/pkg/plugin"
	"github.com/sentinel-platform/sentinel/core/pkg/siem"
)

// runDetectors feeds the query results to each configured WASM detector and
// collects whatever findings they emit. Detectors are supplementary
// analyzers like the LLM hints: any failure (read, compile, run, parse) is
// logged and skipped, never fatal to the hunt.
func (h *Hunter) runDetectors(ctx context.Context, results map[string]*siem.QueryResult) []Finding {
	input, err := h.detectorInput(results)
	if err != nil {
		h.log.Warn("detector input marshal failed", "error", err)
		return nil
	}

	runner := plugin.NewRunner(ctx, plugin.Config{})
	defer func() { _ = runner.Close(ctx) }()

	var findings []Finding
	for _, path := range h.cfg.PluginPaths {
		det, err := runner.CompileFile(ctx, path)
		if err != nil {
			h.log.Warn("detector compile failed", "path", path, "error", err)
			continue
		}
		out, err := det.Run(ctx, input)
		if err != nil {
			h.log.Warn("detector run failed", "path", path, "error", err)
			continue
		}
		hints := parseFindingHints(out, h.cfg.Playbook, tacticForPlaybook(h.cfg.Playbook), "Plugin-identified pattern")
		if len(hints) > 0 {
			h.log.Info("detector produced findings", "path", path, "findings", len(hints))
		}
		findings = append(findings, hints...)
	}
	return findings
}

// detectorInput is the canonical JSON document detectors read on stdin:
// the playbook name plus, per query, the hit count and normalized events.
// Canonical form keeps detector input byte-stable for a given result set.
func (h *Hunter) detectorInput(results map[string]*siem.QueryResult) ([]byte, error) {
	payload := map[string]any{
		"playbook": h.cfg.Playbook,
		"results":  map[string]any{},
	}
	byName := payload["results"].(map[string]any)
	for name, res := range results {
		if res == nil {
			continue
		}
		byName[name] = map[string]any{
			"total_hits": res.TotalHits,
			"events":     res.Events,
		}
	}
	return canonical.Marshal(payload)
}
