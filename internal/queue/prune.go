package queue

import (
	"context"
	"encoding/json"

	"github.com/tracelight-io/tracelight/pkg/graph"
	"github.com/tracelight-io/tracelight/pkg/logger"
)

// PruneMsg triggers a graph maintenance pass. An empty body uses the
// configured retention policy.
type PruneMsg struct {
	Reason string `json:"reason,omitempty"`
}

// ProcessPruneMessage removes weak stale edges from the committed graph.
func ProcessPruneMessage(ctx context.Context, engine *graph.Engine, msg string) error {
	data := new(PruneMsg)
	if msg != "" {
		if err := json.Unmarshal([]byte(msg), data); err != nil {
			logger.Warn("[Queue] Malformed prune message, running with defaults", "err", err)
		}
	}

	removed, err := engine.Prune(ctx)
	if err != nil {
		return err
	}
	logger.Info("[Queue] Prune pass finished", "removed", removed, "reason", data.Reason)
	return nil
}
