package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/tracelight-io/tracelight/internal/report"
	"github.com/tracelight-io/tracelight/pkg/logger"
	"github.com/tracelight-io/tracelight/pkg/normalize"
	"github.com/tracelight-io/tracelight/pkg/pipeline"
)

// AnalyzeRunMsg is one analysis run request: the raw signals extracted
// from a source artifact, plus an optional run id for idempotent
// reprocessing.
type AnalyzeRunMsg struct {
	RunID       string                `json:"run_id,omitempty"`
	ArtifactRef string                `json:"artifact_ref,omitempty"`
	Signals     []normalize.RawSignal `json:"signals"`
}

// ReportReadyMsg announces a finished run and where its report landed.
type ReportReadyMsg struct {
	RunID     string `json:"run_id"`
	ReportKey string `json:"report_key,omitempty"`
	Findings  int    `json:"findings"`
	Errors    int    `json:"errors"`
}

// ProcessAnalyzeMessage runs the pipeline for one intake message,
// archives the report, and announces it on the report queue. Returning
// an error sends the message to the retry queue.
func ProcessAnalyzeMessage(
	ctx context.Context,
	p *pipeline.Pipeline,
	archiver *report.Archiver,
	ch *amqp091.Channel,
	msg string,
) error {
	data := new(AnalyzeRunMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return fmt.Errorf("malformed analyze message: %w", err)
	}
	if len(data.Signals) == 0 {
		logger.Warn("[Queue] Analyze message carries no signals", "run_id", data.RunID)
		return nil
	}

	rep, err := p.Run(ctx, data.RunID, data.Signals)
	if err != nil {
		return err
	}
	rep.ArtifactRef = data.ArtifactRef

	ready := ReportReadyMsg{
		RunID:    rep.RunID,
		Findings: len(rep.Findings),
		Errors:   len(rep.Errors),
	}
	if archiver != nil {
		key, err := archiver.Archive(ctx, rep)
		if err != nil {
			logger.Error("[Queue] Report archival failed", "run_id", rep.RunID, "err", err)
		} else {
			ready.ReportKey = key
		}
	}

	body, err := json.Marshal(ready)
	if err != nil {
		return err
	}
	if err := PublishFIFO(ch, ReportQueue, body); err != nil {
		logger.Error("[Queue] Failed to publish report notification", "run_id", rep.RunID, "err", err)
	}
	return nil
}
