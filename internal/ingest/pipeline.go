package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// drainDeadline bounds how long the pipeline waits to drain its queue
// after the connection task is cancelled (spec.md §5).
const drainDeadline = 5 * time.Second

// Pipeline wires the normalize -> filter -> write stages (B, C, D) over
// a bounded channel of RawMessage fed by the connection task (stage A).
type Pipeline struct {
	Queue      chan RawMessage
	Normalizer *Normalizer
	Filter     *Filter
	Writer     *Writer
	Logger     *zap.Logger
}

// NewPipeline builds a Pipeline with a queue of the given capacity
// (default 1024, spec.md §5).
func NewPipeline(capacity int, normalizer *Normalizer, filter *Filter, writer *Writer, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		Queue:      make(chan RawMessage, capacity),
		Normalizer: normalizer,
		Filter:     filter,
		Writer:     writer,
		Logger:     logger,
	}
}

// Run consumes from the queue until ctx is cancelled, then drains
// whatever remains (bounded to drainDeadline) before finalizing the
// writer. It returns once the writer has been shut down.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case raw, ok := <-p.Queue:
			if !ok {
				return p.Writer.Shutdown()
			}
			p.processOne(raw)
		case <-ctx.Done():
			return p.drainAndShutdown()
		}
	}
}

func (p *Pipeline) drainAndShutdown() error {
	deadline := time.NewTimer(drainDeadline)
	defer deadline.Stop()

	for {
		select {
		case raw, ok := <-p.Queue:
			if !ok {
				return p.Writer.Shutdown()
			}
			p.processOne(raw)
		case <-deadline.C:
			if p.Logger != nil {
				p.Logger.Warn("drain deadline reached, finalizing with remaining queue unconsumed",
					zap.Int("queue_depth", len(p.Queue)))
			}
			return p.Writer.Shutdown()
		default:
			if len(p.Queue) == 0 {
				return p.Writer.Shutdown()
			}
		}
	}
}

func (p *Pipeline) processOne(raw RawMessage) {
	rec := p.Normalizer.Normalize(raw)

	if !p.Filter.Allow(rec) {
		if p.Logger != nil {
			if sc, ok := rec.(*StateChangeRecord); ok {
				p.Logger.Debug("event_dropped",
					zap.String("device_id", sc.DeviceID),
					zap.String("current_state", string(sc.CurrentState)))
			}
		}
		return
	}

	if err := p.Writer.WriteRecord(rec); err != nil && p.Logger != nil {
		p.Logger.Error("write_error", zap.Error(err))
	}
}
