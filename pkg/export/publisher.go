package export

import (
	"context"
	"log/slog"

	"github.com/ssargent/featurestream/pkg/logging"
	"github.com/ssargent/featurestream/pkg/model"
)

// Publisher delivers the completion event of a job
type Publisher interface {
	Publish(ctx context.Context, c model.Completion) error
}

// ChannelPublisher delivers completions on an in-process channel
type ChannelPublisher struct {
	ch chan model.Completion
}

// NewChannelPublisher creates a publisher with the given buffer
func NewChannelPublisher(buffer int) *ChannelPublisher {
	return &ChannelPublisher{ch: make(chan model.Completion, buffer)}
}

// Publish blocks until the event is received or ctx is done
func (p *ChannelPublisher) Publish(ctx context.Context, c model.Completion) error {
	select {
	case p.ch <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C returns the receive side
func (p *ChannelPublisher) C() <-chan model.Completion {
	return p.ch
}

// LogPublisher writes completions to a logger
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logging.OrDiscard(logger)}
}

func (p *LogPublisher) Publish(_ context.Context, c model.Completion) error {
	attrs := []any{logging.FieldJobID, c.JobID}
	for _, shard := range model.Shards {
		if ref, ok := c.Blobs[shard]; ok {
			attrs = append(attrs, string(shard), ref.String())
		}
	}
	p.logger.Info("export completed", attrs...)
	return nil
}

// MultiPublisher fans a completion out to several publishers in order
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, c model.Completion) error {
	for _, p := range m {
		if err := p.Publish(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
