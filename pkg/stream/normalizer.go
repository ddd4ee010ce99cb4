package stream

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/mirage/pkg/metrics"
	"github.com/abdhe/mirage/pkg/provider"
)

// Pacing controls the delay between words when complete text is replayed as
// a stream. Zero values disable the delay.
type Pacing struct {
	Min    time.Duration
	Jitter time.Duration
}

// DefaultPacing spaces words 50-150ms apart.
var DefaultPacing = Pacing{Min: 50 * time.Millisecond, Jitter: 100 * time.Millisecond}

// FallbackText is streamed when a source produced no content at all.
func FallbackText(label string) string {
	return fmt.Sprintf("%s encountered an error. Showing fallback response.", label)
}

// Normalizer converts a provider.Stream into Events.
type Normalizer struct {
	pacing Pacing
	logger *zap.Logger
	rnd    func() float64
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(pacing Pacing, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		pacing: pacing,
		logger: logger.Named("stream"),
		rnd:    rand.Float64,
	}
}

// Normalize emits the events for s on the returned channel, which is closed
// after the terminal event. label names the model in fallback text. If ctx
// is cancelled emission stops and the channel is closed without a terminal
// event, since nobody is listening.
func (n *Normalizer) Normalize(ctx context.Context, label string, s provider.Stream) <-chan Event {
	out := make(chan Event, 16)

	go func() {
		defer close(out)
		e := emitter{ctx: ctx, out: out}

		switch s.Kind {
		case provider.StreamComplete:
			text := s.Reply.Text
			if strings.TrimSpace(text) == "" {
				n.logger.Warn("empty reply, streaming fallback text", zap.String("model", label))
				metrics.StreamFallbacksTotal.Inc()
				text = FallbackText(label)
			}
			if n.words(e, text) {
				e.send(Done())
			}
		case provider.StreamLive:
			n.live(e, label, s.Chunks)
		default:
			e.send(Error(fmt.Sprintf("unsupported stream kind %v", s.Kind)))
		}
	}()

	return out
}

// live forwards upstream deltas. An error before any content is treated as
// an empty stream and answered with the fallback text; an error after
// content ends the stream with an error event.
func (n *Normalizer) live(e emitter, label string, chunks <-chan provider.StreamChunk) {
	seen := false

loop:
	for {
		select {
		case <-e.ctx.Done():
			return
		case c, ok := <-chunks:
			if !ok {
				break loop
			}
			if c.Err != nil {
				if seen {
					n.logger.Warn("stream failed after content", zap.String("model", label), zap.Error(c.Err))
					e.send(Error(c.Err.Error()))
					return
				}
				n.logger.Warn("stream failed before content", zap.String("model", label), zap.Error(c.Err))
				break loop
			}
			if c.Text != "" {
				seen = true
				if !e.send(Chunk(c.Text)) {
					return
				}
			}
			if c.Done {
				break loop
			}
		}
	}

	if !seen {
		metrics.StreamFallbacksTotal.Inc()
		if !n.words(e, FallbackText(label)) {
			return
		}
	}
	e.send(Done())
}

// words replays text one space-separated word at a time. It reports false
// if the consumer went away.
func (n *Normalizer) words(e emitter, text string) bool {
	for i, w := range strings.Split(text, " ") {
		chunk := w
		if i > 0 {
			chunk = " " + w
			if !n.pause(e.ctx) {
				return false
			}
		}
		if !e.send(Chunk(chunk)) {
			return false
		}
	}
	return true
}

func (n *Normalizer) pause(ctx context.Context) bool {
	d := n.pacing.Min
	if n.pacing.Jitter > 0 {
		d += time.Duration(n.rnd() * float64(n.pacing.Jitter))
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type emitter struct {
	ctx context.Context
	out chan<- Event
}

func (e emitter) send(ev Event) bool {
	select {
	case e.out <- ev:
		metrics.StreamEventsTotal.WithLabelValues(ev.Kind.String()).Inc()
		return true
	case <-e.ctx.Done():
		return false
	}
}
