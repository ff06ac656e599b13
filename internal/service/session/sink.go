package session

import (
	"context"
	"fmt"
	"time"
)

// OutputKind identifies an outbound protocol event.
type OutputKind int

const (
	OutputPartial OutputKind = iota
	OutputFinal
	// OutputClose directs the connection layer to close the connection.
	OutputClose
)

func (k OutputKind) String() string {
	switch k {
	case OutputPartial:
		return "partial"
	case OutputFinal:
		return "final"
	case OutputClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Output is delivered to the connection layer.
type Output struct {
	Kind         OutputKind
	ConnectionID string
	Text         string
	ChunkCount   int
	At           time.Time
}

// Sink receives outputs in per-connection order. Emit must not block on
// events for the same connection; it is called with that connection's
// session serialized.
type Sink interface {
	Emit(ctx context.Context, out Output)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, out Output)

func (f SinkFunc) Emit(ctx context.Context, out Output) { f(ctx, out) }

// Fanout delivers every output to each sink in order.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, out Output) {
	for _, s := range f {
		if s != nil {
			s.Emit(ctx, out)
		}
	}
}

type discardSink struct{}

func (discardSink) Emit(context.Context, Output) {}
