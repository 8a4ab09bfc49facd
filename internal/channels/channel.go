package channels

import (
	"context"

	"github.com/basket/threadclaw/internal/approval"
	"github.com/basket/threadclaw/internal/decider"
)

// Sink receives normalized inbound traffic. intake.Processor implements it.
type Sink interface {
	HandleMessage(ctx context.Context, ev decider.Event) (string, error)
	HandleSignal(ctx context.Context, sig approval.Signal) (approval.Result, error)
}

// Source is a chat platform integration that feeds a Sink.
type Source interface {
	// Name returns the unique name of the source (e.g. "slack_poll").
	Name() string

	// Run delivers events until ctx is canceled or a fatal error occurs.
	Run(ctx context.Context, sink Sink) error

	// PollOnce performs a single fetch cycle and returns.
	PollOnce(ctx context.Context, sink Sink) error
}
