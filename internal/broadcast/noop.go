package broadcast

import (
	"context"

	"github.com/perceptr/perceptr-go/internal/domain"
)

// Noop is the Broadcaster used when no channel is configured. Every
// publish succeeds and goes nowhere.
type Noop struct{}

func NewNoop() Noop { return Noop{} }

func (Noop) Publish(context.Context, domain.SessionMessage) error { return nil }

func (Noop) Close() error { return nil }
