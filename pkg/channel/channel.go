package channel

import (
	"context"

	"turnrelay/pkg/bus"
)

// Handler hands one normalized inbound message to the agent runtime. It returns
// once the runtime has accepted the message.
type Handler func(context.Context, bus.InboundMessage) error

// Adapter bridges one external transport (for example the Turn webhook) into the relay.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}
