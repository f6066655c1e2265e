// Package queue delivers bus envelopes from a broker to a handler.
// Handler errors are reported back to the broker so the envelope is
// redelivered; a nil return acknowledges it.
package queue

import (
	"context"

	"github.com/JakeFAU/sports-provider-crawler/internal/bus"
)

// Consumer pulls envelopes and hands each to handler until ctx ends.
type Consumer interface {
	Run(ctx context.Context, handler bus.Handler) error
}
