// Package events fans committed journal entries out to subscribers: the
// WebSocket hub for live clients and Kafka for downstream consumers.
package events

import (
	"context"
	"errors"

	"github.com/atmx/rfq-engine/internal/model"
)

// Publisher receives the journal entries of each committed operation.
type Publisher interface {
	Publish(ctx context.Context, entries []model.Entry) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, entries []model.Entry) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, []model.Entry) error { return nil }
