package events

import (
	"errors"

	"github.com/lorawan-server/lorawan-sim/internal/models"
)

// Publisher receives simulation events. Publish is called from the
// simulation goroutine and must not block on slow consumers.
type Publisher interface {
	Publish(e *models.Event) error
}

// Nop discards every event
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(*models.Event) error { return nil }

// Multi fans an event out to several publishers
type Multi []Publisher

// Publish implements Publisher. Every publisher is called; errors are joined.
func (m Multi) Publish(e *models.Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to the Publisher interface
type Func func(e *models.Event) error

// Publish implements Publisher
func (f Func) Publish(e *models.Event) error { return f(e) }
