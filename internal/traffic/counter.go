package traffic

import "sync/atomic"

// Counter numbers generated payloads. One counter is shared by every
// generator of a simulation run so payloads stay unique across nodes.
type Counter struct {
	n atomic.Uint64
}

// NewCounter creates a counter starting at zero
func NewCounter() *Counter {
	return &Counter{}
}

// Next returns the next payload number, starting at 1
func (c *Counter) Next() uint64 {
	return c.n.Add(1)
}

// Value returns the last number handed out
func (c *Counter) Value() uint64 {
	return c.n.Load()
}
