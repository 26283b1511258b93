package radio

import (
	"time"

	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// PhyParams is the out-of-band radio metadata attached to a frame
type PhyParams struct {
	Channel  uint8 `json:"channel"`
	DataRate uint8 `json:"dataRate"`
	CodeRate uint8 `json:"codeRate"`
	// Preamble length in symbols, DefaultPreambleLength when zero
	Preamble int `json:"preamble,omitempty"`
}

// Tags carries the metadata that travels next to the bytes of a frame. A nil
// field means the tag is missing.
type Tags struct {
	Phy   *PhyParams
	MType *lorawan.MType
}

// Frame is a packet on the air: the encoded bytes plus tags
type Frame struct {
	Payload []byte
	Tags    Tags

	// set by the medium on transmission
	Sender  string
	TxStart time.Duration
	TxEnd   time.Duration
}

// NewFrame creates a frame carrying a copy of payload
func NewFrame(payload []byte) *Frame {
	return &Frame{Payload: append([]byte(nil), payload...)}
}

// SetPhy attaches the radio parameters tag
func (f *Frame) SetPhy(p PhyParams) {
	f.Tags.Phy = &p
}

// SetMType attaches the message type tag
func (f *Frame) SetMType(m lorawan.MType) {
	f.Tags.MType = &m
}

// Phy returns the radio parameters tag
func (f *Frame) Phy() (PhyParams, bool) {
	if f.Tags.Phy == nil {
		return PhyParams{}, false
	}
	return *f.Tags.Phy, true
}

// MType returns the message type tag
func (f *Frame) MType() (lorawan.MType, bool) {
	if f.Tags.MType == nil {
		return 0, false
	}
	return *f.Tags.MType, true
}

// PushHeader prepends an encoded header
func (f *Frame) PushHeader(h []byte) {
	buf := make([]byte, 0, len(h)+len(f.Payload))
	buf = append(buf, h...)
	f.Payload = append(buf, f.Payload...)
}

// PopHeader strips n bytes from the front of the payload
func (f *Frame) PopHeader(n int) {
	if n > len(f.Payload) {
		n = len(f.Payload)
	}
	f.Payload = f.Payload[n:]
}

// Len returns the number of bytes on the air
func (f *Frame) Len() int {
	return len(f.Payload)
}

// Clone returns a deep copy, so each receiver can consume headers independently
func (f *Frame) Clone() *Frame {
	c := *f
	c.Payload = append([]byte(nil), f.Payload...)
	if f.Tags.Phy != nil {
		p := *f.Tags.Phy
		c.Tags.Phy = &p
	}
	if f.Tags.MType != nil {
		m := *f.Tags.MType
		c.Tags.MType = &m
	}
	return &c
}
