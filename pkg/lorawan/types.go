package lorawan

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DevAddr represents a 4-byte device address, most significant byte first.
type DevAddr [4]byte

// DevAddrFromUint32 builds a DevAddr from its numeric value
func DevAddrFromUint32(v uint32) DevAddr {
	var d DevAddr
	binary.BigEndian.PutUint32(d[:], v)
	return d
}

// ParseDevAddr parses an 8 character hex string
func ParseDevAddr(s string) (DevAddr, error) {
	var d DevAddr
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decode devaddr: %w", err)
	}
	if len(b) != 4 {
		return d, fmt.Errorf("invalid DevAddr length: %d", len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Uint32 returns the numeric value of the address
func (d DevAddr) Uint32() uint32 {
	return binary.BigEndian.Uint32(d[:])
}

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalJSON implements json.Marshaler
func (d DevAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *DevAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDevAddr(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// putWire writes the address in over-the-air (little-endian) order
func (d DevAddr) putWire(b []byte) {
	binary.LittleEndian.PutUint32(b, d.Uint32())
}

func devAddrFromWire(b []byte) DevAddr {
	return DevAddrFromUint32(binary.LittleEndian.Uint32(b))
}

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary

	// BeaconFrame marks Class B beacon frames. It is a simulator tag value and
	// never appears in an MHDR.
	BeaconFrame MType = 0xFF
)

// String returns the LoRaWAN name of the message type
func (m MType) String() string {
	switch m {
	case JoinRequest:
		return "JoinRequest"
	case JoinAccept:
		return "JoinAccept"
	case UnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case UnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case ConfirmedDataUp:
		return "ConfirmedDataUp"
	case ConfirmedDataDown:
		return "ConfirmedDataDown"
	case RFU:
		return "RFU"
	case Proprietary:
		return "Proprietary"
	case BeaconFrame:
		return "Beacon"
	default:
		return fmt.Sprintf("MType(%d)", byte(m))
	}
}

// IsConfirmed reports whether the message type expects an acknowledgement
func (m MType) IsConfirmed() bool {
	return m == ConfirmedDataUp || m == ConfirmedDataDown
}

// MarshalJSON implements json.Marshaler
func (m MType) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}
