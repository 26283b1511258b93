package lorawan

import (
	"encoding/binary"
)

// FHDRCoreSize is the size of DevAddr + FCtrl + FCnt
const FHDRCoreSize = 7

// MACOverhead is the MHDR (1) and MIC (4) wrapped around every data frame on
// the air. Frames in the simulator carry neither, but airtime includes them.
const MACOverhead = 5

const (
	fctrlADR       = 0x80
	fctrlADRAckReq = 0x40
	fctrlAck       = 0x20
	fctrlClassB    = 0x10
	fctrlFPending  = 0x10
	fctrlFOptsLen  = 0x0F
	maxFOptsLength = 15
)

// UplinkFrameHeader is the FHDR (plus optional FPort) of an uplink data frame.
//
// FOpts content is never carried; FOptsLen only travels in the control byte.
type UplinkFrameHeader struct {
	DevAddr   DevAddr
	ADR       bool
	ADRAckReq bool
	Ack       bool
	ClassB    bool
	FOptsLen  uint8
	FCnt      uint16
	FPort     *uint8
}

// DownlinkFrameHeader is the FHDR (plus optional FPort) of a downlink data frame.
type DownlinkFrameHeader struct {
	DevAddr      DevAddr
	ADR          bool
	Ack          bool
	FramePending bool
	FOptsLen     uint8
	FCnt         uint16
	FPort        *uint8
}

// Port returns a pointer to p, for populating FPort
func Port(p uint8) *uint8 {
	return &p
}

// Size returns the encoded size of the header
func (h UplinkFrameHeader) Size() int {
	if h.FPort != nil {
		return FHDRCoreSize + 1
	}
	return FHDRCoreSize
}

// MarshalBinary encodes the uplink header
func (h UplinkFrameHeader) MarshalBinary() ([]byte, error) {
	if h.FOptsLen > maxFOptsLength {
		return nil, ErrFOptsUnsupported
	}
	fctrl := h.FOptsLen & fctrlFOptsLen
	if h.ADR {
		fctrl |= fctrlADR
	}
	if h.ADRAckReq {
		fctrl |= fctrlADRAckReq
	}
	if h.Ack {
		fctrl |= fctrlAck
	}
	if h.ClassB {
		fctrl |= fctrlClassB
	}
	return encodeFHDR(h.DevAddr, fctrl, h.FCnt, h.FPort), nil
}

// UnmarshalBinary decodes the uplink header. hasPort tells whether an FPort
// byte follows the FHDR, which the header itself cannot signal. The number
// of consumed bytes is returned.
func (h *UplinkFrameHeader) UnmarshalBinary(data []byte, hasPort bool) (int, error) {
	addr, fctrl, fcnt, port, n, err := decodeFHDR(data, hasPort)
	if err != nil {
		return 0, err
	}
	*h = UplinkFrameHeader{
		DevAddr:   addr,
		ADR:       fctrl&fctrlADR != 0,
		ADRAckReq: fctrl&fctrlADRAckReq != 0,
		Ack:       fctrl&fctrlAck != 0,
		ClassB:    fctrl&fctrlClassB != 0,
		FOptsLen:  fctrl & fctrlFOptsLen,
		FCnt:      fcnt,
		FPort:     port,
	}
	return n, nil
}

// Size returns the encoded size of the header
func (h DownlinkFrameHeader) Size() int {
	if h.FPort != nil {
		return FHDRCoreSize + 1
	}
	return FHDRCoreSize
}

// MarshalBinary encodes the downlink header. Bit 6 (RFU) is always zero.
func (h DownlinkFrameHeader) MarshalBinary() ([]byte, error) {
	if h.FOptsLen > maxFOptsLength {
		return nil, ErrFOptsUnsupported
	}
	fctrl := h.FOptsLen & fctrlFOptsLen
	if h.ADR {
		fctrl |= fctrlADR
	}
	if h.Ack {
		fctrl |= fctrlAck
	}
	if h.FramePending {
		fctrl |= fctrlFPending
	}
	return encodeFHDR(h.DevAddr, fctrl, h.FCnt, h.FPort), nil
}

// UnmarshalBinary decodes the downlink header, see UplinkFrameHeader.UnmarshalBinary.
func (h *DownlinkFrameHeader) UnmarshalBinary(data []byte, hasPort bool) (int, error) {
	addr, fctrl, fcnt, port, n, err := decodeFHDR(data, hasPort)
	if err != nil {
		return 0, err
	}
	*h = DownlinkFrameHeader{
		DevAddr:      addr,
		ADR:          fctrl&fctrlADR != 0,
		Ack:          fctrl&fctrlAck != 0,
		FramePending: fctrl&fctrlFPending != 0,
		FOptsLen:     fctrl & fctrlFOptsLen,
		FCnt:         fcnt,
		FPort:        port,
	}
	return n, nil
}

func encodeFHDR(addr DevAddr, fctrl byte, fcnt uint16, port *uint8) []byte {
	size := FHDRCoreSize
	if port != nil {
		size++
	}
	data := make([]byte, size)
	addr.putWire(data[0:4])
	data[4] = fctrl
	binary.BigEndian.PutUint16(data[5:7], fcnt)
	if port != nil {
		data[7] = *port
	}
	return data
}

func decodeFHDR(data []byte, hasPort bool) (DevAddr, byte, uint16, *uint8, int, error) {
	need := FHDRCoreSize
	if hasPort {
		need++
	}
	if len(data) < need {
		return DevAddr{}, 0, 0, nil, 0, ErrBufferTruncated
	}
	addr := devAddrFromWire(data[0:4])
	fctrl := data[4]
	fcnt := binary.BigEndian.Uint16(data[5:7])
	var port *uint8
	if hasPort {
		port = Port(data[7])
	}
	return addr, fctrl, fcnt, port, need, nil
}
