package models

import "math"

// Location represents a geographic location
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude" db:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude" db:"longitude"`
	Altitude  float64 `json:"altitude" yaml:"altitude" db:"altitude"`
}

// BeaconInfoDesc is the info descriptor of a beacon carrying gateway coordinates
const BeaconInfoDesc = 0x00

// GatewaySpecific encodes the location into the 7 gateway-specific beacon
// bytes: info descriptor, then latitude and longitude as 24 bit little-endian
// two's complement fractions of 90 and 180 degrees. A zero location encodes to
// all zeros.
func (l Location) GatewaySpecific() [7]byte {
	var out [7]byte
	if l.Latitude == 0 && l.Longitude == 0 {
		return out
	}
	out[0] = BeaconInfoDesc
	put24(out[1:4], scale24(l.Latitude, 90))
	put24(out[4:7], scale24(l.Longitude, 180))
	return out
}

func scale24(v, full float64) int32 {
	s := math.Round(v / full * (1 << 23))
	return int32(math.Max(-(1 << 23), math.Min(s, (1<<23)-1)))
}

func put24(b []byte, v int32) {
	u := uint32(v) & 0xFFFFFF
	b[0] = byte(u)
	b[1] = byte(u >> 8)
	b[2] = byte(u >> 16)
}
