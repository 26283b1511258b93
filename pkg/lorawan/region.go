package lorawan

import "fmt"

// RegionConfiguration represents region-specific configuration
type RegionConfiguration struct {
	Name                string
	DefaultChannels     []Channel
	SubBands            []SubBand
	DataRates           []DataRate
	MaxPayloadSizePerDR map[int]int
	RX1DROffsetTable    map[int]map[int]int

	// RW2 uses a fixed channel and data rate independent of the uplink
	RX2Channel uint8
	RX2DR      uint8

	// Class B beacon and default ping slot parameters
	BeaconChannel  uint8
	BeaconDR       uint8
	BeaconCodeRate uint8
	PingChannel    uint8
	PingDR         uint8
}

// Channel represents a LoRa channel
type Channel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
	SubBand   int
	// DownlinkOnly channels are never picked for uplinks
	DownlinkOnly bool
}

// SubBand is a regulatory band with a shared duty cycle limit
type SubBand struct {
	Name      string
	DutyCycle float64
}

// DataRate represents a data rate configuration
type DataRate struct {
	SpreadFactor int
	Bandwidth    int
	BitRate      int
}

// GetRegionConfiguration returns configuration for a region
func GetRegionConfiguration(region string) (*RegionConfiguration, error) {
	switch region {
	case "EU868", "":
		return &EU868Configuration, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}
}

// MustRegion is like GetRegionConfiguration but panics on unknown regions.
// It is intended for initialization code only.
func MustRegion(region string) *RegionConfiguration {
	r, err := GetRegionConfiguration(region)
	if err != nil {
		panic(err)
	}
	return r
}

// EU868Configuration for EU 868MHz band
var EU868Configuration = RegionConfiguration{
	Name: "EU868",
	DefaultChannels: []Channel{
		{Frequency: 868100000, MinDR: 0, MaxDR: 5, SubBand: 1},
		{Frequency: 868300000, MinDR: 0, MaxDR: 5, SubBand: 1},
		{Frequency: 868500000, MinDR: 0, MaxDR: 5, SubBand: 1},
		{Frequency: 867100000, MinDR: 0, MaxDR: 5, SubBand: 0},
		{Frequency: 867300000, MinDR: 0, MaxDR: 5, SubBand: 0},
		{Frequency: 867500000, MinDR: 0, MaxDR: 5, SubBand: 0},
		{Frequency: 867700000, MinDR: 0, MaxDR: 5, SubBand: 0},
		{Frequency: 869525000, MinDR: 0, MaxDR: 5, SubBand: 2, DownlinkOnly: true},
	},
	SubBands: []SubBand{
		{Name: "g (865.0-868.0)", DutyCycle: 0.01},
		{Name: "g1 (868.0-868.6)", DutyCycle: 0.01},
		{Name: "g3 (869.4-869.65)", DutyCycle: 0.10},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125, BitRate: 250},  // DR0
		{SpreadFactor: 11, Bandwidth: 125, BitRate: 440},  // DR1
		{SpreadFactor: 10, Bandwidth: 125, BitRate: 980},  // DR2
		{SpreadFactor: 9, Bandwidth: 125, BitRate: 1760},  // DR3
		{SpreadFactor: 8, Bandwidth: 125, BitRate: 3125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125, BitRate: 5470},  // DR5
		{SpreadFactor: 7, Bandwidth: 250, BitRate: 11000}, // DR6
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51,
		1: 51,
		2: 51,
		3: 115,
		4: 242,
		5: 242,
		6: 242,
	},
	RX1DROffsetTable: map[int]map[int]int{
		0: {0: 0, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		1: {0: 1, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		2: {0: 2, 1: 1, 2: 0, 3: 0, 4: 0, 5: 0},
		3: {0: 3, 1: 2, 2: 1, 3: 0, 4: 0, 5: 0},
		4: {0: 4, 1: 3, 2: 2, 3: 1, 4: 0, 5: 0},
		5: {0: 5, 1: 4, 2: 3, 3: 2, 4: 1, 5: 0},
	},
	RX2Channel:     7,
	RX2DR:          0,
	BeaconChannel:  7,
	BeaconDR:       3,
	BeaconCodeRate: 1,
	PingChannel:    7,
	PingDR:         3,
}

// GetRX1DataRateOffset calculates RX1 data rate
func (r *RegionConfiguration) GetRX1DataRateOffset(uplinkDR, rx1DROffset uint8) (uint8, error) {
	if r.RX1DROffsetTable != nil {
		if drMap, ok := r.RX1DROffsetTable[int(uplinkDR)]; ok {
			if dr, ok := drMap[int(rx1DROffset)]; ok {
				return uint8(dr), nil
			}
		}
	}

	// Default behavior
	dr := int(uplinkDR) - int(rx1DROffset)
	if dr < 0 {
		dr = 0
	}
	return uint8(dr), nil
}

// DataRate returns the parameters of a data rate index
func (r *RegionConfiguration) DataRate(dr uint8) (DataRate, error) {
	if int(dr) >= len(r.DataRates) {
		return DataRate{}, fmt.Errorf("%w: %d", ErrInvalidDataRate, dr)
	}
	return r.DataRates[dr], nil
}

// UplinkChannels returns the indices of channels usable for uplinks
func (r *RegionConfiguration) UplinkChannels() []uint8 {
	var out []uint8
	for i, ch := range r.DefaultChannels {
		if !ch.DownlinkOnly {
			out = append(out, uint8(i))
		}
	}
	return out
}

// SubBandOf returns the sub-band index of a channel, or -1 for unknown channels
func (r *RegionConfiguration) SubBandOf(channel uint8) int {
	if int(channel) >= len(r.DefaultChannels) {
		return -1
	}
	return r.DefaultChannels[channel].SubBand
}
