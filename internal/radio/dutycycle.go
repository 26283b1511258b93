package radio

import (
	"time"

	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// DutyCycle tracks per sub-band transmit budgets. After a transmission of
// airtime T in a band with duty cycle d, the band is off for T/d - T once the
// transmission has ended.
type DutyCycle struct {
	region  *lorawan.RegionConfiguration
	offTill []time.Duration
	// total airtime per band, for reporting
	used []time.Duration
}

// NewDutyCycle creates a tracker with every band available
func NewDutyCycle(region *lorawan.RegionConfiguration) *DutyCycle {
	return &DutyCycle{
		region:  region,
		offTill: make([]time.Duration, len(region.SubBands)),
		used:    make([]time.Duration, len(region.SubBands)),
	}
}

// Available reports whether the band of channel may be used at now
func (d *DutyCycle) Available(channel uint8, now time.Duration) bool {
	band := d.region.SubBandOf(channel)
	if band < 0 {
		return false
	}
	return now >= d.offTill[band]
}

// Register books a transmission starting at now
func (d *DutyCycle) Register(channel uint8, now, airtime time.Duration) {
	band := d.region.SubBandOf(channel)
	if band < 0 {
		return
	}
	dc := d.region.SubBands[band].DutyCycle
	if dc <= 0 || dc >= 1 {
		d.offTill[band] = now + airtime
	} else {
		d.offTill[band] = now + time.Duration(float64(airtime)/dc)
	}
	d.used[band] += airtime
}

// OffUntil returns the instant the band of channel becomes available again
func (d *DutyCycle) OffUntil(channel uint8) time.Duration {
	band := d.region.SubBandOf(channel)
	if band < 0 {
		return 0
	}
	return d.offTill[band]
}

// Airtime returns the accumulated airtime per sub-band
func (d *DutyCycle) Airtime() []time.Duration {
	return append([]time.Duration(nil), d.used...)
}
