package lorawan

import (
	"math"
	"time"
)

// DefaultPreambleLength is the preamble length of data frames in symbols
const DefaultPreambleLength = 8

// BeaconPreambleLength is the preamble length of Class B beacons in symbols
const BeaconPreambleLength = 10

// AirtimeParams are the modem settings that determine a frame's time on air
type AirtimeParams struct {
	SpreadFactor int
	// Bandwidth in kHz
	Bandwidth int
	// CodingRate n for 4/(4+n), in [1, 4]
	CodingRate     int
	PreambleLength int
	ImplicitHeader bool
	CRC            bool
}

// Params returns the airtime parameters of a data rate
func (dr DataRate) Params(codingRate, preamble int, crc bool) AirtimeParams {
	return AirtimeParams{
		SpreadFactor:   dr.SpreadFactor,
		Bandwidth:      dr.Bandwidth,
		CodingRate:     codingRate,
		PreambleLength: preamble,
		CRC:            crc,
	}
}

// lowDataRateOptimize is mandated for symbol times above 16ms
func (p AirtimeParams) lowDataRateOptimize() bool {
	return p.Bandwidth == 125 && p.SpreadFactor >= 11
}

// TimeOnAir returns the transmission time of a payload of the given length,
// following the SX127x datasheet formula.
func TimeOnAir(p AirtimeParams, payloadLength int) time.Duration {
	if p.Bandwidth <= 0 || p.SpreadFactor <= 0 {
		return 0
	}

	tSym := math.Pow(2, float64(p.SpreadFactor)) / float64(p.Bandwidth*1000)

	ih, crc, de := 0, 0, 0
	if p.ImplicitHeader {
		ih = 1
	}
	if p.CRC {
		crc = 1
	}
	if p.lowDataRateOptimize() {
		de = 1
	}

	num := float64(8*payloadLength - 4*p.SpreadFactor + 28 + 16*crc - 20*ih)
	den := float64(4 * (p.SpreadFactor - 2*de))
	payloadSymbols := 8 + math.Max(math.Ceil(num/den)*float64(p.CodingRate+4), 0)

	tPreamble := (float64(p.PreambleLength) + 4.25) * tSym
	seconds := tPreamble + payloadSymbols*tSym

	// round to the microsecond to keep durations stable across platforms
	return time.Duration(math.Round(seconds*1e6)) * time.Microsecond
}
