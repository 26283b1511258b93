package lorawan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRegionConfiguration(t *testing.T) {
	r, err := GetRegionConfiguration("EU868")
	require.NoError(t, err)
	assert.Equal(t, "EU868", r.Name)
	assert.Len(t, r.DefaultChannels, 8)

	_, err = GetRegionConfiguration("XX123")
	assert.ErrorIs(t, err, ErrUnknownRegion)

	assert.Panics(t, func() { MustRegion("XX123") })
}

func TestEU868Channels(t *testing.T) {
	r := MustRegion("EU868")

	assert.Equal(t, []uint8{0, 1, 2, 3, 4, 5, 6}, r.UplinkChannels())
	assert.Equal(t, uint32(869525000), r.DefaultChannels[r.RX2Channel].Frequency)
	assert.Equal(t, 0.10, r.SubBands[r.SubBandOf(r.BeaconChannel)].DutyCycle)
	assert.Equal(t, 0.01, r.SubBands[r.SubBandOf(0)].DutyCycle)
	assert.Equal(t, -1, r.SubBandOf(42))
}

func TestRX1DataRate(t *testing.T) {
	r := MustRegion("EU868")

	tests := []struct {
		up, offset, want uint8
	}{
		{5, 0, 5},
		{5, 2, 3},
		{2, 4, 0},
		{0, 5, 0},
		{6, 1, 5},
	}
	for _, tt := range tests {
		got, err := r.GetRX1DataRateOffset(tt.up, tt.offset)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "dr=%d offset=%d", tt.up, tt.offset)
	}
}

func TestDataRate(t *testing.T) {
	r := MustRegion("EU868")

	dr, err := r.DataRate(3)
	require.NoError(t, err)
	assert.Equal(t, 9, dr.SpreadFactor)

	_, err = r.DataRate(7)
	assert.ErrorIs(t, err, ErrInvalidDataRate)
}

func TestTimeOnAir(t *testing.T) {
	r := MustRegion("EU868")

	beaconDR, err := r.DataRate(r.BeaconDR)
	require.NoError(t, err)
	assert.Equal(t, BeaconAirtime, TimeOnAir(beaconDR.Params(1, BeaconPreambleLength, false), BeaconSize))

	// 20 byte frame at SF7/125kHz with CRC
	sf7, _ := r.DataRate(5)
	assert.Equal(t, 56576*time.Microsecond, TimeOnAir(sf7.Params(1, DefaultPreambleLength, true), 20))

	// slower data rates always take longer
	prev := time.Duration(0)
	for dr := 5; dr >= 0; dr-- {
		d, _ := r.DataRate(uint8(dr))
		toa := TimeOnAir(d.Params(1, DefaultPreambleLength, true), 20)
		assert.Greater(t, toa, prev)
		prev = toa
	}

	assert.Zero(t, TimeOnAir(AirtimeParams{}, 10))
}
