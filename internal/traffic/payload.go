package traffic

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// FrameOverhead is the size of a data frame with a port and no payload
const FrameOverhead = lorawan.FHDRCoreSize + 1 + lorawan.MACOverhead

// ErrPacketTooSmall is returned when the configured packet size cannot hold the frame overhead
var ErrPacketTooSmall = errors.New("packet size smaller than frame overhead")

// Payload builds the application payload of a frame of packetSize bytes on
// the air. The payload is zero filled; when it is at least 8 bytes long, the
// next counter value is written to its start in little-endian order.
func Payload(c *Counter, packetSize int) ([]byte, error) {
	if packetSize < FrameOverhead {
		return nil, fmt.Errorf("%w: %d < %d", ErrPacketTooSmall, packetSize, FrameOverhead)
	}

	data := make([]byte, packetSize-FrameOverhead)
	n := c.Next()
	if len(data) >= 8 {
		binary.LittleEndian.PutUint64(data[:8], n)
	}
	return data, nil
}
