package lorawan

import "errors"

var (
	// ErrBufferTruncated is returned when a buffer is too short to hold the structure being decoded
	ErrBufferTruncated = errors.New("buffer truncated")
	// ErrFOptsUnsupported is returned when FOptsLen does not fit the 4-bit field
	ErrFOptsUnsupported = errors.New("frame options length out of range")
	// ErrInvalidPingSlots is returned for a ping slot count that is not a power of two in [1, 128]
	ErrInvalidPingSlots = errors.New("invalid number of ping slots")
	// ErrUnknownRegion is returned when a region name is not supported
	ErrUnknownRegion = errors.New("unknown region")
	// ErrInvalidDataRate is returned for data rate indices outside the region table
	ErrInvalidDataRate = errors.New("invalid data rate index")
)
