package network

import "errors"

// ErrUnknownDevice is returned for addresses without a session
var ErrUnknownDevice = errors.New("unknown device")
