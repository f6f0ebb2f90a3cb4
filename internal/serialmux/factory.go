package serialmux

import (
	"go.bug.st/serial"
)

// NewRealSerialMux opens the serial device at path and wraps it in a
// SerialMux.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return NewSerialMux[serial.Port](port), nil
}
