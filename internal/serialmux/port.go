package serialmux

import "io"

// Port is the minimal serial port surface. go.bug.st/serial ports satisfy
// it, as do the fixture and test ports in this package.
type Port interface {
	io.ReadWriter
	io.Closer
}
