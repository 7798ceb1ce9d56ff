//go:build linux

package evserve

import (
	"io"

	"golang.org/x/sys/unix"
)

type connState int

const (
	stateRequest connState = iota
	stateLoad
	stateWrite
)

// Requests are read into a single fixed-size buffer; whatever does not
// fit is silently truncated. The request line of interest comfortably
// fits in the first kilobyte.
const requestBufSize = 1024

// conn is one accepted connection. Ids are monotonically increasing and
// never reused for the lifetime of the process.
type conn struct {
	id    uint64
	fd    int
	state connState

	// assembled response, written incrementally in stateWrite
	resp    []byte
	written int
}

// readRequest drains the socket into the request buffer. It stops on a
// full buffer, a peer close, or a would-block condition. A close before
// any bytes arrived is a connection error, not an orderly end of request.
func (c *conn) readRequest() ([]byte, error) {
	buf := make([]byte, requestBufSize)
	filled := 0
	for filled < len(buf) {
		n, err := unix.Read(c.fd, buf[filled:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		filled += n
	}
	if filled == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return buf[:filled], nil
}

// writeResponse pushes the remaining response bytes to the socket. A
// would-block condition defers the rest to the next writable event; done
// is true once everything has been written.
func (c *conn) writeResponse() (done bool, err error) {
	for c.written < len(c.resp) {
		n, err := unix.Write(c.fd, c.resp[c.written:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		c.written += n
	}
	return true, nil
}
