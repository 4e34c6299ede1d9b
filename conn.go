package main

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// fdConn wraps a raw descriptor with the full-read/full-write contract used
// on both sides of the protocol. Reads and writes restart on EINTR; a read
// of zero bytes reports io.EOF, a write against a gone peer reports EPIPE or
// ECONNRESET unwrapped so callers can tell peer errors from system errors.
type fdConn int32

func (c fdConn) fd() int { return int(c) }

// ReadFull reads exactly len(buf) bytes, or fails.
func (c fdConn) ReadFull(buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Read(c.fd(), buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.EOF
		}
		buf = buf[n:]
	}
	return nil
}

// WriteFull writes all of buf, or fails.
func (c fdConn) WriteFull(buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(c.fd(), buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func (c fdConn) Close() error { return unix.Close(c.fd()) }

// isPeerGone reports whether err is the peer closing on us rather than a
// local failure: EOF on read, EPIPE on write, or a reset either way.
func isPeerGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNRESET)
}
