package main

import (
	"encoding/binary"
	"fmt"
)

// Wire layout: integers are fixed-width 32-bit little-endian; strings are
// preceded by their length and carry a trailing NUL counted in that length.
// A frame is header (op, sender) then data (receiver, payload-length,
// payload). POSTFILE requests append a second data block with the file body.

// wireOrder is the byte order of every integer on the wire.
var wireOrder = binary.LittleEndian

const maxWireString = NameMax + 1

// readU32 reads one wire integer.
func readU32(c fdConn) (uint32, error) {
	var b [4]byte
	if err := c.ReadFull(b[:]); err != nil {
		return 0, err
	}
	return wireOrder.Uint32(b[:]), nil
}

func writeU32(c fdConn, v uint32) error {
	var b [4]byte
	wireOrder.PutUint32(b[:], v)
	return c.WriteFull(b[:])
}

// readName reads a length-prefixed NUL-terminated name. The NUL is stripped
// from the returned string.
func readName(c fdConn) (string, error) {
	n, err := readU32(c)
	if err != nil {
		return "", err
	}
	if n == 0 || n > maxWireString {
		return "", fmt.Errorf("name length %d out of range", n)
	}
	buf := make([]byte, n)
	if err := c.ReadFull(buf); err != nil {
		return "", err
	}
	return string(buf[:n-1]), nil
}

func writeName(c fdConn, s string) error {
	if err := writeU32(c, uint32(len(s)+1)); err != nil {
		return err
	}
	return c.WriteFull(append([]byte(s), 0))
}

// ReadHeader reads the op-code and sender of the next frame.
func ReadHeader(c fdConn) (Op, string, error) {
	op, err := readU32(c)
	if err != nil {
		return 0, "", err
	}
	sender, err := readName(c)
	if err != nil {
		return 0, "", err
	}
	return Op(op), sender, nil
}

// ReadData reads one data block: receiver plus payload.
func ReadData(c fdConn) (DataBlock, error) {
	recv, err := readName(c)
	if err != nil {
		return DataBlock{}, err
	}
	plen, err := readU32(c)
	if err != nil {
		return DataBlock{}, err
	}
	var payload []byte
	if plen > 0 {
		payload = make([]byte, plen)
		if err := c.ReadFull(payload); err != nil {
			return DataBlock{}, err
		}
	}
	return DataBlock{Receiver: recv, Payload: payload}, nil
}

// ReadMessage reads a full header+data frame.
func ReadMessage(c fdConn) (*Message, error) {
	op, sender, err := ReadHeader(c)
	if err != nil {
		return nil, err
	}
	data, err := ReadData(c)
	if err != nil {
		return nil, err
	}
	return &Message{Op: op, Sender: sender, Receiver: data.Receiver, Payload: data.Payload}, nil
}

// WriteHeader writes a header-only frame (op + sender, no data block).
// Plain OK and error replies are header-only; whether a data block follows
// is determined by the op-code and the request it answers.
func WriteHeader(c fdConn, op Op, sender string) error {
	if err := writeU32(c, uint32(op)); err != nil {
		return err
	}
	return writeName(c, sender)
}

// WriteData writes one data block.
func WriteData(c fdConn, d DataBlock) error {
	if err := writeName(c, d.Receiver); err != nil {
		return err
	}
	if err := writeU32(c, uint32(len(d.Payload))); err != nil {
		return err
	}
	if len(d.Payload) == 0 {
		return nil
	}
	return c.WriteFull(d.Payload)
}

// WriteMessage writes a full header+data frame.
func WriteMessage(c fdConn, m *Message) error {
	if err := WriteHeader(c, m.Op, m.Sender); err != nil {
		return err
	}
	return WriteData(c, DataBlock{Receiver: m.Receiver, Payload: m.Payload})
}

// countPayload encodes the GETPREVMSGS count frame payload.
func countPayload(n int) []byte {
	b := make([]byte, 8)
	wireOrder.PutUint64(b, uint64(n))
	return b
}

// parseCountPayload decodes a GETPREVMSGS count frame payload.
func parseCountPayload(p []byte) (uint64, error) {
	if len(p) != 8 {
		return 0, fmt.Errorf("count payload is %d bytes, want 8", len(p))
	}
	return wireOrder.Uint64(p), nil
}
