package main

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Client-side protocol helpers, shared by the virtual test bot and the
// end-to-end tests. A client opens a connection, waits for the one-integer
// accept ack, then issues requests and reads replies on the same codec the
// server uses.

// dialRetries/dialWait bound DialChatty's connection attempts.
const (
	dialRetries = 10
	dialWait    = 200 * time.Millisecond
)

// DialChatty connects to the unix socket at path, retrying while the server
// is still coming up, and consumes the accept handshake.
func DialChatty(path string) (fdConn, error) {
	var lastErr error
	for i := 0; i < dialRetries; i++ {
		if i > 0 {
			time.Sleep(dialWait)
		}
		fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			return -1, fmt.Errorf("dial %s: %w", path, err)
		}
		if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
			unix.Close(fd)
			lastErr = err
			continue
		}
		ack, err := readU32(fdConn(fd))
		if err != nil || ack != 1 {
			unix.Close(fd)
			if err == nil {
				err = fmt.Errorf("unexpected ack %d", ack)
			}
			lastErr = err
			continue
		}
		return fdConn(fd), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	return -1, fmt.Errorf("dial %s: %w", path, lastErr)
}

// SendRequest writes one request frame. POSTFILE callers follow up with
// SendFileData for the body block.
func SendRequest(c fdConn, msg *Message) error {
	return WriteMessage(c, msg)
}

// SendFileData writes the second data block of a POSTFILE request.
func SendFileData(c fdConn, body []byte) error {
	return WriteData(c, DataBlock{Payload: body})
}

// ReadReplyHeader reads the op-code of a header-only reply.
func ReadReplyHeader(c fdConn) (Op, error) {
	op, _, err := ReadHeader(c)
	return op, err
}

// ReadReply reads a full header+data reply frame.
func ReadReply(c fdConn) (*Message, error) {
	return ReadMessage(c)
}
