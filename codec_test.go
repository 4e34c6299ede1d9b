package main

import (
	"bytes"
	"io"
	"testing"

	"golang.org/x/sys/unix"
)

// socketPair returns two connected descriptors, closed at test end.
func socketPair(t *testing.T) (fdConn, fdConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	a, b := fdConn(fds[0]), fdConn(fds[1])
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestMessageRoundTrip(t *testing.T) {
	a, b := socketPair(t)

	in := &Message{Op: OpPostTxt, Sender: "alice", Receiver: "bob", Payload: []byte("hi")}
	if err := WriteMessage(a, in); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	out, err := ReadMessage(b)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if out.Op != in.Op || out.Sender != in.Sender || out.Receiver != in.Receiver {
		t.Fatalf("got %+v, want %+v", out, in)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload = %q, want %q", out.Payload, in.Payload)
	}
}

func TestEmptyNamesAndPayload(t *testing.T) {
	a, b := socketPair(t)

	in := &Message{Op: OpOK, Sender: "", Receiver: "", Payload: nil}
	if err := WriteMessage(a, in); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	out, err := ReadMessage(b)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if out.Sender != "" || out.Receiver != "" || len(out.Payload) != 0 {
		t.Fatalf("got %+v, want empty frame", out)
	}
}

func TestHeaderOnlyReply(t *testing.T) {
	a, b := socketPair(t)

	if err := WriteHeader(a, OpNickAlready, ""); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	op, sender, err := ReadHeader(b)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if op != OpNickAlready || sender != "" {
		t.Fatalf("got op=%v sender=%q", op, sender)
	}
}

func TestPostFileTwoBlocks(t *testing.T) {
	a, b := socketPair(t)

	body := bytes.Repeat([]byte{0xAB}, 1024)
	msg := &Message{Op: OpPostFile, Sender: "bob", Receiver: "alice", Payload: append([]byte("./notes.txt"), 0)}

	done := make(chan error, 1)
	go func() {
		if err := WriteMessage(a, msg); err != nil {
			done <- err
			return
		}
		done <- WriteData(a, DataBlock{Payload: body})
	}()

	req, err := readRequest(b)
	if err != nil {
		t.Fatalf("readRequest: %v", err)
	}
	if werr := <-done; werr != nil {
		t.Fatalf("writer: %v", werr)
	}
	if req.msg.Op != OpPostFile {
		t.Fatalf("op = %v", req.msg.Op)
	}
	if req.fileData == nil || !bytes.Equal(req.fileData.Payload, body) {
		t.Fatal("file body block mismatch")
	}
	if got := cstr(req.msg.Payload); got != "./notes.txt" {
		t.Fatalf("file name = %q", got)
	}
}

func TestReadNameRejectsOversize(t *testing.T) {
	a, b := socketPair(t)

	// op, then a sender length one past the permitted maximum.
	if err := writeU32(a, uint32(OpRegister)); err != nil {
		t.Fatalf("writeU32: %v", err)
	}
	if err := writeU32(a, maxWireString+1); err != nil {
		t.Fatalf("writeU32: %v", err)
	}

	if _, _, err := ReadHeader(b); err == nil {
		t.Fatal("oversized name accepted")
	}
}

func TestReadEOF(t *testing.T) {
	a, b := socketPair(t)

	a.Close()
	if _, _, err := ReadHeader(b); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	if !isPeerGone(io.EOF) {
		t.Fatal("io.EOF not classified as peer-gone")
	}
}

func TestCountPayloadRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 7, 1 << 20} {
		got, err := parseCountPayload(countPayload(n))
		if err != nil {
			t.Fatalf("parse(%d): %v", n, err)
		}
		if got != uint64(n) {
			t.Fatalf("roundtrip %d -> %d", n, got)
		}
	}
	if _, err := parseCountPayload([]byte{1, 2}); err == nil {
		t.Fatal("short count payload accepted")
	}
}
