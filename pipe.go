package main

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// pipeOp is a control operation sent from a worker (or the teardown path)
// to the listener over the self-pipe.
type pipeOp int32

const (
	pipeReadyAgain pipeOp = iota // request served, re-arm the descriptor
	pipeClose                    // peer gone, close the descriptor
	pipeTerminate                // listener must shut down
)

func (op pipeOp) String() string {
	switch op {
	case pipeReadyAgain:
		return "READY-AGAIN"
	case pipeClose:
		return "CLOSE"
	case pipeTerminate:
		return "TERMINATE"
	}
	return fmt.Sprintf("pipeOp(%d)", int32(op))
}

// selfPipe carries (fd, op) control records from workers to the listener.
// The read end sits in the listener's poll set so control events wake the
// same wait as descriptor readiness. One mutex covers each whole record on
// both ends, so the listener can never observe half a record.
type selfPipe struct {
	mu sync.Mutex
	r  fdConn
	w  fdConn
}

func newSelfPipe() (*selfPipe, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	return &selfPipe{r: fdConn(fds[0]), w: fdConn(fds[1])}, nil
}

// readFD returns the descriptor the listener polls on.
func (p *selfPipe) readFD() int32 { return int32(p.r) }

// write sends one (fd, op) record.
func (p *selfPipe) write(fd int32, op pipeOp) error {
	var rec [8]byte
	wireOrder.PutUint32(rec[0:], uint32(fd))
	wireOrder.PutUint32(rec[4:], uint32(op))

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.WriteFull(rec[:])
}

// read receives one (fd, op) record. Only the listener calls read, and only
// after poll reported the read end ready — a visible first byte means the
// writer already completed the whole record under the mutex, so read never
// blocks here holding the lock.
func (p *selfPipe) read() (int32, pipeOp, error) {
	var rec [8]byte

	p.mu.Lock()
	err := p.r.ReadFull(rec[:])
	p.mu.Unlock()
	if err != nil {
		return 0, 0, err
	}
	return int32(wireOrder.Uint32(rec[0:])), pipeOp(wireOrder.Uint32(rec[4:])), nil
}

func (p *selfPipe) close() {
	p.r.Close()
	p.w.Close()
}
