package main

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// stats is the fixed-width counter block. One mutex serialises every
// update; the signal handler takes the same lock to append a dump line.
type stats struct {
	mu sync.Mutex
	c  statCounters
}

// statCounters is a plain snapshot of the counter block.
type statCounters struct {
	NUsers            uint64 `json:"nusers"`
	NOnline           uint64 `json:"nonline"`
	NDelivered        uint64 `json:"ndelivered"`
	NNotDelivered     uint64 `json:"nnotdelivered"`
	NFileDelivered    uint64 `json:"nfiledelivered"`
	NFileNotDelivered uint64 `json:"nfilenotdelivered"`
	NErrors           uint64 `json:"nerrors"`
	NGroups           uint64 `json:"ngroups"`
}

func (s *stats) userRegistered() {
	s.mu.Lock()
	s.c.NUsers++
	s.c.NOnline++
	s.mu.Unlock()
}

func (s *stats) userConnected() {
	s.mu.Lock()
	s.c.NOnline++
	s.mu.Unlock()
}

func (s *stats) userDisconnected() {
	s.mu.Lock()
	s.c.NOnline--
	s.mu.Unlock()
}

func (s *stats) userUnregistered() {
	s.mu.Lock()
	s.c.NUsers--
	s.c.NOnline--
	s.mu.Unlock()
}

func (s *stats) groupCreated() {
	s.mu.Lock()
	s.c.NGroups++
	s.mu.Unlock()
}

func (s *stats) groupRemoved() {
	s.mu.Lock()
	s.c.NGroups--
	s.mu.Unlock()
}

func (s *stats) errorSent() {
	s.mu.Lock()
	s.c.NErrors++
	s.mu.Unlock()
}

// txtPosted settles one POSTTXT/POSTTXTALL fan-out: delivered to online
// receivers, parked in history for the rest.
func (s *stats) txtPosted(delivered, notDelivered uint64) {
	s.mu.Lock()
	s.c.NDelivered += delivered
	s.c.NNotDelivered += notDelivered
	s.mu.Unlock()
}

// filePosted settles one POSTFILE fan-out.
func (s *stats) filePosted(delivered, notDelivered uint64) {
	s.mu.Lock()
	s.c.NFileDelivered += delivered
	s.c.NFileNotDelivered += notDelivered
	s.mu.Unlock()
}

// historyReplayed moves replayed entries from the not-delivered to the
// delivered column.
func (s *stats) historyReplayed(msgs, files uint64) {
	s.mu.Lock()
	s.c.NDelivered += msgs
	s.c.NNotDelivered -= msgs
	s.c.NFileDelivered += files
	s.c.NFileNotDelivered -= files
	s.mu.Unlock()
}

// historyEvicted settles an entry pushed out of a full history. An entry
// that was never replayed will never be now, so its pending count is taken
// back; delivered entries were already settled and stay counted.
func (s *stats) historyEvicted(e *histEntry) {
	if e == nil || e.delivered {
		return
	}
	s.mu.Lock()
	if e.msg.Op == OpFileMessage {
		s.c.NFileNotDelivered--
	} else {
		s.c.NNotDelivered--
	}
	s.mu.Unlock()
}

// snapshot copies the counter block.
func (s *stats) snapshot() statCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c
}

// writeLine appends one dump line to w:
// epoch nusers nonline ndelivered nnotdelivered nfiledelivered
// nfilenotdelivered nerrors ngroups.
func (s *stats) writeLine(w io.Writer) error {
	s.mu.Lock()
	c := s.c
	s.mu.Unlock()

	_, err := fmt.Fprintf(w, "%d %d %d %d %d %d %d %d %d\n",
		time.Now().Unix(),
		c.NUsers, c.NOnline,
		c.NDelivered, c.NNotDelivered,
		c.NFileDelivered, c.NFileNotDelivered,
		c.NErrors, c.NGroups)
	return err
}
