package main

import (
	"bytes"
	"sync"
	"testing"
)

// newTestUser builds an online user on one end of a socketpair and returns
// the peer end for reading what the user is sent.
func newTestUser(t *testing.T, nick string, histCap int) (*User, fdConn) {
	t.Helper()
	a, b := socketPair(t)
	u := newUser(nick, int32(a), histCap)
	u.mu = &sync.Mutex{}
	return u, b
}

func txt(sender, receiver, body string) *Message {
	return &Message{Op: OpTxtMessage, Sender: sender, Receiver: receiver, Payload: []byte(body)}
}

func TestDeliverOnline(t *testing.T) {
	st := &stats{}
	u, peer := newTestUser(t, "alice", 10)

	delivered, err := u.deliver(txt("bob", "alice", "hi"), st)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !delivered {
		t.Fatal("delivery to online user reported not delivered")
	}

	got, err := ReadMessage(peer)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if got.Op != OpTxtMessage || got.Sender != "bob" || string(got.Payload) != "hi" {
		t.Fatalf("peer got %+v", got)
	}

	// Delivered messages still land in the history, flagged delivered.
	if u.history.Len() != 1 {
		t.Fatalf("history len = %d, want 1", u.history.Len())
	}
	e, _ := u.history.Find(func(*histEntry) bool { return true })
	if !e.delivered {
		t.Fatal("history entry of an online delivery not flagged delivered")
	}
}

func TestDeliverOffline(t *testing.T) {
	st := &stats{}
	u, _ := newTestUser(t, "alice", 10)
	u.status = StatusOffline

	delivered, err := u.deliver(txt("bob", "alice", "u there?"), st)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered {
		t.Fatal("delivery to offline user reported delivered")
	}
	if u.history.Len() != 1 {
		t.Fatalf("history len = %d, want 1", u.history.Len())
	}
}

func TestDeliverInactiveSkipsHistory(t *testing.T) {
	st := &stats{}
	u, _ := newTestUser(t, "alice", 10)
	u.status = StatusInactive

	delivered, err := u.deliver(txt("bob", "alice", "x"), st)
	if err != nil || delivered {
		t.Fatalf("deliver = %v %v", delivered, err)
	}
	if u.history.Len() != 0 {
		t.Fatal("inactive user accumulated history")
	}
}

func TestDeliverPeerGoneFlipsOffline(t *testing.T) {
	st := &stats{}
	u, peer := newTestUser(t, "alice", 10)
	peer.Close()

	// The first write may be absorbed by the socket buffer; deliver until
	// the EPIPE surfaces.
	for i := 0; i < 10 && u.status == StatusOnline; i++ {
		if _, err := u.deliver(txt("bob", "alice", "ping"), st); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if u.status != StatusOffline {
		t.Fatal("user still online after peer closed")
	}
}

func TestHistoryBoundFIFO(t *testing.T) {
	st := &stats{}
	u, _ := newTestUser(t, "alice", 3)
	u.status = StatusOffline

	for _, body := range []string{"one", "two", "three", "four"} {
		if _, err := u.deliver(txt("bob", "alice", body), st); err != nil {
			t.Fatalf("deliver %q: %v", body, err)
		}
		st.txtPosted(0, 1) // what the worker books for a parked delivery
	}

	if u.history.Len() != 3 {
		t.Fatalf("history len = %d, want 3", u.history.Len())
	}
	bodies := []string{}
	u.history.Each(func(e *histEntry) bool {
		bodies = append(bodies, string(e.msg.Payload))
		return true
	})
	want := []string{"two", "three", "four"}
	for i := range want {
		if bodies[i] != want[i] {
			t.Fatalf("history[%d] = %q, want %q", i, bodies[i], want[i])
		}
	}

	// Four parked posts minus the one silently evicted entry.
	if c := st.snapshot(); c.NNotDelivered != 3 {
		t.Fatalf("NNotDelivered = %d, want 3", c.NNotDelivered)
	}
}

func TestSendHistoryReplaysAndMarksDelivered(t *testing.T) {
	st := &stats{}
	u, peer := newTestUser(t, "alice", 10)
	u.status = StatusOffline

	u.deliver(txt("bob", "alice", "first"), st)
	u.deliver(&Message{Op: OpFileMessage, Sender: "bob", Receiver: "alice", Payload: append([]byte("notes.txt"), 0)}, st)

	// Reconnect and replay.
	u.status = StatusOnline

	done := make(chan struct{})
	var got []*Message
	go func() {
		defer close(done)
		count, err := ReadMessage(peer)
		if err != nil {
			t.Errorf("count frame: %v", err)
			return
		}
		n, err := parseCountPayload(count.Payload)
		if err != nil || count.Op != OpOK {
			t.Errorf("count frame op=%v err=%v", count.Op, err)
			return
		}
		for i := uint64(0); i < n; i++ {
			m, err := ReadMessage(peer)
			if err != nil {
				t.Errorf("history frame %d: %v", i, err)
				return
			}
			got = append(got, m)
		}
	}()

	msgs, files, err := u.sendHistory()
	if err != nil {
		t.Fatalf("sendHistory: %v", err)
	}
	<-done

	if msgs != 1 || files != 1 {
		t.Fatalf("moved (%d, %d), want (1, 1)", msgs, files)
	}
	if len(got) != 2 {
		t.Fatalf("replayed %d frames, want 2", len(got))
	}
	if got[0].Op != OpTxtMessage || string(got[0].Payload) != "first" {
		t.Fatalf("first replay = %+v", got[0])
	}
	if got[1].Op != OpFileMessage || cstr(got[1].Payload) != "notes.txt" {
		t.Fatalf("second replay = %+v", got[1])
	}

	// Replaying again moves nothing: delivered flips at most once.
	go func() {
		count, _ := ReadMessage(peer)
		n, _ := parseCountPayload(count.Payload)
		for i := uint64(0); i < n; i++ {
			ReadMessage(peer)
		}
	}()
	msgs, files, err = u.sendHistory()
	if err != nil {
		t.Fatalf("second sendHistory: %v", err)
	}
	if msgs != 0 || files != 0 {
		t.Fatalf("second replay moved (%d, %d), want (0, 0)", msgs, files)
	}
}

func TestSubscriptions(t *testing.T) {
	u, _ := newTestUser(t, "alice", 10)
	g := &Group{name: "devs", creator: "alice", mu: &sync.Mutex{}}

	if !u.subscribe(g) {
		t.Fatal("subscribe failed")
	}
	if u.subscribe(g) {
		t.Fatal("duplicate subscribe succeeded")
	}
	if _, ok := u.subscription("devs"); !ok {
		t.Fatal("subscription not found")
	}
	if _, ok := u.subscription("ops"); ok {
		t.Fatal("phantom subscription found")
	}
	if _, ok := u.unsubscribe("devs"); !ok {
		t.Fatal("unsubscribe failed")
	}
	if _, ok := u.subscription("devs"); ok {
		t.Fatal("subscription survived unsubscribe")
	}
}

func TestDeliverPayloadBytesIntact(t *testing.T) {
	st := &stats{}
	u, peer := newTestUser(t, "alice", 10)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	msg := &Message{Op: OpTxtMessage, Sender: "bob", Receiver: "alice", Payload: payload}

	if _, err := u.deliver(msg, st); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got, err := ReadMessage(peer)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatal("payload corrupted in transit")
	}
}
