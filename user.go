package main

import (
	"strings"
	"sync"

	"chatty/internal/shardtab"
)

// userStatus is the lifecycle state of a registered user.
type userStatus int32

const (
	StatusOnline userStatus = iota
	StatusOffline
	StatusInactive // unregistered, awaiting removal
)

func (s userStatus) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	default:
		return "inactive"
	}
}

// histEntry is one bounded-history slot: the stored notification plus its
// delivery flag. delivered flips false→true at most once, on replay.
type histEntry struct {
	msg       *Message
	delivered bool
}

// User is a registered user. The registry stamps mu with the owning shard
// mutex at insertion, so locking a user also pins its bucket. The history
// and groups lists are unsynchronised on purpose: they are only touched
// with mu held.
type User struct {
	mu       *sync.Mutex
	nickname string
	status   userStatus
	fd       fdConn
	history  *shardtab.List[*histEntry]
	groups   *shardtab.List[*Group]
}

func newUser(nickname string, fd int32, histCap int) *User {
	return &User{
		nickname: nickname,
		status:   StatusOnline,
		fd:       fdConn(fd),
		history:  shardtab.NewList[*histEntry](histCap, nil),
		groups: shardtab.NewList[*Group](0, func(a, b *Group) int {
			return strings.Compare(a.name, b.name)
		}),
	}
}

func (u *User) lock()   { u.mu.Lock() }
func (u *User) unlock() { u.mu.Unlock() }

// setOnline reconnects an OFFLINE user on fd. It reports false when the
// user is already online or inactive.
func (u *User) setOnline(fd int32) bool {
	u.lock()
	defer u.unlock()
	if u.status != StatusOffline {
		return false
	}
	u.fd = fdConn(fd)
	u.status = StatusOnline
	return true
}

// markOffline flags the user offline after its peer went away.
func (u *User) markOffline() {
	u.lock()
	if u.status == StatusOnline {
		u.status = StatusOffline
	}
	u.unlock()
}

// snapshot returns the fields the admin API exposes.
func (u *User) snapshot() (nickname string, status userStatus, histLen int) {
	u.lock()
	defer u.unlock()
	return u.nickname, u.status, u.history.Len()
}

// deliver writes msg to the user if it is online and, for TXT_MESSAGE and
// FILE_MESSAGE, appends it to the bounded history with the delivery flag.
// A peer that disappears mid-send flips the user offline; the message still
// lands in the history undelivered. st absorbs the accounting of entries
// silently evicted by the history bound. The returned delivered flag is
// false for an offline, inactive, or vanished receiver; err is non-nil only
// for unrecoverable I/O failures.
func (u *User) deliver(msg *Message, st *stats) (delivered bool, err error) {
	u.lock()
	defer u.unlock()

	if u.status == StatusInactive {
		return false, nil
	}

	if u.status == StatusOnline {
		switch werr := WriteMessage(u.fd, msg); {
		case werr == nil:
			delivered = true
		case isPeerGone(werr):
			u.status = StatusOffline
		default:
			return false, errIOf(werr)
		}
	}

	if msg.Op == OpTxtMessage || msg.Op == OpFileMessage {
		evicted, ok, _ := u.history.Push(&histEntry{msg: msg, delivered: delivered})
		if ok {
			st.historyEvicted(evicted)
		}
	}
	return delivered, nil
}

// sendReplyHeader writes a header-only reply on the user's descriptor,
// serialised against concurrent deliveries. A vanished peer is flagged
// offline and swallowed; the reply is simply lost.
func (u *User) sendReplyHeader(op Op) error {
	u.lock()
	defer u.unlock()

	if u.status != StatusOnline {
		return nil
	}
	if err := WriteHeader(u.fd, op, ""); err != nil {
		if isPeerGone(err) {
			u.status = StatusOffline
			return nil
		}
		return errIOf(err)
	}
	return nil
}

// sendReplyMessage writes a full reply frame, same contract as
// sendReplyHeader.
func (u *User) sendReplyMessage(msg *Message) error {
	u.lock()
	defer u.unlock()

	if u.status != StatusOnline {
		return nil
	}
	if err := WriteMessage(u.fd, msg); err != nil {
		if isPeerGone(err) {
			u.status = StatusOffline
			return nil
		}
		return errIOf(err)
	}
	return nil
}

// sendHistory replays the whole history in FIFO order: first an OP_OK count
// frame, then one frame per entry. Undelivered entries that reach the peer
// are marked delivered and counted into msgsMoved/filesMoved so the caller
// can settle the statistics.
func (u *User) sendHistory() (msgsMoved, filesMoved int, err error) {
	u.lock()
	defer u.unlock()

	if u.status != StatusOnline {
		return 0, 0, nil
	}

	count := &Message{Op: OpOK, Payload: countPayload(u.history.Len())}
	if werr := WriteMessage(u.fd, count); werr != nil {
		if isPeerGone(werr) {
			u.status = StatusOffline
			return 0, 0, nil
		}
		return 0, 0, errIOf(werr)
	}

	disconnected := false
	var ioErr error
	u.history.Each(func(e *histEntry) bool {
		if werr := WriteMessage(u.fd, e.msg); werr != nil {
			if isPeerGone(werr) {
				disconnected = true
			} else {
				ioErr = errIOf(werr)
			}
			return false
		}
		if !e.delivered {
			e.delivered = true
			if e.msg.Op == OpFileMessage {
				filesMoved++
			} else {
				msgsMoved++
			}
		}
		return true
	})
	if ioErr != nil {
		return msgsMoved, filesMoved, ioErr
	}
	if disconnected {
		u.status = StatusOffline
	}
	return msgsMoved, filesMoved, nil
}

// subscribe records a group membership on the user side.
func (u *User) subscribe(g *Group) bool {
	u.lock()
	defer u.unlock()
	if u.status == StatusInactive {
		return false
	}
	_, _, inserted := u.groups.Push(g)
	return inserted
}

// unsubscribe drops the named group from the user's membership list.
func (u *User) unsubscribe(name string) (*Group, bool) {
	u.lock()
	defer u.unlock()
	return u.groups.Remove(func(g *Group) bool { return g.name == name })
}

// subscription returns the named group if the user is a member.
func (u *User) subscription(name string) (*Group, bool) {
	u.lock()
	defer u.unlock()
	return u.groups.Find(func(g *Group) bool { return g.name == name })
}

// disable turns the user INACTIVE and removes it from every group it did
// not create, leaving only created groups in its list for the caller to
// cancel. Reports false when the user was already inactive.
func (u *User) disable() bool {
	u.lock()
	if u.status == StatusInactive {
		u.unlock()
		return false
	}
	u.status = StatusInactive
	members := u.groups.Values()
	u.unlock()

	// The user is still in the registry and in group member snapshots, so
	// a concurrent group deletion may unsubscribe it: the list is only
	// edited under mu.
	for _, g := range members {
		if isCreator := g.removeMember(u.nickname); !isCreator {
			u.lock()
			u.groups.Remove(func(x *Group) bool { return x.name == g.name })
			u.unlock()
		}
	}
	return true
}

// popGroup removes and returns the head of the user's group list. Used
// during unregistration, after disable, when only created groups remain.
func (u *User) popGroup() (*Group, bool) {
	u.lock()
	defer u.unlock()
	return u.groups.Pop()
}
