package main

import (
	"sync"

	"chatty/internal/shardtab"
)

// registry owns every user and group record. Nicknames and group names
// share one namespace: both tables are consulted before either insert.
// Workers borrow records for the duration of a single request; the stamped
// shard mutexes keep a borrowed record pinned while its lock is held.
type registry struct {
	users  *shardtab.Table[*User]
	groups *shardtab.Table[*Group]
	online *onlineIndex
}

func newRegistry(maxConnections int) *registry {
	return &registry{
		users:  shardtab.New[*User](maxConnections, BucketFactor),
		groups: shardtab.New[*Group](GroupTableShards, BucketFactor),
		online: newOnlineIndex(),
	}
}

// registerUser creates a user unless the nickname collides with an existing
// user or group.
func (r *registry) registerUser(nickname string, fd int32, histCap int) (*User, bool) {
	if _, taken := r.groups.Get(nickname); taken {
		return nil, false
	}
	u := newUser(nickname, fd, histCap)
	_, ok := r.users.Insert(nickname, u, func(u *User, mu *sync.Mutex) { u.mu = mu })
	if !ok {
		return nil, false
	}
	return u, true
}

// createGroup creates a group unless the name collides with an existing
// user or group. The creator becomes the first member.
func (r *registry) createGroup(name string, creator *User) (*Group, bool) {
	if _, taken := r.users.Get(name); taken {
		return nil, false
	}
	g := newGroup(name, creator)
	_, ok := r.groups.Insert(name, g, func(g *Group, mu *sync.Mutex) { g.mu = mu })
	if !ok {
		return nil, false
	}
	return g, true
}

func (r *registry) user(nickname string) (*User, bool) { return r.users.Get(nickname) }
func (r *registry) group(name string) (*Group, bool)   { return r.groups.Get(name) }

func (r *registry) removeUser(nickname string) bool {
	_, ok := r.users.Remove(nickname)
	return ok
}

func (r *registry) removeGroup(name string) bool {
	_, ok := r.groups.Remove(name)
	return ok
}

// onlineUsers returns a bounded fixed-width snapshot of online nicknames:
// at most MaxUsersInList slots of NameMax+1 bytes each, NUL-padded, the
// USRLIST wire format.
func (r *registry) onlineUsers() []byte {
	names := r.online.nicknames(MaxUsersInList)
	buf := make([]byte, 0, len(names)*(NameMax+1))
	for _, n := range names {
		slot := make([]byte, NameMax+1)
		copy(slot, n)
		buf = append(buf, slot...)
	}
	return buf
}

// onlineIndex maps live descriptors to their users so workers resolve the
// caller without credentials in every frame. It stores borrowed references;
// the registry stays the owner.
type onlineIndex struct {
	mu   sync.Mutex
	byFD map[int32]*User
}

func newOnlineIndex() *onlineIndex {
	return &onlineIndex{byFD: make(map[int32]*User)}
}

func (ix *onlineIndex) add(fd int32, u *User) {
	ix.mu.Lock()
	ix.byFD[fd] = u
	ix.mu.Unlock()
}

// remove drops the mapping for fd and returns the user it pointed at.
func (ix *onlineIndex) remove(fd int32) (*User, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	u, ok := ix.byFD[fd]
	if ok {
		delete(ix.byFD, fd)
	}
	return u, ok
}

func (ix *onlineIndex) get(fd int32) (*User, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	u, ok := ix.byFD[fd]
	return u, ok
}

// nicknames returns up to max nicknames currently online.
func (ix *onlineIndex) nicknames(max int) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]string, 0, min(max, len(ix.byFD)))
	for _, u := range ix.byFD {
		if len(out) == max {
			break
		}
		out = append(out, u.nickname)
	}
	return out
}

func (ix *onlineIndex) len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.byFD)
}
