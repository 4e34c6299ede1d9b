package main

import (
	"strings"
	"sync"

	"chatty/internal/shardtab"
)

// groupStatus is the lifecycle state of a group. Transitions are monotonic:
// ACTIVE → DELETION → removed from the registry.
type groupStatus int32

const (
	GroupActive groupStatus = iota
	GroupDeletion
)

// Group is a named set of users sharing a fan-out target. Like User, mu is
// the owning registry shard mutex, stamped at insertion. A group in
// DELETION rejects posts and membership changes; callers treat it as gone.
type Group struct {
	mu      *sync.Mutex
	name    string
	creator string
	status  groupStatus
	members *shardtab.List[*User]
}

func newGroup(name string, creator *User) *Group {
	g := &Group{
		name:    name,
		creator: creator.nickname,
		members: shardtab.NewList[*User](0, func(a, b *User) int {
			return strings.Compare(a.nickname, b.nickname)
		}),
	}
	g.members.Push(creator)
	return g
}

func (g *Group) lock()   { g.mu.Lock() }
func (g *Group) unlock() { g.mu.Unlock() }

// snapshot returns the fields the admin API exposes.
func (g *Group) snapshot() (name, creator string, nmembers int, deleting bool) {
	g.lock()
	defer g.unlock()
	return g.name, g.creator, g.members.Len(), g.status == GroupDeletion
}

// addMember inserts user into the membership set. It reports false with
// gone=true when the group is in DELETION, and false otherwise on a
// duplicate member.
func (g *Group) addMember(u *User) (added, gone bool) {
	g.lock()
	defer g.unlock()
	if g.status == GroupDeletion {
		return false, true
	}
	_, _, inserted := g.members.Push(u)
	return inserted, false
}

// removeMember drops the named user from the membership set and reports
// whether that user is the group's creator.
func (g *Group) removeMember(nickname string) (isCreator bool) {
	g.lock()
	defer g.unlock()
	if g.status == GroupDeletion {
		return false
	}
	g.members.Remove(func(u *User) bool { return u.nickname == nickname })
	return g.creator == nickname
}

// memberSnapshot returns the current members if the group is ACTIVE.
// Fan-out iterates the copy after the guard is released, taking each
// member's own lock in turn; two registry shard mutexes are never held at
// once.
func (g *Group) memberSnapshot() ([]*User, bool) {
	g.lock()
	defer g.unlock()
	if g.status == GroupDeletion {
		return nil, false
	}
	return g.members.Values(), true
}

// disable begins deletion: only the creator may trigger it, the status
// flips monotonically to DELETION, and every member loses its subscription.
// Reports false when byUser is not the creator or deletion already started.
func (g *Group) disable(byUser string) bool {
	g.lock()
	if g.creator != byUser || g.status == GroupDeletion {
		g.unlock()
		return false
	}
	g.status = GroupDeletion
	members := g.members.Values()
	g.unlock()

	for _, m := range members {
		m.unsubscribe(g.name)
	}
	return true
}
