package main

import (
	"sync"
	"testing"
)

func newTestGroup(t *testing.T, name string, creator *User) *Group {
	t.Helper()
	g := newGroup(name, creator)
	g.mu = &sync.Mutex{}
	return g
}

func TestGroupCreatorIsFirstMember(t *testing.T) {
	alice, _ := newTestUser(t, "alice", 10)
	g := newTestGroup(t, "devs", alice)

	members, ok := g.memberSnapshot()
	if !ok {
		t.Fatal("fresh group reported as gone")
	}
	if len(members) != 1 || members[0].nickname != "alice" {
		t.Fatalf("members = %v", members)
	}
}

func TestGroupAddRemoveMember(t *testing.T) {
	alice, _ := newTestUser(t, "alice", 10)
	bob, _ := newTestUser(t, "bob", 10)
	g := newTestGroup(t, "devs", alice)

	if added, gone := g.addMember(bob); !added || gone {
		t.Fatalf("addMember = %v %v", added, gone)
	}
	if added, _ := g.addMember(bob); added {
		t.Fatal("duplicate member added")
	}

	if isCreator := g.removeMember("bob"); isCreator {
		t.Fatal("bob reported as creator")
	}
	if isCreator := g.removeMember("alice"); !isCreator {
		t.Fatal("alice not reported as creator")
	}
}

func TestGroupDisableOnlyCreator(t *testing.T) {
	alice, _ := newTestUser(t, "alice", 10)
	bob, _ := newTestUser(t, "bob", 10)
	g := newTestGroup(t, "devs", alice)
	g.addMember(bob)
	alice.subscribe(g)
	bob.subscribe(g)

	if g.disable("bob") {
		t.Fatal("non-creator disabled the group")
	}
	if _, ok := bob.subscription("devs"); !ok {
		t.Fatal("failed disable tore down memberships")
	}

	if !g.disable("alice") {
		t.Fatal("creator could not disable")
	}
	if g.status != GroupDeletion {
		t.Fatal("status not DELETION after disable")
	}
	if _, ok := bob.subscription("devs"); ok {
		t.Fatal("bob still subscribed after deletion")
	}
	if _, ok := alice.subscription("devs"); ok {
		t.Fatal("creator still subscribed after deletion")
	}

	// Deletion is monotonic: a second disable fails, the status stays.
	if g.disable("alice") {
		t.Fatal("second disable succeeded")
	}
	if g.status != GroupDeletion {
		t.Fatal("status left DELETION")
	}
}

func TestGroupInDeletionRejectsEverything(t *testing.T) {
	alice, _ := newTestUser(t, "alice", 10)
	bob, _ := newTestUser(t, "bob", 10)
	g := newTestGroup(t, "devs", alice)
	g.disable("alice")

	if added, gone := g.addMember(bob); added || !gone {
		t.Fatalf("addMember on deleted group = %v %v, want false true", added, gone)
	}
	if _, ok := g.memberSnapshot(); ok {
		t.Fatal("memberSnapshot on deleted group returned ok")
	}
}

func TestUserDisableLeavesOnlyCreatedGroups(t *testing.T) {
	alice, _ := newTestUser(t, "alice", 10)
	bob, _ := newTestUser(t, "bob", 10)

	created := newTestGroup(t, "mine", alice)
	joined := newTestGroup(t, "theirs", bob)
	joined.addMember(alice)
	alice.subscribe(created)
	alice.subscribe(joined)

	if !alice.disable() {
		t.Fatal("disable failed")
	}
	if alice.status != StatusInactive {
		t.Fatal("status not INACTIVE")
	}
	if alice.disable() {
		t.Fatal("second disable succeeded")
	}

	// Only the created group remains for the unregister cascade to pop.
	g, ok := alice.popGroup()
	if !ok || g.name != "mine" {
		t.Fatalf("popGroup = %v %v, want mine", g, ok)
	}
	if _, ok := alice.popGroup(); ok {
		t.Fatal("more than the created group left")
	}

	// And alice is no longer a member of the group she had joined.
	members, _ := joined.memberSnapshot()
	for _, m := range members {
		if m.nickname == "alice" {
			t.Fatal("alice still a member of joined group")
		}
	}
}
