package main

// Operational limits — named constants for values that would otherwise be
// scattered across multiple source files.
const (
	// NameMax is the maximum length of a nickname or group name,
	// excluding the trailing NUL carried on the wire.
	NameMax = 32

	// MaxThreadsInPool caps the ThreadsInPool configuration key.
	MaxThreadsInPool = 100

	// ListenBacklog is the accept backlog on the unix listening socket.
	ListenBacklog = 64

	// MaxUsersInList bounds the snapshot returned by USRLIST. The reply
	// payload is at most MaxUsersInList*(NameMax+1) bytes.
	MaxUsersInList = 10

	// BucketFactor is the number of hash buckets covered by one shard
	// mutex in the user and group registries.
	BucketFactor = 10

	// GroupTableShards is the shard count of the group registry. The user
	// registry is sharded by MaxConnections instead, so that under full
	// load each shard covers roughly one connected user.
	GroupTableShards = 32

	// queuePoison is the descriptor value that instructs a worker to exit.
	queuePoison = -1
)
