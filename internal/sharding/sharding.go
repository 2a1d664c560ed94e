package sharding

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/guildcast/gateway/internal/contracts"
)

// SubjectShardCount is the fixed number of partitions for the dispatch
// stream. Independent of client-declared shard counts.
const SubjectShardCount = 1024

// ErrInvalidShard rejects malformed shard declarations at identify time.
var ErrInvalidShard = errors.New("invalid shard declaration")

// Declaration is the optional [shard_id, shard_count] pair a bot-style
// client presents at identify time.
type Declaration struct {
	ID    int
	Count int
}

// Validate checks shard_id ∈ [0, shard_count) and shard_count > 0.
func (d Declaration) Validate() error {
	if d.Count <= 0 {
		return ErrInvalidShard
	}
	if d.ID < 0 || d.ID >= d.Count {
		return ErrInvalidShard
	}
	return nil
}

// ShardForGuild maps a guild to one of shardCount client shards. Entity IDs
// are opaque strings, so the mapping hashes rather than decoding them.
func ShardForGuild(guildID string, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	checksum := crc32.ChecksumIEEE([]byte(guildID))
	return int(checksum % uint32(shardCount))
}

// SubjectShardID calculates the deterministic dispatch-stream partition for
// a target ID.
func SubjectShardID(targetID string) int {
	checksum := crc32.ChecksumIEEE([]byte(targetID))
	return int(checksum % SubjectShardCount)
}

// DispatchSubject returns the NATS subject an envelope targeting the given
// scope is published on.
// Format: app.dispatch.{shard_id}.{target_kind}.{target_id}
func DispatchSubject(target contracts.Target) string {
	if target.Kind == contracts.TargetBroadcast {
		return "app.dispatch.0.broadcast.all"
	}
	return fmt.Sprintf("app.dispatch.%d.%s.%s", SubjectShardID(target.ID), target.Kind, target.ID)
}
