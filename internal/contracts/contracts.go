package contracts

import (
	"encoding/json"
	"time"
)

// Gateway opcodes, wire-compatible with the target protocol.
const (
	OpDispatch     = 0
	OpHeartbeat    = 1
	OpIdentify     = 2
	OpHello        = 10
	OpHeartbeatACK = 11
)

// Close codes sent when a connection is terminated by the gateway.
const (
	CloseDecodeError          = 4002
	CloseAuthenticationFailed = 4004
	CloseAlreadyIdentified    = 4005
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
)

// Target kinds for event routing.
const (
	TargetUser      = "user"
	TargetGuild     = "guild"
	TargetChannel   = "channel"
	TargetBroadcast = "broadcast"
)

// Event types dispatched to sessions.
const (
	EventReady              = "READY"
	EventGuildCreate        = "GUILD_CREATE"
	EventGuildUpdate        = "GUILD_UPDATE"
	EventGuildDelete        = "GUILD_DELETE"
	EventGuildMemberAdd     = "GUILD_MEMBER_ADD"
	EventGuildMemberRemove  = "GUILD_MEMBER_REMOVE"
	EventChannelCreate      = "CHANNEL_CREATE"
	EventChannelUpdate      = "CHANNEL_UPDATE"
	EventChannelDelete      = "CHANNEL_DELETE"
	EventThreadCreate       = "THREAD_CREATE"
	EventMessageCreate      = "MESSAGE_CREATE"
	EventRelationshipAdd    = "RELATIONSHIP_ADD"
	EventRelationshipRemove = "RELATIONSHIP_REMOVE"
)

// Intent bits a session declares at identify time. Events whose category is
// not covered by the session's intent mask are not delivered to it.
const (
	IntentGuilds         uint64 = 1 << 0
	IntentGuildMembers   uint64 = 1 << 1
	IntentGuildMessages  uint64 = 1 << 9
	IntentDirectMessages uint64 = 1 << 12
)

// DefaultIntents is applied when the identify frame omits an intent mask.
const DefaultIntents uint64 = 0b11111111111111

// Target identifies the audience of an event. ID is empty for broadcast.
type Target struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// EventEnvelope is the unit published by state-mutating producers and fanned
// out to matching sessions. Immutable once created.
//
// MemberUserID carries the affected user for membership events so the
// routing table can be updated in the same ordered step as the publish; it
// is a routing hint, not part of the delivered payload.
//
// Guild carries the full guild object on member-add events. Producers load
// it alongside the membership write; the gateway delivers it to the joining
// user as the payload of the guild-create announcing the guild.
type EventEnvelope struct {
	EventID      string          `json:"event_id"`
	Type         string          `json:"type"`
	Target       Target          `json:"target"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	MemberUserID string          `json:"member_user_id,omitempty"`
	Guild        json.RawMessage `json:"guild,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// Frame is the websocket message shape exchanged with clients.
type Frame struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *uint64         `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// IdentifyPayload is the d field of an identify frame.
type IdentifyPayload struct {
	Token   string  `json:"token"`
	Intents *uint64 `json:"intents,omitempty"`
	Shard   *[2]int `json:"shard,omitempty"`
}

// HelloPayload is the d field of the hello frame sent on connect.
type HelloPayload struct {
	HeartbeatIntervalMS int `json:"heartbeat_interval"`
}

// RequiredIntent maps an event type to the intent bit a session must have
// declared to receive it. Zero means the event is always delivered.
func RequiredIntent(eventType string) uint64 {
	switch eventType {
	case EventGuildCreate, EventGuildUpdate, EventGuildDelete,
		EventChannelCreate, EventChannelUpdate, EventChannelDelete,
		EventThreadCreate:
		return IntentGuilds
	case EventGuildMemberAdd, EventGuildMemberRemove:
		return IntentGuildMembers
	case EventMessageCreate:
		return IntentGuildMessages
	case EventRelationshipAdd, EventRelationshipRemove:
		return IntentDirectMessages
	default:
		return 0
	}
}
