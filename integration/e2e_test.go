package integration

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/guildcast/gateway/internal/app/dispatch"
	"github.com/guildcast/gateway/internal/app/entitystore"
	"github.com/guildcast/gateway/internal/app/gate"
	"github.com/guildcast/gateway/internal/app/gateway"
	"github.com/guildcast/gateway/internal/app/ingest"
	"github.com/guildcast/gateway/internal/app/session"
	"github.com/guildcast/gateway/internal/app/snapshot"
	"github.com/guildcast/gateway/internal/contracts"
	"github.com/guildcast/gateway/internal/platform/auth"
)

type memoryStore struct {
	users       map[string]entitystore.PrivateUser
	memberships map[string][]entitystore.Membership
}

func (m *memoryStore) UserExists(_ context.Context, userID string) (bool, error) {
	_, ok := m.users[userID]
	return ok, nil
}

func (m *memoryStore) FindBotCredential(_ context.Context, _ string) (entitystore.BotCredential, error) {
	return entitystore.BotCredential{}, entitystore.ErrNotFound
}

func (m *memoryStore) GetPrivateUser(_ context.Context, userID string) (entitystore.PrivateUser, error) {
	u, ok := m.users[userID]
	if !ok {
		return entitystore.PrivateUser{}, entitystore.ErrNotFound
	}
	return u, nil
}

func (m *memoryStore) ListMemberships(_ context.Context, userID string) ([]entitystore.Membership, error) {
	return m.memberships[userID], nil
}

func (m *memoryStore) ListChannelsForGuilds(_ context.Context, _ []string) ([]entitystore.Channel, error) {
	return nil, nil
}

func (m *memoryStore) ListRolesForGuilds(_ context.Context, _ []string) ([]entitystore.Role, error) {
	return nil, nil
}

func (m *memoryStore) ListEmojisForGuilds(_ context.Context, _ []string) ([]entitystore.Emoji, error) {
	return nil, nil
}

func (m *memoryStore) ListStickersForGuilds(_ context.Context, _ []string) ([]entitystore.Sticker, error) {
	return nil, nil
}

func (m *memoryStore) ListDMChannels(_ context.Context, _ string) ([]entitystore.DMChannel, error) {
	return nil, nil
}

func (m *memoryStore) ListRelationships(_ context.Context, _ string) ([]entitystore.Relationship, error) {
	return nil, nil
}

func (m *memoryStore) SaveSession(_ context.Context, _ session.Record) error { return nil }

func (m *memoryStore) DeleteSession(_ context.Context, _ string) error { return nil }

type stack struct {
	server     *httptest.Server
	tokens     auth.Manager
	dispatcher *dispatch.Dispatcher
	ingest     *ingest.Service
}

func newStack(t *testing.T) *stack {
	t.Helper()

	joined := time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC)
	store := &memoryStore{
		users: map[string]entitystore.PrivateUser{
			"alice": {ID: "alice", Username: "alice", Discriminator: "0001", Locale: "en-US"},
			"bob":   {ID: "bob", Username: "bob", Discriminator: "0002", Locale: "de"},
		},
		memberships: map[string][]entitystore.Membership{
			"alice": {{
				Guild:    entitystore.Guild{ID: "guild-1", Name: "main", OwnerID: "alice"},
				UserID:   "alice",
				JoinedAt: joined,
			}},
		},
	}

	tokens := auth.NewManager("e2e-secret", time.Hour)
	dispatcher := dispatch.NewDispatcher()
	registry := session.NewRegistry(store, dispatcher)
	handler := gateway.NewHandler(gate.New(tokens, store), registry, snapshot.NewBuilder(store), dispatcher)
	dispatcher.OnSendFailure = handler.DisconnectSession

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &stack{
		server:     server,
		tokens:     tokens,
		dispatcher: dispatcher,
		ingest:     ingest.NewService(dispatcher, dispatcher),
	}
}

// connect dials, completes the hello/identify handshake and returns the
// connection after its ready payload has been consumed.
func (s *stack) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	hello := readFrame(t, ws)
	if hello.Op != contracts.OpHello {
		t.Fatalf("first frame op = %d, want hello", hello.Op)
	}

	before := s.dispatcher.SessionCount()
	token, err := s.tokens.Sign(userID)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	identify, err := json.Marshal(contracts.IdentifyPayload{Token: token})
	if err != nil {
		t.Fatalf("marshal identify: %v", err)
	}
	if err := ws.WriteJSON(contracts.Frame{Op: contracts.OpIdentify, D: identify}); err != nil {
		t.Fatalf("write identify: %v", err)
	}

	ready := readFrame(t, ws)
	if ready.T != contracts.EventReady || ready.S == nil || *ready.S != 0 {
		t.Fatalf("ready frame = type %q seq %v", ready.T, ready.S)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.dispatcher.SessionCount() < before+1 {
		if time.Now().After(deadline) {
			t.Fatal("session never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ws
}

func (s *stack) publish(t *testing.T, envelope contracts.EventEnvelope) {
	t.Helper()
	payload, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := s.ingest.Handle(payload); err != nil {
		t.Fatalf("ingest %s: %v", envelope.Type, err)
	}
}

func waitForSessions(t *testing.T, d *dispatch.Dispatcher, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for d.SessionCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("session count = %d, want %d", d.SessionCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) contracts.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame contracts.Frame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var frame contracts.Frame
	if err := ws.ReadJSON(&frame); err == nil {
		t.Fatalf("unexpected frame: op %d type %q", frame.Op, frame.T)
	}
}

func TestIdentifySnapshotDispatch(t *testing.T) {
	s := newStack(t)
	alice := s.connect(t, "alice")
	waitForSessions(t, s.dispatcher, 1)

	s.publish(t, contracts.EventEnvelope{
		EventID: "evt-1",
		Type:    contracts.EventMessageCreate,
		Target:  contracts.Target{Kind: contracts.TargetGuild, ID: "guild-1"},
		Payload: json.RawMessage(`{"content":"hi"}`),
	})

	frame := readFrame(t, alice)
	if frame.T != contracts.EventMessageCreate {
		t.Fatalf("frame type = %q", frame.T)
	}
	if frame.S == nil || *frame.S != 1 {
		t.Fatalf("sequence = %v, want 1", frame.S)
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(frame.D, &payload); err != nil || payload.Content != "hi" {
		t.Fatalf("payload = %s err = %v", frame.D, err)
	}
}

func TestGuildMembershipFlow(t *testing.T) {
	s := newStack(t)
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")
	waitForSessions(t, s.dispatcher, 2)

	// Bob starts with no guilds, so guild events do not reach him.
	s.publish(t, contracts.EventEnvelope{
		EventID: "evt-1",
		Type:    contracts.EventMessageCreate,
		Target:  contracts.Target{Kind: contracts.TargetGuild, ID: "guild-1"},
	})
	if frame := readFrame(t, alice); frame.T != contracts.EventMessageCreate {
		t.Fatalf("alice frame = %q", frame.T)
	}
	expectSilence(t, bob)

	// Joining subscribes Bob before the member-add is fanned out. He first
	// learns about the guild itself through a user-scoped guild-create, then
	// sees his own join like every other member.
	s.publish(t, contracts.EventEnvelope{
		EventID:      "evt-2",
		Type:         contracts.EventGuildMemberAdd,
		Target:       contracts.Target{Kind: contracts.TargetGuild, ID: "guild-1"},
		MemberUserID: "bob",
		Guild:        json.RawMessage(`{"id":"guild-1","name":"main"}`),
	})
	frame := readFrame(t, bob)
	if frame.T != contracts.EventGuildCreate || frame.S == nil || *frame.S != 1 {
		t.Fatalf("bob frame = %q seq %v, want guild create seq 1", frame.T, frame.S)
	}
	var joinedGuild struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(frame.D, &joinedGuild); err != nil || joinedGuild.ID != "guild-1" || joinedGuild.Name != "main" {
		t.Fatalf("guild create payload = %s err = %v", frame.D, err)
	}
	if frame := readFrame(t, bob); frame.T != contracts.EventGuildMemberAdd || frame.S == nil || *frame.S != 2 {
		t.Fatalf("bob frame = %q seq %v, want member add seq 2", frame.T, frame.S)
	}
	if frame := readFrame(t, alice); frame.T != contracts.EventGuildMemberAdd {
		t.Fatalf("alice frame = %q", frame.T)
	}

	s.publish(t, contracts.EventEnvelope{
		EventID: "evt-3",
		Type:    contracts.EventMessageCreate,
		Target:  contracts.Target{Kind: contracts.TargetGuild, ID: "guild-1"},
	})
	if frame := readFrame(t, bob); frame.T != contracts.EventMessageCreate {
		t.Fatalf("bob frame = %q", frame.T)
	}
	readFrame(t, alice)

	// The removal itself is still delivered; everything after it is not.
	s.publish(t, contracts.EventEnvelope{
		EventID:      "evt-4",
		Type:         contracts.EventGuildMemberRemove,
		Target:       contracts.Target{Kind: contracts.TargetGuild, ID: "guild-1"},
		MemberUserID: "bob",
	})
	if frame := readFrame(t, bob); frame.T != contracts.EventGuildMemberRemove {
		t.Fatalf("bob frame = %q", frame.T)
	}
	readFrame(t, alice)

	s.publish(t, contracts.EventEnvelope{
		EventID: "evt-5",
		Type:    contracts.EventMessageCreate,
		Target:  contracts.Target{Kind: contracts.TargetGuild, ID: "guild-1"},
	})
	if frame := readFrame(t, alice); frame.T != contracts.EventMessageCreate {
		t.Fatalf("alice frame = %q", frame.T)
	}
	expectSilence(t, bob)
}

func TestTwoSessionsIndependentSequences(t *testing.T) {
	s := newStack(t)
	first := s.connect(t, "alice")
	second := s.connect(t, "alice")
	waitForSessions(t, s.dispatcher, 2)

	for i := 1; i <= 3; i++ {
		s.publish(t, contracts.EventEnvelope{
			EventID: "evt",
			Type:    contracts.EventRelationshipAdd,
			Target:  contracts.Target{Kind: contracts.TargetUser, ID: "alice"},
		})
		for _, ws := range []*websocket.Conn{first, second} {
			frame := readFrame(t, ws)
			if frame.T != contracts.EventRelationshipAdd {
				t.Fatalf("frame type = %q", frame.T)
			}
			if frame.S == nil || *frame.S != uint64(i) {
				t.Fatalf("sequence = %v, want %d", frame.S, i)
			}
		}
	}
}
