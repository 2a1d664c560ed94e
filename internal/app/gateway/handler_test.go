package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/guildcast/gateway/internal/app/dispatch"
	"github.com/guildcast/gateway/internal/app/entitystore"
	"github.com/guildcast/gateway/internal/app/gate"
	"github.com/guildcast/gateway/internal/app/session"
	"github.com/guildcast/gateway/internal/app/snapshot"
	"github.com/guildcast/gateway/internal/contracts"
	"github.com/guildcast/gateway/internal/platform/auth"
)

type fakeStore struct {
	users       map[string]entitystore.PrivateUser
	memberships map[string][]entitystore.Membership
}

func (f *fakeStore) UserExists(_ context.Context, userID string) (bool, error) {
	_, ok := f.users[userID]
	return ok, nil
}

func (f *fakeStore) FindBotCredential(_ context.Context, _ string) (entitystore.BotCredential, error) {
	return entitystore.BotCredential{}, entitystore.ErrNotFound
}

func (f *fakeStore) GetPrivateUser(_ context.Context, userID string) (entitystore.PrivateUser, error) {
	u, ok := f.users[userID]
	if !ok {
		return entitystore.PrivateUser{}, entitystore.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) ListMemberships(_ context.Context, userID string) ([]entitystore.Membership, error) {
	return f.memberships[userID], nil
}

func (f *fakeStore) ListChannelsForGuilds(_ context.Context, _ []string) ([]entitystore.Channel, error) {
	return nil, nil
}

func (f *fakeStore) ListRolesForGuilds(_ context.Context, _ []string) ([]entitystore.Role, error) {
	return nil, nil
}

func (f *fakeStore) ListEmojisForGuilds(_ context.Context, _ []string) ([]entitystore.Emoji, error) {
	return nil, nil
}

func (f *fakeStore) ListStickersForGuilds(_ context.Context, _ []string) ([]entitystore.Sticker, error) {
	return nil, nil
}

func (f *fakeStore) ListDMChannels(_ context.Context, _ string) ([]entitystore.DMChannel, error) {
	return nil, nil
}

func (f *fakeStore) ListRelationships(_ context.Context, _ string) ([]entitystore.Relationship, error) {
	return nil, nil
}

func (f *fakeStore) SaveSession(_ context.Context, _ session.Record) error { return nil }

func (f *fakeStore) DeleteSession(_ context.Context, _ string) error { return nil }

type fixture struct {
	server     *httptest.Server
	tokens     auth.Manager
	dispatcher *dispatch.Dispatcher
	registry   *session.Registry
	handler    *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithWindow(t, defaultIdentifyWindow)
}

func newFixtureWithWindow(t *testing.T, identifyWindow time.Duration) *fixture {
	t.Helper()

	store := &fakeStore{
		users: map[string]entitystore.PrivateUser{
			"user-1": {ID: "user-1", Username: "ada", Discriminator: "0001", Locale: "en-GB"},
		},
		memberships: map[string][]entitystore.Membership{
			"user-1": {{
				Guild:    entitystore.Guild{ID: "guild-1", Name: "lab", OwnerID: "user-1"},
				UserID:   "user-1",
				JoinedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			}},
		},
	}

	tokens := auth.NewManager("test-secret", time.Hour)
	dispatcher := dispatch.NewDispatcher()
	registry := session.NewRegistry(store, dispatcher)
	handler := NewHandler(gate.New(tokens, store), registry, snapshot.NewBuilder(store), dispatcher)
	handler.IdentifyWindow = identifyWindow

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &fixture{server: server, tokens: tokens, dispatcher: dispatcher, registry: registry, handler: handler}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
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

func sendIdentify(t *testing.T, ws *websocket.Conn, ident contracts.IdentifyPayload) {
	t.Helper()
	data, err := json.Marshal(ident)
	if err != nil {
		t.Fatalf("marshal identify: %v", err)
	}
	if err := ws.WriteJSON(contracts.Frame{Op: contracts.OpIdentify, D: data}); err != nil {
		t.Fatalf("write identify: %v", err)
	}
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var frame contracts.Frame
		err := ws.ReadJSON(&frame)
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("read = %v, want close error", err)
		}
		if closeErr.Code != code {
			t.Fatalf("close code = %d, want %d", closeErr.Code, code)
		}
		return
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

func signToken(t *testing.T, tokens auth.Manager, userID string) string {
	t.Helper()
	token, err := tokens.Sign(userID)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestIdentifyFlowDeliversHelloAndReady(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	hello := readFrame(t, ws)
	if hello.Op != contracts.OpHello {
		t.Fatalf("first frame op = %d, want hello", hello.Op)
	}
	var helloPayload contracts.HelloPayload
	if err := json.Unmarshal(hello.D, &helloPayload); err != nil {
		t.Fatalf("unmarshal hello: %v", err)
	}
	if helloPayload.HeartbeatIntervalMS <= 0 {
		t.Errorf("heartbeat_interval = %d", helloPayload.HeartbeatIntervalMS)
	}

	sendIdentify(t, ws, contracts.IdentifyPayload{Token: signToken(t, f.tokens, "user-1")})

	ready := readFrame(t, ws)
	if ready.Op != contracts.OpDispatch || ready.T != contracts.EventReady {
		t.Fatalf("frame = op %d type %q, want ready dispatch", ready.Op, ready.T)
	}
	if ready.S == nil || *ready.S != 0 {
		t.Fatalf("ready sequence = %v, want 0", ready.S)
	}

	var snap struct {
		Version   int                     `json:"v"`
		User      entitystore.PrivateUser `json:"user"`
		SessionID string                  `json:"session_id"`
		Guilds    []json.RawMessage       `json:"guilds"`
	}
	if err := json.Unmarshal(ready.D, &snap); err != nil {
		t.Fatalf("unmarshal ready: %v", err)
	}
	if snap.Version != 8 || snap.User.ID != "user-1" || snap.SessionID == "" {
		t.Errorf("ready payload = %+v", snap)
	}
	if len(snap.Guilds) != 1 {
		t.Errorf("guilds = %d, want 1", len(snap.Guilds))
	}
}

func TestDispatchAfterReadyCarriesIncreasingSequence(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	readFrame(t, ws)
	sendIdentify(t, ws, contracts.IdentifyPayload{Token: signToken(t, f.tokens, "user-1")})
	readFrame(t, ws)
	waitForSessions(t, f.dispatcher, 1)

	for i := 0; i < 3; i++ {
		err := f.dispatcher.Publish(contracts.EventEnvelope{
			EventID: "evt-" + string(rune('a'+i)),
			Type:    contracts.EventGuildUpdate,
			Target:  contracts.Target{Kind: contracts.TargetGuild, ID: "guild-1"},
			Payload: json.RawMessage(`{}`),
		})
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		frame := readFrame(t, ws)
		if frame.Op != contracts.OpDispatch || frame.T != contracts.EventGuildUpdate {
			t.Fatalf("frame %d = op %d type %q", i, frame.Op, frame.T)
		}
		if frame.S == nil || *frame.S != uint64(i+1) {
			t.Fatalf("frame %d sequence = %v, want %d", i, frame.S, i+1)
		}
	}
}

func TestHeartbeatAcknowledged(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	readFrame(t, ws)
	if err := ws.WriteJSON(contracts.Frame{Op: contracts.OpHeartbeat}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	ack := readFrame(t, ws)
	if ack.Op != contracts.OpHeartbeatACK {
		t.Fatalf("frame op = %d, want heartbeat ack", ack.Op)
	}
}

func TestIdentifyTimeoutCloses(t *testing.T) {
	f := newFixtureWithWindow(t, 200*time.Millisecond)
	ws := f.dial(t)

	readFrame(t, ws)
	expectClose(t, ws, contracts.CloseSessionTimedOut)
}

func TestHeartbeatsDoNotExtendIdentifyWindow(t *testing.T) {
	f := newFixtureWithWindow(t, 300*time.Millisecond)
	ws := f.dial(t)

	readFrame(t, ws)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := ws.WriteJSON(contracts.Frame{Op: contracts.OpHeartbeat}); err != nil {
					return
				}
			}
		}
	}()

	// expectClose skips over the heartbeat ACKs still in flight.
	expectClose(t, ws, contracts.CloseSessionTimedOut)
}

func TestBadTokenClosesAuthenticationFailed(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	readFrame(t, ws)
	sendIdentify(t, ws, contracts.IdentifyPayload{Token: "not-a-token"})
	expectClose(t, ws, contracts.CloseAuthenticationFailed)
}

func TestUnknownUserClosesAuthenticationFailed(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	readFrame(t, ws)
	sendIdentify(t, ws, contracts.IdentifyPayload{Token: signToken(t, f.tokens, "user-ghost")})
	expectClose(t, ws, contracts.CloseAuthenticationFailed)
}

func TestInvalidShardCloses(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	readFrame(t, ws)
	shard := [2]int{5, 2}
	sendIdentify(t, ws, contracts.IdentifyPayload{
		Token: signToken(t, f.tokens, "user-1"),
		Shard: &shard,
	})
	expectClose(t, ws, contracts.CloseInvalidShard)
}

func TestReidentifyCloses(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	readFrame(t, ws)
	token := signToken(t, f.tokens, "user-1")
	sendIdentify(t, ws, contracts.IdentifyPayload{Token: token})
	readFrame(t, ws)

	sendIdentify(t, ws, contracts.IdentifyPayload{Token: token})
	expectClose(t, ws, contracts.CloseAlreadyIdentified)
}

func TestMalformedFrameCloses(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	readFrame(t, ws)
	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, ws, contracts.CloseDecodeError)
}

func TestIdentifyFailureHookReportsCloseCode(t *testing.T) {
	f := newFixture(t)
	codes := make(chan int, 1)
	f.handler.OnIdentifyFailure = func(code int) { codes <- code }

	ws := f.dial(t)
	readFrame(t, ws)
	sendIdentify(t, ws, contracts.IdentifyPayload{Token: "not-a-token"})
	expectClose(t, ws, contracts.CloseAuthenticationFailed)

	select {
	case code := <-codes:
		if code != contracts.CloseAuthenticationFailed {
			t.Fatalf("failure hook code = %d, want %d", code, contracts.CloseAuthenticationFailed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("failure hook never called")
	}
}

func TestConnectionHooksTrackLifecycle(t *testing.T) {
	f := newFixture(t)
	connects := make(chan struct{}, 1)
	disconnects := make(chan struct{}, 1)
	snapshots := make(chan error, 1)
	f.handler.OnConnect = func() { connects <- struct{}{} }
	f.handler.OnDisconnect = func() { disconnects <- struct{}{} }
	f.handler.OnSnapshotBuild = func(err error) { snapshots <- err }

	ws := f.dial(t)
	readFrame(t, ws)
	sendIdentify(t, ws, contracts.IdentifyPayload{Token: signToken(t, f.tokens, "user-1")})
	readFrame(t, ws)
	waitForSessions(t, f.dispatcher, 1)

	select {
	case <-connects:
	default:
		t.Fatal("connect hook never called")
	}
	select {
	case err := <-snapshots:
		if err != nil {
			t.Fatalf("snapshot hook err = %v", err)
		}
	default:
		t.Fatal("snapshot hook never called")
	}

	ws.Close()
	select {
	case <-disconnects:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect hook never called")
	}
}

func TestClientDisconnectDetachesSession(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	readFrame(t, ws)
	sendIdentify(t, ws, contracts.IdentifyPayload{Token: signToken(t, f.tokens, "user-1")})
	readFrame(t, ws)
	waitForSessions(t, f.dispatcher, 1)
	if f.registry.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", f.registry.Count())
	}

	ws.Close()
	waitForSessions(t, f.dispatcher, 0)

	deadline := time.Now().Add(5 * time.Second)
	for f.registry.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("registry count = %d after disconnect", f.registry.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
