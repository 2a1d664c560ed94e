package dispatch

import (
	"errors"
	"log"
	"sync"

	"github.com/guildcast/gateway/internal/app/session"
	"github.com/guildcast/gateway/internal/contracts"
)

// ErrInvalidTarget marks a publish with no determinable audience. This is a
// programming error in the producer, never silently swallowed.
var ErrInvalidTarget = errors.New("invalid event target")

// Sink is one session's transport-send path. Send must not block: the
// transport owns a bounded outbound buffer and reports an error when the
// session can no longer accept frames.
type Sink interface {
	Send(frame contracts.Frame) error
}

// Publisher is the write entry point producers use to announce a state
// change. The in-process Dispatcher implements it; a broker-backed
// implementation can substitute for multi-instance deployments.
type Publisher interface {
	Publish(envelope contracts.EventEnvelope) error
}

type entry struct {
	sess *session.Session
	sink Sink

	// Serializes sequence claim + enqueue per session so concurrent
	// publishers cannot invert delivery order.
	sendMu sync.Mutex

	guilds   map[string]bool
	channels map[string]bool
}

// Dispatcher routes event envelopes to every session subscribed to the
// target scope. The routing table tolerates many concurrent publishers and
// occasional membership writers; it is never locked across a send.
type Dispatcher struct {
	// OnSendFailure is invoked with the session id when that session's
	// transport path rejects a frame. The session is expected to be closed
	// by the owner; delivery to other sessions is unaffected.
	OnSendFailure func(sessionID string)
	OnDispatch    func(eventType string)
	OnDrop        func(eventType string)

	mu        sync.RWMutex
	sessions  map[string]*entry
	byUser    map[string]map[string]*entry
	byGuild   map[string]map[string]*entry
	byChannel map[string]map[string]*entry
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		sessions:  make(map[string]*entry),
		byUser:    make(map[string]map[string]*entry),
		byGuild:   make(map[string]map[string]*entry),
		byChannel: make(map[string]map[string]*entry),
	}
}

// Attach registers a session as a fan-out subscriber. Called only after the
// session's snapshot has been fully delivered.
func (d *Dispatcher) Attach(sess *session.Session, sink Sink, guildIDs, channelIDs []string) {
	e := &entry{
		sess:     sess,
		sink:     sink,
		guilds:   make(map[string]bool, len(guildIDs)),
		channels: make(map[string]bool, len(channelIDs)),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.sessions[sess.ID] = e
	addIndex(d.byUser, sess.UserID, sess.ID, e)
	for _, guildID := range guildIDs {
		e.guilds[guildID] = true
		addIndex(d.byGuild, guildID, sess.ID, e)
	}
	for _, channelID := range channelIDs {
		e.channels[channelID] = true
		addIndex(d.byChannel, channelID, sess.ID, e)
	}
}

// Detach removes a session from every routing entry. Idempotent.
func (d *Dispatcher) Detach(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.sessions[sessionID]
	if !ok {
		return
	}
	delete(d.sessions, sessionID)
	removeIndex(d.byUser, e.sess.UserID, sessionID)
	for guildID := range e.guilds {
		removeIndex(d.byGuild, guildID, sessionID)
	}
	for channelID := range e.channels {
		removeIndex(d.byChannel, channelID, sessionID)
	}
}

// JoinGuild subscribes all of a user's live sessions to a guild scope.
func (d *Dispatcher) JoinGuild(userID, guildID string) {
	d.joinScope(userID, guildID, d.byGuild, func(e *entry) map[string]bool { return e.guilds })
}

// LeaveGuild removes all of a user's live sessions from a guild scope.
func (d *Dispatcher) LeaveGuild(userID, guildID string) {
	d.leaveScope(userID, guildID, d.byGuild, func(e *entry) map[string]bool { return e.guilds })
}

// JoinChannel subscribes all of a user's live sessions to a channel scope.
func (d *Dispatcher) JoinChannel(userID, channelID string) {
	d.joinScope(userID, channelID, d.byChannel, func(e *entry) map[string]bool { return e.channels })
}

// LeaveChannel removes all of a user's live sessions from a channel scope.
func (d *Dispatcher) LeaveChannel(userID, channelID string) {
	d.leaveScope(userID, channelID, d.byChannel, func(e *entry) map[string]bool { return e.channels })
}

// DropGuild removes a guild scope entirely (guild deleted).
func (d *Dispatcher) DropGuild(guildID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.byGuild[guildID] {
		delete(e.guilds, guildID)
	}
	delete(d.byGuild, guildID)
}

// DropChannel removes a channel scope entirely (channel deleted).
func (d *Dispatcher) DropChannel(channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.byChannel[channelID] {
		delete(e.channels, channelID)
	}
	delete(d.byChannel, channelID)
}

func (d *Dispatcher) joinScope(userID, scopeID string, index map[string]map[string]*entry, scopes func(*entry) map[string]bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for sessionID, e := range d.byUser[userID] {
		scopes(e)[scopeID] = true
		addIndex(index, scopeID, sessionID, e)
	}
}

func (d *Dispatcher) leaveScope(userID, scopeID string, index map[string]map[string]*entry, scopes func(*entry) map[string]bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for sessionID, e := range d.byUser[userID] {
		delete(scopes(e), scopeID)
		removeIndex(index, scopeID, sessionID)
	}
}

// Publish delivers the envelope to every matching live session, tagging
// each delivery with that session's next sequence number. Fan-out is
// multicast and best-effort per session: a failing or slow session is
// logged and reported through OnSendFailure without affecting the rest.
func (d *Dispatcher) Publish(envelope contracts.EventEnvelope) error {
	targets, err := d.resolve(envelope.Target)
	if err != nil {
		return err
	}

	required := contracts.RequiredIntent(envelope.Type)
	for _, e := range targets {
		if required != 0 && e.sess.Intents&required == 0 {
			continue
		}
		e.sendMu.Lock()
		seq := e.sess.NextSeq()
		frame := contracts.Frame{
			Op: contracts.OpDispatch,
			T:  envelope.Type,
			S:  &seq,
			D:  envelope.Payload,
		}
		sendErr := e.sink.Send(frame)
		e.sendMu.Unlock()

		if sendErr != nil {
			log.Printf("dispatch to session %s failed, dropping: %v", e.sess.ID, sendErr)
			if d.OnDrop != nil {
				d.OnDrop(envelope.Type)
			}
			if d.OnSendFailure != nil {
				d.OnSendFailure(e.sess.ID)
			}
			continue
		}
		if d.OnDispatch != nil {
			d.OnDispatch(envelope.Type)
		}
	}
	return nil
}

// resolve snapshots the matching entries under the read lock; sends happen
// after the lock is released.
func (d *Dispatcher) resolve(target contracts.Target) ([]*entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch target.Kind {
	case contracts.TargetBroadcast:
		targets := make([]*entry, 0, len(d.sessions))
		for _, e := range d.sessions {
			targets = append(targets, e)
		}
		return targets, nil
	case contracts.TargetUser:
		if target.ID == "" {
			return nil, ErrInvalidTarget
		}
		return collectIndex(d.byUser, target.ID), nil
	case contracts.TargetGuild:
		if target.ID == "" {
			return nil, ErrInvalidTarget
		}
		return collectIndex(d.byGuild, target.ID), nil
	case contracts.TargetChannel:
		if target.ID == "" {
			return nil, ErrInvalidTarget
		}
		return collectIndex(d.byChannel, target.ID), nil
	default:
		return nil, ErrInvalidTarget
	}
}

// SessionCount reports the number of attached fan-out subscribers.
func (d *Dispatcher) SessionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

func addIndex(index map[string]map[string]*entry, key, sessionID string, e *entry) {
	bucket, ok := index[key]
	if !ok {
		bucket = make(map[string]*entry)
		index[key] = bucket
	}
	bucket[sessionID] = e
}

func removeIndex(index map[string]map[string]*entry, key, sessionID string) {
	bucket, ok := index[key]
	if !ok {
		return
	}
	delete(bucket, sessionID)
	if len(bucket) == 0 {
		delete(index, key)
	}
}

func collectIndex(index map[string]map[string]*entry, key string) []*entry {
	bucket := index[key]
	targets := make([]*entry, 0, len(bucket))
	for _, e := range bucket {
		targets = append(targets, e)
	}
	return targets
}
