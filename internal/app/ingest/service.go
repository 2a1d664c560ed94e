package ingest

import (
	"encoding/json"
	"errors"

	"github.com/guildcast/gateway/internal/app/dispatch"
	"github.com/guildcast/gateway/internal/contracts"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")

// Router is the routing-table surface membership events mutate.
type Router interface {
	JoinGuild(userID, guildID string)
	LeaveGuild(userID, guildID string)
	JoinChannel(userID, channelID string)
	LeaveChannel(userID, channelID string)
	DropGuild(guildID string)
	DropChannel(channelID string)
}

// Service bridges broker-delivered envelopes into the in-process
// dispatcher. Membership events mutate the routing table in the same
// ordered step as their publish, so a session never observes an event
// inconsistent with its own membership view: scope gains apply before the
// publish, scope losses after it.
type Service struct {
	Publisher dispatch.Publisher
	Router    Router
}

func NewService(publisher dispatch.Publisher, router Router) *Service {
	return &Service{Publisher: publisher, Router: router}
}

// Handle processes one broker message. ErrInvalidEventPayload and
// dispatch.ErrInvalidTarget both mean the message is not retryable.
func (s *Service) Handle(payload []byte) error {
	var envelope contracts.EventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ErrInvalidEventPayload
	}
	if envelope.Type == "" {
		return ErrInvalidEventPayload
	}

	s.applyScopeGains(envelope)
	if err := s.announceJoinedGuild(envelope); err != nil {
		return err
	}
	if err := s.Publisher.Publish(envelope); err != nil {
		return err
	}
	s.applyScopeLosses(envelope)
	return nil
}

// announceJoinedGuild delivers a user-scoped guild-create to the member who
// just joined, ahead of the guild-wide member-add, so the new member's
// sessions learn about the guild itself first. The guild object comes from
// the envelope's Guild field; a producer that omits it still gets the guild
// id announced.
func (s *Service) announceJoinedGuild(envelope contracts.EventEnvelope) error {
	if envelope.Type != contracts.EventGuildMemberAdd || envelope.MemberUserID == "" {
		return nil
	}
	if envelope.Target.Kind != contracts.TargetGuild || envelope.Target.ID == "" {
		return nil
	}
	joined := envelope
	joined.Type = contracts.EventGuildCreate
	joined.Target = contracts.Target{Kind: contracts.TargetUser, ID: envelope.MemberUserID}
	joined.MemberUserID = ""
	joined.Guild = nil
	joined.Payload = envelope.Guild
	if len(joined.Payload) == 0 {
		fallback, err := json.Marshal(struct {
			ID string `json:"id"`
		}{ID: envelope.Target.ID})
		if err != nil {
			return err
		}
		joined.Payload = fallback
	}
	return s.Publisher.Publish(joined)
}

func (s *Service) applyScopeGains(envelope contracts.EventEnvelope) {
	if s.Router == nil || envelope.MemberUserID == "" {
		return
	}
	switch envelope.Type {
	case contracts.EventGuildMemberAdd:
		if envelope.Target.Kind == contracts.TargetGuild && envelope.Target.ID != "" {
			s.Router.JoinGuild(envelope.MemberUserID, envelope.Target.ID)
		}
	case contracts.EventChannelCreate:
		if envelope.Target.Kind == contracts.TargetChannel && envelope.Target.ID != "" {
			s.Router.JoinChannel(envelope.MemberUserID, envelope.Target.ID)
		}
	}
}

func (s *Service) applyScopeLosses(envelope contracts.EventEnvelope) {
	if s.Router == nil {
		return
	}
	switch envelope.Type {
	case contracts.EventGuildMemberRemove:
		if envelope.Target.Kind == contracts.TargetGuild && envelope.MemberUserID != "" {
			s.Router.LeaveGuild(envelope.MemberUserID, envelope.Target.ID)
		}
	case contracts.EventGuildDelete:
		if envelope.Target.Kind == contracts.TargetGuild {
			s.Router.DropGuild(envelope.Target.ID)
		}
	case contracts.EventChannelDelete:
		switch envelope.Target.Kind {
		case contracts.TargetChannel:
			if envelope.MemberUserID != "" {
				s.Router.LeaveChannel(envelope.MemberUserID, envelope.Target.ID)
			} else {
				s.Router.DropChannel(envelope.Target.ID)
			}
		}
	}
}
