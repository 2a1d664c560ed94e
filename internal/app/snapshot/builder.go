package snapshot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/guildcast/gateway/internal/app/entitystore"
)

// Store is the read-only slice of the entity store the builder gathers
// from. All methods return flat projections; the builder does the shaping.
type Store interface {
	GetPrivateUser(ctx context.Context, userID string) (entitystore.PrivateUser, error)
	ListMemberships(ctx context.Context, userID string) ([]entitystore.Membership, error)
	ListChannelsForGuilds(ctx context.Context, guildIDs []string) ([]entitystore.Channel, error)
	ListRolesForGuilds(ctx context.Context, guildIDs []string) ([]entitystore.Role, error)
	ListEmojisForGuilds(ctx context.Context, guildIDs []string) ([]entitystore.Emoji, error)
	ListStickersForGuilds(ctx context.Context, guildIDs []string) ([]entitystore.Sticker, error)
	ListDMChannels(ctx context.Context, userID string) ([]entitystore.DMChannel, error)
	ListRelationships(ctx context.Context, userID string) ([]entitystore.Relationship, error)
}

// GuildView is a guild annotated for the ready payload.
type GuildView struct {
	entitystore.Guild
	JoinedAt time.Time             `json:"joined_at"`
	Channels []entitystore.Channel `json:"channels"`
	Roles    []entitystore.Role    `json:"roles"`
	Emojis   []entitystore.Emoji   `json:"emojis"`
	Stickers []entitystore.Sticker `json:"stickers"`
	Threads  []any                 `json:"threads"`
}

// MergedMember is the caller's own member row per guild.
type MergedMember struct {
	UserID   string    `json:"id"`
	GuildID  string    `json:"guild_id"`
	Nick     string    `json:"nick,omitempty"`
	Roles    []string  `json:"roles"`
	JoinedAt time.Time `json:"joined_at"`
}

// UserSettings is the slim settings view carried in the ready payload.
type UserSettings struct {
	Locale string `json:"locale"`
	Status string `json:"status"`
}

// SettingsEntries wraps per-guild settings the way the wire format expects.
type SettingsEntries struct {
	Entries []entitystore.GuildSettings `json:"entries"`
	Partial bool                        `json:"partial"`
	Version int                         `json:"version"`
}

// ReadState is a placeholder block kept for wire compatibility.
type ReadState struct {
	Entries []any `json:"entries"`
	Partial bool  `json:"partial"`
	Version int   `json:"version"`
}

// Snapshot is the full initial-state bundle assembled once per identify.
// SessionID is filled in by the transport layer before delivery; everything
// else is a pure function of the user's stored state.
type Snapshot struct {
	Version               int                         `json:"v"`
	User                  entitystore.PrivateUser     `json:"user"`
	UserSettings          UserSettings                `json:"user_settings"`
	Guilds                []GuildView                 `json:"guilds"`
	PrivateChannels       []entitystore.DMChannel     `json:"private_channels"`
	Relationships         []entitystore.Relationship  `json:"relationships"`
	Users                 []entitystore.PublicUser    `json:"users"`
	MergedMembers         [][]MergedMember            `json:"merged_members"`
	UserGuildSettings     SettingsEntries             `json:"user_guild_settings"`
	ReadState             ReadState                   `json:"read_state"`
	AnalyticsToken        string                      `json:"analytics_token"`
	ConnectedAccounts     []any                       `json:"connected_accounts"`
	CountryCode           string                      `json:"country_code"`
	FriendSuggestionCount int                         `json:"friend_suggestion_count"`
	GuildJoinRequests     []any                       `json:"guild_join_requests"`
	SessionID             string                      `json:"session_id"`
}

// GuildIDs returns the guild scopes the session subscribes to at ready.
func (s *Snapshot) GuildIDs() []string {
	ids := make([]string, 0, len(s.Guilds))
	for _, g := range s.Guilds {
		ids = append(ids, g.ID)
	}
	return ids
}

// ChannelIDs returns the DM/group-DM channel scopes the session subscribes
// to at ready. Guild channels are covered by their guild scope.
func (s *Snapshot) ChannelIDs() []string {
	ids := make([]string, 0, len(s.PrivateChannels))
	for _, c := range s.PrivateChannels {
		ids = append(ids, c.ID)
	}
	return ids
}

// Builder assembles snapshots. Two builds for the same unchanged state
// produce structurally equal results: every list is explicitly sorted and
// nothing depends on map iteration order.
type Builder struct {
	Store   Store
	Version int
}

func NewBuilder(store Store) *Builder {
	return &Builder{Store: store, Version: 8}
}

// Build gathers and shapes the initial state for one user. Any store error
// aborts the whole build; a partial snapshot is never returned.
func (b *Builder) Build(ctx context.Context, userID string) (*Snapshot, error) {
	user, err := b.Store.GetPrivateUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("snapshot user %s: %w", userID, err)
	}

	memberships, err := b.Store.ListMemberships(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("snapshot memberships: %w", err)
	}
	sort.Slice(memberships, func(i, j int) bool {
		return memberships[i].Guild.ID < memberships[j].Guild.ID
	})

	guildIDs := make([]string, 0, len(memberships))
	for _, m := range memberships {
		guildIDs = append(guildIDs, m.Guild.ID)
	}

	channels, err := b.Store.ListChannelsForGuilds(ctx, guildIDs)
	if err != nil {
		return nil, fmt.Errorf("snapshot channels: %w", err)
	}
	roles, err := b.Store.ListRolesForGuilds(ctx, guildIDs)
	if err != nil {
		return nil, fmt.Errorf("snapshot roles: %w", err)
	}
	emojis, err := b.Store.ListEmojisForGuilds(ctx, guildIDs)
	if err != nil {
		return nil, fmt.Errorf("snapshot emojis: %w", err)
	}
	stickers, err := b.Store.ListStickersForGuilds(ctx, guildIDs)
	if err != nil {
		return nil, fmt.Errorf("snapshot stickers: %w", err)
	}

	channelsByGuild := groupBy(channels, func(c entitystore.Channel) string { return c.GuildID }, func(c entitystore.Channel) string { return c.ID })
	rolesByGuild := groupBy(roles, func(r entitystore.Role) string { return r.GuildID }, func(r entitystore.Role) string { return r.ID })
	emojisByGuild := groupBy(emojis, func(e entitystore.Emoji) string { return e.GuildID }, func(e entitystore.Emoji) string { return e.ID })
	stickersByGuild := groupBy(stickers, func(st entitystore.Sticker) string { return st.GuildID }, func(st entitystore.Sticker) string { return st.ID })

	guilds := make([]GuildView, 0, len(memberships))
	mergedMembers := make([][]MergedMember, 0, len(memberships))
	settingsEntries := make([]entitystore.GuildSettings, 0, len(memberships))
	for _, m := range memberships {
		view := GuildView{
			Guild:    m.Guild,
			JoinedAt: m.JoinedAt,
			Channels: orEmpty(channelsByGuild[m.Guild.ID]),
			Roles:    orEmpty(rolesByGuild[m.Guild.ID]),
			Emojis:   orEmpty(emojisByGuild[m.Guild.ID]),
			Stickers: orEmpty(stickersByGuild[m.Guild.ID]),
			Threads:  []any{},
		}
		guilds = append(guilds, view)

		memberRoles := append([]string(nil), m.Roles...)
		sort.Strings(memberRoles)
		mergedMembers = append(mergedMembers, []MergedMember{{
			UserID:   m.UserID,
			GuildID:  m.Guild.ID,
			Nick:     m.Nick,
			Roles:    memberRoles,
			JoinedAt: m.JoinedAt,
		}})
		settingsEntries = append(settingsEntries, m.Settings)
	}

	dmChannels, err := b.Store.ListDMChannels(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("snapshot dm channels: %w", err)
	}
	sort.Slice(dmChannels, func(i, j int) bool { return dmChannels[i].ID < dmChannels[j].ID })
	for i := range dmChannels {
		recipients := append([]entitystore.PublicUser(nil), dmChannels[i].Recipients...)
		if dmChannels[i].Type == entitystore.ChannelTypeDM {
			recipients = excludeUser(recipients, userID)
		}
		sort.Slice(recipients, func(a, b int) bool { return recipients[a].ID < recipients[b].ID })
		dmChannels[i].Recipients = recipients
	}

	relationships, err := b.Store.ListRelationships(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("snapshot relationships: %w", err)
	}
	sort.Slice(relationships, func(i, j int) bool { return relationships[i].User.ID < relationships[j].User.ID })

	users := relatedUsers(relationships)

	return &Snapshot{
		Version:           b.Version,
		User:              user,
		UserSettings:      UserSettings{Locale: user.Locale, Status: "online"},
		Guilds:            guilds,
		PrivateChannels:   dmChannels,
		Relationships:     relationships,
		Users:             users,
		MergedMembers:     mergedMembers,
		UserGuildSettings: SettingsEntries{Entries: settingsEntries, Version: 642},
		ReadState:         ReadState{Entries: []any{}, Version: 304128},
		ConnectedAccounts: []any{},
		CountryCode:       user.Locale,
		GuildJoinRequests: []any{},
	}, nil
}

func groupBy[T any](items []T, guildOf func(T) string, idOf func(T) string) map[string][]T {
	grouped := make(map[string][]T)
	for _, item := range items {
		key := guildOf(item)
		grouped[key] = append(grouped[key], item)
	}
	for key := range grouped {
		group := grouped[key]
		sort.Slice(group, func(i, j int) bool { return idOf(group[i]) < idOf(group[j]) })
	}
	return grouped
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func excludeUser(recipients []entitystore.PublicUser, userID string) []entitystore.PublicUser {
	filtered := make([]entitystore.PublicUser, 0, len(recipients))
	for _, r := range recipients {
		if r.ID != userID {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// relatedUsers deduplicates the public projections referenced by the
// relationship list.
func relatedUsers(relationships []entitystore.Relationship) []entitystore.PublicUser {
	seen := make(map[string]bool, len(relationships))
	users := make([]entitystore.PublicUser, 0, len(relationships))
	for _, rel := range relationships {
		if seen[rel.User.ID] {
			continue
		}
		seen[rel.User.ID] = true
		users = append(users, rel.User)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}
