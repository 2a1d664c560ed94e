package entitystore

import "time"

// Channel types understood by the gateway.
const (
	ChannelTypeGuildText  = 0
	ChannelTypeDM         = 1
	ChannelTypeGuildVoice = 2
	ChannelTypeGroupDM    = 3
)

// Relationship types.
const (
	RelationshipFriend   = 1
	RelationshipBlocked  = 2
	RelationshipIncoming = 3
	RelationshipOutgoing = 4
)

// PrivateUser is the authenticated user's own profile, sent only to them.
type PrivateUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Email         string `json:"email"`
	Avatar        string `json:"avatar,omitempty"`
	Bio           string `json:"bio,omitempty"`
	Bot           bool   `json:"bot"`
	Verified      bool   `json:"verified"`
	MFAEnabled    bool   `json:"mfa_enabled"`
	Flags         int64  `json:"flags"`
	PublicFlags   int64  `json:"public_flags"`
	Locale        string `json:"locale,omitempty"`
}

// PublicUser is the minimal projection safe to show other users.
type PublicUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar,omitempty"`
	Bio           string `json:"bio,omitempty"`
	Bot           bool   `json:"bot"`
	PublicFlags   int64  `json:"public_flags"`
}

// Public converts a private profile to its public projection.
func (u PrivateUser) Public() PublicUser {
	return PublicUser{
		ID:            u.ID,
		Username:      u.Username,
		Discriminator: u.Discriminator,
		Avatar:        u.Avatar,
		Bio:           u.Bio,
		Bot:           u.Bot,
		PublicFlags:   u.PublicFlags,
	}
}

// Guild is the flat guild row.
type Guild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OwnerID     string `json:"owner_id"`
	Icon        string `json:"icon,omitempty"`
	Description string `json:"description,omitempty"`
	MemberCount int    `json:"member_count"`
}

// GuildSettings are the per-guild notification settings of one member.
type GuildSettings struct {
	GuildID              string `json:"guild_id"`
	Muted                bool   `json:"muted"`
	MessageNotifications int    `json:"message_notifications"`
	MobilePush           bool   `json:"mobile_push"`
	SuppressEveryone     bool   `json:"suppress_everyone"`
	SuppressRoles        bool   `json:"suppress_roles"`
	Version              int    `json:"version"`
}

// Membership joins a user's member row with its guild.
type Membership struct {
	Guild    Guild         `json:"guild"`
	UserID   string        `json:"user_id"`
	Nick     string        `json:"nick,omitempty"`
	Roles    []string      `json:"roles"`
	JoinedAt time.Time     `json:"joined_at"`
	Settings GuildSettings `json:"settings"`
}

// Channel is a guild channel row.
type Channel struct {
	ID       string `json:"id"`
	GuildID  string `json:"guild_id"`
	Type     int    `json:"type"`
	Name     string `json:"name"`
	Topic    string `json:"topic,omitempty"`
	Position int    `json:"position"`
	ParentID string `json:"parent_id,omitempty"`
}

// Role is a guild role row.
type Role struct {
	ID          string `json:"id"`
	GuildID     string `json:"guild_id"`
	Name        string `json:"name"`
	Color       int    `json:"color"`
	Position    int    `json:"position"`
	Permissions int64  `json:"permissions"`
}

// Emoji is a guild emoji row.
type Emoji struct {
	ID       string `json:"id"`
	GuildID  string `json:"guild_id"`
	Name     string `json:"name"`
	Animated bool   `json:"animated"`
}

// Sticker is a guild sticker row.
type Sticker struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id"`
	Name    string `json:"name"`
}

// DMChannel is an open direct or group-direct channel with its recipients
// resolved to public user projections.
type DMChannel struct {
	ID         string       `json:"id"`
	Type       int          `json:"type"`
	Name       string       `json:"name,omitempty"`
	OwnerID    string       `json:"owner_id,omitempty"`
	Recipients []PublicUser `json:"recipients"`
}

// Relationship links the owning user to another user.
type Relationship struct {
	ID     string     `json:"id"`
	UserID string     `json:"user_id"`
	Type   int        `json:"type"`
	User   PublicUser `json:"user"`
}

// BotCredential is a stored bot token: the secret is kept only as a bcrypt
// hash and compared at identify time.
type BotCredential struct {
	CredentialID string
	UserID       string
	SecretHash   string
}
