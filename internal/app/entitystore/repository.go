package entitystore

import (
	"context"
	"errors"

	"github.com/guildcast/gateway/internal/app/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Store is the narrow read/write surface the gateway core consumes. The
// CRUD layer owns these entities; the core only receives flat projections.
type Store interface {
	EnsureSchema(ctx context.Context) error

	GetPrivateUser(ctx context.Context, userID string) (PrivateUser, error)
	UserExists(ctx context.Context, userID string) (bool, error)
	FindBotCredential(ctx context.Context, credentialID string) (BotCredential, error)

	ListMemberships(ctx context.Context, userID string) ([]Membership, error)
	ListChannelsForGuilds(ctx context.Context, guildIDs []string) ([]Channel, error)
	ListRolesForGuilds(ctx context.Context, guildIDs []string) ([]Role, error)
	ListEmojisForGuilds(ctx context.Context, guildIDs []string) ([]Emoji, error)
	ListStickersForGuilds(ctx context.Context, guildIDs []string) ([]Sticker, error)
	ListDMChannels(ctx context.Context, userID string) ([]DMChannel, error)
	ListRelationships(ctx context.Context, userID string) ([]Relationship, error)

	SaveSession(ctx context.Context, record session.Record) error
	DeleteSession(ctx context.Context, sessionID string) error
}

type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

const createUsersSQL = `
CREATE TABLE IF NOT EXISTS users (
  id text PRIMARY KEY,
  username text NOT NULL,
  discriminator text NOT NULL DEFAULT '0000',
  email text NOT NULL DEFAULT '',
  avatar text NOT NULL DEFAULT '',
  bio text NOT NULL DEFAULT '',
  bot boolean NOT NULL DEFAULT false,
  verified boolean NOT NULL DEFAULT false,
  mfa_enabled boolean NOT NULL DEFAULT false,
  flags bigint NOT NULL DEFAULT 0,
  public_flags bigint NOT NULL DEFAULT 0,
  locale text NOT NULL DEFAULT 'en-US',
  password_hash text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now()
)`

const alterUsersPasswordSQL = `
ALTER TABLE users
ADD COLUMN IF NOT EXISTS password_hash text NOT NULL DEFAULT ''`

const createUsersUsernameIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS users_username_key ON users (username)`

const createBotCredentialsSQL = `
CREATE TABLE IF NOT EXISTS bot_credentials (
  credential_id text PRIMARY KEY,
  user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  secret_hash text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createGuildsSQL = `
CREATE TABLE IF NOT EXISTS guilds (
  id text PRIMARY KEY,
  name text NOT NULL,
  owner_id text NOT NULL REFERENCES users(id),
  icon text NOT NULL DEFAULT '',
  description text NOT NULL DEFAULT '',
  member_count integer NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createGuildMembersSQL = `
CREATE TABLE IF NOT EXISTS guild_members (
  guild_id text NOT NULL REFERENCES guilds(id) ON DELETE CASCADE,
  user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  nick text NOT NULL DEFAULT '',
  roles text[] NOT NULL DEFAULT '{}',
  joined_at timestamptz NOT NULL DEFAULT now(),
  muted boolean NOT NULL DEFAULT false,
  message_notifications integer NOT NULL DEFAULT 0,
  mobile_push boolean NOT NULL DEFAULT true,
  suppress_everyone boolean NOT NULL DEFAULT false,
  suppress_roles boolean NOT NULL DEFAULT false,
  settings_version integer NOT NULL DEFAULT 0,
  PRIMARY KEY (guild_id, user_id)
)`

const createChannelsSQL = `
CREATE TABLE IF NOT EXISTS channels (
  id text PRIMARY KEY,
  guild_id text REFERENCES guilds(id) ON DELETE CASCADE,
  type integer NOT NULL DEFAULT 0,
  name text NOT NULL DEFAULT '',
  topic text NOT NULL DEFAULT '',
  position integer NOT NULL DEFAULT 0,
  parent_id text NOT NULL DEFAULT '',
  owner_id text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createChannelRecipientsSQL = `
CREATE TABLE IF NOT EXISTS channel_recipients (
  channel_id text NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
  user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  closed boolean NOT NULL DEFAULT false,
  PRIMARY KEY (channel_id, user_id)
)`

const createRelationshipsSQL = `
CREATE TABLE IF NOT EXISTS relationships (
  id text PRIMARY KEY,
  from_user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  to_user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  type integer NOT NULL DEFAULT 1,
  UNIQUE (from_user_id, to_user_id)
)`

const createGuildRolesSQL = `
CREATE TABLE IF NOT EXISTS guild_roles (
  id text PRIMARY KEY,
  guild_id text NOT NULL REFERENCES guilds(id) ON DELETE CASCADE,
  name text NOT NULL,
  color integer NOT NULL DEFAULT 0,
  position integer NOT NULL DEFAULT 0,
  permissions bigint NOT NULL DEFAULT 0
)`

const createGuildEmojisSQL = `
CREATE TABLE IF NOT EXISTS guild_emojis (
  id text PRIMARY KEY,
  guild_id text NOT NULL REFERENCES guilds(id) ON DELETE CASCADE,
  name text NOT NULL,
  animated boolean NOT NULL DEFAULT false
)`

const createGuildStickersSQL = `
CREATE TABLE IF NOT EXISTS guild_stickers (
  id text PRIMARY KEY,
  guild_id text NOT NULL REFERENCES guilds(id) ON DELETE CASCADE,
  name text NOT NULL
)`

const createSessionsSQL = `
CREATE TABLE IF NOT EXISTS sessions (
  session_id text PRIMARY KEY,
  user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  status text NOT NULL DEFAULT 'identified',
  created_at timestamptz NOT NULL DEFAULT now()
)`

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		createUsersSQL,
		alterUsersPasswordSQL,
		createUsersUsernameIndexSQL,
		createBotCredentialsSQL,
		createGuildsSQL,
		createGuildMembersSQL,
		createChannelsSQL,
		createChannelRecipientsSQL,
		createRelationshipsSQL,
		createGuildRolesSQL,
		createGuildEmojisSQL,
		createGuildStickersSQL,
		createSessionsSQL,
	}
	for _, stmt := range statements {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateUser inserts a new account row. ErrConflict when the username is
// already taken.
func (s *PostgresStore) CreateUser(ctx context.Context, user PrivateUser, passwordHash string) error {
	res, err := s.Pool.Exec(ctx,
		`INSERT INTO users (id, username, discriminator, email, locale, password_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT DO NOTHING`,
		user.ID, user.Username, user.Discriminator, user.Email, user.Locale, passwordHash,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// FindUserCredentials returns the account id and stored password hash for a
// username.
func (s *PostgresStore) FindUserCredentials(ctx context.Context, username string) (string, string, error) {
	var userID, passwordHash string
	err := s.Pool.QueryRow(ctx,
		`SELECT id, password_hash FROM users WHERE username = $1`,
		username,
	).Scan(&userID, &passwordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", err
	}
	return userID, passwordHash, nil
}

func (s *PostgresStore) CreateBotCredential(ctx context.Context, credential BotCredential) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO bot_credentials (credential_id, user_id, secret_hash) VALUES ($1, $2, $3)`,
		credential.CredentialID, credential.UserID, credential.SecretHash,
	)
	return err
}

func (s *PostgresStore) GetPrivateUser(ctx context.Context, userID string) (PrivateUser, error) {
	var u PrivateUser
	err := s.Pool.QueryRow(ctx,
		`SELECT id, username, discriminator, email, avatar, bio, bot,
		        verified, mfa_enabled, flags, public_flags, locale
		 FROM users WHERE id = $1`,
		userID,
	).Scan(
		&u.ID, &u.Username, &u.Discriminator, &u.Email, &u.Avatar, &u.Bio,
		&u.Bot, &u.Verified, &u.MFAEnabled, &u.Flags, &u.PublicFlags, &u.Locale,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PrivateUser{}, ErrNotFound
		}
		return PrivateUser{}, err
	}
	return u, nil
}

func (s *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`,
		userID,
	).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) FindBotCredential(ctx context.Context, credentialID string) (BotCredential, error) {
	var c BotCredential
	err := s.Pool.QueryRow(ctx,
		`SELECT credential_id, user_id, secret_hash FROM bot_credentials WHERE credential_id = $1`,
		credentialID,
	).Scan(&c.CredentialID, &c.UserID, &c.SecretHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BotCredential{}, ErrNotFound
		}
		return BotCredential{}, err
	}
	return c, nil
}

func (s *PostgresStore) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT g.id, g.name, g.owner_id, g.icon, g.description, g.member_count,
		        gm.user_id, gm.nick, gm.roles, gm.joined_at,
		        gm.muted, gm.message_notifications, gm.mobile_push,
		        gm.suppress_everyone, gm.suppress_roles, gm.settings_version
		 FROM guild_members gm
		 INNER JOIN guilds g ON g.id = gm.guild_id
		 WHERE gm.user_id = $1
		 ORDER BY g.id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	memberships := make([]Membership, 0)
	for rows.Next() {
		var m Membership
		if err := rows.Scan(
			&m.Guild.ID, &m.Guild.Name, &m.Guild.OwnerID, &m.Guild.Icon,
			&m.Guild.Description, &m.Guild.MemberCount,
			&m.UserID, &m.Nick, &m.Roles, &m.JoinedAt,
			&m.Settings.Muted, &m.Settings.MessageNotifications, &m.Settings.MobilePush,
			&m.Settings.SuppressEveryone, &m.Settings.SuppressRoles, &m.Settings.Version,
		); err != nil {
			return nil, err
		}
		m.Settings.GuildID = m.Guild.ID
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return memberships, nil
}

func (s *PostgresStore) ListChannelsForGuilds(ctx context.Context, guildIDs []string) ([]Channel, error) {
	if len(guildIDs) == 0 {
		return []Channel{}, nil
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id, guild_id, type, name, topic, position, parent_id
		 FROM channels
		 WHERE guild_id = ANY($1)
		 ORDER BY guild_id, id`,
		guildIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := make([]Channel, 0)
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.GuildID, &c.Type, &c.Name, &c.Topic, &c.Position, &c.ParentID); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return channels, nil
}

func (s *PostgresStore) ListRolesForGuilds(ctx context.Context, guildIDs []string) ([]Role, error) {
	if len(guildIDs) == 0 {
		return []Role{}, nil
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id, guild_id, name, color, position, permissions
		 FROM guild_roles
		 WHERE guild_id = ANY($1)
		 ORDER BY guild_id, id`,
		guildIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := make([]Role, 0)
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.GuildID, &r.Name, &r.Color, &r.Position, &r.Permissions); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *PostgresStore) ListEmojisForGuilds(ctx context.Context, guildIDs []string) ([]Emoji, error) {
	if len(guildIDs) == 0 {
		return []Emoji{}, nil
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id, guild_id, name, animated
		 FROM guild_emojis
		 WHERE guild_id = ANY($1)
		 ORDER BY guild_id, id`,
		guildIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	emojis := make([]Emoji, 0)
	for rows.Next() {
		var e Emoji
		if err := rows.Scan(&e.ID, &e.GuildID, &e.Name, &e.Animated); err != nil {
			return nil, err
		}
		emojis = append(emojis, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return emojis, nil
}

func (s *PostgresStore) ListStickersForGuilds(ctx context.Context, guildIDs []string) ([]Sticker, error) {
	if len(guildIDs) == 0 {
		return []Sticker{}, nil
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id, guild_id, name
		 FROM guild_stickers
		 WHERE guild_id = ANY($1)
		 ORDER BY guild_id, id`,
		guildIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stickers := make([]Sticker, 0)
	for rows.Next() {
		var st Sticker
		if err := rows.Scan(&st.ID, &st.GuildID, &st.Name); err != nil {
			return nil, err
		}
		stickers = append(stickers, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stickers, nil
}

func (s *PostgresStore) ListDMChannels(ctx context.Context, userID string) ([]DMChannel, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT c.id, c.type, c.name, c.owner_id
		 FROM channels c
		 INNER JOIN channel_recipients cr ON cr.channel_id = c.id
		 WHERE cr.user_id = $1 AND NOT cr.closed AND c.type IN ($2, $3)
		 ORDER BY c.id`,
		userID, ChannelTypeDM, ChannelTypeGroupDM,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := make([]DMChannel, 0)
	channelIDs := make([]string, 0)
	for rows.Next() {
		var c DMChannel
		if err := rows.Scan(&c.ID, &c.Type, &c.Name, &c.OwnerID); err != nil {
			return nil, err
		}
		c.Recipients = []PublicUser{}
		channels = append(channels, c)
		channelIDs = append(channelIDs, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return channels, nil
	}

	recipientRows, err := s.Pool.Query(ctx,
		`SELECT cr.channel_id, u.id, u.username, u.discriminator, u.avatar, u.bio, u.bot, u.public_flags
		 FROM channel_recipients cr
		 INNER JOIN users u ON u.id = cr.user_id
		 WHERE cr.channel_id = ANY($1)
		 ORDER BY cr.channel_id, u.id`,
		channelIDs,
	)
	if err != nil {
		return nil, err
	}
	defer recipientRows.Close()

	byChannel := make(map[string][]PublicUser, len(channels))
	for recipientRows.Next() {
		var channelID string
		var u PublicUser
		if err := recipientRows.Scan(&channelID, &u.ID, &u.Username, &u.Discriminator, &u.Avatar, &u.Bio, &u.Bot, &u.PublicFlags); err != nil {
			return nil, err
		}
		byChannel[channelID] = append(byChannel[channelID], u)
	}
	if err := recipientRows.Err(); err != nil {
		return nil, err
	}

	for i := range channels {
		if recipients, ok := byChannel[channels[i].ID]; ok {
			channels[i].Recipients = recipients
		}
	}
	return channels, nil
}

func (s *PostgresStore) ListRelationships(ctx context.Context, userID string) ([]Relationship, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT r.id, r.type, u.id, u.username, u.discriminator, u.avatar, u.bio, u.bot, u.public_flags
		 FROM relationships r
		 INNER JOIN users u ON u.id = r.to_user_id
		 WHERE r.from_user_id = $1
		 ORDER BY u.id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	relationships := make([]Relationship, 0)
	for rows.Next() {
		var rel Relationship
		if err := rows.Scan(
			&rel.ID, &rel.Type,
			&rel.User.ID, &rel.User.Username, &rel.User.Discriminator,
			&rel.User.Avatar, &rel.User.Bio, &rel.User.Bot, &rel.User.PublicFlags,
		); err != nil {
			return nil, err
		}
		rel.UserID = rel.User.ID
		relationships = append(relationships, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return relationships, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, record session.Record) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO sessions (session_id, user_id, status, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO UPDATE SET status = EXCLUDED.status`,
		record.SessionID, record.UserID, record.Status, record.CreatedAt,
	)
	return err
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.Pool.Exec(ctx,
		`DELETE FROM sessions WHERE session_id = $1`,
		sessionID,
	)
	return err
}
