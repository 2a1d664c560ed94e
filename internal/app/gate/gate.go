package gate

import (
	"context"
	"errors"
	"strings"

	"github.com/guildcast/gateway/internal/app/entitystore"
	"github.com/guildcast/gateway/internal/contracts"
	"github.com/guildcast/gateway/internal/platform/auth"
	"github.com/guildcast/gateway/internal/sharding"
	"golang.org/x/crypto/bcrypt"
)

var ErrAuthenticationFailed = errors.New("authentication failed")

// CredentialStore is the slice of the entity store the gate reads from.
type CredentialStore interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	FindBotCredential(ctx context.Context, credentialID string) (entitystore.BotCredential, error)
}

// Principal is the authenticated identity resolved from a credential token.
type Principal struct {
	UserID string
	Bot    bool
}

// Resolved is the outcome of a successful identify authorization: the
// principal plus the normalized intent mask and validated shard declaration.
type Resolved struct {
	Principal Principal
	Intents   uint64
	Shard     *sharding.Declaration
}

// Gate validates credentials and shard parameters presented at identify
// time. Read-only: it never creates session state.
type Gate struct {
	Tokens auth.Manager
	Store  CredentialStore
}

func New(tokens auth.Manager, store CredentialStore) *Gate {
	return &Gate{Tokens: tokens, Store: store}
}

// Authorize resolves an identify payload. Token verification runs first so
// invalid credentials are rejected before any snapshot work; shard
// validation follows.
func (g *Gate) Authorize(ctx context.Context, ident contracts.IdentifyPayload) (Resolved, error) {
	principal, err := g.Verify(ctx, ident.Token)
	if err != nil {
		return Resolved{}, err
	}

	intents := contracts.DefaultIntents
	if ident.Intents != nil {
		intents = *ident.Intents
	}

	var shard *sharding.Declaration
	if ident.Shard != nil {
		decl := sharding.Declaration{ID: ident.Shard[0], Count: ident.Shard[1]}
		if err := decl.Validate(); err != nil {
			return Resolved{}, err
		}
		shard = &decl
	}

	return Resolved{Principal: principal, Intents: intents, Shard: shard}, nil
}

// Verify resolves a credential token to a principal. User tokens are HS256
// JWTs; bot tokens use the form "Bot <credential_id>.<secret>" with the
// secret checked against its stored bcrypt hash.
func (g *Gate) Verify(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrAuthenticationFailed
	}

	if rest, ok := strings.CutPrefix(token, "Bot "); ok {
		return g.verifyBot(ctx, rest)
	}

	claims, err := g.Tokens.Parse(token)
	if err != nil {
		return Principal{}, ErrAuthenticationFailed
	}
	exists, err := g.Store.UserExists(ctx, claims.Subject)
	if err != nil {
		return Principal{}, err
	}
	if !exists {
		return Principal{}, ErrAuthenticationFailed
	}
	return Principal{UserID: claims.Subject}, nil
}

func (g *Gate) verifyBot(ctx context.Context, token string) (Principal, error) {
	credentialID, secret, ok := strings.Cut(token, ".")
	if !ok || credentialID == "" || secret == "" {
		return Principal{}, ErrAuthenticationFailed
	}

	credential, err := g.Store.FindBotCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, entitystore.ErrNotFound) {
			return Principal{}, ErrAuthenticationFailed
		}
		return Principal{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(credential.SecretHash), []byte(secret)); err != nil {
		return Principal{}, ErrAuthenticationFailed
	}
	return Principal{UserID: credential.UserID, Bot: true}, nil
}
