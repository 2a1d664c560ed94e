package account

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/guildcast/gateway/internal/app/entitystore"
	"github.com/guildcast/gateway/internal/platform/auth"
)

var (
	ErrInvalidUsername    = errors.New("username is required")
	ErrInvalidPassword    = errors.New("password must be at least 8 characters")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already exists")
)

// Repository is the account slice of the entity store.
type Repository interface {
	CreateUser(ctx context.Context, user entitystore.PrivateUser, passwordHash string) error
	FindUserCredentials(ctx context.Context, username string) (userID, passwordHash string, err error)
	UserExists(ctx context.Context, userID string) (bool, error)
	CreateBotCredential(ctx context.Context, credential entitystore.BotCredential) error
}

// AuthResponse carries the signed token a client presents at identify time.
type AuthResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// BotTokenResponse carries a freshly minted bot token. The secret is shown
// exactly once; only its hash is stored.
type BotTokenResponse struct {
	Token        string `json:"token"`
	CredentialID string `json:"credential_id"`
}

// Service owns account registration, login and bot credential issuance.
type Service struct {
	Repo   Repository
	Tokens auth.Manager
	NewID  func() string
}

func NewService(repo Repository, tokens auth.Manager) *Service {
	return &Service{
		Repo:   repo,
		Tokens: tokens,
		NewID:  nuid.Next,
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateCredentials(username, password string) error {
	if normalizeUsername(username) == "" {
		return ErrInvalidUsername
	}
	if len(strings.TrimSpace(password)) < 8 {
		return ErrInvalidPassword
	}
	return nil
}

func (s *Service) Register(ctx context.Context, username, password string) (AuthResponse, error) {
	if err := validateCredentials(username, password); err != nil {
		return AuthResponse{}, err
	}
	uname := normalizeUsername(username)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResponse{}, err
	}

	user := entitystore.PrivateUser{
		ID:            s.NewID(),
		Username:      uname,
		Discriminator: "0001",
		Locale:        "en-US",
	}
	if err := s.Repo.CreateUser(ctx, user, string(hash)); err != nil {
		if errors.Is(err, entitystore.ErrConflict) {
			return AuthResponse{}, ErrUsernameTaken
		}
		return AuthResponse{}, err
	}
	return s.issueToken(user.ID, uname)
}

func (s *Service) Login(ctx context.Context, username, password string) (AuthResponse, error) {
	uname := normalizeUsername(username)
	if uname == "" || strings.TrimSpace(password) == "" {
		return AuthResponse{}, ErrInvalidCredentials
	}

	userID, passwordHash, err := s.Repo.FindUserCredentials(ctx, uname)
	if err != nil {
		if errors.Is(err, entitystore.ErrNotFound) {
			return AuthResponse{}, ErrInvalidCredentials
		}
		return AuthResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return AuthResponse{}, ErrInvalidCredentials
	}
	return s.issueToken(userID, uname)
}

// CreateBotToken mints a bot credential owned by the acting user. The
// returned token has the form "Bot <credential_id>.<secret>".
func (s *Service) CreateBotToken(ctx context.Context, actorUserID string) (BotTokenResponse, error) {
	exists, err := s.Repo.UserExists(ctx, actorUserID)
	if err != nil {
		return BotTokenResponse{}, err
	}
	if !exists {
		return BotTokenResponse{}, ErrInvalidCredentials
	}

	credentialID := s.NewID()
	secret := s.NewID() + s.NewID()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return BotTokenResponse{}, err
	}

	credential := entitystore.BotCredential{
		CredentialID: credentialID,
		UserID:       actorUserID,
		SecretHash:   string(hash),
	}
	if err := s.Repo.CreateBotCredential(ctx, credential); err != nil {
		return BotTokenResponse{}, err
	}
	return BotTokenResponse{
		Token:        "Bot " + credentialID + "." + secret,
		CredentialID: credentialID,
	}, nil
}

func (s *Service) issueToken(userID, username string) (AuthResponse, error) {
	token, err := s.Tokens.Sign(userID)
	if err != nil {
		return AuthResponse{}, err
	}
	return AuthResponse{Token: token, UserID: userID, Username: username}, nil
}
