// Package auth handles accounts and identity tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/jxucoder/ClassPod/pkg/model"
	"github.com/jxucoder/ClassPod/pkg/store"
)

var (
	// ErrTokenExpired indicates the token has expired.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenInvalid indicates the token is malformed or has an invalid signature.
	ErrTokenInvalid = errors.New("token is invalid")
)

const issuer = "classpod"

// Config holds identity settings.
type Config struct {
	Secret string
	TTL    time.Duration

	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// Claims are the JWT claims issued at login.
type Claims struct {
	jwt.RegisteredClaims

	Role model.Role `json:"role"`
}

// Service signs users up, logs them in and verifies their tokens.
type Service struct {
	users  store.UserStore
	secret []byte
	ttl    time.Duration
	cost   int
	log    logrus.FieldLogger
}

// New creates a Service.
func New(cfg Config, users store.UserStore, log logrus.FieldLogger) (*Service, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		users:  users,
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		cost:   cfg.BcryptCost,
		log:    log.WithField("component", "auth"),
	}, nil
}

// SignUpRequest is the input to SignUp. Role accepts "s"/"t" as well as
// the long spellings.
type SignUpRequest struct {
	UserID    int64  `json:"user_id"`
	FirstName string `json:"first_name"`
	Password  string `json:"password"`
	Role      string `json:"user_type"`
}

// SignUp creates an account.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*model.User, error) {
	firstName := strings.TrimSpace(req.FirstName)
	if req.UserID <= 0 || firstName == "" || req.Password == "" || req.Role == "" {
		return nil, fmt.Errorf("%w: user_id, first_name, password and user_type are required", model.ErrValidation)
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u := &model.User{
		ID:           req.UserID,
		FirstName:    firstName,
		Role:         role,
		PasswordHash: string(hash),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: user %d already exists", model.ErrConflict, req.UserID)
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	s.log.WithFields(logrus.Fields{"user_id": u.ID, "role": u.Role}).Info("User signed up")
	return u, nil
}

// LoginRequest is the input to Login.
type LoginRequest struct {
	UserID   int64  `json:"user_id"`
	Password string `json:"password"`
	Role     string `json:"user_type"`
}

// Login checks credentials and returns a signed token. Unknown users,
// wrong passwords and a role mismatch all fail the same way.
func (s *Service) Login(ctx context.Context, req LoginRequest) (string, *model.User, error) {
	bad := fmt.Errorf("%w: invalid credentials", model.ErrUnauthenticated)

	role, err := model.ParseRole(req.Role)
	if err != nil {
		return "", nil, err
	}

	u, err := s.users.GetUser(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, bad
	}
	if err != nil {
		return "", nil, fmt.Errorf("loading user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		return "", nil, bad
	}
	if u.Role != role {
		return "", nil, bad
	}

	token, err := s.Issue(model.Identity{UserID: u.ID, Role: u.Role})
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// Issue signs a token for id.
func (s *Service) Issue(id model.Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    issuer,
			Subject:   strconv.FormatInt(id.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Role: id.Role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns the identity it carries.
func (s *Service) Verify(tokenStr string) (model.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.Identity{}, ErrTokenExpired
		}
		return model.Identity{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return model.Identity{}, ErrTokenInvalid
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return model.Identity{}, fmt.Errorf("%w: bad subject", ErrTokenInvalid)
	}
	if claims.Role != model.RoleTeacher && claims.Role != model.RoleStudent {
		return model.Identity{}, fmt.Errorf("%w: bad role", ErrTokenInvalid)
	}
	return model.Identity{UserID: userID, Role: claims.Role}, nil
}
