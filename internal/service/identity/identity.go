package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zhouzirui/memorial-call/backend/pkg/apperr"
)

// Role distinguishes family members from support operators.
type Role string

const (
	RoleMember   Role = "member"
	RoleOperator Role = "operator"
)

// Identity is a validated bearer credential.
type Identity struct {
	MemberID  int64
	Role      Role
	ExpiresAt time.Time
}

// IsOperator reports whether the identity carries the operator role.
func (i Identity) IsOperator() bool {
	return i.Role == RoleOperator
}

// Verifier turns a bearer credential into an Identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Config defines how member credentials are signed and verified.
type Config struct {
	Secret []byte
	Issuer string
	Now    func() time.Time
}

// JWTVerifier validates HS256 member tokens.
type JWTVerifier struct {
	cfg Config
}

// NewJWTVerifier 校验 HS256 签名的成员令牌。
func NewJWTVerifier(cfg Config) (*JWTVerifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JWTVerifier{cfg: cfg}, nil
}

// Verify parses token, checks signature, issuer and expiry, and extracts the
// member id from the subject claim.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, apperr.New(apperr.KindAuthentication, apperr.CodeInvalidToken, "credential is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.cfg.Now),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, mapJWTError(err)
	}

	memberID, err := strconv.ParseInt(parsed.Subject, 10, 64)
	if err != nil || memberID <= 0 {
		return Identity{}, apperr.New(apperr.KindAuthentication, apperr.CodeInvalidToken, "credential subject is not a member id")
	}
	role := Role(parsed.Role)
	if role == "" {
		role = RoleMember
	}
	if role != RoleMember && role != RoleOperator {
		return Identity{}, apperr.New(apperr.KindAuthentication, apperr.CodeInvalidToken, "credential role is unknown")
	}

	id := Identity{MemberID: memberID, Role: role}
	if parsed.ExpiresAt != nil {
		id.ExpiresAt = parsed.ExpiresAt.Time.UTC()
	}
	return id, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.Wrap(apperr.KindAuthentication, apperr.CodeTokenExpired, "credential is expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperr.Wrap(apperr.KindAuthentication, apperr.CodeInvalidToken, "credential signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return apperr.Wrap(apperr.KindAuthentication, apperr.CodeInvalidToken, "credential issuer mismatch", err)
	default:
		return apperr.Wrap(apperr.KindAuthentication, apperr.CodeInvalidToken, "credential is invalid", err)
	}
}

// Issuer mints tokens. Production credentials come from the member service;
// this is used by the operator CLI and tests.
type Issuer struct {
	cfg Config
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{cfg: cfg}, nil
}

// Issue signs a token for memberID valid for ttl.
func (i *Issuer) Issue(memberID int64, role Role, ttl time.Duration) (string, error) {
	if memberID <= 0 {
		return "", fmt.Errorf("member id must be positive")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := i.cfg.Now().UTC()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(memberID, 10),
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
