package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
	TypePending = "2fa_pending"
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

type Claims struct {
	Username  string `json:"username,omitempty"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sid,omitempty"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Pair binds a stateless access token and a session-backed refresh token to
// one session id: the access token carries it as "sid", the refresh as "jti".
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	SessionID    string `json:"-"`
}

type Service struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	pendingTTL time.Duration
}

func NewService(privateKeyPEM, publicKeyPEM []byte, issuer string, accessTTL, refreshTTL, pendingTTL time.Duration) (*Service, error) {
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse rsa private key: %w", err)
	}

	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse rsa public key: %w", err)
	}

	return &Service{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		pendingTTL: pendingTTL,
	}, nil
}

func (s *Service) AccessTTL() time.Duration  { return s.accessTTL }
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

func (s *Service) SignAccess(userID, username, role, sessionID string) (string, error) {
	return s.sign(Claims{
		Username:  username,
		Role:      role,
		SessionID: sessionID,
		TokenType: TypeAccess,
	}, userID, s.accessTTL)
}

func (s *Service) SignRefresh(userID, sessionID string) (string, error) {
	claims := Claims{TokenType: TypeRefresh}
	claims.ID = sessionID
	return s.sign(claims, userID, s.refreshTTL)
}

// SignPending issues the short-lived handshake token handed out when a
// password check succeeds but a second factor is still outstanding. It is
// deliberately not an access or refresh token.
func (s *Service) SignPending(userID string) (string, error) {
	return s.sign(Claims{TokenType: TypePending}, userID, s.pendingTTL)
}

func (s *Service) sign(claims Claims, subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims.Issuer = s.issuer
	claims.Subject = subject
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", claims.TokenType, err)
	}

	return signed, nil
}

func (s *Service) VerifyAccess(tokenString string) (*Claims, error) {
	return s.verify(tokenString, TypeAccess)
}

func (s *Service) VerifyRefresh(tokenString string) (*Claims, error) {
	return s.verify(tokenString, TypeRefresh)
}

func (s *Service) VerifyPending(tokenString string) (*Claims, error) {
	return s.verify(tokenString, TypePending)
}

func (s *Service) verify(tokenString, wantType string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid || claims.TokenType != wantType {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// IssueTokenPair mints a fresh session id and signs both tokens against it.
func (s *Service) IssueTokenPair(userID, username, role string) (Pair, error) {
	sessionID, err := uuid.NewV7()
	if err != nil {
		return Pair{}, fmt.Errorf("generate session id: %w", err)
	}

	access, err := s.SignAccess(userID, username, role, sessionID.String())
	if err != nil {
		return Pair{}, err
	}

	refresh, err := s.SignRefresh(userID, sessionID.String())
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		SessionID:    sessionID.String(),
	}, nil
}
