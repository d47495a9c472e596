package tokens

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/crypto/hkdf"
)

const (
	defaultIssuer     = "treecomments-confirmation"
	keyDerivationInfo = "treecomments confirmation token v1"
	signingKeyLength  = 32
	maxPayloadBytes   = 1 << 20
)

var (
	// ErrInvalidSignature indicates that the token was tampered with or signed with another secret or salt.
	ErrInvalidSignature = errors.New("tokens: invalid signature")
	// ErrExpired indicates that the token is older than the configured maximum age.
	ErrExpired = errors.New("tokens: token expired")
	// ErrMalformed indicates that the token or its payload cannot be decoded.
	ErrMalformed = errors.New("tokens: malformed token")

	errMissingSecretKey = errors.New("tokens: secret key must be provided")
)

// PendingComment is a validated comment that has not been materialized yet.
// It only ever exists in memory or inside a confirmation token.
type PendingComment struct {
	Target             comments.Target     `json:"target"`
	ReplyTo            string              `json:"reply_to,omitempty"`
	Author             comments.Author     `json:"author"`
	Body               string              `json:"body"`
	Markup             comments.MarkupKind `json:"markup"`
	SubmittedAtSeconds int64               `json:"submitted_at"`
	IPAddress          string              `json:"ip,omitempty"`
	Followup           bool                `json:"followup,omitempty"`
	// HeldForModeration carries a pre-publish "moderate" verdict across the round trip.
	HeldForModeration bool `json:"moderate,omitempty"`
}

// SubmittedAt returns the submission time in UTC.
func (p PendingComment) SubmittedAt() time.Time {
	return time.Unix(p.SubmittedAtSeconds, 0).UTC()
}

// CodecConfig configures confirmation token signing.
type CodecConfig struct {
	// SecretKey is the application-wide key.
	SecretKey []byte
	// Salt is the operator-configurable extra key material.
	Salt []byte
	// MaxAge bounds token validity; zero disables expiry.
	MaxAge time.Duration
	Issuer string
	Clock  func() time.Time
}

// Codec signs and verifies confirmation tokens.
type Codec struct {
	signingKey []byte
	maxAge     time.Duration
	issuer     string
	clock      func() time.Time
}

type confirmationClaims struct {
	Payload string `json:"pc"`
	jwt.RegisteredClaims
}

// NewCodec derives the signing key from the secret key and salt.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if len(cfg.SecretKey) == 0 {
		return nil, errMissingSecretKey
	}
	signingKey := make([]byte, signingKeyLength)
	reader := hkdf.New(sha256.New, cfg.SecretKey, cfg.Salt, []byte(keyDerivationInfo))
	if _, err := io.ReadFull(reader, signingKey); err != nil {
		return nil, fmt.Errorf("tokens: derive signing key: %w", err)
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Codec{
		signingKey: signingKey,
		maxAge:     cfg.MaxAge,
		issuer:     issuer,
		clock:      clock,
	}, nil
}

// Encode serializes, compresses and signs a pending comment into a URL-safe token.
func (c *Codec) Encode(pending PendingComment) (string, error) {
	serialized, err := json.Marshal(pending)
	if err != nil {
		return "", fmt.Errorf("tokens: serialize pending comment: %w", err)
	}

	var compressed bytes.Buffer
	writer, err := zlib.NewWriterLevel(&compressed, zlib.BestCompression)
	if err != nil {
		return "", fmt.Errorf("tokens: compress pending comment: %w", err)
	}
	if _, err := writer.Write(serialized); err != nil {
		return "", fmt.Errorf("tokens: compress pending comment: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("tokens: compress pending comment: %w", err)
	}

	now := c.clock().UTC()
	claims := confirmationClaims{
		Payload: base64.RawURLEncoding.EncodeToString(compressed.Bytes()),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   c.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if c.maxAge > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(c.maxAge))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("tokens: sign: %w", err)
	}
	return signed, nil
}

// Decode verifies a token and reconstitutes the pending comment it carries.
func (c *Codec) Decode(tokenString string) (PendingComment, error) {
	trimmed := strings.TrimSpace(tokenString)
	if trimmed == "" {
		return PendingComment{}, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	claims := &confirmationClaims{}
	_, err := jwt.ParseWithClaims(
		trimmed,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return c.signingKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.clock),
		jwt.WithStrictDecoding(),
	)
	if err != nil {
		return PendingComment{}, classifyParseError(err)
	}

	compressed, err := base64.RawURLEncoding.Strict().DecodeString(claims.Payload)
	if err != nil {
		return PendingComment{}, fmt.Errorf("%w: payload encoding", ErrMalformed)
	}
	reader, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return PendingComment{}, fmt.Errorf("%w: payload compression", ErrMalformed)
	}
	defer reader.Close()
	serialized, err := io.ReadAll(io.LimitReader(reader, maxPayloadBytes+1))
	if err != nil {
		return PendingComment{}, fmt.Errorf("%w: payload compression", ErrMalformed)
	}
	if len(serialized) > maxPayloadBytes {
		return PendingComment{}, fmt.Errorf("%w: payload too large", ErrMalformed)
	}

	var pending PendingComment
	if err := json.Unmarshal(serialized, &pending); err != nil {
		return PendingComment{}, fmt.Errorf("%w: payload structure", ErrMalformed)
	}
	if err := pending.Target.Validate(); err != nil {
		return PendingComment{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return pending, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}
