package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the signature algorithm for access tokens.
type SigningMethod string

const (
	MethodHS256   SigningMethod = "hs256"
	MethodEd25519 SigningMethod = "ed25519"
)

// Token kinds carried in the token_type claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Decode failures. Wrapped values retain the underlying jwt error text
// for logs; callers match with errors.Is.
var (
	// ErrMalformed marks structurally invalid input.
	ErrMalformed = errors.New("token malformed")
	// ErrExpired marks a token whose signature verified but whose expiry
	// has passed beyond the configured leeway. Callers that need the
	// claims of such a token (e.g. for blacklist checks on its
	// identifier) use DecodeExpired.
	ErrExpired = errors.New("token expired")
	// ErrSignature marks signature mismatch, unexpected algorithm, or an
	// unverifiable token.
	ErrSignature = errors.New("token signature rejected")
	// ErrClaims marks a verified token whose registered claims were
	// rejected: wrong issuer, wrong audience, or not yet valid.
	ErrClaims = errors.New("token claims rejected")
)

// Claims is the decoded access-token claim set. UAHash is a truncated
// SHA-256 of the issuing user agent, never the raw string.
type Claims struct {
	TokenType   string   `json:"token_type"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	UAHash      string   `json:"ua_hash,omitempty"`
	ClientIP    string   `json:"client_ip,omitempty"`
	jwt.RegisteredClaims
}

// Config holds codec keys and validation constants.
type Config struct {
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// Codec signs and verifies access tokens. A Codec is immutable after
// construction and safe for concurrent use.
type Codec struct {
	config Config
}

// NewCodec validates cfg and returns a ready codec. HMAC-SHA256 is the
// default method; ed25519 requires parseable keys up front so a key
// mistake fails at startup, not on the first request.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}
	if cfg.SigningMethod == "" {
		cfg.SigningMethod = MethodHS256
	}

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
			return nil, err
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	return &Codec{config: cfg}, nil
}

// Encode signs claims after stamping the configured issuer and audience.
func (c *Codec) Encode(claims *Claims) (string, error) {
	if claims == nil {
		return "", errors.New("nil claims")
	}
	claims.Issuer = c.config.Issuer
	claims.Audience = jwt.ClaimStrings{c.config.Audience}

	tok := jwt.NewWithClaims(c.method(), claims)

	signKey, err := c.signKey()
	if err != nil {
		return "", err
	}
	return tok.SignedString(signKey)
}

// Decode verifies signature, algorithm, issuer, audience, and expiry
// (with leeway) and classifies every failure into the package taxonomy.
func (c *Codec) Decode(signed string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method().Alg()}),
		jwt.WithIssuer(c.config.Issuer),
		jwt.WithAudience(c.config.Audience),
		jwt.WithExpirationRequired(),
	}
	if c.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(c.config.Leeway))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(signed, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != c.method().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return c.verifyKey()
	})
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("%w: invalid claims", ErrMalformed)
	}
	return claims, nil
}

// classify maps jwt/v5 sentinel combinations to the codec taxonomy.
// Order matters: a tampered-and-expired token must read as tampered.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignature, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %v", ErrClaims, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
}

// DecodeExpired re-parses an expired token without expiry validation and
// returns its claims when everything else about it checks out. Used by
// the validator to honor blacklist-before-expiry precedence.
func (c *Codec) DecodeExpired(signed string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method().Alg()}),
		jwt.WithIssuer(c.config.Issuer),
		jwt.WithAudience(c.config.Audience),
		jwt.WithoutClaimsValidation(),
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(signed, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != c.method().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return c.verifyKey()
	})
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims", ErrMalformed)
	}
	return claims, nil
}

func (c *Codec) method() jwt.SigningMethod {
	if c.config.SigningMethod == MethodEd25519 {
		return jwt.SigningMethodEdDSA
	}
	return jwt.SigningMethodHS256
}

func (c *Codec) signKey() (interface{}, error) {
	if c.config.SigningMethod == MethodEd25519 {
		return parseEdPrivateKey(c.config.PrivateKey)
	}
	return c.config.PrivateKey, nil
}

func (c *Codec) verifyKey() (interface{}, error) {
	if c.config.SigningMethod == MethodEd25519 {
		return parseEdPublicKey(c.config.PublicKey)
	}
	return c.config.PrivateKey, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
