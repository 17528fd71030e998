package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

// ContentType marks the JWT as a Twilio access token
const ContentType = "twilio-fpa;v=1"

// DefaultTTL is the access token lifetime when none is configured
const DefaultTTL = time.Hour

var (
	// ErrMissingCredentials is returned when the account or API key is not configured
	ErrMissingCredentials = errors.New("missing Twilio credentials")

	// ErrInvalidCredentials is returned when a credential has the wrong prefix
	ErrInvalidCredentials = errors.New("invalid credential format")
)

// Config holds the credentials used to sign access tokens
type Config struct {
	AccountSID   string
	APIKeySID    string
	APIKeySecret string
	TwiMLAppSID  string
	TTL          time.Duration
}

// VoiceGrant allows the browser client to place and receive calls
type VoiceGrant struct {
	Incoming *IncomingGrant `json:"incoming,omitempty"`
	Outgoing *OutgoingGrant `json:"outgoing,omitempty"`
}

type IncomingGrant struct {
	Allow bool `json:"allow"`
}

type OutgoingGrant struct {
	ApplicationSID string `json:"application_sid"`
}

// Grants is the grants claim of an access token
type Grants struct {
	Identity string      `json:"identity"`
	Voice    *VoiceGrant `json:"voice,omitempty"`
}

// Claims is the payload of an access token
type Claims struct {
	jwt.RegisteredClaims
	Grants Grants `json:"grants"`
}

// Issuer signs voice access tokens for browser clients
type Issuer struct {
	config Config
	clock  clock.Clock
}

// NewIssuer creates an issuer using the wall clock
func NewIssuer(cfg Config) *Issuer {
	return NewIssuerWithClock(cfg, clock.New())
}

// NewIssuerWithClock creates an issuer timestamping tokens with c
func NewIssuerWithClock(cfg Config, c clock.Clock) *Issuer {
	cfg.AccountSID = strings.TrimSpace(cfg.AccountSID)
	cfg.APIKeySID = strings.TrimSpace(cfg.APIKeySID)
	cfg.TwiMLAppSID = strings.TrimSpace(cfg.TwiMLAppSID)
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Issuer{config: cfg, clock: c}
}

// Validate checks that tokens can be signed with the configured credentials
func (i *Issuer) Validate() error {
	if i.config.AccountSID == "" || i.config.APIKeySID == "" || i.config.APIKeySecret == "" {
		return ErrMissingCredentials
	}
	if !strings.HasPrefix(i.config.AccountSID, "AC") {
		return fmt.Errorf("%w: account sid should start with AC", ErrInvalidCredentials)
	}
	if !strings.HasPrefix(i.config.APIKeySID, "SK") {
		return fmt.Errorf("%w: api key sid should start with SK", ErrInvalidCredentials)
	}
	return nil
}

// HasOutgoingApp reports whether tokens carry an outgoing application grant
func (i *Issuer) HasOutgoingApp() bool {
	return strings.HasPrefix(i.config.TwiMLAppSID, "AP")
}

// Issue signs a token for identity. A TwiML app sid without the AP prefix is
// left out of the grant.
func (i *Issuer) Issue(identity string) (string, error) {
	if err := i.Validate(); err != nil {
		return "", err
	}
	if identity == "" {
		return "", fmt.Errorf("identity cannot be empty")
	}

	now := i.clock.Now()
	voice := &VoiceGrant{Incoming: &IncomingGrant{Allow: true}}
	if i.HasOutgoingApp() {
		voice.Outgoing = &OutgoingGrant{ApplicationSID: i.config.TwiMLAppSID}
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%s-%d", i.config.APIKeySID, now.Unix()),
			Issuer:    i.config.APIKeySID,
			Subject:   i.config.AccountSID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.config.TTL)),
		},
		Grants: Grants{
			Identity: identity,
			Voice:    voice,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["cty"] = ContentType

	signed, err := token.SignedString([]byte(i.config.APIKeySecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

const identityAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewIdentity returns a random client identity of the form browser-user-xxxxxxx
func NewIdentity() (string, error) {
	suffix := make([]byte, 7)
	limit := big.NewInt(int64(len(identityAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("token: failed to generate identity: %w", err)
		}
		suffix[i] = identityAlphabet[n.Int64()]
	}
	return "browser-user-" + string(suffix), nil
}
