// Package token issues and verifies stateless capability tokens that grant
// short-lived access to a single resource.
//
// Wire form: base64url(subject|scope|resource|expiresAt|hex(hmac-sha256)).
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is used when Issue is given a non-positive ttl.
const DefaultTTL = 600 * time.Second

const sep = "|"

var encoding = base64.RawURLEncoding.Strict()

var (
	// ErrInvalidField is returned when a field contains the separator.
	ErrInvalidField = errors.New("token field contains separator")
	// ErrNoSecret is returned when the issuer has no signing secret.
	ErrNoSecret = errors.New("token secret is empty")
)

// Claims are the signed fields of a token.
type Claims struct {
	Subject   string    `json:"subject"`
	Scope     string    `json:"scope"`
	Resource  string    `json:"resource"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer signs and verifies tokens with one shared secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates an issuer.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// WithClock replaces the time source.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue creates a token for resource valid for ttl.
func (i *Issuer) Issue(subject, scope, resource string, ttl time.Duration) (string, error) {
	if len(i.secret) == 0 {
		return "", ErrNoSecret
	}
	for name, v := range map[string]string{"subject": subject, "scope": scope, "resource": resource} {
		if strings.Contains(v, sep) {
			return "", fmt.Errorf("%w: %s", ErrInvalidField, name)
		}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	expiresAt := i.now().Add(ttl).Unix()
	payload := strings.Join([]string{subject, scope, resource, strconv.FormatInt(expiresAt, 10)}, sep)
	return encoding.EncodeToString([]byte(payload + sep + i.sign(payload))), nil
}

// Verify reports whether tok was issued for exactly subject, scope and
// resource and has not expired. Every failure returns false.
func (i *Issuer) Verify(tok, subject, scope, resource string) bool {
	c, ok := i.Decode(tok)
	if !ok {
		return false
	}
	return c.Subject == subject && c.Scope == scope && c.Resource == resource
}

// Decode checks signature and expiry and returns the claims.
func (i *Issuer) Decode(tok string) (Claims, bool) {
	if len(i.secret) == 0 || tok == "" {
		return Claims{}, false
	}

	raw, err := encoding.DecodeString(tok)
	if err != nil {
		return Claims{}, false
	}

	parts := strings.Split(string(raw), sep)
	if len(parts) != 5 {
		return Claims{}, false
	}

	payload := strings.Join(parts[:4], sep)
	if !hmac.Equal([]byte(parts[4]), []byte(i.sign(payload))) {
		return Claims{}, false
	}

	exp, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Claims{}, false
	}
	if i.now().Unix() > exp {
		return Claims{}, false
	}

	return Claims{
		Subject:   parts[0],
		Scope:     parts[1],
		Resource:  parts[2],
		ExpiresAt: time.Unix(exp, 0).UTC(),
	}, true
}

func (i *Issuer) sign(payload string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
