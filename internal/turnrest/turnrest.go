// Package turnrest issues coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
	newID  func() string
}

func NewGenerator(cfg Config) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, errors.New("turnrest: shared secret is required")
	case cfg.TTL < time.Second:
		return nil, errors.New("turnrest: ttl must be at least 1s")
	case cfg.UsernamePrefix == "":
		return nil, errors.New("turnrest: username prefix is required")
	case strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	g := &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
		newID:  cfg.NewID,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.newID == nil {
		g.newID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return g, nil
}

// Generate issues credentials bound to id. id must not contain ':'.
func (g *Generator) Generate(id string) (Credentials, error) {
	if id == "" || strings.Contains(id, ":") {
		return Credentials{}, fmt.Errorf("turnrest: invalid id %q", id)
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, id)
	return Credentials{
		Username:   username,
		Credential: Sign(g.secret, username),
		Expires:    expires,
	}, nil
}

// GenerateRandom issues credentials bound to a fresh random id.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.newID())
}

// Sign computes the coturn credential for username.
func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
