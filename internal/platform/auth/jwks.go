package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWK is one RSA key of a JSON Web Key Set.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type JWKSet struct {
	Keys []JWK `json:"keys"`
}

const (
	defaultKeyTTL = 5 * time.Minute
	// minRefresh bounds refetches caused by tokens with unknown key ids.
	minRefresh = 30 * time.Second
)

// KeySource resolves token key ids to the identity provider's RSA keys. When
// only an issuer is known the key set URL is discovered on first use. A
// failed refresh keeps the last good keys so crews stay signed in through an
// identity provider outage.
type KeySource struct {
	issuer string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time

	mu          sync.Mutex
	url         string
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	attemptedAt time.Time
}

func NewKeySource(jwksURL, issuer string) *KeySource {
	return &KeySource{
		issuer: issuer,
		url:    jwksURL,
		ttl:    defaultKeyTTL,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// Key returns the key for kid, refreshing the set when it is stale or kid is
// unknown.
func (s *KeySource) Key(kid string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key, ok := s.keys[kid]
	stale := now.Sub(s.fetchedAt) > s.ttl
	if ok && !stale {
		return key, nil
	}
	if now.Sub(s.attemptedAt) >= minRefresh {
		s.attemptedAt = now
		if err := s.refreshLocked(); err != nil && len(s.keys) == 0 {
			return nil, fmt.Errorf("fetching signing keys: %w", err)
		}
	}
	if key, ok := s.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("signing key %q not found", kid)
}

func (s *KeySource) refreshLocked() error {
	if s.url == "" {
		if s.issuer == "" {
			return errors.New("no key set url or issuer configured")
		}
		u, err := discoverJWKSURL(s.client, s.issuer)
		if err != nil {
			return err
		}
		s.url = u
	}

	var set JWKSet
	if err := getJSON(s.client, s.url, &set); err != nil {
		return err
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		if pub, err := parseRSAPublicKey(k); err == nil {
			keys[k.Kid] = pub
		}
	}
	if len(keys) == 0 {
		return errors.New("key set has no usable RSA keys")
	}
	s.keys = keys
	s.fetchedAt = s.now()
	return nil
}

// KeyFunc adapts the source to jwt.ParseWithClaims.
func (s *KeySource) KeyFunc(token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, errors.New("token has no kid header")
	}
	return s.Key(kid)
}

func parseRSAPublicKey(k JWK) (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}, nil
}

func getJSON(client *http.Client, url string, v interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}

// discoverJWKSURL reads jwks_uri from the issuer's OpenID configuration.
func discoverJWKSURL(client *http.Client, issuer string) (string, error) {
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := getJSON(client, strings.TrimRight(issuer, "/")+"/.well-known/openid-configuration", &doc); err != nil {
		return "", err
	}
	if doc.JWKSURI == "" {
		return "", errors.New("openid configuration has no jwks_uri")
	}
	return doc.JWKSURI, nil
}
