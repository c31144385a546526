package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// jwksTTL bounds how long a fetched key set is trusted before a refresh
const jwksTTL = 10 * time.Minute

// jwk is a single JSON Web Key as published by the identity provider
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// KeySet caches the identity provider's JWKS and resolves signing keys by
// kid. Refreshes run under a single-flight lock so a burst of requests with
// a cold or stale cache triggers exactly one fetch.
type KeySet struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time

	group singleflight.Group
}

// NewKeySet creates a key set cache for the given JWKS URL
func NewKeySet(url string) *KeySet {
	return &KeySet{
		url:    url,
		ttl:    jwksTTL,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// Key returns the RSA public key for the given kid, refreshing the cached
// key set when it is stale or does not know the kid (key rotation)
func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	key, ok := ks.keys[kid]
	fresh := time.Since(ks.fetched) < ks.ttl
	ks.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}

	if err := ks.refresh(ctx); err != nil {
		// A stale hit beats a hard failure when the provider is down
		if ok {
			return key, nil
		}
		return nil, err
	}

	ks.mu.RLock()
	key, ok = ks.keys[kid]
	ks.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("signing key %q not found in JWKS", kid)
	}
	return key, nil
}

// refresh fetches and replaces the cached key set. Concurrent callers share
// one fetch via singleflight.
func (ks *KeySet) refresh(ctx context.Context) error {
	_, err, _ := ks.group.Do("refresh", func() (interface{}, error) {
		// Re-check under the lock: another caller may have just refreshed
		ks.mu.RLock()
		fresh := time.Since(ks.fetched) < ks.ttl
		ks.mu.RUnlock()
		if fresh {
			return nil, nil
		}

		keys, err := ks.fetch(ctx)
		if err != nil {
			return nil, err
		}

		ks.mu.Lock()
		ks.keys = keys
		ks.fetched = time.Now()
		ks.mu.Unlock()
		return nil, nil
	})
	return err
}

func (ks *KeySet) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := ks.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			return nil, fmt.Errorf("failed to parse JWKS key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("JWKS contains no usable RSA keys")
	}
	return keys, nil
}

// publicKey assembles an rsa.PublicKey from the base64url modulus and exponent
func (k jwk) publicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("zero exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
