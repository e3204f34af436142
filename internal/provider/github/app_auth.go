package github

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// tokenRefreshSkew forces a refresh before the cached installation token
// actually expires, so an in-flight request never carries a stale one.
const tokenRefreshSkew = 2 * time.Minute

// TokenSource supplies the bearer token for API calls. A Client configured
// with a TokenSource resolves it per request instead of using a static PAT.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// AppAuth mints GitHub App installation tokens. Tokens are cached until
// shortly before expiry; concurrent callers share one mint.
type AppAuth struct {
	appID        string
	installation string
	key          *rsa.PrivateKey
	baseURL      string
	httpClient   *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewAppAuth builds an installation token source from the App's PEM key.
func NewAppAuth(appID, installationID string, privateKeyPEM []byte, baseURL string) (*AppAuth, error) {
	if appID == "" || installationID == "" {
		return nil, errors.New("github app id and installation id are required")
	}
	key, err := parseRSAKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &AppAuth{
		appID:        appID,
		installation: installationID,
		key:          key,
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Token returns the cached installation token, minting a new one when the
// cache is empty or inside the refresh skew.
func (a *AppAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Until(a.expires) > tokenRefreshSkew {
		return a.token, nil
	}
	token, expires, err := a.mint(ctx)
	if err != nil {
		return "", err
	}
	a.token = token
	a.expires = expires
	return token, nil
}

func (a *AppAuth) mint(ctx context.Context) (string, time.Time, error) {
	jwt, err := a.appJWT()
	if err != nil {
		return "", time.Time{}, err
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", a.baseURL, a.installation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("User-Agent", "delta-repair")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, err
	}
	if payload.Token == "" {
		return "", time.Time{}, errors.New("github app token response missing token")
	}
	if payload.ExpiresAt.IsZero() {
		payload.ExpiresAt = time.Now().UTC().Add(30 * time.Minute)
	}
	return payload.Token, payload.ExpiresAt, nil
}

// appJWT signs the short-lived App JWT used only to mint installation
// tokens. GitHub caps exp at ten minutes; iat is backdated to absorb clock
// skew.
func (a *AppAuth) appJWT() (string, error) {
	now := time.Now().UTC()
	header, err := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	claims, err := json.Marshal(map[string]any{
		"iss": a.appID,
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
	})
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(header) + "." + enc.EncodeToString(claims)
	sum := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, a.key, crypto.SHA256, sum[:])
	if err != nil {
		return "", err
	}
	return signingInput + "." + enc.EncodeToString(sig), nil
}

func parseRSAKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	if len(pemBytes) == 0 {
		return nil, errors.New("github app private key required")
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode github app private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("github app private key is not RSA")
	}
	return rsaKey, nil
}
