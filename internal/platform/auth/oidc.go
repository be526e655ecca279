package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/genfity/fulfillment/internal/platform/httpx"
)

var (
	// ErrJWKSKeyNotFound is returned when the token's key id is absent from the key set.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing the key set.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
	// ErrServiceTokenInvalid is returned for tokens that fail signature or claim checks.
	ErrServiceTokenInvalid = errors.New("auth: service token invalid")
	// ErrServiceAccountNotAllowed is returned for valid tokens minted for an unlisted account.
	ErrServiceAccountNotAllowed = errors.New("auth: service account not allowed")
)

const (
	defaultJWKSValidity     = 15 * time.Minute
	defaultJWKSFetchTimeout = 5 * time.Second
	minJWKSRefetchInterval  = 30 * time.Second
	serviceTokenLeeway      = 30 * time.Second
)

// JWKSCache holds the signing keys published at a JWKS endpoint for as long as the endpoint's
// Cache-Control header allows. An unknown key id forces a refetch, rate limited so that forged
// key ids cannot hammer the endpoint.
type JWKSCache struct {
	url          string
	client       *http.Client
	logger       *zap.Logger
	now          func() time.Time
	fetchTimeout time.Duration

	mu        sync.RWMutex
	keys      map[string]jose.JSONWebKey
	expiry    time.Time
	lastFetch time.Time

	fetchMu sync.Mutex
}

// JWKSOption customises JWKSCache behaviour.
type JWKSOption func(*JWKSCache)

// NewJWKSCache constructs a lazily populated cache for url.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	cache := &JWKSCache{
		url:          strings.TrimSpace(url),
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       zap.NewNop(),
		now:          time.Now,
		fetchTimeout: defaultJWKSFetchTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache
}

// WithJWKSHTTPClient overrides the HTTP client used to fetch key sets.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSLogger sets the logger for refresh events.
func WithJWKSLogger(logger *zap.Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSClock injects the time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// Key resolves the public key for kid, refreshing the key set when it is stale or lacks kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	if key, ok := c.cachedKey(kid, c.now()); ok {
		return key, nil
	}
	if err := c.refresh(ctx, kid); err != nil {
		return nil, err
	}
	if key, ok := c.cachedKey(kid, c.now()); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

func (c *JWKSCache) cachedKey(kid string, now time.Time) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !now.Before(c.expiry) {
		return nil, false
	}
	jwk, ok := c.keys[kid]
	if !ok {
		return nil, false
	}
	return jwk.Key, true
}

func (c *JWKSCache) refresh(ctx context.Context, kid string) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	now := c.now()
	if _, ok := c.cachedKey(kid, now); ok {
		return nil
	}
	c.mu.RLock()
	fresh := now.Before(c.expiry) && now.Sub(c.lastFetch) < minJWKSRefetchInterval
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID == "" || jwk.Use == "enc" || !jwk.Valid() || !jwk.IsPublic() {
			continue
		}
		keys[jwk.KeyID] = jwk
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	validity := maxAge(resp.Header.Get("Cache-Control"))
	if validity <= 0 {
		validity = defaultJWKSValidity
	}
	c.mu.Lock()
	c.keys = keys
	c.expiry = now.Add(validity)
	c.lastFetch = now
	c.mu.Unlock()

	c.logger.Debug("auth.jwks.refreshed", zap.Int("keys", len(keys)), zap.Duration("validity", validity))
	return nil
}

func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// VerificationObserver counts service token verification outcomes.
type VerificationObserver interface {
	ObserveVerification(kind, result string)
}

// ServiceVerifier admits Google-signed OIDC tokens, such as the ones Cloud Scheduler attaches to
// HTTP targets, minted for one audience and optionally for an allow-list of service accounts.
type ServiceVerifier struct {
	keys     *JWKSCache
	audience string
	issuers  map[string]struct{}
	accounts map[string]struct{}
	observer VerificationObserver
	logger   *zap.Logger
	now      func() time.Time
}

// ServiceOption customises ServiceVerifier behaviour.
type ServiceOption func(*ServiceVerifier)

// WithIssuers restricts the accepted iss claim. Without it any issuer signing with the cached keys
// is accepted.
func WithIssuers(issuers ...string) ServiceOption {
	return func(v *ServiceVerifier) {
		for _, issuer := range issuers {
			if issuer = strings.TrimSpace(issuer); issuer != "" {
				v.issuers[issuer] = struct{}{}
			}
		}
	}
}

// WithServiceAccounts restricts the accepted email claim to the listed service accounts.
func WithServiceAccounts(emails ...string) ServiceOption {
	return func(v *ServiceVerifier) {
		for _, email := range emails {
			if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
				v.accounts[email] = struct{}{}
			}
		}
	}
}

// WithVerificationObserver reports each verification outcome to observer.
func WithVerificationObserver(observer VerificationObserver) ServiceOption {
	return func(v *ServiceVerifier) {
		v.observer = observer
	}
}

// WithServiceLogger sets the logger used for rejected tokens.
func WithServiceLogger(logger *zap.Logger) ServiceOption {
	return func(v *ServiceVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithServiceClock injects the time source used for exp and iat checks.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(v *ServiceVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewServiceVerifier builds a verifier for tokens addressed to audience.
func NewServiceVerifier(keys *JWKSCache, audience string, opts ...ServiceOption) *ServiceVerifier {
	v := &ServiceVerifier{
		keys:     keys,
		audience: strings.TrimSpace(audience),
		issuers:  make(map[string]struct{}),
		accounts: make(map[string]struct{}),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify checks the token and returns the calling service as an Identity holding the system role.
func (v *ServiceVerifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	if v.keys == nil || v.audience == "" {
		return nil, fmt.Errorf("%w: verifier not configured", ErrJWKSFetchFailed)
	}

	// Expiry is checked below against the injected clock.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, v.keys.keyfunc(ctx)); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceTokenInvalid, err)
	}

	now := v.now()
	if !claims.VerifyExpiresAt(now.Add(-serviceTokenLeeway).Unix(), true) {
		return nil, fmt.Errorf("%w: token expired", ErrServiceTokenInvalid)
	}
	if !claims.VerifyIssuedAt(now.Add(serviceTokenLeeway).Unix(), false) {
		return nil, fmt.Errorf("%w: token issued in the future", ErrServiceTokenInvalid)
	}
	if !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrServiceTokenInvalid)
	}
	issuer, _ := claims["iss"].(string)
	if len(v.issuers) > 0 {
		if _, ok := v.issuers[issuer]; !ok {
			return nil, fmt.Errorf("%w: issuer %q not accepted", ErrServiceTokenInvalid, issuer)
		}
	}

	email := strings.ToLower(claimAsString(claims, "email"))
	if len(v.accounts) > 0 {
		verified, _ := claims["email_verified"].(bool)
		if _, ok := v.accounts[email]; !ok || !verified {
			return nil, fmt.Errorf("%w: %q", ErrServiceAccountNotAllowed, email)
		}
	}

	subject := claimAsString(claims, "sub")
	if subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrServiceTokenInvalid)
	}
	return &Identity{UID: subject, Email: email, Roles: []string{RoleSystem}}, nil
}

// RequireServiceToken verifies the bearer token on every request and stores the calling service
// as the request identity.
func (v *ServiceVerifier) RequireServiceToken() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				v.observe("missing")
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized))
				return
			}

			identity, err := v.Verify(ctx, tokenStr)
			switch {
			case err == nil:
				v.observe("ok")
				next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
			case errors.Is(err, ErrJWKSFetchFailed):
				v.observe("unavailable")
				v.logger.Warn("auth.service_token.unavailable", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("auth_unavailable", "service token verification unavailable", http.StatusServiceUnavailable))
			case errors.Is(err, ErrServiceAccountNotAllowed):
				v.observe("forbidden")
				v.logger.Warn("auth.service_token.forbidden", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "service account not allowed", http.StatusForbidden))
			default:
				v.observe("invalid")
				v.logger.Info("auth.service_token.invalid", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "service token invalid", http.StatusUnauthorized))
			}
		})
	}
}

func (v *ServiceVerifier) observe(result string) {
	if v.observer != nil {
		v.observer.ObserveVerification("oidc", result)
	}
}
