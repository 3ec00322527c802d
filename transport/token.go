package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider supplies the Bearer token attached to every call.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenProvider returns a fixed token.
type StaticTokenProvider struct {
	token string
}

// NewStaticTokenProvider wraps a fixed token.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

// Token implements TokenProvider.
func (p *StaticTokenProvider) Token(context.Context) (string, error) {
	return p.token, nil
}

// RefreshFunc obtains a fresh token from the session provider.
type RefreshFunc func(ctx context.Context) (string, error)

// RefreshingTokenConfig configures a RefreshingTokenProvider.
type RefreshingTokenConfig struct {
	// Refresh is called whenever a new token is needed.
	Refresh RefreshFunc

	// Leeway refreshes this early, before the exp claim runs out.
	Leeway time.Duration

	// Now is the clock; tests inject a fake.
	Now func() time.Time
}

// RefreshingTokenProvider caches a JWT and refreshes it shortly before its
// exp claim runs out. The claim is read without signature verification;
// verifying belongs to the server. Tokens without a readable exp claim are
// cached until Invalidate.
type RefreshingTokenProvider struct {
	mu      sync.Mutex
	refresh RefreshFunc
	leeway  time.Duration
	now     func() time.Time
	token   string
	expiry  time.Time
}

// NewRefreshingTokenProvider creates a provider around a refresh callback.
func NewRefreshingTokenProvider(cfg RefreshingTokenConfig) *RefreshingTokenProvider {
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &RefreshingTokenProvider{
		refresh: cfg.Refresh,
		leeway:  leeway,
		now:     now,
	}
}

// Token returns the cached token, refreshing when it is missing or within
// leeway of expiry.
func (p *RefreshingTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && (p.expiry.IsZero() || p.now().Before(p.expiry.Add(-p.leeway))) {
		return p.token, nil
	}

	token, err := p.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	p.token = token
	p.expiry = tokenExpiry(token)
	return token, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (p *RefreshingTokenProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expiry = time.Time{}
}

// tokenExpiry extracts the exp claim, or zero when absent or unreadable.
func tokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Interface compliance.
var (
	_ TokenProvider = (*StaticTokenProvider)(nil)
	_ TokenProvider = (*RefreshingTokenProvider)(nil)
)
