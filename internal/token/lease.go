package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"invoice-dispatcher/internal/telemetry"
)

var (
	// ErrAuthenticationRejected is returned when the identity endpoint answers
	// with a non-success status.
	ErrAuthenticationRejected = errors.New("token: authentication rejected")

	// ErrInvalidCredentialResponse is returned when the exchange response is
	// missing required fields.
	ErrInvalidCredentialResponse = errors.New("token: invalid credential response")

	// ErrCredentialFetchTimeout is returned when the exchange does not complete
	// within the configured timeout. Retryable by the caller.
	ErrCredentialFetchTimeout = errors.New("token: credential fetch timed out")
)

// Credential is the time-bounded access credential. Exactly one logical
// instance is live per process; replaced instances are discarded.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Config holds the credential exchange settings.
type Config struct {
	URL      string
	ClientID string
	Username string
	Password string

	// RefreshSkew is subtracted from the true expiry to force proactive
	// renewal. Default: 60s.
	RefreshSkew time.Duration

	// Timeout bounds each exchange request. Default: 5s.
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Lease owns the live credential and serves it to any number of concurrent
// callers. Concurrent refreshes collapse to a single network exchange.
type Lease struct {
	cfg    Config
	client *http.Client

	cred atomic.Pointer[Credential]
	sf   singleflight.Group
}

// NewLease creates a lease with no credential; the first Acquire fetches one.
func NewLease(cfg Config) *Lease {
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Lease{cfg: cfg, client: client}
}

// Acquire returns a non-expired credential. The fast path is a single atomic
// load; the refresh path is single-flight with a post-flight re-validation so
// racing callers never issue redundant exchanges.
func (l *Lease) Acquire(ctx context.Context) (Credential, error) {
	if c := l.cred.Load(); c != nil && l.fresh(*c, time.Now()) {
		return *c, nil
	}

	v, err, _ := l.sf.Do("refresh", func() (any, error) {
		// A racing caller may have completed the refresh already.
		if c := l.cred.Load(); c != nil && l.fresh(*c, time.Now()) {
			return *c, nil
		}
		cred, err := l.fetch(ctx)
		if err != nil {
			// Keep serving the previous credential while it is truly unexpired.
			if c := l.cred.Load(); c != nil && time.Now().Before(c.ExpiresAt) {
				log.Printf("token: refresh failed, serving previous credential: %v", err)
				return *c, nil
			}
			return Credential{}, err
		}
		l.cred.Store(&cred)
		telemetry.TokenRefreshes.Inc()
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// StartAutoRefresh proactively re-acquires the credential on an interval so
// the hot path rarely pays refresh latency. Optional; Acquire is correct
// without it.
func (l *Lease) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := l.Acquire(ctx); err != nil {
					log.Printf("token: scheduled refresh failed: %v", err)
				}
			}
		}
	}()
}

func (l *Lease) fresh(c Credential, now time.Time) bool {
	return c.Token != "" && now.Add(l.cfg.RefreshSkew).Before(c.ExpiresAt)
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (l *Lease) fetch(ctx context.Context) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {l.cfg.ClientID},
		"username":   {l.cfg.Username},
		"password":   {l.cfg.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	now := time.Now()
	resp, err := l.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return Credential{}, fmt.Errorf("%w: %v", ErrCredentialFetchTimeout, err)
		}
		return Credential{}, fmt.Errorf("credential exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Credential{}, fmt.Errorf("%w: status %d: %s", ErrAuthenticationRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrInvalidCredentialResponse, err)
	}
	if payload.AccessToken == "" {
		return Credential{}, fmt.Errorf("%w: missing access_token", ErrInvalidCredentialResponse)
	}

	expiresAt, err := expiry(payload, now)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Token: payload.AccessToken, ExpiresAt: expiresAt}, nil
}

// expiry prefers expires_in; when the identity provider omits it, the access
// token's own exp claim is used (the provider issues JWTs).
func expiry(payload exchangeResponse, now time.Time) (time.Time, error) {
	if payload.ExpiresIn > 0 {
		return now.Add(time.Duration(payload.ExpiresIn) * time.Second), nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(payload.AccessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: missing expires_in and token is not a JWT", ErrInvalidCredentialResponse)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("%w: missing expires_in and exp claim", ErrInvalidCredentialResponse)
	}
	return exp.Time, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
