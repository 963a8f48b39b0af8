package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func exchangeServer(t *testing.T, calls *atomic.Int64, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "password", r.PostForm.Get("grant_type"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAcquireCachesUntilSkew(t *testing.T) {
	var calls atomic.Int64
	srv := exchangeServer(t, &calls, http.StatusOK, `{"access_token":"tok-1","expires_in":3600}`)

	l := NewLease(Config{URL: srv.URL, RefreshSkew: time.Minute})
	ctx := context.Background()

	c1, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-1", c1.Token)
	require.True(t, c1.ExpiresAt.After(time.Now()))

	c2, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, c1.Token, c2.Token)
	require.Equal(t, int64(1), calls.Load())
}

func TestAcquireSingleFlight(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer srv.Close()

	l := NewLease(Config{URL: srv.URL})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := l.Acquire(ctx)
			require.NoError(t, err)
			require.Equal(t, "tok", c.Token)
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), calls.Load())
}

func TestAcquireAuthenticationRejected(t *testing.T) {
	var calls atomic.Int64
	srv := exchangeServer(t, &calls, http.StatusUnauthorized, `{"error":"invalid_grant"}`)

	l := NewLease(Config{URL: srv.URL})
	_, err := l.Acquire(context.Background())
	require.ErrorIs(t, err, ErrAuthenticationRejected)
}

func TestAcquireInvalidResponse(t *testing.T) {
	var calls atomic.Int64
	srv := exchangeServer(t, &calls, http.StatusOK, `{"expires_in":3600}`)

	l := NewLease(Config{URL: srv.URL})
	_, err := l.Acquire(context.Background())
	require.ErrorIs(t, err, ErrInvalidCredentialResponse)
}

func TestAcquireTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	l := NewLease(Config{URL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := l.Acquire(context.Background())
	require.ErrorIs(t, err, ErrCredentialFetchTimeout)
}

func TestAcquireServesPreviousCredentialOnRefreshError(t *testing.T) {
	l := NewLease(Config{URL: "http://127.0.0.1:1", RefreshSkew: time.Hour})
	// Seed a credential inside the skew window but before its true expiry, so
	// Acquire refreshes, fails, and degrades to the previous token.
	seed := Credential{Token: "old", ExpiresAt: time.Now().Add(30 * time.Minute)}
	l.cred.Store(&seed)

	c, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "old", c.Token)
}

func TestAcquireNeverServesExpiredCredential(t *testing.T) {
	l := NewLease(Config{URL: "http://127.0.0.1:1"})
	seed := Credential{Token: "old", ExpiresAt: time.Now().Add(-time.Minute)}
	l.cred.Store(&seed)

	_, err := l.Acquire(context.Background())
	require.Error(t, err)
}

func TestExpiryFallsBackToJWTExpClaim(t *testing.T) {
	exp := time.Now().Add(45 * time.Minute).Truncate(time.Second)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).
		SignedString([]byte("secret"))
	require.NoError(t, err)

	got, err := expiry(exchangeResponse{AccessToken: raw}, time.Now())
	require.NoError(t, err)
	require.WithinDuration(t, exp, got, time.Second)
}

func TestExpiryRejectsOpaqueTokenWithoutExpiresIn(t *testing.T) {
	_, err := expiry(exchangeResponse{AccessToken: "opaque"}, time.Now())
	require.ErrorIs(t, err, ErrInvalidCredentialResponse)
}
