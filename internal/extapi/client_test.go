package extapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"invoice-dispatcher/internal/models"
	"invoice-dispatcher/internal/token"
)

func testLease(t *testing.T) *token.Lease {
	t.Helper()
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	t.Cleanup(idp.Close)
	return token.NewLease(token.Config{URL: idp.URL})
}

func processServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func item() models.WorkItem {
	return models.WorkItem{ID: 42, Region: "azuay", EnqueuedAt: time.Now()}
}

func TestProcessCompleted(t *testing.T) {
	srv := processServer(t, http.StatusOK, `{"status":"COMPLETED"}`)
	c := NewClient(srv.URL, testLease(t), time.Second)
	require.NoError(t, c.Process(context.Background(), item()))
}

func TestProcessRetryableStatuses(t *testing.T) {
	for _, status := range []string{StatusNotSigned, StatusNoWS1, StatusNoWS2, StatusNoZip, StatusError} {
		srv := processServer(t, http.StatusOK, `{"status":"`+status+`"}`)
		c := NewClient(srv.URL, testLease(t), time.Second)
		err := c.Process(context.Background(), item())
		require.Error(t, err, status)
		require.True(t, Retryable(err), status)
	}
}

func TestProcessUnrecognizedStatusIsPermanent(t *testing.T) {
	srv := processServer(t, http.StatusOK, `{"status":"SOMETHING_NEW"}`)
	c := NewClient(srv.URL, testLease(t), time.Second)
	err := c.Process(context.Background(), item())
	require.Error(t, err)
	require.False(t, Retryable(err))
}

func TestProcessServerErrorIsRetryable(t *testing.T) {
	srv := processServer(t, http.StatusBadGateway, ``)
	c := NewClient(srv.URL, testLease(t), time.Second)
	err := c.Process(context.Background(), item())
	require.Error(t, err)
	require.True(t, Retryable(err))
}

func TestProcessClientErrorIsPermanent(t *testing.T) {
	srv := processServer(t, http.StatusUnprocessableEntity, ``)
	c := NewClient(srv.URL, testLease(t), time.Second)
	err := c.Process(context.Background(), item())
	require.Error(t, err)
	require.False(t, Retryable(err))
}

func TestProcessMalformedBodyIsPermanent(t *testing.T) {
	srv := processServer(t, http.StatusOK, `not json`)
	c := NewClient(srv.URL, testLease(t), time.Second)
	err := c.Process(context.Background(), item())
	require.Error(t, err)
	require.False(t, Retryable(err))
}

func TestProcessTimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLease(t), 20*time.Millisecond)
	err := c.Process(context.Background(), item())
	require.Error(t, err)
	require.True(t, Retryable(err))
}

func TestProcessPropagatesAuthRejection(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer idp.Close()
	lease := token.NewLease(token.Config{URL: idp.URL})

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	c := NewClient(srv.URL, lease, time.Second)
	err := c.Process(context.Background(), item())
	require.True(t, errors.Is(err, token.ErrAuthenticationRejected))
	require.False(t, called, "no outbound call should be attempted without a credential")
}
