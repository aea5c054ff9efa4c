package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"token123","token_type":"bearer","expires_in":3600}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestGetTokenAndSetAuthHeader(t *testing.T) {
	var hits int32
	server := tokenServer(t, &hits)

	client := NewClientCred(Conf{ClientID: "id", ClientSecret: "secret", AuthURL: server.URL})
	token, err := client.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token123", token)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	require.NoError(t, client.SetAuthHeader(req))
	assert.Equal(t, "Bearer token123", req.Header.Get("Authorization"))
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "cached token should be reused")

	_, err = client.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestTokenEndpointFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer server.Close()
	client := NewClientCred(Conf{ClientID: "id", ClientSecret: "bad", AuthURL: server.URL})
	_, err := client.GetToken(context.Background())
	assert.Error(t, err)
}

func TestNewSelectsCredential(t *testing.T) {
	assert.Nil(t, New(Conf{}))
	assert.IsType(t, Static(""), New(Conf{Token: "abc"}))
	assert.IsType(t, &ClientCred{}, New(Conf{AuthURL: "http://idp", Token: "abc"}))

	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	require.NoError(t, Static("abc").SetAuthHeader(req))
	assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))
	assert.Error(t, Static("").SetAuthHeader(req))
}
