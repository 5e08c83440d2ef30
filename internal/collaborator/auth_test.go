package collaborator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mewp-telemetry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAuthServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req verifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")

		switch req.Token {
		case "good":
			assert.Equal(t, "Bearer good", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(verifyResponse{
				Valid: true,
				User:  models.Identity{UserID: "u1", Username: "alice", Role: "operator"},
			})
		case "invalid":
			_ = json.NewEncoder(w).Encode(verifyResponse{Valid: false, Error: "expired"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(verifyResponse{Error: "unknown token"})
		}
	}))
}

func TestAuthClient_Verify(t *testing.T) {
	srv := newAuthServer(t)
	defer srv.Close()

	c := NewAuthClient(srv.URL+"/", time.Second, zap.NewNop())

	identity, err := c.Verify(context.Background(), models.Credentials{
		Token:   "good",
		Claimed: &models.Identity{UserID: "spoofed", Username: "mallory"},
	})
	require.NoError(t, err)
	// 只采用认证服务返回的身份
	assert.Equal(t, "u1", identity.UserID)
	assert.Equal(t, "alice", identity.Username)
}

func TestAuthClient_Rejected(t *testing.T) {
	srv := newAuthServer(t)
	defer srv.Close()

	c := NewAuthClient(srv.URL, time.Second, zap.NewNop())

	_, err := c.Verify(context.Background(), models.Credentials{Token: "invalid"})
	assert.True(t, errors.Is(err, ErrRejected))

	_, err = c.Verify(context.Background(), models.Credentials{Token: "other"})
	assert.True(t, errors.Is(err, ErrRejected))

	_, err = c.Verify(context.Background(), models.Credentials{})
	assert.True(t, errors.Is(err, ErrMissingToken))
}

func TestAuthClient_Unreachable(t *testing.T) {
	srv := newAuthServer(t)
	url := srv.URL
	srv.Close()

	c := NewAuthClient(url, 100*time.Millisecond, zap.NewNop())
	_, err := c.Verify(context.Background(), models.Credentials{Token: "good"})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrRejected))
}

func TestTrustedClaims(t *testing.T) {
	identity, err := TrustedClaims{}.Verify(context.Background(), models.Credentials{
		Claimed: &models.Identity{UserID: "u2", Username: "bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", identity.Username)

	_, err = TrustedClaims{}.Verify(context.Background(), models.Credentials{Token: "x"})
	assert.True(t, errors.Is(err, ErrMissingIdentity))
}
