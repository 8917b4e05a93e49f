package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAPIKey(t *testing.T) {
	k, err := ParseAPIKey("app123.keyABC:secretXYZ")
	require.NoError(t, err)
	assert.Equal(t, "app123", k.App)
	assert.Equal(t, "keyABC", k.KeyID)
	assert.Equal(t, "secretXYZ", k.Secret)
	assert.Equal(t, "app123.keyABC", k.KeyName())
}

func TestParseAPIKey_RejectsMissingColon(t *testing.T) {
	_, err := ParseAPIKey("app123.keyABC")
	assert.Error(t, err)
}

func TestParseAPIKey_RejectsMissingDot(t *testing.T) {
	_, err := ParseAPIKey("app123keyABC:secretXYZ")
	assert.Error(t, err)
}

func TestBuildTokenRequest_VerifiesWithTheSigningSecret(t *testing.T) {
	key, err := ParseAPIKey("app123.keyABC:secretXYZ")
	require.NoError(t, err)

	req, err := BuildTokenRequest(key, time.Hour, "{\"*\":[\"*\"]}", "client-1", time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Equal(t, key.KeyName(), req.KeyName)
	assert.NotEmpty(t, req.Nonce)
	assert.True(t, VerifyMAC(key.Secret, req))
}

func TestVerifyMAC_RejectsTamperedField(t *testing.T) {
	key, err := ParseAPIKey("app123.keyABC:secretXYZ")
	require.NoError(t, err)

	req, err := BuildTokenRequest(key, time.Hour, "", "", time.Unix(1700000000, 0))
	require.NoError(t, err)

	req.ClientID = "attacker"
	assert.False(t, VerifyMAC(key.Secret, req))
}

func TestVerifyMAC_RejectsWrongSecret(t *testing.T) {
	key, err := ParseAPIKey("app123.keyABC:secretXYZ")
	require.NoError(t, err)

	req, err := BuildTokenRequest(key, time.Hour, "", "", time.Unix(1700000000, 0))
	require.NoError(t, err)

	assert.False(t, VerifyMAC("some-other-secret", req))
}

func TestHandler_NeedsRenewal(t *testing.T) {
	h := NewHandler(time.Minute, nil)
	now := time.Unix(1700000000, 0)
	assert.True(t, h.NeedsRenewal(now), "no token yet always needs renewal")

	h.current.Expires = now.Add(10 * time.Minute).UnixMilli()
	h.hasAny = true
	assert.False(t, h.NeedsRenewal(now))

	h.current.Expires = now.Add(30 * time.Second).UnixMilli()
	assert.True(t, h.NeedsRenewal(now), "within the renewal threshold should trigger renewal")
}

func TestHandler_TokenRenewsWhenDue(t *testing.T) {
	var calls int
	h := NewHandler(time.Minute, func(ctx context.Context) (TokenDetails, error) {
		calls++
		return TokenDetails{Token: "tok-1", Expires: time.Now().Add(time.Hour).UnixMilli()}, nil
	})

	tok, err := h.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)
	assert.Equal(t, 1, calls)

	tok2, err := h.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok2.AccessToken)
	assert.Equal(t, 1, calls, "a still-fresh token should not trigger a second renewal")
}

func TestHandler_CurrentReflectsLastRenewalWithoutTriggeringOne(t *testing.T) {
	h := NewHandler(time.Minute, func(ctx context.Context) (TokenDetails, error) {
		return TokenDetails{Token: "tok-2", Expires: time.Now().Add(time.Hour).UnixMilli()}, nil
	})

	_, ok := h.Current()
	assert.False(t, ok)

	_, err := h.Token()
	require.NoError(t, err)

	td, ok := h.Current()
	require.True(t, ok)
	assert.Equal(t, "tok-2", td.Token)
}

func TestRealtimeQuery(t *testing.T) {
	key, err := ParseAPIKey("app123.keyABC:secretXYZ")
	require.NoError(t, err)
	assert.Equal(t, "app123.keyABC:secretXYZ", key.RealtimeQuery().Get("key"))

	td := TokenDetails{Token: "tok-3"}
	assert.Equal(t, "tok-3", td.RealtimeQuery().Get("access_token"))
}
