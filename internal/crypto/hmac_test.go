package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuth() *RequestAuth {
	return &RequestAuth{Key: "operator-key", Secret: "operator-secret"}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	a := testAuth()
	now := time.Now().Unix()

	h := a.HeadersAt("POST", "/api/admin/resume", `{"operator":"alice"}`, now)
	require.NotEmpty(t, h["X-Liq-Signature"])

	err := a.verifyAt(h["X-Liq-Key"], h["X-Liq-Timestamp"], h["X-Liq-Signature"],
		"POST", "/api/admin/resume", `{"operator":"alice"}`, now)
	assert.NoError(t, err)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	a := testAuth()
	now := time.Now().Unix()
	h := a.HeadersAt("POST", "/api/admin/resume", "", now)

	err := a.verifyAt("other-key", h["X-Liq-Timestamp"], h["X-Liq-Signature"],
		"POST", "/api/admin/resume", "", now)
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	a := testAuth()
	now := time.Now().Unix()
	h := a.HeadersAt("POST", "/api/admin/resume", `{"operator":"alice"}`, now)

	err := a.verifyAt(h["X-Liq-Key"], h["X-Liq-Timestamp"], h["X-Liq-Signature"],
		"POST", "/api/admin/resume", `{"operator":"mallory"}`, now)
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedPath(t *testing.T) {
	a := testAuth()
	now := time.Now().Unix()
	h := a.HeadersAt("POST", "/api/admin/pause", "", now)

	err := a.verifyAt(h["X-Liq-Key"], h["X-Liq-Timestamp"], h["X-Liq-Signature"],
		"POST", "/api/admin/resume", "", now)
	assert.Error(t, err)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	a := testAuth()
	signed := time.Now().Unix()
	h := a.HeadersAt("POST", "/api/admin/resume", "", signed)

	err := a.verifyAt(h["X-Liq-Key"], h["X-Liq-Timestamp"], h["X-Liq-Signature"],
		"POST", "/api/admin/resume", "", signed+61)
	assert.Error(t, err)
}

func TestVerifyCustomSkewWindow(t *testing.T) {
	a := testAuth()
	a.MaxSkew = 5 * time.Minute
	signed := time.Now().Unix()
	h := a.HeadersAt("POST", "/api/admin/resume", "", signed)

	err := a.verifyAt(h["X-Liq-Key"], h["X-Liq-Timestamp"], h["X-Liq-Signature"],
		"POST", "/api/admin/resume", "", signed+120)
	assert.NoError(t, err)
}

func TestVerifyRejectsGarbageTimestamp(t *testing.T) {
	a := testAuth()
	err := a.Verify(a.Key, "not-a-number", "sig", "GET", "/", "")
	assert.Error(t, err)
}

func TestStringRedactsSecrets(t *testing.T) {
	a := testAuth()
	s := a.String()
	assert.NotContains(t, s, "operator-secret")
	assert.Contains(t, s, "****")
}
