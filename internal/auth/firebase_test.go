package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProject = "gangaguard-test"

// certServer publishes one self-signed certificate under kid and counts hits.
type certServer struct {
	*httptest.Server
	key  *rsa.PrivateKey
	kid  string
	hits atomic.Int32
}

func newCertServer(t *testing.T, kid string) *certServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "securetoken.system.gserviceaccount.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	cs := &certServer{key: key, kid: kid}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=3600, must-revalidate")
		json.NewEncoder(w).Encode(map[string]string{kid: string(certPEM)})
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *certServer) sign(t *testing.T, c firebaseClaims, kid string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	token.Header["kid"] = kid
	signed, err := token.SignedString(cs.key)
	require.NoError(t, err)
	return signed
}

func validClaims(now time.Time) firebaseClaims {
	return firebaseClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://securetoken.google.com/" + testProject,
			Audience:  jwt.ClaimStrings{testProject},
			Subject:   "firebase-uid-1",
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Email:    "asha@example.com",
		Name:     "Asha",
		AuthTime: now.Add(-time.Minute).Unix(),
	}
}

func newTestFirebaseVerifier(t *testing.T, cs *certServer) *FirebaseVerifier {
	t.Helper()
	v, err := NewFirebaseVerifier(testProject, WithCertsURL(cs.URL), WithHTTPClient(cs.Client()))
	require.NoError(t, err)
	return v
}

func TestFirebaseVerifier_Valid(t *testing.T) {
	cs := newCertServer(t, "kid-1")
	v := newTestFirebaseVerifier(t, cs)

	token := cs.sign(t, validClaims(time.Now()), "kid-1")
	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UID: "firebase-uid-1", Email: "asha@example.com", Name: "Asha"}, id)

	_, err = v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int32(1), cs.hits.Load(), "certificates are cached for max-age")
}

func TestFirebaseVerifier_Rejects(t *testing.T) {
	cs := newCertServer(t, "kid-1")
	v := newTestFirebaseVerifier(t, cs)
	now := time.Now()

	mutate := func(f func(c *firebaseClaims)) firebaseClaims {
		c := validClaims(now)
		f(&c)
		return c
	}

	tests := []struct {
		name   string
		claims firebaseClaims
		kid    string
	}{
		{"wrong audience", mutate(func(c *firebaseClaims) { c.Audience = jwt.ClaimStrings{"other"} }), "kid-1"},
		{"wrong issuer", mutate(func(c *firebaseClaims) { c.Issuer = "https://evil.example.com" }), "kid-1"},
		{"expired", mutate(func(c *firebaseClaims) { c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute)) }), "kid-1"},
		{"no expiry", mutate(func(c *firebaseClaims) { c.ExpiresAt = nil }), "kid-1"},
		{"issued in the future", mutate(func(c *firebaseClaims) { c.IssuedAt = jwt.NewNumericDate(now.Add(time.Hour)) }), "kid-1"},
		{"empty subject", mutate(func(c *firebaseClaims) { c.Subject = "" }), "kid-1"},
		{"future auth_time", mutate(func(c *firebaseClaims) { c.AuthTime = now.Add(time.Hour).Unix() }), "kid-1"},
		{"unknown kid", validClaims(now), "kid-2"},
		{"missing kid", validClaims(now), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), cs.sign(t, tt.claims, tt.kid))
			assert.Error(t, err)
		})
	}
}

func TestFirebaseVerifier_RejectsHS256(t *testing.T) {
	cs := newCertServer(t, "kid-1")
	v := newTestFirebaseVerifier(t, cs)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(time.Now()))
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString([]byte("attacker-chosen-secret"))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), signed)
	assert.Error(t, err)
}

func TestFirebaseVerifier_RefreshesAfterMaxAge(t *testing.T) {
	cs := newCertServer(t, "kid-1")
	now := time.Now()
	clock := func() time.Time { return now }
	v, err := NewFirebaseVerifier(testProject, WithCertsURL(cs.URL), WithHTTPClient(cs.Client()), WithClock(clock))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), cs.sign(t, validClaims(now), "kid-1"))
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = v.Verify(context.Background(), cs.sign(t, validClaims(now), "kid-1"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), cs.hits.Load())
}

func TestMaxAge(t *testing.T) {
	assert.Equal(t, 19*time.Minute, maxAge("public, max-age=1140, must-revalidate, no-transform"))
	assert.Equal(t, time.Hour, maxAge(""))
	assert.Equal(t, time.Hour, maxAge("max-age=abc"))
}

func TestNewFirebaseVerifier_RequiresProject(t *testing.T) {
	_, err := NewFirebaseVerifier("")
	assert.Error(t, err)
}

func TestFirebaseVerifier_ThrottlesUnknownKidRefresh(t *testing.T) {
	cs := newCertServer(t, "kid-1")
	now := time.Now()
	clock := func() time.Time { return now }
	v, err := NewFirebaseVerifier(testProject, WithCertsURL(cs.URL), WithHTTPClient(cs.Client()), WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = v.Verify(ctx, cs.sign(t, validClaims(now), "kid-1"))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err = v.Verify(ctx, cs.sign(t, validClaims(now), fmt.Sprintf("rotated-%d", i)))
		assert.ErrorContains(t, err, "unknown signing key")
	}
	assert.Equal(t, int32(1), cs.hits.Load(), "unknown kids do not refetch within a minute of the last fetch")

	now = now.Add(minForcedRefresh + time.Second)
	_, err = v.Verify(ctx, cs.sign(t, validClaims(now), "rotated-a"))
	assert.Error(t, err)
	_, err = v.Verify(ctx, cs.sign(t, validClaims(now), "rotated-b"))
	assert.Error(t, err)
	assert.Equal(t, int32(2), cs.hits.Load())

	_, err = v.Verify(ctx, cs.sign(t, validClaims(now), "kid-1"))
	require.NoError(t, err, "known keys keep verifying while refreshes are throttled")
}
