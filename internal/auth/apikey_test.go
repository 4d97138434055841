package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestChecker(t *testing.T, key string) *APIKeyChecker {
	t.Helper()
	hash, err := HashAPIKey(key, bcrypt.MinCost)
	require.NoError(t, err)
	c, err := NewAPIKeyChecker(hash)
	require.NoError(t, err)
	return c
}

func TestAPIKeyChecker(t *testing.T) {
	c := newTestChecker(t, "ml-detector-key")

	assert.NoError(t, c.Check("ml-detector-key"))
	assert.Error(t, c.Check("wrong"))
	assert.Error(t, c.Check(""))
}

func TestNewAPIKeyChecker_RejectsPlaintext(t *testing.T) {
	_, err := NewAPIKeyChecker("not-a-hash")
	assert.Error(t, err)
}

func TestHashAPIKey_TooLong(t *testing.T) {
	long := make([]byte, 73)
	for i := range long {
		long[i] = 'k'
	}
	_, err := HashAPIKey(string(long), bcrypt.MinCost)
	assert.Error(t, err)
}

func TestRequireAPIKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("nil checker is open", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RequireAPIKey(nil)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	h := RequireAPIKey(newTestChecker(t, "secret-key"))(ok)

	t.Run("missing key", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(APIKeyHeader, "secret-key")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
