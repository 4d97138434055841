package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityToolkitAdmin_SetPassword(t *testing.T) {
	var got updateAccountRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/projects/"+testProject+"/accounts:update", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"localId":"uid-1"}`))
	}))
	defer srv.Close()

	admin := NewIdentityToolkitAdmin(testProject, srv.Client(), srv.URL+"/v1/")
	require.NoError(t, admin.SetPassword(context.Background(), "uid-1", "n3w-passw0rd"))
	assert.Equal(t, updateAccountRequest{LocalID: "uid-1", Password: "n3w-passw0rd"}, got)
}

func TestIdentityToolkitAdmin_SurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"message":"WEAK_PASSWORD"}}`))
	}))
	defer srv.Close()

	admin := NewIdentityToolkitAdmin(testProject, srv.Client(), srv.URL)
	err := admin.SetPassword(context.Background(), "uid-1", "123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEAK_PASSWORD")
}
