package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// IdentityAdmin performs privileged account operations at the identity
// provider.
type IdentityAdmin interface {
	SetPassword(ctx context.Context, uid, newPassword string) error
}

// identityToolkitScopes grant admin access to Firebase Authentication users.
var identityToolkitScopes = []string{
	"https://www.googleapis.com/auth/identitytoolkit",
	"https://www.googleapis.com/auth/cloud-platform",
}

const identityToolkitEndpoint = "https://identitytoolkit.googleapis.com/v1"

// compile-time check that *IdentityToolkitAdmin implements IdentityAdmin
var _ IdentityAdmin = (*IdentityToolkitAdmin)(nil)

// IdentityToolkitAdmin calls the Identity Toolkit REST API (the API behind the
// Firebase Admin SDK) with an OAuth2-authorised client.
type IdentityToolkitAdmin struct {
	projectID string
	endpoint  string
	client    *http.Client
}

// NewGoogleIdentityAdmin builds an admin client for projectID. Credentials come
// from the service account JSON at credentialsFile, or from Application
// Default Credentials when the path is empty.
func NewGoogleIdentityAdmin(ctx context.Context, projectID, credentialsFile string) (*IdentityToolkitAdmin, error) {
	if projectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}

	var ts oauth2.TokenSource
	if credentialsFile != "" {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("auth: reading service account %s: %w", credentialsFile, err)
		}
		cfg, err := google.JWTConfigFromJSON(data, identityToolkitScopes...)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing service account: %w", err)
		}
		ts = cfg.TokenSource(ctx)
	} else {
		var err error
		ts, err = google.DefaultTokenSource(ctx, identityToolkitScopes...)
		if err != nil {
			return nil, fmt.Errorf("auth: finding default credentials: %w", err)
		}
	}

	return NewIdentityToolkitAdmin(projectID, oauth2.NewClient(ctx, ts), identityToolkitEndpoint), nil
}

// NewIdentityToolkitAdmin wires an already-authorised client. endpoint is the
// API root, e.g. "https://identitytoolkit.googleapis.com/v1".
func NewIdentityToolkitAdmin(projectID string, client *http.Client, endpoint string) *IdentityToolkitAdmin {
	return &IdentityToolkitAdmin{
		projectID: projectID,
		endpoint:  strings.TrimRight(endpoint, "/"),
		client:    client,
	}
}

type updateAccountRequest struct {
	LocalID  string `json:"localId"`
	Password string `json:"password"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SetPassword replaces the password of the account uid.
func (a *IdentityToolkitAdmin) SetPassword(ctx context.Context, uid, newPassword string) error {
	body, err := json.Marshal(updateAccountRequest{LocalID: uid, Password: newPassword})
	if err != nil {
		return fmt.Errorf("auth: encoding account update: %w", err)
	}

	url := fmt.Sprintf("%s/projects/%s/accounts:update", a.endpoint, a.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("auth: building account update: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth: calling identity toolkit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("auth: identity toolkit returned %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("auth: identity toolkit returned status %d", resp.StatusCode)
	}
	return nil
}
