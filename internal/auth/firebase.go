package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// GoogleCertsURL publishes the X.509 certificates that sign Firebase ID tokens,
// keyed by kid.
const GoogleCertsURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

const defaultCertsTTL = time.Hour

// minForcedRefresh spaces out refetches triggered by unknown kids while the
// cached certificates are still fresh.
const minForcedRefresh = time.Minute

// compile-time check that *FirebaseVerifier implements Verifier
var _ Verifier = (*FirebaseVerifier)(nil)

// FirebaseVerifier verifies Firebase Authentication ID tokens:
//
//   - alg RS256, signed by a key currently published at the certs URL
//   - iss https://securetoken.google.com/<project>, aud <project>
//   - exp in the future, iat in the past, sub non-empty
//
// Certificates are cached for the max-age Google sends and refetched on
// expiry or when a token names an unknown kid, at most once per
// minForcedRefresh in the latter case.
type FirebaseVerifier struct {
	projectID string
	certsURL  string
	client    *http.Client
	now       func() time.Time

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	expires     time.Time
	lastRefresh time.Time
}

// FirebaseOption customises a FirebaseVerifier.
type FirebaseOption func(*FirebaseVerifier)

// WithCertsURL points the verifier at a different certificate endpoint.
func WithCertsURL(url string) FirebaseOption {
	return func(v *FirebaseVerifier) { v.certsURL = url }
}

// WithHTTPClient sets the client used to fetch certificates.
func WithHTTPClient(c *http.Client) FirebaseOption {
	return func(v *FirebaseVerifier) { v.client = c }
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) FirebaseOption {
	return func(v *FirebaseVerifier) { v.now = now }
}

// NewFirebaseVerifier creates a verifier for tokens minted for projectID.
func NewFirebaseVerifier(projectID string, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	if projectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}
	v := &FirebaseVerifier{
		projectID: projectID,
		certsURL:  GoogleCertsURL,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

type firebaseClaims struct {
	jwt.RegisteredClaims
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	AuthTime int64  `json:"auth_time,omitempty"`
}

// Verify implements Verifier.
func (v *FirebaseVerifier) Verify(ctx context.Context, tokenStr string) (Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&firebaseClaims{},
		func(token *jwt.Token) (any, error) {
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("auth: token header has no kid")
			}
			return v.publicKey(ctx, kid)
		},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer("https://securetoken.google.com/"+v.projectID),
		jwt.WithAudience(v.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("auth: token expired")
		}
		return Identity{}, fmt.Errorf("auth: invalid firebase token: %w", err)
	}

	c, ok := token.Claims.(*firebaseClaims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("auth: invalid token claims")
	}
	if err := checkSubject(c.Subject); err != nil {
		return Identity{}, err
	}
	if c.AuthTime > v.now().Unix() {
		return Identity{}, fmt.Errorf("auth: auth_time is in the future")
	}

	return Identity{UID: c.Subject, Email: c.Email, Name: c.Name}, nil
}

// publicKey returns the key for kid, refreshing the cache when it has expired
// or does not know kid.
func (v *FirebaseVerifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fresh := v.now().Before(v.expires)
	if key, ok := v.keys[kid]; ok && fresh {
		return key, nil
	}
	if fresh && v.now().Sub(v.lastRefresh) < minForcedRefresh {
		return nil, fmt.Errorf("auth: unknown signing key %q", kid)
	}

	if err := v.refreshLocked(ctx); err != nil {
		return nil, err
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("auth: unknown signing key %q", kid)
	}
	return key, nil
}

func (v *FirebaseVerifier) refreshLocked(ctx context.Context) error {
	v.lastRefresh = v.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.certsURL, nil)
	if err != nil {
		return fmt.Errorf("auth: building certs request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth: fetching signing certificates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: certs endpoint returned %s", resp.Status)
	}

	var certs map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&certs); err != nil {
		return fmt.Errorf("auth: decoding signing certificates: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(certs))
	for kid, pem := range certs {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		if err != nil {
			return fmt.Errorf("auth: parsing certificate %q: %w", kid, err)
		}
		keys[kid] = key
	}

	v.keys = keys
	v.expires = v.now().Add(maxAge(resp.Header.Get("Cache-Control")))
	return nil
}

// maxAge extracts max-age from a Cache-Control header, falling back to an hour.
func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if secs, ok := strings.CutPrefix(directive, "max-age="); ok {
			if n, err := strconv.Atoi(secs); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	return defaultCertsTTL
}
