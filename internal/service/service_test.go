package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gangaguard/backend/internal/auth"
	"github.com/gangaguard/backend/internal/geo"
	"github.com/gangaguard/backend/internal/model"
	"github.com/gangaguard/backend/internal/repository/sqlite"
)

// ghat is the default location used throughout: Assi Ghat, Varanasi.
var ghat = geo.Point{Lng: 82.790827, Lat: 25.284342}

// === fakes ===

type published struct {
	event   string
	payload any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (n *recordingNotifier) Publish(_ context.Context, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{event: event, payload: payload})
	return n.err
}

func (n *recordingNotifier) Events() []published {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]published(nil), n.events...)
}

// memStore keeps blobs in memory and can pretend some of them vanished.
type memStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	types   map[string]string
	missing map[string]bool
	err     error
	n       int
}

func newMemStore() *memStore {
	return &memStore{
		blobs:   make(map[string][]byte),
		types:   make(map[string]string),
		missing: make(map[string]bool),
	}
}

func (m *memStore) Save(_ context.Context, prefix string, r io.Reader, contentType string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	url := fmt.Sprintf("/uploads/%s-%d.jpg", prefix, m.n)
	m.blobs[url] = data
	m.types[url] = contentType
	return url, nil
}

func (m *memStore) Exists(_ context.Context, url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.missing[url]
}

func (m *memStore) Remove(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, url)
	delete(m.types, url)
	return nil
}

func (m *memStore) lose(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing[url] = true
}

type fakeAdmin struct {
	mu        sync.Mutex
	passwords map[string]string
	err       error
}

func (a *fakeAdmin) SetPassword(_ context.Context, uid, pw string) error {
	if a.err != nil {
		return a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.passwords == nil {
		a.passwords = make(map[string]string)
	}
	a.passwords[uid] = pw
	return nil
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// === environment ===

type testEnv struct {
	db        *sqlite.DB
	clock     *testClock
	notifier  *recordingNotifier
	store     *memStore
	admin     *fakeAdmin
	incidents *IncidentService
	users     *UserService
	board     *LeaderboardService
	ledger    *LedgerService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		db:       db,
		clock:    &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
		store:    newMemStore(),
		admin:    &fakeAdmin{},
	}
	env.incidents = NewIncidentService(IncidentConfig{
		Incidents:       db.Incidents(),
		Store:           env.store,
		Notifier:        env.notifier,
		Logger:          logger,
		DefaultLocation: ghat,
		BaseURL:         "https://api.gangaguard.test",
		Clock:           env.clock.Now,
	})
	env.users = NewUserService(db.Users(), env.store, env.admin, logger, env.clock.Now)
	env.board = NewLeaderboardService(db.Users(), db.Rewards(), logger, env.clock.Now)
	env.ledger = NewLedgerService(db.Rewards(), db, logger)
	return env
}

// register bootstraps a profile for uid and returns it.
func (e *testEnv) register(t *testing.T, uid, username string) *model.User {
	t.Helper()
	u, err := e.users.Bootstrap(context.Background(),
		auth.Identity{UID: uid, Email: username + "@example.com"},
		BootstrapInput{Username: username, Role: model.RoleSafaiKarmi},
	)
	require.NoError(t, err)
	return u
}

// submitAt creates a PENDING incident at p with a remote before-image.
func (e *testEnv) submitAt(t *testing.T, p geo.Point) *model.Incident {
	t.Helper()
	inc, err := e.incidents.Submit(context.Background(), SubmitInput{
		Image: "https://cdn.example.com/before.jpg",
		Lat:   &p.Lat,
		Lng:   &p.Lng,
	})
	require.NoError(t, err)
	return inc
}

func (e *testEnv) claimAndComplete(t *testing.T, incidentID, userID string) *Completion {
	t.Helper()
	ctx := context.Background()
	_, err := e.incidents.Claim(ctx, incidentID, userID)
	require.NoError(t, err)
	c, err := e.incidents.Complete(ctx, incidentID, userID, CompleteInput{ImageAfterURL: "https://cdn.example.com/after.jpg"})
	require.NoError(t, err)
	return c
}

var errBoom = errors.New("boom")

func jpegBytes() []byte {
	return append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x42}, 64)...)
}
