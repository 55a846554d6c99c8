package integration_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/parlorchat/parlor/internal/auth"
	"github.com/parlorchat/parlor/internal/crypto"
	"github.com/parlorchat/parlor/internal/files"
	"github.com/parlorchat/parlor/internal/identity"
	"github.com/parlorchat/parlor/internal/perms"
	"github.com/parlorchat/parlor/internal/reaction"
	"github.com/parlorchat/parlor/internal/reconcile"
	"github.com/parlorchat/parlor/internal/room"
	"github.com/parlorchat/parlor/internal/server"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
)

const jsonContentType = "application/json"

// stack is the full engine behind a live HTTP listener with a controllable
// clock.
type stack struct {
	server     *httptest.Server
	db         *gorm.DB
	reconciler *reconcile.Reconciler
	serverPub  []byte
	nowAt      time.Time
	nonceSeq   uint16
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	err = db.AutoMigrate(
		&identity.Identity{}, &auth.Nonce{}, &perms.Override{}, &perms.Future{},
		&room.Room{}, &room.Message{}, &room.MessageHistory{}, &room.Pin{},
		&room.Activity{}, &reaction.Reaction{}, &files.File{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	s := &stack{db: db, nowAt: time.Unix(1700000000, 0).UTC()}
	clock := func() time.Time { return s.nowAt }

	resolver, err := identity.NewResolver(identity.ResolverConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}

	serverSeed := blake2b.Sum256([]byte("integration-server-key"))
	serverKey := ed25519.NewKeyFromSeed(serverSeed[:])
	s.serverPub = serverKey.Public().(ed25519.PublicKey)

	nonces := auth.NewNonceStore(db, 24*time.Hour)
	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Resolver:        resolver,
		Nonces:          nonces,
		ServerPublicKey: s.serverPub,
		Tolerance:       24 * time.Hour,
		Clock:           clock,
	})
	if err != nil {
		t.Fatalf("failed to build authenticator: %v", err)
	}

	permService, err := perms.NewService(perms.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build perms: %v", err)
	}
	engine, err := reaction.NewEngine(reaction.EngineConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build reaction engine: %v", err)
	}
	fileService, err := files.NewService(files.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build file service: %v", err)
	}
	rooms, err := room.NewService(room.ServiceConfig{
		Database:  db,
		Perms:     permService,
		Files:     fileService,
		Reactions: engine,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to build room service: %v", err)
	}
	reconciler, err := reconcile.NewReconciler(reconcile.Config{
		Futures: permService,
		Nonces:  nonces,
		Rooms:   rooms,
		Files:   fileService,
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("failed to build reconciler: %v", err)
	}
	s.reconciler = reconciler

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator: authenticator,
		Rooms:         rooms,
		Reactions:     engine,
		Perms:         permService,
		Resolver:      resolver,
		Files:         fileService,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	s.server = httptest.NewServer(handler)
	t.Cleanup(s.server.Close)
	return s
}

func (s *stack) advance(d time.Duration) {
	s.nowAt = s.nowAt.Add(d)
}

// signed issues a signed request against the live server and decodes the JSON
// response into out when it is non-nil.
func (s *stack) signed(t *testing.T, priv ed25519.PrivateKey, method, path string, payload interface{}, out interface{}) int {
	t.Helper()
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		body = encoded
	}

	s.nonceSeq++
	nonce := make([]byte, 16)
	nonce[0] = byte(s.nonceSeq)
	nonce[1] = byte(s.nonceSeq >> 8)

	pub := priv.Public().(ed25519.PublicKey)
	message := crypto.SignedRequestString(s.serverPub, nonce, s.nowAt.Unix(), method, path, body)
	sig := ed25519.Sign(priv, message)

	req, err := http.NewRequest(method, s.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", jsonContentType)
	req.Header.Set(auth.HeaderPubkey, crypto.PrefixEd25519+hex.EncodeToString(pub))
	req.Header.Set(auth.HeaderTimestamp, timestamp(s.nowAt))
	req.Header.Set(auth.HeaderNonce, base64.StdEncoding.EncodeToString(nonce))
	req.Header.Set(auth.HeaderSignature, base64.StdEncoding.EncodeToString(sig))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("failed to decode response %q: %v", raw, err)
		}
	}
	return resp.StatusCode
}

// anonymous issues an unsigned GET.
func (s *stack) anonymous(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(s.server.URL + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("failed to decode response %q: %v", raw, err)
		}
	}
	return resp.StatusCode
}

func timestamp(at time.Time) string {
	return strconv.FormatInt(at.Unix(), 10)
}

func key(seed string) ed25519.PrivateKey {
	digest := blake2b.Sum256([]byte(seed))
	return ed25519.NewKeyFromSeed(digest[:])
}

func sessionID(t *testing.T, priv ed25519.PrivateKey) string {
	t.Helper()
	curvePub, err := crypto.Ed25519PublicToCurve25519(priv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("failed to derive session id: %v", err)
	}
	return crypto.PrefixSession + hex.EncodeToString(curvePub)
}

// promote flags an identity before its first request.
func (s *stack) promote(t *testing.T, priv ed25519.PrivateKey, flags map[string]interface{}) {
	t.Helper()
	ident := identity.Identity{SessionID: sessionID(t, priv)}
	if err := s.db.Create(&ident).Error; err != nil {
		t.Fatalf("failed to create identity: %v", err)
	}
	if err := s.db.Model(&identity.Identity{}).Where("id = ?", ident.ID).Updates(flags).Error; err != nil {
		t.Fatalf("failed to promote identity: %v", err)
	}
}

type postResponse struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
	Seqno     int64  `json:"seqno"`
}

type feedRow struct {
	ID           int64           `json:"id"`
	SessionID    string          `json:"session_id"`
	Data         []byte          `json:"data"`
	Seqno        int64           `json:"seqno"`
	Deleted      bool            `json:"deleted"`
	ReactionOnly bool            `json:"reaction_only"`
	Reactions    map[string]struct {
		Count int64 `json:"count"`
	} `json:"reactions"`
}

func TestProtocolFlow(t *testing.T) {
	s := newStack(t)
	admin := key("admin")
	alice := key("alice")
	bob := key("bob")
	s.promote(t, admin, map[string]interface{}{"global_admin": true, "global_moderator": true})

	// The admin provisions the room over the wire.
	status := s.signed(t, admin, http.MethodPost, "/rooms", map[string]string{"token": "lounge", "name": "Lounge"}, nil)
	if status != http.StatusCreated {
		t.Fatalf("room creation failed with status %d", status)
	}

	// Alice posts, the post appears in the change feed for everyone.
	var posted postResponse
	status = s.signed(t, alice, http.MethodPost, "/room/lounge/message", map[string]interface{}{
		"data":      []byte("hello from alice"),
		"signature": make([]byte, 64),
	}, &posted)
	if status != http.StatusCreated {
		t.Fatalf("post failed with status %d", status)
	}
	if posted.SessionID != sessionID(t, alice) {
		t.Fatalf("post attributed to %q", posted.SessionID)
	}

	var feed []feedRow
	if status := s.anonymous(t, "/room/lounge/messages/since/0", &feed); status != http.StatusOK {
		t.Fatalf("poll failed with status %d", status)
	}
	if len(feed) != 1 || string(feed[0].Data) != "hello from alice" {
		t.Fatalf("unexpected feed: %+v", feed)
	}
	checkpoint := feed[0].Seqno

	// Bob reacts; a poll from the checkpoint carries a reaction-only delta.
	s.advance(time.Minute)
	status = s.signed(t, bob, http.MethodPut, "/room/lounge/reaction/1/up", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("reaction failed with status %d", status)
	}
	feed = nil
	if status := s.anonymous(t, "/room/lounge/messages/since/"+strconv.FormatInt(checkpoint, 10), &feed); status != http.StatusOK {
		t.Fatalf("poll failed with status %d", status)
	}
	if len(feed) != 1 || !feed[0].ReactionOnly || feed[0].Reactions["up"].Count != 1 {
		t.Fatalf("expected a reaction-only delta: %+v", feed)
	}

	// The admin bans Bob with a timeout; the ban lifts after a reconciler
	// pass once the timeout passes.
	status = s.signed(t, admin, http.MethodPost, "/room/lounge/ban", map[string]interface{}{
		"session_id": sessionID(t, bob),
		"timeout":    60,
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("ban failed with status %d", status)
	}
	status = s.signed(t, bob, http.MethodPost, "/room/lounge/message", map[string]interface{}{
		"data":      []byte("still here?"),
		"signature": make([]byte, 64),
	}, nil)
	if status != http.StatusForbidden {
		t.Fatalf("banned post must be forbidden, got %d", status)
	}

	s.advance(2 * time.Minute)
	s.reconciler.SweepNow(context.Background())
	status = s.signed(t, bob, http.MethodPost, "/room/lounge/message", map[string]interface{}{
		"data":      []byte("back again"),
		"signature": make([]byte, 64),
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("post after ban expiry failed with status %d", status)
	}

	// Alice deletes her post; the feed serves a tombstone past the old seqno.
	status = s.signed(t, alice, http.MethodPost, "/room/lounge/messages/delete", map[string]interface{}{
		"ids": []int64{posted.ID},
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("delete failed with status %d", status)
	}
	feed = nil
	if status := s.anonymous(t, "/room/lounge/messages/since/0", &feed); status != http.StatusOK {
		t.Fatalf("poll failed with status %d", status)
	}
	var tombstones int
	for _, row := range feed {
		if row.ID == posted.ID {
			if !row.Deleted || row.Data != nil {
				t.Fatalf("expected a tombstone for post %d: %+v", posted.ID, row)
			}
			tombstones++
		}
	}
	if tombstones != 1 {
		t.Fatalf("expected exactly one tombstone, got %d", tombstones)
	}
}
