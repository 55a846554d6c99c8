package reaction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/parlorchat/parlor/internal/identity"
	"github.com/parlorchat/parlor/internal/perms"
	"github.com/parlorchat/parlor/internal/room"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	rooms  *room.Service
	engine *Engine
	nowAt  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
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
		&identity.Identity{}, &perms.Override{}, &perms.Future{},
		&room.Room{}, &room.Message{}, &room.MessageHistory{},
		&room.Pin{}, &room.Activity{}, &Reaction{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	fix := &fixture{db: db, nowAt: time.Unix(1700000000, 0).UTC()}
	clock := func() time.Time { return fix.nowAt }

	permService, err := perms.NewService(perms.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build perms: %v", err)
	}
	engine, err := NewEngine(EngineConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	rooms, err := room.NewService(room.ServiceConfig{
		Database:  db,
		Perms:     permService,
		Reactions: engine,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to build room service: %v", err)
	}
	fix.rooms = rooms
	fix.engine = engine
	return fix
}

func (f *fixture) identity(t *testing.T, sid string) identity.Identity {
	t.Helper()
	ident := identity.Identity{SessionID: sid}
	if err := f.db.Create(&ident).Error; err != nil {
		t.Fatalf("failed to create identity: %v", err)
	}
	return ident
}

func (f *fixture) room(t *testing.T, token string) room.Room {
	t.Helper()
	created, err := f.rooms.CreateRoom(context.Background(), token, token, "")
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	return created
}

func (f *fixture) post(t *testing.T, r room.Room, author identity.Identity) room.Message {
	t.Helper()
	f.nowAt = f.nowAt.Add(time.Minute)
	message, err := f.rooms.AddPost(context.Background(), r, author, room.NewPost{
		Data:      []byte("hello"),
		Signature: make([]byte, 64),
	})
	if err != nil {
		t.Fatalf("failed to post: %v", err)
	}
	return message
}

func TestAddIsIdempotent(t *testing.T) {
	fix := newFixture(t)
	r := fix.room(t, "lounge")
	author := fix.identity(t, "05aa")
	reactor := fix.identity(t, "05bb")
	message := fix.post(t, r, author)

	added, seqno, err := fix.engine.Add(context.Background(), r, message.ID, reactor, "thumbs")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !added || seqno <= message.Seqno {
		t.Fatalf("first add must report added with a fresh seqno: added=%v seqno=%d", added, seqno)
	}

	again, repeatSeqno, err := fix.engine.Add(context.Background(), r, message.ID, reactor, "thumbs")
	if err != nil {
		t.Fatalf("repeat add: %v", err)
	}
	if again {
		t.Fatalf("repeat add must report added=false")
	}
	if repeatSeqno != seqno {
		t.Fatalf("repeat add must not allocate a seqno: %d != %d", repeatSeqno, seqno)
	}

	summaries, err := fix.engine.Summaries(context.Background(), &reactor, []int64{message.ID}, 0)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	summary := summaries[message.ID]["thumbs"]
	if summary.Count != 1 || !summary.You {
		t.Fatalf("repeat add must not change the count: %+v", summary)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	fix := newFixture(t)
	r := fix.room(t, "lounge")
	author := fix.identity(t, "05aa")
	message := fix.post(t, r, author)

	if _, _, err := fix.engine.Add(context.Background(), r, message.ID, author, "up"); err != nil {
		t.Fatalf("add: %v", err)
	}
	removed, seqno, err := fix.engine.Remove(context.Background(), r, message.ID, author, "up")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed || seqno == 0 {
		t.Fatalf("remove must report removed with a seqno: removed=%v seqno=%d", removed, seqno)
	}

	again, repeatSeqno, err := fix.engine.Remove(context.Background(), r, message.ID, author, "up")
	if err != nil {
		t.Fatalf("repeat remove: %v", err)
	}
	if again || repeatSeqno != seqno {
		t.Fatalf("absent reaction must report removed=false with the current seqno")
	}
}

func TestReactionValidation(t *testing.T) {
	fix := newFixture(t)
	r := fix.room(t, "lounge")
	author := fix.identity(t, "05aa")
	message := fix.post(t, r, author)

	for _, bad := range []string{"", strings.Repeat("x", 13), string([]byte{0xff, 0xfe})} {
		if _, _, err := fix.engine.Add(context.Background(), r, message.ID, author, bad); !errors.Is(err, ErrInvalidReaction) {
			t.Fatalf("expected ErrInvalidReaction for %q, got %v", bad, err)
		}
		if !errors.Is(ErrInvalidReaction, room.ErrInvalidInput) {
			t.Fatalf("validation failures must classify as invalid input")
		}
	}

	// 12 runes of multibyte text are fine.
	if _, _, err := fix.engine.Add(context.Background(), r, message.ID, author, strings.Repeat("é", 12)); err != nil {
		t.Fatalf("12-rune reaction must be accepted: %v", err)
	}
}

func TestReactingToMissingOrDeletedPost(t *testing.T) {
	fix := newFixture(t)
	r := fix.room(t, "lounge")
	author := fix.identity(t, "05aa")
	message := fix.post(t, r, author)

	if _, _, err := fix.engine.Add(context.Background(), r, message.ID+99, author, "up"); !errors.Is(err, room.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing post, got %v", err)
	}

	if _, err := fix.rooms.DeletePosts(context.Background(), r, author, []int64{message.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := fix.engine.Add(context.Background(), r, message.ID, author, "up"); !errors.Is(err, room.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a tombstoned post, got %v", err)
	}
}

func TestSummariesListFirstReactorsInOrder(t *testing.T) {
	fix := newFixture(t)
	r := fix.room(t, "lounge")
	author := fix.identity(t, "05aa")
	message := fix.post(t, r, author)

	reactors := []identity.Identity{
		fix.identity(t, "05b1"),
		fix.identity(t, "05b2"),
		fix.identity(t, "05b3"),
	}
	for _, reactor := range reactors {
		if _, _, err := fix.engine.Add(context.Background(), r, message.ID, reactor, "up"); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	summaries, err := fix.engine.Summaries(context.Background(), nil, []int64{message.ID}, 2)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	summary := summaries[message.ID]["up"]
	if summary.Count != 3 || summary.You {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.Reactors) != 2 || summary.Reactors[0] != "05b1" || summary.Reactors[1] != "05b2" {
		t.Fatalf("reactor list must hold the first reactors in insertion order: %v", summary.Reactors)
	}

	// reactorLimit zero omits the lists entirely.
	summaries, err = fix.engine.Summaries(context.Background(), nil, []int64{message.ID}, 0)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if got := summaries[message.ID]["up"].Reactors; got != nil {
		t.Fatalf("reactor list must be omitted when the limit is zero: %v", got)
	}
}

func TestRemoveAllScopedByValue(t *testing.T) {
	fix := newFixture(t)
	r := fix.room(t, "lounge")
	author := fix.identity(t, "05aa")
	other := fix.identity(t, "05bb")
	message := fix.post(t, r, author)

	for _, pair := range []struct {
		who   identity.Identity
		value string
	}{{author, "up"}, {other, "up"}, {other, "down"}} {
		if _, _, err := fix.engine.Add(context.Background(), r, message.ID, pair.who, pair.value); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	value := "up"
	removed, _, err := fix.engine.RemoveAll(context.Background(), r, message.ID, &value)
	if err != nil {
		t.Fatalf("remove all: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}

	removed, _, err = fix.engine.RemoveAll(context.Background(), r, message.ID, nil)
	if err != nil {
		t.Fatalf("remove all: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected the remaining reaction to go, got %d", removed)
	}
}

func TestReactionChangeSurfacesAsDeltaRow(t *testing.T) {
	fix := newFixture(t)
	r := fix.room(t, "lounge")
	author := fix.identity(t, "05aa")
	reactor := fix.identity(t, "05bb")
	message := fix.post(t, r, author)
	checkpoint := message.Seqno

	if _, _, err := fix.engine.Add(context.Background(), r, message.ID, reactor, "up"); err != nil {
		t.Fatalf("add: %v", err)
	}

	posts, err := fix.rooms.GetMessages(context.Background(), r, &reactor, room.Selector{SinceSeqno: &checkpoint}, room.QueryOptions{
		WithReactions: true,
		ReactorLimit:  5,
	})
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("expected one delta row, got %d", len(posts))
	}
	delta := posts[0]
	if !delta.ReactionOnly || delta.Data != nil {
		t.Fatalf("unchanged content must surface as a reaction-only row: %+v", delta)
	}
	summary := delta.Reactions["up"]
	if summary.Count != 1 || !summary.You || len(summary.Reactors) != 1 {
		t.Fatalf("delta row must carry the reaction summary: %+v", summary)
	}

	// A fresh client sees the full post together with its reactions.
	var zero int64
	posts, err = fix.rooms.GetMessages(context.Background(), r, &reactor, room.Selector{SinceSeqno: &zero}, room.QueryOptions{WithReactions: true})
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(posts) != 1 || posts[0].ReactionOnly || posts[0].Data == nil {
		t.Fatalf("full fetch must serve content: %+v", posts)
	}
}

func TestDeletingPostPurgesItsReactions(t *testing.T) {
	fix := newFixture(t)
	r := fix.room(t, "lounge")
	author := fix.identity(t, "05aa")
	message := fix.post(t, r, author)

	if _, _, err := fix.engine.Add(context.Background(), r, message.ID, author, "up"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := fix.rooms.DeletePosts(context.Background(), r, author, []int64{message.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var count int64
	if err := fix.db.Model(&Reaction{}).Where("message_id = ?", message.ID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("tombstoning must purge reactions, %d remain", count)
	}
}
