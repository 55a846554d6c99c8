package perms

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/parlorchat/parlor/internal/identity"
	"gorm.io/gorm"
)

var defaultBits = Defaults{Read: true, Write: true, Upload: true, Accessible: true}

// roomRow mirrors the rooms columns the service touches when the moderator
// list changes.
type roomRow struct {
	ID          int64 `gorm:"column:id;primaryKey;autoIncrement"`
	InfoUpdates int64 `gorm:"column:info_updates;not null;default:0"`
}

func (roomRow) TableName() string { return "rooms" }

type fixture struct {
	db      *gorm.DB
	service *Service
	nowAt   *time.Time
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
	if err := db.AutoMigrate(&identity.Identity{}, &Override{}, &Future{}, &roomRow{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	nowAt := time.Unix(1700000000, 0).UTC()
	fix := &fixture{db: db, nowAt: &nowAt}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return *fix.nowAt },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	fix.service = service
	return fix
}

func (f *fixture) advance(d time.Duration) {
	next := f.nowAt.Add(d)
	*f.nowAt = next
}

func (f *fixture) identity(t *testing.T, sid string) identity.Identity {
	t.Helper()
	ident := identity.Identity{SessionID: sid, VisibleModerator: true}
	if err := f.db.Create(&ident).Error; err != nil {
		t.Fatalf("failed to create identity: %v", err)
	}
	return ident
}

func (f *fixture) reload(t *testing.T, id int64) identity.Identity {
	t.Helper()
	var ident identity.Identity
	if err := f.db.First(&ident, id).Error; err != nil {
		t.Fatalf("failed to reload identity: %v", err)
	}
	return ident
}

func TestEffectiveAnonymousUsesRoomDefaults(t *testing.T) {
	fix := newFixture(t)

	effective, err := fix.service.Effective(context.Background(), 1, Defaults{Read: true, Accessible: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !effective.CanRead() || effective.CanWrite() || effective.Banned || effective.Moderator {
		t.Fatalf("unexpected anonymous resolution: %+v", effective)
	}
	if !effective.CanAccess() {
		t.Fatalf("accessible room with read default must be accessible")
	}
}

func TestEffectiveAccessRequiresRead(t *testing.T) {
	fix := newFixture(t)

	effective, err := fix.service.Effective(context.Background(), 1, Defaults{Read: false, Accessible: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if effective.CanAccess() {
		t.Fatalf("room must not be accessible without read")
	}
}

func TestOverrideBeatsRoomDefault(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	ident := fix.identity(t, "05"+"11")

	if err := fix.service.SetOverride(ctx, 1, ident.ID, OverrideUpdate{Write: Deny}); err != nil {
		t.Fatalf("set override: %v", err)
	}
	effective, err := fix.service.Effective(ctx, 1, defaultBits, &ident)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if effective.CanWrite() {
		t.Fatalf("denied write must override the room default")
	}
	if !effective.CanRead() {
		t.Fatalf("read must still inherit the default")
	}

	// Clearing back to inherit restores the default.
	if err := fix.service.SetOverride(ctx, 1, ident.ID, OverrideUpdate{Write: Inherit}); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	effective, _ = fix.service.Effective(ctx, 1, defaultBits, &ident)
	if !effective.CanWrite() {
		t.Fatalf("inherited write must fall back to the room default")
	}
}

func TestModeratorBypassesExplicitDeny(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	ident := fix.identity(t, "05"+"22")

	if err := fix.service.SetOverride(ctx, 1, ident.ID, OverrideUpdate{Read: Deny, Write: Deny}); err != nil {
		t.Fatalf("set override: %v", err)
	}
	if err := fix.service.SetRoomModerator(ctx, 1, ident.ID, false, true); err != nil {
		t.Fatalf("set moderator: %v", err)
	}

	effective, err := fix.service.Effective(ctx, 1, defaultBits, &ident)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !effective.Moderator {
		t.Fatalf("expected moderator flag")
	}
	if !effective.CanRead() || !effective.CanWrite() || !effective.CanAccess() {
		t.Fatalf("moderator must bypass permission bits: %+v", effective)
	}
}

func TestGlobalBanShowsInEveryRoom(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	ident := fix.identity(t, "05"+"33")

	if err := fix.service.BanGlobal(ctx, ident.ID, nil); err != nil {
		t.Fatalf("ban: %v", err)
	}
	banned := fix.reload(t, ident.ID)
	effective, err := fix.service.Effective(ctx, 7, defaultBits, &banned)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !effective.Banned {
		t.Fatalf("global ban must surface in room resolution")
	}

	if err := fix.service.UnbanGlobal(ctx, ident.ID); err != nil {
		t.Fatalf("unban: %v", err)
	}
	unbanned := fix.reload(t, ident.ID)
	if unbanned.Banned {
		t.Fatalf("unban must clear the flag")
	}
}

func TestCacheInvalidatedOnWrite(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	ident := fix.identity(t, "05"+"44")

	first, err := fix.service.Effective(ctx, 1, defaultBits, &ident)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.CanWrite() {
		t.Fatalf("expected default write")
	}

	// Within the TTL the write must still be observable on the next call
	// because the setter invalidates before committing.
	if err := fix.service.SetOverride(ctx, 1, ident.ID, OverrideUpdate{Write: Deny}); err != nil {
		t.Fatalf("set override: %v", err)
	}
	second, err := fix.service.Effective(ctx, 1, defaultBits, &ident)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.CanWrite() {
		t.Fatalf("stale permission served after invalidating write")
	}
}

func TestCacheServesWithinTTL(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	ident := fix.identity(t, "05"+"55")

	if _, err := fix.service.Effective(ctx, 1, defaultBits, &ident); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Mutate the override row behind the service's back; the cached entry
	// keeps serving until the TTL lapses.
	deny := false
	if err := fix.db.Create(&Override{RoomID: 1, IdentityID: ident.ID, Write: &deny, VisibleModerator: true}).Error; err != nil {
		t.Fatalf("direct write: %v", err)
	}
	cached, _ := fix.service.Effective(ctx, 1, defaultBits, &ident)
	if !cached.CanWrite() {
		t.Fatalf("expected cached value within TTL")
	}

	fix.advance(3 * time.Second)
	fresh, _ := fix.service.Effective(ctx, 1, defaultBits, &ident)
	if fresh.CanWrite() {
		t.Fatalf("expected fresh resolution after TTL expiry")
	}
}

func TestBanFutureAppliedByReconcilerPass(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	ident := fix.identity(t, "05"+"66")

	timeout := 30 * time.Minute
	if err := fix.service.BanFromRoom(ctx, 3, ident.ID, &timeout); err != nil {
		t.Fatalf("ban: %v", err)
	}
	effective, _ := fix.service.Effective(ctx, 3, defaultBits, &ident)
	if !effective.Banned {
		t.Fatalf("ban must apply immediately")
	}

	// Before the deadline the future stays pending.
	applied, err := fix.service.ApplyDue(ctx, fix.nowAt.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("apply due: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected no futures applied early, got %d", applied)
	}

	applied, err = fix.service.ApplyDue(ctx, fix.nowAt.Add(31*time.Minute))
	if err != nil {
		t.Fatalf("apply due: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected one future applied, got %d", applied)
	}
	effective, _ = fix.service.Effective(ctx, 3, defaultBits, &ident)
	if effective.Banned {
		t.Fatalf("timed ban must lift once the future applies")
	}

	// Consumed futures do not reapply.
	applied, err = fix.service.ApplyDue(ctx, fix.nowAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("apply due: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected second pass to be a no-op, got %d", applied)
	}
}

func TestRebanReplacesPendingFuture(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	ident := fix.identity(t, "05"+"77")

	short := 10 * time.Minute
	long := 2 * time.Hour
	if err := fix.service.BanFromRoom(ctx, 3, ident.ID, &short); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := fix.service.BanFromRoom(ctx, 3, ident.ID, &long); err != nil {
		t.Fatalf("reban: %v", err)
	}

	futures, err := fix.service.PendingFutures(ctx, ident.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(futures) != 1 {
		t.Fatalf("rescheduling must replace the pending future, got %d", len(futures))
	}
	if got := futures[0].ApplyAt; !got.Equal(fix.nowAt.Add(long)) {
		t.Fatalf("unexpected apply time %v", got)
	}
}

func TestPermissionFuturesApplyInOrder(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	ident := fix.identity(t, "05"+"88")

	grant := true
	deny := false
	if err := fix.service.SchedulePermissionChange(ctx, 5, ident.ID, nil, &grant, nil, fix.nowAt.Add(time.Minute)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := fix.service.SchedulePermissionChange(ctx, 5, ident.ID, nil, &deny, nil, fix.nowAt.Add(2*time.Minute)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if _, err := fix.service.ApplyDue(ctx, fix.nowAt.Add(5*time.Minute)); err != nil {
		t.Fatalf("apply due: %v", err)
	}
	effective, _ := fix.service.Effective(ctx, 5, Defaults{Read: true, Write: true, Accessible: true}, &ident)
	if effective.CanWrite() {
		t.Fatalf("later future must win: %+v", effective)
	}
}
