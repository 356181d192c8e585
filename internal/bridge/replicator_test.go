package bridge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/agentworkforce/platformbridge/internal/platform"
)

func audit(id int64, kind string, props map[string]any) platform.AuditEntry {
	return platform.AuditEntry{AuditID: id, AuditType: kind, CustomProperties: props}
}

func (f *fixture) replicator(cursor CursorStore) *Replicator {
	return NewReplicator(ReplicatorOptions{Platform: f.platform, Local: f.local, Cursor: cursor})
}

func TestSyncOnceAppliesInAuditOrder(t *testing.T) {
	f := newFixture(t)
	f.platform.organizations["42"] = platform.Organisation{ID: "42", Title: "City Council", About: "v8"}
	f.platform.changelog = []platform.AuditEntry{
		audit(5, "OrganisationUpdated", map[string]any{"OrganisationId": "42"}),
		audit(3, "OrganisationCreated", map[string]any{"OrganisationId": "42"}),
		audit(8, "OrganisationUpdated", map[string]any{"OrganisationId": "42"}),
	}
	cursor := NewMemoryCursorStore(0)

	report, err := f.replicator(cursor).SyncOnce(f.ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Fetched != 3 || report.Applied != 3 || report.Cursor != 8 {
		t.Fatalf("unexpected report %+v", report)
	}
	if saved, _ := cursor.Load(f.ctx); saved != 8 {
		t.Fatalf("expected cursor 8, got %d", saved)
	}
	org, err := f.local.Show(f.ctx, EntityOrganization, "city-council")
	if err != nil || org.String("description") != "v8" || org.String("platform_id") != "42" {
		t.Fatalf("organization not mirrored: %#v %v", org, err)
	}

	report, err = f.replicator(cursor).SyncOnce(f.ctx)
	if err != nil || report.Fetched != 0 || report.Cursor != 8 {
		t.Fatalf("second sync must start past the cursor: %+v %v", report, err)
	}
	if q := f.platform.queries[len(f.platform.queries)-1]; q.AuditID != 8 || q.Top != defaultChangelogTop {
		t.Fatalf("unexpected changelog query %+v", q)
	}
}

func TestOrderEntriesKeepsTiesOldestFirst(t *testing.T) {
	newestFirst := []platform.AuditEntry{
		audit(9, "b", nil),
		audit(7, "second", nil),
		audit(7, "first", nil),
	}
	got := orderEntries(newestFirst)
	if got[0].AuditType != "first" || got[1].AuditType != "second" || got[2].AuditID != 9 {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestSyncOnceSkipsUnknownAndRegisteredUsers(t *testing.T) {
	f := newFixture(t)
	f.platform.users["alice"] = platform.User{UserID: "u-1", UserName: "alice", IsRegistered: true}
	f.platform.changelog = []platform.AuditEntry{
		audit(1, "DatasetViewed", nil),
		audit(2, "UserCreated", map[string]any{"UserName": "alice"}),
	}

	report, err := f.replicator(nil).SyncOnce(f.ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Skipped != 2 || report.Applied != 0 || report.Cursor != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if _, err := f.local.Show(f.ctx, EntityUser, "alice"); !IsNotFound(err) {
		t.Fatalf("registered users are created by their own request, got %v", err)
	}
}

func TestSyncOnceOrganisationUpdateKeepsMemberships(t *testing.T) {
	f := newFixture(t)
	org := f.seedOrganization(t)
	f.platform.organizations["42"] = platform.Organisation{ID: "42", Title: "Glasgow City Council"}
	f.platform.changelog = []platform.AuditEntry{audit(4, "OrganisationUpdated", map[string]any{"OrganisationId": float64(42)})}

	for i := 0; i < 2; i++ {
		if _, err := f.replicator(NewMemoryCursorStore(0)).SyncOnce(f.ctx); err != nil {
			t.Fatalf("sync %d failed: %v", i, err)
		}
	}
	updated, err := f.local.Show(f.ctx, EntityOrganization, org.ID())
	if err != nil {
		t.Fatalf("show organization: %v", err)
	}
	if updated.String("title") != "Glasgow City Council" || updated.String("name") != "city-council" {
		t.Fatalf("only the title may change: %#v", updated)
	}
	members, _ := f.local.ListByOwner(f.ctx, EntityMember, org.ID())
	if len(members) != 1 {
		t.Fatalf("memberships must survive, got %d", len(members))
	}
	orgs, _ := f.local.ListByOwner(f.ctx, EntityOrganization, "")
	if len(orgs) != 1 {
		t.Fatalf("repeated updates must not duplicate, got %d", len(orgs))
	}
}

func TestSyncOnceUserCreatedAddsMembership(t *testing.T) {
	f := newFixture(t)
	org := f.seedOrganization(t)
	f.platform.users["bob"] = platform.User{
		UserID:         "u-2",
		UserName:       "bob",
		FirstName:      "Bob",
		LastName:       "Jones",
		Roles:          []string{RoleOrganisationEditor},
		OrganisationID: "42",
	}
	f.platform.changelog = []platform.AuditEntry{audit(10, "UserCreated", map[string]any{"UserId": "u-2"})}

	report, err := f.replicator(nil).SyncOnce(f.ctx)
	if err != nil || report.Applied != 1 {
		t.Fatalf("unexpected sync result %+v %v", report, err)
	}
	user, err := f.local.Show(f.ctx, EntityUser, "bob")
	if err != nil || user.String("fullname") != "Bob Jones" {
		t.Fatalf("user not mirrored: %#v %v", user, err)
	}
	member, err := f.local.Show(f.ctx, EntityMember, MemberID(org.ID(), user.ID()))
	if err != nil || member.String("role") != "editor" {
		t.Fatalf("membership not created: %#v %v", member, err)
	}
}

func TestSyncOnceRoleChangedMovesMembership(t *testing.T) {
	f := newFixture(t)
	council := f.seedOrganization(t)
	parks, err := f.local.Create(f.ctx, EntityOrganization, Record{"name": "parks", "title": "Parks", "platform_id": "43"})
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	editorUser, _ := f.local.Show(f.ctx, EntityUser, "editor")
	f.platform.users["editor"] = platform.User{UserID: platform.ID(editorUser.ID()), UserName: "editor", Roles: []string{RoleOrganisationAdmin}, OrganisationID: "43"}
	f.platform.changelog = []platform.AuditEntry{audit(11, "RoleChanged", map[string]any{"UserName": "editor", "OrganisationId": "43"})}

	if _, err := f.replicator(nil).SyncOnce(f.ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if _, err := f.local.Show(f.ctx, EntityMember, MemberID(council.ID(), editorUser.ID())); !IsNotFound(err) {
		t.Fatalf("old membership must be removed, got %v", err)
	}
	member, err := f.local.Show(f.ctx, EntityMember, MemberID(parks.ID(), editorUser.ID()))
	if err != nil || member.String("role") != "admin" {
		t.Fatalf("new membership missing: %#v %v", member, err)
	}
}

func TestSyncOnceRoleChangedWithoutOrganisationClears(t *testing.T) {
	f := newFixture(t)
	council := f.seedOrganization(t)
	editorUser, _ := f.local.Show(f.ctx, EntityUser, "editor")
	f.platform.users["editor"] = platform.User{UserID: platform.ID(editorUser.ID()), UserName: "editor"}
	f.platform.changelog = []platform.AuditEntry{audit(12, "RoleChanged", map[string]any{"UserName": "editor"})}

	if _, err := f.replicator(nil).SyncOnce(f.ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if members, _ := f.local.ListByOwner(f.ctx, EntityMember, council.ID()); len(members) != 0 {
		t.Fatalf("expected no memberships, got %d", len(members))
	}
}

func TestSyncOnceLocalFailuresAdvanceCursor(t *testing.T) {
	f := newFixture(t)
	f.platform.changelog = []platform.AuditEntry{
		audit(20, "UserUpdated", map[string]any{"UserName": "ghost"}),
		audit(21, "OrganisationUpdated", nil),
	}
	report, err := f.replicator(nil).SyncOnce(f.ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Failed != 2 || report.Cursor != 21 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestSyncOnceStopsOnUnreachablePlatform(t *testing.T) {
	f := newFixture(t)
	f.platform.organizations["42"] = platform.Organisation{ID: "42", Title: "City Council"}
	f.platform.userErr = &platform.Error{Kind: platform.KindPlatform, StatusCode: 503}
	f.platform.changelog = []platform.AuditEntry{
		audit(30, "OrganisationCreated", map[string]any{"OrganisationId": "42"}),
		audit(31, "UserUpdated", map[string]any{"UserName": "alice"}),
		audit(32, "OrganisationUpdated", map[string]any{"OrganisationId": "42"}),
	}
	cursor := NewMemoryCursorStore(0)
	report, err := f.replicator(cursor).SyncOnce(f.ctx)
	if !errors.Is(err, platform.ErrPlatform) {
		t.Fatalf("expected platform error, got %v", err)
	}
	if report.Applied != 1 || report.Cursor != 30 {
		t.Fatalf("cursor must stop before the deferred entry: %+v", report)
	}
	if saved, _ := cursor.Load(f.ctx); saved != 30 {
		t.Fatalf("expected saved cursor 30, got %d", saved)
	}
}

func TestSyncOnceChangelogErrorKeepsCursor(t *testing.T) {
	f := newFixture(t)
	f.platform.changelogErr = &platform.Error{Kind: platform.KindNotAuthorized, StatusCode: 401}
	cursor := NewMemoryCursorStore(17)
	report, err := f.replicator(cursor).SyncOnce(f.ctx)
	if !errors.Is(err, platform.ErrNotAuthorized) || report.Cursor != 17 {
		t.Fatalf("unexpected result %+v %v", report, err)
	}
}

func TestSyncOnceCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	if _, err := f.replicator(nil).SyncOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestFileCursorStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "cursor.json")
	store, err := NewFileCursorStore(path)
	if err != nil {
		t.Fatalf("open cursor store: %v", err)
	}
	ctx := context.Background()
	if got, err := store.Load(ctx); err != nil || got != 0 {
		t.Fatalf("missing file must load as 0: %d %v", got, err)
	}
	if err := store.Save(ctx, 1234); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	reopened, err := NewFileCursorStore(path)
	if err != nil {
		t.Fatalf("reopen cursor store: %v", err)
	}
	if got, err := reopened.Load(ctx); err != nil || got != 1234 {
		t.Fatalf("expected 1234, got %d %v", got, err)
	}
}
