package bridge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestMemoryLocalStoreLookupByName(t *testing.T) {
	f := newFixture(t)
	org := f.seedOrganization(t)
	byName, err := f.local.Show(f.ctx, EntityOrganization, "city-council")
	if err != nil || byName.ID() != org.ID() {
		t.Fatalf("show by name failed: %#v %v", byName, err)
	}
	if _, err := f.local.Create(f.ctx, EntityOrganization, Record{"name": "city-council"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("duplicate names must be rejected, got %v", err)
	}
	members, err := f.local.ListByOwner(f.ctx, EntityMember, "city-council")
	if err != nil || len(members) != 1 {
		t.Fatalf("expected membership listed under the organization name, got %d %v", len(members), err)
	}
	found, ok, err := FindByPlatformID(f.ctx, f.local, EntityOrganization, "42")
	if err != nil || !ok || found.ID() != org.ID() {
		t.Fatalf("find by platform id failed: %#v %v %v", found, ok, err)
	}
	if _, ok, _ := FindByPlatformID(f.ctx, f.local, EntityOrganization, ""); ok {
		t.Fatalf("an empty platform id matches nothing")
	}
}

func TestMemoryLocalStoreAuthorize(t *testing.T) {
	f := newFixture(t)
	org := f.seedOrganization(t)
	seedAdmin(t, f, org)

	cases := []struct {
		principal Principal
		action    Action
		target    string
		allowed   bool
	}{
		{editor, ActionDatasetCreate, org.ID(), true},
		{editor, ActionDatasetCreate, "city-council", true},
		{editor, ActionMemberCreate, org.ID(), false},
		{Principal{Name: "admin"}, ActionMemberCreate, org.ID(), true},
		{editor, ActionOrganizationCreate, "", false},
		{editor, ActionUserUpdate, "editor", true},
		{editor, ActionUserUpdate, "admin", false},
		{Principal{}, ActionTasksRead, "", false},
		{Principal{Name: "stranger"}, ActionTasksRead, "", false},
		{Principal{Name: "root", Sysadmin: true}, ActionSysadmin, "", true},
		{System, ActionOrganizationCreate, "", true},
	}
	for _, tc := range cases {
		err := f.local.CheckPermission(f.ctx, tc.principal, tc.action, tc.target)
		if tc.allowed && err != nil {
			t.Fatalf("%s %s on %q: unexpected denial %v", tc.principal.Name, tc.action, tc.target, err)
		}
		if !tc.allowed && !errors.Is(err, ErrNotAuthorized) {
			t.Fatalf("%s %s on %q: expected denial, got %v", tc.principal.Name, tc.action, tc.target, err)
		}
	}
}

func TestFileLocalStorePersistsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog", "records.json")
	store, err := NewFileLocalStore(path)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	org, err := store.Create(ctx, EntityOrganization, Record{"name": "parks", "platform_id": "7"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Update(ctx, EntityOrganization, Record{"id": org.ID(), "title": "Parks"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	dataset, err := store.Create(ctx, EntityDataset, Record{"name": "benches", "owner_org": org.ID()})
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}
	if err := store.Delete(ctx, EntityDataset, dataset.ID()); err != nil {
		t.Fatalf("delete: %v", err)
	}

	reopened, err := NewFileLocalStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	parks, err := reopened.Show(ctx, EntityOrganization, "parks")
	if err != nil || parks.String("title") != "Parks" || parks.String("platform_id") != "7" {
		t.Fatalf("organization not restored: %#v %v", parks, err)
	}
	if _, err := reopened.Show(ctx, EntityDataset, "benches"); !IsNotFound(err) {
		t.Fatalf("deleted dataset must stay deleted, got %v", err)
	}
	if _, err := NewFileLocalStore(" "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty path, got %v", err)
	}
}
