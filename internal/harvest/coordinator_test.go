package harvest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/platformbridge/internal/bridge"
	"github.com/agentworkforce/platformbridge/internal/platform"
)

// fakeMetadataAPI serves three organizations over two pages, one of them a
// duplicate title, with one dataset in each of the first two.
type fakeMetadataAPI struct {
	orgListFails atomic.Bool
	fileCalls    atomic.Int32
}

func (f *fakeMetadataAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	skip := r.URL.Query().Get("$skip")
	path := strings.TrimPrefix(r.URL.Path, "/read")
	switch {
	case path == "/Metadata/Organisation":
		if f.orgListFails.Load() {
			_, _ = w.Write([]byte(`{"IsErrorResponse":true,"ErrorMessage":"metadata store offline","MetadataResultSet":[]}`))
			return
		}
		switch skip {
		case "0":
			_, _ = w.Write([]byte(`{"MetadataResultSet":[{"Id":1,"Title":"Parks Department","About":"Green spaces"},{"Id":2,"Title":"Roads"}]}`))
		case "2":
			_, _ = w.Write([]byte(`{"MetadataResultSet":[{"Id":3,"Title":"Parks Department"}]}`))
		default:
			_, _ = w.Write([]byte(`{"MetadataResultSet":[]}`))
		}
	case path == "/Organisations/1/Datasets":
		if skip != "0" {
			_, _ = w.Write([]byte(`{"MetadataResultSet":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"MetadataResultSet":[{"Id":10,"OrganisationId":1,"NeedsApproval":true,"Metadata":{"Title":"Park benches","Description":"Every bench","OpennessRating":0,"Quality":3}}]}`))
	case path == "/Organisations/2/Datasets":
		if skip != "0" {
			_, _ = w.Write([]byte(`{"MetadataResultSet":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"MetadataResultSet":[{"Id":20,"OrganisationId":2,"Metadata":{"Title":"Potholes","Description":"Reported potholes"}}]}`))
	case path == "/Organisations/3/Datasets":
		http.Error(w, "duplicate organizations are never enumerated", http.StatusTeapot)
	case path == "/Metadata/Organisation/1/Dataset/10/File":
		f.fileCalls.Add(1)
		_, _ = w.Write([]byte(`{"MetadataResultSet":[{"FileId":"f1","Version":"v1","FileMetadata":{"Title":"benches.csv","Type":"CSV","FileExternalUrl":"https://platform.example/f1"}}]}`))
	case path == "/Metadata/Organisation/2/Dataset/20/File":
		f.fileCalls.Add(1)
		http.NotFound(w, r)
	default:
		http.Error(w, "unexpected path "+path, http.StatusBadRequest)
	}
}

type harness struct {
	ctx         context.Context
	api         *fakeMetadataAPI
	local       *bridge.MemoryLocalStore
	store       *MemoryStore
	coordinator *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := &fakeMetadataAPI{}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	client := platform.NewClient(platform.ClientOptions{
		ReadBaseURL:     server.URL + "/read",
		WriteBaseURL:    server.URL + "/write",
		IdentityBaseURL: server.URL + "/identity",
		Credentials: platform.CredentialFunc(func(context.Context, platform.Audience) (string, error) {
			return "token", nil
		}),
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	h := &harness{
		ctx:   context.Background(),
		api:   api,
		local: bridge.NewMemoryLocalStore(),
		store: NewMemoryStore(),
	}
	coordinator, err := NewCoordinator(Options{Platform: client, Local: h.local, Store: h.store})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	h.coordinator = coordinator
	return h
}

func TestRunImportsOrganizationsDatasetsAndFiles(t *testing.T) {
	h := newHarness(t)
	report, err := h.coordinator.Run(h.ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Status != JobFinished || report.Gathered != 2 || report.Fetched != 2 || report.Imported != 2 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Warnings) != 1 || !strings.Contains(report.Warnings[0], "Parks Department") {
		t.Fatalf("expected duplicate warning, got %v", report.Warnings)
	}

	orgs, _ := h.local.ListByOwner(h.ctx, bridge.EntityOrganization, "")
	if len(orgs) != 2 {
		t.Fatalf("expected 2 organizations, got %d", len(orgs))
	}
	parks, err := h.local.Show(h.ctx, bridge.EntityOrganization, "parks-department")
	if err != nil || parks.String("platform_id") != "1" || parks.String("description") != "Green spaces" {
		t.Fatalf("unexpected parks organization %#v %v", parks, err)
	}

	benches, err := h.local.Show(h.ctx, bridge.EntityDataset, "park-benches")
	if err != nil {
		t.Fatalf("dataset not imported: %v", err)
	}
	if benches.String("platform_id") != "10" || benches.String("owner_org") != parks.ID() {
		t.Fatalf("unexpected dataset %#v", benches)
	}
	if benches["openness_rating"] != float64(0) || benches["needs_approval"] != true {
		t.Fatalf("zero rating and approval flag must survive: %#v", benches)
	}
	file, err := h.local.Show(h.ctx, bridge.EntityFile, "f1")
	if err != nil {
		t.Fatalf("file not imported: %v", err)
	}
	if file.String("url") != "https://platform.example/f1" || file.String("package_id") != benches.ID() || file.String("platform_version_id") != "v1" {
		t.Fatalf("unexpected file %#v", file)
	}
	potholes, err := h.local.Show(h.ctx, bridge.EntityDataset, "potholes")
	if err != nil {
		t.Fatalf("dataset without files not imported: %v", err)
	}
	if files, _ := h.local.ListByOwner(h.ctx, bridge.EntityFile, potholes.ID()); len(files) != 0 {
		t.Fatalf("expected no files for potholes, got %d", len(files))
	}
}

func TestRunTwiceSupersedesItems(t *testing.T) {
	h := newHarness(t)
	first, err := h.coordinator.Run(h.ctx)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	second, err := h.coordinator.Run(h.ctx)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	datasets, _ := h.local.ListByOwner(h.ctx, bridge.EntityDataset, "")
	if len(datasets) != 2 {
		t.Fatalf("repeated runs must update in place, got %d datasets", len(datasets))
	}

	items, err := h.store.ItemsForGUID(h.ctx, "10")
	if err != nil || len(items) != 2 {
		t.Fatalf("expected two items for guid 10, got %d %v", len(items), err)
	}
	for _, item := range items {
		wantCurrent := item.JobID == second.JobID
		if item.Current != wantCurrent {
			t.Fatalf("item from job %s current=%v (first job %s)", item.JobID, item.Current, first.JobID)
		}
		if item.PackageID != items[0].PackageID {
			t.Fatalf("both runs must target the same dataset")
		}
	}
}

func TestRunKeepsExistingOrganizationByName(t *testing.T) {
	h := newHarness(t)
	existing, err := h.local.Create(h.ctx, bridge.EntityOrganization, bridge.Record{"name": "roads", "title": "Roads (local)"})
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if _, err := h.coordinator.Run(h.ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	potholes, err := h.local.Show(h.ctx, bridge.EntityDataset, "potholes")
	if err != nil || potholes.String("owner_org") != existing.ID() {
		t.Fatalf("dataset must land in the existing organization: %#v %v", potholes, err)
	}
	roads, _ := h.local.Show(h.ctx, bridge.EntityOrganization, existing.ID())
	if roads.String("title") != "Roads (local)" {
		t.Fatalf("existing organizations are not rewritten during gather: %#v", roads)
	}
}

func TestRunFailsJobWhenEnumerationFails(t *testing.T) {
	h := newHarness(t)
	h.api.orgListFails.Store(true)
	report, err := h.coordinator.Run(h.ctx)
	if !errors.Is(err, platform.ErrPlatform) {
		t.Fatalf("expected platform error, got %v", err)
	}
	if report.Status != JobFailed || len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "metadata store offline") {
		t.Fatalf("unexpected report %+v", report)
	}
	job, err := h.store.Job(h.ctx, report.JobID)
	if err != nil || job.Status != JobFailed || job.FinishedAt.IsZero() {
		t.Fatalf("failed job not persisted: %+v %v", job, err)
	}
	if h.api.fileCalls.Load() != 0 {
		t.Fatalf("no fetch may run after a failed gather")
	}
}

func TestImportRecordsItemErrors(t *testing.T) {
	h := newHarness(t)
	item := WorkItem{ID: "bad", GUID: "99", Content: []byte(`not json`), State: ItemGathered}
	if err := h.store.SaveItem(h.ctx, item); err != nil {
		t.Fatalf("save item: %v", err)
	}
	if _, err := h.coordinator.Import(h.ctx, item); err == nil {
		t.Fatalf("expected import failure")
	}
	stored, _ := h.store.Item(h.ctx, "bad")
	if stored.State != ItemError || len(stored.Errors) != 1 || !strings.HasPrefix(stored.Errors[0], "import: ") {
		t.Fatalf("failure not recorded on item: %+v", stored)
	}
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvest", "state.json")
	ctx := context.Background()
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	for _, item := range []WorkItem{
		{ID: "a", GUID: "g", Content: []byte(`{"Id":1}`), CreatedAt: time.Unix(1, 0)},
		{ID: "b", GUID: "g", Content: []byte(`{"Id":1}`), CreatedAt: time.Unix(2, 0)},
	} {
		if err := store.SaveItem(ctx, item); err != nil {
			t.Fatalf("save item: %v", err)
		}
	}
	if err := store.MarkCurrent(ctx, "a"); err != nil {
		t.Fatalf("mark current: %v", err)
	}
	if err := store.MarkCurrent(ctx, "b"); err != nil {
		t.Fatalf("mark current: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	items, err := reopened.ItemsForGUID(ctx, "g")
	if err != nil || len(items) != 2 {
		t.Fatalf("expected 2 items, got %d %v", len(items), err)
	}
	if items[0].ID != "a" || items[0].Current || !items[1].Current {
		t.Fatalf("only the newest marked item stays current: %+v", items)
	}
	if _, err := reopened.Job(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
