package bridge

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/agentworkforce/platformbridge/internal/platform"
)

func TestDatasetToRemoteKeepsZeroRatings(t *testing.T) {
	remote := DatasetToRemote(map[string]any{
		"title":           "Bus stops",
		"notes":           "All stops",
		"openness_rating": 0,
		"quality":         "0",
		"tags":            []any{map[string]any{"name": "transport"}, "buses"},
	})
	payload, err := json.Marshal(remote)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	body := string(payload)
	for _, want := range []string{`"OpennessRating":0`, `"Quality":0`, `"Description":"All stops"`, `"Tags":"transport,buses"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in %s", want, body)
		}
	}
	if strings.Contains(body, "StandardRating") {
		t.Fatalf("absent standard rating must stay absent: %s", body)
	}
}

func TestDatasetRoundTripPreservesZero(t *testing.T) {
	local := map[string]any{
		"title":            "Bus stops",
		"notes":            "All stops",
		"maintainer":       "Transport team",
		"maintainer_email": "transport@example.com",
		"license_id":       "OGL-UK-3.0",
		"openness_rating":  0,
		"quality":          0,
		"standard_rating":  5,
	}
	var metadata map[string]any
	if err := remarshal(DatasetToRemote(local), &metadata); err != nil {
		t.Fatalf("remarshal failed: %v", err)
	}
	back, err := DatasetFromRemote(metadata)
	if err != nil {
		t.Fatalf("from remote failed: %v", err)
	}
	for _, key := range []string{"openness_rating", "quality"} {
		if back[key] != 0 {
			t.Fatalf("expected %s to round trip as 0, got %#v", key, back[key])
		}
	}
	if back["standard_rating"] != 5 {
		t.Fatalf("unexpected standard rating %#v", back["standard_rating"])
	}
	if back.String("maintainer_email") != "transport@example.com" {
		t.Fatalf("unexpected maintainer email %q", back.String("maintainer_email"))
	}
}

func TestDatasetFromRemoteStringifiesID(t *testing.T) {
	back, err := DatasetFromRemote(map[string]any{"Id": float64(123), "Title": "Parks", "Tags": "green, open ,"})
	if err != nil {
		t.Fatalf("from remote failed: %v", err)
	}
	if back.ID() != "123" {
		t.Fatalf("expected id 123, got %q", back.ID())
	}
	tags, _ := back["tags"].([]any)
	if len(tags) != 2 {
		t.Fatalf("expected two tags, got %#v", back["tags"])
	}
	if _, ok := back["quality"]; ok {
		t.Fatalf("absent quality must not be invented")
	}
}

func TestFileFromRemoteFallsBackToPlatformURL(t *testing.T) {
	back, err := FileFromRemote(map[string]any{"FileId": "f1", "Title": "stops.csv", "FileExternalUrl": "https://platform.example/f1"})
	if err != nil {
		t.Fatalf("from remote failed: %v", err)
	}
	if back.String("url") != "https://platform.example/f1" {
		t.Fatalf("expected platform url, got %q", back.String("url"))
	}
	back, err = FileFromRemote(map[string]any{"ExternalUrl": "https://origin.example/a", "FileExternalUrl": "https://platform.example/f1"})
	if err != nil {
		t.Fatalf("from remote failed: %v", err)
	}
	if back.String("url") != "https://origin.example/a" {
		t.Fatalf("expected explicit url, got %q", back.String("url"))
	}
}

func TestFileToRemotePrefersPlatformDatasetID(t *testing.T) {
	remote := FileToRemote(map[string]any{"package_id": "local", "platform_dataset_id": "77", "name": "stops.csv", "format": "CSV"})
	if remote.DatasetID != "77" || remote.Title != "stops.csv" || remote.Type != "CSV" {
		t.Fatalf("unexpected remote file: %+v", remote)
	}
}

func TestUserTranscoding(t *testing.T) {
	remote := UserToRemote(map[string]any{"name": "alice", "fullname": "Alice van Dyke", "email": "a@example.com"})
	if remote.FirstName != "Alice" || remote.LastName != "van Dyke" {
		t.Fatalf("unexpected name split: %+v", remote)
	}
	local := UserFromRemote(platform.User{UserID: "u-1", UserName: "alice", FirstName: "Alice", LastName: "Smith"})
	if local.ID() != "u-1" || local.String("platform_id") != "u-1" {
		t.Fatalf("unexpected ids: %#v", local)
	}
	if local.String("fullname") != "Alice Smith" {
		t.Fatalf("unexpected fullname %q", local.String("fullname"))
	}
}

func TestRoleMapping(t *testing.T) {
	if got := RoleToRemote("Admin"); len(got) != 1 || got[0] != RoleOrganisationAdmin {
		t.Fatalf("unexpected admin mapping %v", got)
	}
	if got := RoleToRemote("member"); len(got) != 0 {
		t.Fatalf("member has no platform role, got %v", got)
	}
	cases := map[string][]string{
		"admin":  {RoleOrganisationEditor, RoleOrganisationAdmin},
		"editor": {"Viewer", RoleOrganisationEditor},
		"member": nil,
	}
	for want, roles := range cases {
		if got := RoleFromRemote(roles); got != want {
			t.Fatalf("roles %v: expected %s, got %s", roles, want, got)
		}
	}
}

func TestRemoteRoleUpdateSendsNullOrganisation(t *testing.T) {
	payload, err := json.Marshal(RemoteRoleUpdate{UserRoles: []string{}})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(payload) != `{"NewOrganisationId":null,"UserRoles":[]}` {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Glasgow City Council":  "glasgow-city-council",
		"  Café  & Bar ":        "cafe-bar",
		"Roads_and-Paths 2024!": "roads_and-paths-2024",
		"!!!":                   "",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Fatalf("Slug(%q): expected %q, got %q", in, want, got)
		}
	}
	if got := Slug(strings.Repeat("a", 150)); len(got) != maxSlugLength {
		t.Fatalf("expected slug capped at %d, got %d", maxSlugLength, len(got))
	}
}
