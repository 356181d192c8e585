package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/platformbridge/internal/platform"
)

// fakePlatform records submitted calls and answers from canned state. Like
// the real client it runs the call's failure hook before returning an error.
type fakePlatform struct {
	mu sync.Mutex

	calls     []platform.Call
	submitErr error
	requestID string

	statuses  map[string]platform.RequestStatus
	statusErr error

	changelog    []platform.AuditEntry
	changelogErr error
	queries      []platform.ChangelogQuery

	users         map[string]platform.User
	userErr       error
	organizations map[string]platform.Organisation
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		requestID:     "R1",
		statuses:      map[string]platform.RequestStatus{},
		users:         map[string]platform.User{},
		organizations: map[string]platform.Organisation{},
	}
}

func (f *fakePlatform) Submit(_ context.Context, call platform.Call) (platform.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.submitErr != nil {
		if call.OnFailure != nil {
			call.OnFailure(f.submitErr)
		}
		return platform.Submission{}, f.submitErr
	}
	return platform.Submission{RequestID: f.requestID}, nil
}

func (f *fakePlatform) RequestStatus(_ context.Context, requestID string) (platform.RequestStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return platform.RequestStatus{}, f.statusErr
	}
	return f.statuses[requestID], nil
}

func (f *fakePlatform) ChangeRequest(_ context.Context, requestID string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0)
	for _, op := range f.statuses[requestID].Operations {
		out = append(out, map[string]any{"operation_state": string(op.OperationState), "message": op.Message})
	}
	return out, nil
}

func (f *fakePlatform) Changelog(_ context.Context, q platform.ChangelogQuery) ([]platform.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.changelogErr != nil {
		return nil, f.changelogErr
	}
	out := make([]platform.AuditEntry, 0, len(f.changelog))
	for _, entry := range f.changelog {
		if q.AuditID == 0 || entry.AuditID > q.AuditID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (f *fakePlatform) UserShow(_ context.Context, username string) (platform.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userErr != nil {
		return platform.User{}, f.userErr
	}
	if user, ok := f.users[username]; ok {
		return user, nil
	}
	for _, user := range f.users {
		if user.UserID.String() == username {
			return user, nil
		}
	}
	return platform.User{}, &platform.Error{Kind: platform.KindNotFound, Endpoint: platform.EndpointUserShow, StatusCode: 404}
}

func (f *fakePlatform) OrganizationShow(_ context.Context, organizationID string) (platform.Organisation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	org, ok := f.organizations[organizationID]
	if !ok {
		return platform.Organisation{}, &platform.Error{Kind: platform.KindNotFound, Endpoint: platform.EndpointOrganizationShow, StatusCode: 404}
	}
	return org, nil
}

func (f *fakePlatform) lastCall(t *testing.T) platform.Call {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatalf("expected a submitted call")
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakePlatform) setStatus(requestID string, ops ...platform.Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[requestID] = platform.RequestStatus{Operations: ops}
}

type fixture struct {
	ctx      context.Context
	tasks    *MemoryTaskStore
	local    *MemoryLocalStore
	platform *fakePlatform
	pipeline *Pipeline
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:      context.Background(),
		tasks:    NewMemoryTaskStore(),
		local:    NewMemoryLocalStore(),
		platform: newFakePlatform(),
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.pipeline = NewPipeline(PipelineOptions{
		Tasks:    f.tasks,
		Local:    f.local,
		Platform: f.platform,
		Now:      func() time.Time { return f.now },
	})
	return f
}

// seedOrganization creates a local organization mirrored on the platform
// and an editor in it.
func (f *fixture) seedOrganization(t *testing.T) Record {
	t.Helper()
	org, err := f.local.Create(f.ctx, EntityOrganization, Record{"name": "city-council", "title": "City Council", "platform_id": "42"})
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	user, err := f.local.Create(f.ctx, EntityUser, Record{"name": "editor", "email": "editor@example.com"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := f.local.Create(f.ctx, EntityMember, Record{"organization_id": org.ID(), "user_id": user.ID(), "role": "editor"}); err != nil {
		t.Fatalf("create membership: %v", err)
	}
	return org
}

func (f *fixture) taskCount(t *testing.T) int {
	t.Helper()
	tasks, err := f.tasks.FindAll(f.ctx, TaskFilter{States: []TaskState{StateNew, StateSent, StateInProgress, StateSucceeded, StateError}})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return len(tasks)
}

func validDataset(orgID string) map[string]any {
	return map[string]any{
		"name":             "bus-stops",
		"title":            "Bus stops",
		"notes":            "Every bus stop in the city",
		"maintainer":       "Transport team",
		"maintainer_email": "transport@example.com",
		"license_id":       "OGL-UK-3.0",
		"openness_rating":  0,
		"quality":          0,
		"owner_org":        orgID,
	}
}

func op(state platform.OperationState, at time.Time, message string) platform.Operation {
	return platform.Operation{
		Timestamp:      platform.Timestamp{Time: at},
		OperationState: state,
		Message:        message,
	}
}
