package bridge

import (
	"context"
	"strings"
)

// identifiers returns the given reference plus the id and name of the local
// record it points at, if any.
func (p *Pipeline) identifiers(ctx context.Context, entityType EntityType, ref string) []string {
	ref = strings.TrimSpace(ref)
	out := []string{ref}
	if p.local == nil || ref == "" {
		return out
	}
	record, err := p.local.Show(ctx, entityType, ref)
	if err != nil {
		return out
	}
	for _, id := range []string{record.ID(), record.String("name")} {
		if id != "" && id != ref {
			out = append(out, id)
		}
	}
	return out
}

func (p *Pipeline) latestOf(ctx context.Context, entityType EntityType, ids []string, includeError bool) (Task, bool, error) {
	var (
		best  Task
		found bool
	)
	for _, id := range ids {
		if id == "" {
			continue
		}
		task, ok, err := p.tasks.FindLatest(ctx, entityType, id, includeError)
		if err != nil {
			return Task{}, false, err
		}
		if ok && (!found || task.LastUpdated.After(best.LastUpdated)) {
			best, found = task, true
		}
	}
	return best, found, nil
}

// PendingTaskForDataset returns the newest open task for a dataset given by
// id or name.
func (p *Pipeline) PendingTaskForDataset(ctx context.Context, ref string) (Task, bool, error) {
	return p.latestOf(ctx, EntityDataset, p.identifiers(ctx, EntityDataset, ref), false)
}

// PendingFilesForDataset lists open file tasks submitted under a dataset.
func (p *Pipeline) PendingFilesForDataset(ctx context.Context, ref string) ([]Task, error) {
	seen := map[string]struct{}{}
	out := make([]Task, 0)
	for _, id := range p.identifiers(ctx, EntityDataset, ref) {
		if id == "" {
			continue
		}
		tasks, err := p.tasks.FindAll(ctx, TaskFilter{EntityType: EntityFile, KeyPrefix: id + "@"})
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			if _, dup := seen[task.ID]; dup {
				continue
			}
			seen[task.ID] = struct{}{}
			out = append(out, task)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (p *Pipeline) PendingTaskForOrganization(ctx context.Context, ref string) (Task, bool, error) {
	return p.latestOf(ctx, EntityOrganization, p.identifiers(ctx, EntityOrganization, ref), false)
}

// PendingTasksForMembership lists open membership changes in an organization.
func (p *Pipeline) PendingTasksForMembership(ctx context.Context, organizationRef string) ([]Task, error) {
	seen := map[string]struct{}{}
	out := make([]Task, 0)
	for _, id := range p.identifiers(ctx, EntityOrganization, organizationRef) {
		if id == "" {
			continue
		}
		tasks, err := p.tasks.FindAll(ctx, TaskFilter{
			EntityType: EntityMember,
			Kinds:      []TaskKind{KindMemberUpdate},
			EntityID:   id,
		})
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			if _, dup := seen[task.ID]; !dup {
				seen[task.ID] = struct{}{}
				out = append(out, task)
			}
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// PendingUserTasks lists user tasks including failed ones, optionally for a
// single user.
func (p *Pipeline) PendingUserTasks(ctx context.Context, userID string) ([]Task, error) {
	return p.tasks.FindAll(ctx, TaskFilter{
		EntityType:   EntityUser,
		EntityID:     strings.TrimSpace(userID),
		IncludeError: true,
	})
}

// Task returns a single task by id.
func (p *Pipeline) Task(ctx context.Context, id string) (Task, error) {
	return p.tasks.Get(ctx, id)
}

// Tasks lists tasks matching filter.
func (p *Pipeline) Tasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	return p.tasks.FindAll(ctx, filter)
}

// ChangeRequest returns the platform's operations for a request with
// snake_case keys.
func (p *Pipeline) ChangeRequest(ctx context.Context, requestID string) ([]map[string]any, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, ValidationMessage("request id is required")
	}
	return p.platform.ChangeRequest(ctx, requestID)
}
