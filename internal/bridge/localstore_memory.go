package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryLocalStore is an in-process catalog. Update merges the given
// attributes into the stored record; attributes it does not mention are kept.
type MemoryLocalStore struct {
	mu      sync.RWMutex
	records map[EntityType]map[string]Record
}

func NewMemoryLocalStore() *MemoryLocalStore {
	return &MemoryLocalStore{records: map[EntityType]map[string]Record{}}
}

func (s *MemoryLocalStore) Show(ctx context.Context, entityType EntityType, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.lookupLocked(entityType, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, entityType, id)
	}
	return record.Clone(), nil
}

func (s *MemoryLocalStore) Create(ctx context.Context, entityType EntityType, record Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	record = record.Clone()
	if record == nil {
		record = Record{}
	}
	if record.ID() == "" {
		if entityType == EntityMember {
			record["id"] = MemberID(record.String("organization_id"), record.String("user_id"))
		} else {
			record["id"] = uuid.NewString()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.lookupLocked(entityType, record.ID()); exists {
		return nil, fmt.Errorf("%w: %s %s already exists", ErrInvalidInput, entityType, record.ID())
	}
	if name := record.String("name"); name != "" {
		if _, exists := s.lookupLocked(entityType, name); exists {
			return nil, fmt.Errorf("%w: %s name %s already in use", ErrInvalidInput, entityType, name)
		}
	}
	bucket := s.records[entityType]
	if bucket == nil {
		bucket = map[string]Record{}
		s.records[entityType] = bucket
	}
	bucket[record.ID()] = record
	return record.Clone(), nil
}

func (s *MemoryLocalStore) Update(ctx context.Context, entityType EntityType, record Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := record.ID()
	if key == "" {
		key = record.String("name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.lookupLocked(entityType, key)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, entityType, key)
	}
	merged := existing.Clone()
	for k, v := range record.Clone() {
		merged[k] = v
	}
	merged["id"] = existing.ID()
	s.records[entityType][existing.ID()] = merged
	return merged.Clone(), nil
}

func (s *MemoryLocalStore) Delete(ctx context.Context, entityType EntityType, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.lookupLocked(entityType, id)
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNotFound, entityType, id)
	}
	delete(s.records[entityType], existing.ID())
	return nil
}

// ListByOwner lists records whose owner reference matches ownerID. An empty
// ownerID lists every record of the type.
func (s *MemoryLocalStore) ListByOwner(ctx context.Context, entityType EntityType, ownerID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	owners := map[string]struct{}{}
	if ownerID != "" {
		owners[ownerID] = struct{}{}
		if parent, ok := s.lookupLocked(parentType(entityType), ownerID); ok {
			owners[parent.ID()] = struct{}{}
		}
	}
	out := make([]Record, 0)
	for _, record := range s.records[entityType] {
		if ownerID != "" {
			if _, ok := owners[record.Owner(entityType)]; !ok {
				continue
			}
		}
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (s *MemoryLocalStore) CheckPermission(ctx context.Context, principal Principal, action Action, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if principal.Sysadmin || principal.LocalAction {
		return nil
	}
	if strings.TrimSpace(principal.Name) == "" {
		return fmt.Errorf("%w: anonymous %s", ErrNotAuthorized, action)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.lookupLocked(EntityUser, principal.Name)
	if !ok {
		return fmt.Errorf("%w: unknown user %s", ErrNotAuthorized, principal.Name)
	}
	if user.String("sysadmin") == "true" {
		return nil
	}
	switch action {
	case ActionTasksRead:
		return nil
	case ActionUserUpdate:
		if target == user.ID() || target == user.String("name") {
			return nil
		}
		return fmt.Errorf("%w: %s may only update itself", ErrNotAuthorized, principal.Name)
	case ActionSysadmin, ActionUserCreate, ActionOrganizationCreate:
		return fmt.Errorf("%w: %s requires sysadmin", ErrNotAuthorized, action)
	}

	role := s.roleLocked(user.ID(), target)
	switch action {
	case ActionOrganizationUpdate, ActionMemberCreate, ActionMemberDelete:
		if role == "admin" {
			return nil
		}
	case ActionDatasetCreate, ActionDatasetUpdate, ActionFileCreate, ActionFileUpdate, ActionFileDelete:
		if role == "admin" || role == "editor" {
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot %s in %s", ErrNotAuthorized, principal.Name, action, target)
}

func (s *MemoryLocalStore) roleLocked(userID, organization string) string {
	org, ok := s.lookupLocked(EntityOrganization, organization)
	if !ok {
		return ""
	}
	member, ok := s.records[EntityMember][MemberID(org.ID(), userID)]
	if !ok {
		return ""
	}
	return member.String("role")
}

func (s *MemoryLocalStore) lookupLocked(entityType EntityType, key string) (Record, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false
	}
	bucket := s.records[entityType]
	if record, ok := bucket[key]; ok {
		return record, true
	}
	for _, record := range bucket {
		if record.String("name") == key {
			return record, true
		}
	}
	return nil, false
}

func parentType(entityType EntityType) EntityType {
	switch entityType {
	case EntityDataset, EntityMember:
		return EntityOrganization
	case EntityFile:
		return EntityDataset
	default:
		return ""
	}
}
