package bridge

import (
	"fmt"
	"strings"
)

type TaskKind string

const (
	KindDatasetCreate      TaskKind = "dataset_create"
	KindDatasetUpdate      TaskKind = "dataset_update"
	KindFileCreate         TaskKind = "file_create"
	KindFileUpdate         TaskKind = "file_update"
	KindFileDelete         TaskKind = "file_delete"
	KindFileVersionUpdate  TaskKind = "file_version_update"
	KindOrganizationCreate TaskKind = "organization_create"
	KindOrganizationUpdate TaskKind = "organization_update"
	KindMemberUpdate       TaskKind = "member_update"
	KindUserCreate         TaskKind = "user_create"
	KindUserUpdate         TaskKind = "user_update"
)

var taskKinds = []TaskKind{
	KindDatasetCreate,
	KindDatasetUpdate,
	KindFileCreate,
	KindFileUpdate,
	KindFileDelete,
	KindFileVersionUpdate,
	KindOrganizationCreate,
	KindOrganizationUpdate,
	KindMemberUpdate,
	KindUserCreate,
	KindUserUpdate,
}

// ParseTaskKind rejects anything outside the closed set of kinds.
func ParseTaskKind(raw string) (TaskKind, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for _, kind := range taskKinds {
		if string(kind) == raw {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: unknown task kind %q", ErrInvalidInput, raw)
}

type EntityType string

const (
	EntityDataset      EntityType = "dataset"
	EntityFile         EntityType = "file"
	EntityOrganization EntityType = "organization"
	EntityMember       EntityType = "member"
	EntityUser         EntityType = "user"
)

func ParseEntityType(raw string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(raw))) {
	case EntityDataset:
		return EntityDataset, nil
	case EntityFile:
		return EntityFile, nil
	case EntityOrganization:
		return EntityOrganization, nil
	case EntityMember:
		return EntityMember, nil
	case EntityUser:
		return EntityUser, nil
	}
	return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, raw)
}

type TaskState string

const (
	StateNew        TaskState = "new"
	StateSent       TaskState = "sent"
	StateInProgress TaskState = "in_progress"
	StateSucceeded  TaskState = "succeeded"
	StateError      TaskState = "error"
)

// Open reports whether the task still awaits a platform outcome.
func (s TaskState) Open() bool {
	return s == StateNew || s == StateSent || s == StateInProgress
}

func (s TaskState) Terminal() bool {
	return s == StateSucceeded || s == StateError
}

// AuditKind is the closed set of changelog entries the replicator applies.
// AuditUnknown is the deliberate catch-all for everything else.
type AuditKind int

const (
	AuditUnknown AuditKind = iota
	AuditUserCreated
	AuditUserUpdated
	AuditRoleChanged
	AuditOrganisationCreated
	AuditOrganisationUpdated
)

func ParseAuditKind(raw string) AuditKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "usercreated", "user_created":
		return AuditUserCreated
	case "userupdated", "user_updated":
		return AuditUserUpdated
	case "rolechanged", "role_changed", "userrolechanged":
		return AuditRoleChanged
	case "organisationcreated", "organizationcreated":
		return AuditOrganisationCreated
	case "organisationupdated", "organizationupdated":
		return AuditOrganisationUpdated
	default:
		return AuditUnknown
	}
}

func (k AuditKind) String() string {
	switch k {
	case AuditUserCreated:
		return "UserCreated"
	case AuditUserUpdated:
		return "UserUpdated"
	case AuditRoleChanged:
		return "RoleChanged"
	case AuditOrganisationCreated:
		return "OrganisationCreated"
	case AuditOrganisationUpdated:
		return "OrganisationUpdated"
	default:
		return "Unknown"
	}
}
