package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/platformbridge/internal/metrics"
	"github.com/agentworkforce/platformbridge/internal/platform"
)

const defaultChangelogTop = 100

var errSkipEntry = errors.New("audit entry skipped")

type ReplicatorOptions struct {
	Platform   Platform
	Local      LocalStore
	Cursor     CursorStore
	Top        int
	ObjectType string
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Replicator replays the platform changelog into the local store.
type Replicator struct {
	platform   Platform
	local      LocalStore
	cursor     CursorStore
	top        int
	objectType string
	logger     *slog.Logger
	metrics    *metrics.Metrics

	syncMu sync.Mutex
}

func NewReplicator(opts ReplicatorOptions) *Replicator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cursor := opts.Cursor
	if cursor == nil {
		cursor = NewMemoryCursorStore(0)
	}
	top := opts.Top
	if top <= 0 {
		top = defaultChangelogTop
	}
	return &Replicator{
		platform:   opts.Platform,
		local:      opts.Local,
		cursor:     cursor,
		top:        top,
		objectType: strings.TrimSpace(opts.ObjectType),
		logger:     logger,
		metrics:    opts.Metrics,
	}
}

type SyncReport struct {
	Fetched int   `json:"fetched"`
	Applied int   `json:"applied"`
	Skipped int   `json:"skipped"`
	Failed  int   `json:"failed"`
	Cursor  int64 `json:"cursor"`
}

// SyncOnce fetches one batch of audit entries past the cursor and applies
// them in ascending audit id order. Entries that fail locally are logged and
// passed over. An unreachable platform or a cancelled context ends the batch
// with the cursor left before the entry being applied.
func (r *Replicator) SyncOnce(ctx context.Context) (SyncReport, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	cursor, err := r.cursor.Load(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("load changelog cursor: %w", err)
	}
	report := SyncReport{Cursor: cursor}
	entries, err := r.platform.Changelog(ctx, platform.ChangelogQuery{
		AuditID:    cursor,
		Top:        r.top,
		ObjectType: r.objectType,
	})
	if err != nil {
		return report, err
	}
	entries = orderEntries(entries)
	report.Fetched = len(entries)

	for _, entry := range entries {
		if entry.AuditID <= report.Cursor {
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.finish(ctx, report, err)
		}
		kind := ParseAuditKind(entry.AuditType)
		logger := r.logger.With("audit_id", entry.AuditID, "audit_type", entry.AuditType)
		err := r.apply(ctx, kind, entry)
		switch {
		case err == nil:
			report.Applied++
			r.metrics.AuditEntry(kind.String(), "applied")
			logger.Info("audit entry applied")
		case errors.Is(err, errSkipEntry):
			report.Skipped++
			r.metrics.AuditEntry(kind.String(), "skipped")
			logger.Debug("audit entry skipped", "reason", err)
		case retryable(err):
			logger.Warn("audit entry deferred", "error", err)
			return r.finish(ctx, report, err)
		default:
			report.Failed++
			r.metrics.AuditEntry(kind.String(), "failed")
			logger.Warn("audit entry failed", "error", err)
		}
		report.Cursor = entry.AuditID
	}
	return r.finish(ctx, report, nil)
}

// retryable reports failures that say nothing about the entry itself.
func retryable(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, platform.ErrPlatform) ||
		errors.Is(err, platform.ErrNotAuthorized)
}

func (r *Replicator) finish(ctx context.Context, report SyncReport, cause error) (SyncReport, error) {
	if err := r.cursor.Save(context.WithoutCancel(ctx), report.Cursor); err != nil {
		return report, errors.Join(cause, fmt.Errorf("save changelog cursor: %w", err))
	}
	r.metrics.ChangelogCursor(report.Cursor)
	return report, cause
}

// orderEntries reverses the platform's newest-first listing and then sorts
// by audit id so ties keep their oldest-first order.
func orderEntries(entries []platform.AuditEntry) []platform.AuditEntry {
	out := make([]platform.AuditEntry, len(entries))
	for i, entry := range entries {
		out[len(entries)-1-i] = entry
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AuditID < out[j].AuditID })
	return out
}

func (r *Replicator) apply(ctx context.Context, kind AuditKind, entry platform.AuditEntry) error {
	switch kind {
	case AuditUserCreated:
		return r.userCreated(ctx, entry)
	case AuditUserUpdated:
		return r.userUpdated(ctx, entry)
	case AuditRoleChanged:
		return r.roleChanged(ctx, entry)
	case AuditOrganisationCreated, AuditOrganisationUpdated:
		return r.organisationChanged(ctx, entry)
	default:
		return fmt.Errorf("%w: unhandled audit type %q", errSkipEntry, entry.AuditType)
	}
}

func (r *Replicator) remoteUser(ctx context.Context, entry platform.AuditEntry) (platform.User, error) {
	ref := firstNonEmpty(entry.Property("UserName"), entry.Property("UserId"))
	if ref == "" {
		return platform.User{}, ValidationMessage("audit entry %d has no user reference", entry.AuditID)
	}
	return r.platform.UserShow(ctx, ref)
}

func (r *Replicator) userCreated(ctx context.Context, entry platform.AuditEntry) error {
	user, err := r.remoteUser(ctx, entry)
	if err != nil {
		return err
	}
	if user.IsRegistered {
		return fmt.Errorf("%w: %s registered locally", errSkipEntry, user.UserName)
	}
	local, err := r.upsertUser(ctx, user)
	if err != nil {
		return err
	}
	orgID := firstNonEmpty(entry.Property("OrganisationId"), user.OrganisationID.String())
	if orgID == "" {
		return nil
	}
	org, ok, err := FindByPlatformID(ctx, r.local, EntityOrganization, orgID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: organization with platform id %s", ErrNotFound, orgID)
	}
	return r.setRole(ctx, org.ID(), local.ID(), RoleFromRemote(user.Roles))
}

func (r *Replicator) userUpdated(ctx context.Context, entry platform.AuditEntry) error {
	user, err := r.remoteUser(ctx, entry)
	if err != nil {
		return err
	}
	_, err = r.upsertUser(ctx, user)
	return err
}

// roleChanged moves the user's single membership to the organization named
// by the entry. An entry without an organization clears every membership.
func (r *Replicator) roleChanged(ctx context.Context, entry platform.AuditEntry) error {
	user, err := r.remoteUser(ctx, entry)
	if err != nil {
		return err
	}
	local, err := r.upsertUser(ctx, user)
	if err != nil {
		return err
	}
	keep := ""
	if orgID := firstNonEmpty(entry.Property("OrganisationId"), user.OrganisationID.String()); orgID != "" {
		org, ok, err := FindByPlatformID(ctx, r.local, EntityOrganization, orgID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: organization with platform id %s", ErrNotFound, orgID)
		}
		keep = org.ID()
		if err := r.setRole(ctx, keep, local.ID(), RoleFromRemote(user.Roles)); err != nil {
			return err
		}
	}
	members, err := r.local.ListByOwner(ctx, EntityMember, "")
	if err != nil {
		return err
	}
	for _, member := range members {
		if member.String("user_id") != local.ID() || member.Owner(EntityMember) == keep {
			continue
		}
		if err := r.local.Delete(ctx, EntityMember, member.ID()); err != nil && !IsNotFound(err) {
			return err
		}
	}
	return nil
}

// organisationChanged creates the organization when it is new locally and
// otherwise refreshes only its title and description.
func (r *Replicator) organisationChanged(ctx context.Context, entry platform.AuditEntry) error {
	orgID := firstNonEmpty(entry.Property("OrganisationId"), entry.Property("Id"))
	if orgID == "" {
		return ValidationMessage("audit entry %d has no organization reference", entry.AuditID)
	}
	remote, err := r.platform.OrganizationShow(ctx, orgID)
	if err != nil {
		return err
	}
	_, err = UpsertOrganization(ctx, r.local, remote)
	return err
}

// UpsertOrganization mirrors a platform organization locally and returns the
// local record. Fields absent from the platform payload are left untouched on
// update.
func UpsertOrganization(ctx context.Context, local LocalStore, remote platform.Organisation) (Record, error) {
	record := OrganizationFromRemote(remote)
	existing, ok, err := FindByPlatformID(ctx, local, EntityOrganization, remote.ID.String())
	if err != nil {
		return nil, err
	}
	if ok {
		changes := Record{"id": existing.ID()}
		for _, key := range []string{"title", "description"} {
			if value, present := record[key]; present {
				changes[key] = value
			}
		}
		return local.Update(ctx, EntityOrganization, changes)
	}
	record["name"] = Slug(remote.Title)
	if record.String("name") == "" {
		record["name"] = remote.ID.String()
	}
	return local.Create(ctx, EntityOrganization, record)
}

func (r *Replicator) upsertUser(ctx context.Context, user platform.User) (Record, error) {
	record := UserFromRemote(user)
	existing, err := findExisting(ctx, r.local, EntityUser, record.ID(), record.String("name"))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		record["id"] = existing.ID()
		return r.local.Update(ctx, EntityUser, record)
	}
	return r.local.Create(ctx, EntityUser, record)
}

func (r *Replicator) setRole(ctx context.Context, orgID, userID, role string) error {
	record := Record{
		"id":              MemberID(orgID, userID),
		"organization_id": orgID,
		"user_id":         userID,
		"role":            role,
	}
	if _, err := r.local.Update(ctx, EntityMember, record); err == nil || !IsNotFound(err) {
		return err
	}
	_, err := r.local.Create(ctx, EntityMember, record)
	return err
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
