package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/platformbridge/internal/bridge"
	"github.com/agentworkforce/platformbridge/internal/metrics"
	"github.com/agentworkforce/platformbridge/internal/platform"
)

// Platform is the read side of the platform the harvester walks.
type Platform interface {
	ListOrganizations(ctx context.Context) ([]platform.Organisation, error)
	ListDatasets(ctx context.Context, organizationID string, fn func(platform.DatasetListing, json.RawMessage) error) error
	ListFiles(ctx context.Context, organizationID, datasetID string) ([]platform.FileListing, error)
}

type Options struct {
	Platform Platform
	Local    bridge.LocalStore
	Store    Store
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Coordinator performs the initial bulk import of the platform's
// organizations, datasets and files into the local store.
type Coordinator struct {
	platform Platform
	local    bridge.LocalStore
	store    Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Platform == nil {
		return nil, fmt.Errorf("platform is required")
	}
	if opts.Local == nil {
		return nil, fmt.Errorf("local store is required")
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		platform: opts.Platform,
		local:    opts.Local,
		store:    store,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      now,
	}, nil
}

// Run creates a job, gathers its work items and fetches and imports each
// of them. Item failures are recorded on the item and do not stop the run.
func (c *Coordinator) Run(ctx context.Context) (JobReport, error) {
	job := Job{
		ID:        uuid.NewString(),
		StartedAt: c.now().UTC(),
		Status:    JobRunning,
	}
	if err := c.store.SaveJob(ctx, job); err != nil {
		return JobReport{}, err
	}
	logger := c.logger.With("job_id", job.ID)
	logger.Info("harvest started")

	items, gatherErr := c.Gather(ctx, &job)
	report := JobReport{JobID: job.ID, Gathered: len(items)}
	if gatherErr == nil {
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				gatherErr = err
				break
			}
			fetched, err := c.Fetch(ctx, item)
			if err != nil {
				report.Failed++
				continue
			}
			report.Fetched++
			if _, err := c.Import(ctx, fetched); err != nil {
				report.Failed++
				continue
			}
			report.Imported++
		}
	}

	job.FinishedAt = c.now().UTC()
	job.Status = JobFinished
	if gatherErr != nil {
		job.Status = JobFailed
		job.Errors = append(job.Errors, gatherErr.Error())
	}
	if err := c.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		gatherErr = errors.Join(gatherErr, err)
	}
	report.Status = job.Status
	report.Warnings = job.Warnings
	report.Errors = job.Errors
	logger.Info("harvest finished",
		"status", string(job.Status),
		"gathered", report.Gathered,
		"imported", report.Imported,
		"failed", report.Failed,
	)
	return report, gatherErr
}

// Gather mirrors every platform organization locally and creates one work
// item per dataset. A failed enumeration fails the whole job; duplicate
// organization titles are recorded as warnings and only the first is kept.
func (c *Coordinator) Gather(ctx context.Context, job *Job) ([]WorkItem, error) {
	orgs, err := c.platform.ListOrganizations(ctx)
	if err != nil {
		c.metrics.HarvestItem("gather", "error")
		return nil, fmt.Errorf("list organizations: %w", err)
	}

	type mirrored struct {
		localID  string
		remoteID string
	}
	seen := map[string]struct{}{}
	targets := make([]mirrored, 0, len(orgs))
	var duplicates []string
	for _, org := range orgs {
		if _, dup := seen[org.Title]; dup {
			duplicates = append(duplicates, org.Title)
			continue
		}
		seen[org.Title] = struct{}{}
		local, err := c.ensureOrganization(ctx, org)
		if err != nil {
			c.logger.Warn("organization not mirrored", "platform_id", org.ID.String(), "title", org.Title, "error", err)
			job.Warnings = append(job.Warnings, fmt.Sprintf("organization %s: %v", org.ID, err))
			continue
		}
		targets = append(targets, mirrored{localID: local.ID(), remoteID: org.ID.String()})
	}
	if len(duplicates) > 0 {
		message := "duplicate organizations found: " + strings.Join(duplicates, ", ")
		c.logger.Warn(message)
		job.Warnings = append(job.Warnings, message)
	}

	items := make([]WorkItem, 0)
	for _, target := range targets {
		err := c.platform.ListDatasets(ctx, target.remoteID, func(listing platform.DatasetListing, raw json.RawMessage) error {
			item := WorkItem{
				ID:        uuid.NewString(),
				JobID:     job.ID,
				GUID:      listing.ID.String(),
				Content:   append(json.RawMessage(nil), raw...),
				OwnerOrg:  target.localID,
				State:     ItemGathered,
				CreatedAt: c.now().UTC(),
			}
			if err := c.store.SaveItem(ctx, item); err != nil {
				return err
			}
			c.metrics.HarvestItem("gather", "ok")
			items = append(items, item)
			return nil
		})
		if err != nil {
			c.metrics.HarvestItem("gather", "error")
			return items, fmt.Errorf("list datasets for organization %s: %w", target.remoteID, err)
		}
	}
	return items, nil
}

// ensureOrganization returns the local mirror of org, creating it when
// neither its platform id nor its derived name is known locally.
func (c *Coordinator) ensureOrganization(ctx context.Context, org platform.Organisation) (bridge.Record, error) {
	existing, ok, err := bridge.FindByPlatformID(ctx, c.local, bridge.EntityOrganization, org.ID.String())
	if err != nil {
		return nil, err
	}
	if ok {
		return existing, nil
	}
	if name := bridge.Slug(org.Title); name != "" {
		existing, err := c.local.Show(ctx, bridge.EntityOrganization, name)
		if err == nil {
			c.logger.Debug("organization exists, skipping", "name", name)
			return existing, nil
		}
		if !bridge.IsNotFound(err) {
			return nil, err
		}
	}
	return bridge.UpsertOrganization(ctx, c.local, org)
}

func decodeListing(item WorkItem) (platform.DatasetListing, error) {
	var listing platform.DatasetListing
	if err := json.Unmarshal(item.Content, &listing); err != nil {
		return listing, fmt.Errorf("work item %s content: %w", item.ID, err)
	}
	return listing, nil
}

// Fetch attaches the dataset's platform files to item. A dataset the
// platform reports as missing simply has no files.
func (c *Coordinator) Fetch(ctx context.Context, item WorkItem) (WorkItem, error) {
	listing, err := decodeListing(item)
	if err != nil {
		return c.fail(ctx, item, "fetch", err)
	}
	files, err := c.platform.ListFiles(ctx, listing.OrganisationID.String(), listing.ID.String())
	if err != nil && !errors.Is(err, platform.ErrNotFound) {
		return c.fail(ctx, item, "fetch", fmt.Errorf("error fetching file metadata for dataset %s: %w", item.GUID, err))
	}
	item.Files = make([]FileEntry, 0, len(files))
	for _, file := range files {
		resource, err := bridge.FileFromRemote(file.FileMetadata)
		if err != nil {
			return c.fail(ctx, item, "fetch", fmt.Errorf("file %s metadata: %w", file.FileID, err))
		}
		resource["id"] = file.FileID.String()
		resource["platform_id"] = file.FileID.String()
		if version := file.Version.String(); version != "" {
			resource["platform_version_id"] = version
		}
		item.Files = append(item.Files, FileEntry{
			FileID:    file.FileID.String(),
			VersionID: file.Version.String(),
			Resource:  resource,
		})
	}
	item.State = ItemFetched
	if err := c.store.SaveItem(ctx, item); err != nil {
		return item, err
	}
	c.metrics.HarvestItem("fetch", "ok")
	return item, nil
}

// Import creates or updates the local dataset and its files for item and
// makes item the current one for its GUID.
func (c *Coordinator) Import(ctx context.Context, item WorkItem) (WorkItem, error) {
	listing, err := decodeListing(item)
	if err != nil {
		return c.fail(ctx, item, "import", err)
	}
	record, err := bridge.DatasetFromRemote(listing.Metadata)
	if err != nil {
		return c.fail(ctx, item, "import", fmt.Errorf("invalid dataset with guid %s: %w", item.GUID, err))
	}
	delete(record, "id")
	record["platform_id"] = item.GUID
	record["owner_org"] = item.OwnerOrg
	record["needs_approval"] = listing.NeedsApproval

	dataset, err := c.upsertDataset(ctx, record)
	if err != nil {
		return c.fail(ctx, item, "import", fmt.Errorf("error saving dataset %s: %w", item.GUID, err))
	}
	for _, file := range item.Files {
		resource := file.Resource.Clone()
		resource["package_id"] = dataset.ID()
		if err := c.upsert(ctx, bridge.EntityFile, resource); err != nil {
			return c.fail(ctx, item, "import", fmt.Errorf("error saving resources for dataset %s: %w", item.GUID, err))
		}
	}

	item.PackageID = dataset.ID()
	item.State = ItemImported
	if err := c.store.SaveItem(ctx, item); err != nil {
		return item, err
	}
	if err := c.store.MarkCurrent(ctx, item.ID); err != nil {
		return item, err
	}
	item.Current = true
	c.metrics.HarvestItem("import", "ok")
	c.logger.Debug("dataset imported", "guid", item.GUID, "dataset_id", dataset.ID())
	return item, nil
}

// upsertDataset matches an existing dataset by platform id, then by name,
// and creates one named after its title otherwise.
func (c *Coordinator) upsertDataset(ctx context.Context, record bridge.Record) (bridge.Record, error) {
	existing, ok, err := bridge.FindByPlatformID(ctx, c.local, bridge.EntityDataset, record.String("platform_id"))
	if err != nil {
		return nil, err
	}
	if !ok {
		name := bridge.Slug(record.String("title"))
		if name == "" {
			name = record.String("platform_id")
		}
		record["name"] = name
		existing, err = c.local.Show(ctx, bridge.EntityDataset, name)
		switch {
		case err == nil:
			ok = true
		case !bridge.IsNotFound(err):
			return nil, err
		}
	}
	if ok {
		record["id"] = existing.ID()
		delete(record, "name")
		return c.local.Update(ctx, bridge.EntityDataset, record)
	}
	return c.local.Create(ctx, bridge.EntityDataset, record)
}

func (c *Coordinator) upsert(ctx context.Context, entityType bridge.EntityType, record bridge.Record) error {
	if _, err := c.local.Update(ctx, entityType, record); err == nil || !bridge.IsNotFound(err) {
		return err
	}
	_, err := c.local.Create(ctx, entityType, record)
	return err
}

func (c *Coordinator) fail(ctx context.Context, item WorkItem, stage string, cause error) (WorkItem, error) {
	item.State = ItemError
	item.Errors = append(item.Errors, fmt.Sprintf("%s: %v", stage, cause))
	c.metrics.HarvestItem(stage, "error")
	c.logger.Warn("harvest item failed", "item_id", item.ID, "guid", item.GUID, "stage", stage, "error", cause)
	if err := c.store.SaveItem(context.WithoutCancel(ctx), item); err != nil {
		return item, errors.Join(cause, err)
	}
	return item, cause
}
