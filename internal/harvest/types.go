package harvest

import (
	"encoding/json"
	"time"

	"github.com/agentworkforce/platformbridge/internal/bridge"
)

type ItemState string

const (
	ItemGathered ItemState = "gathered"
	ItemFetched  ItemState = "fetched"
	ItemImported ItemState = "imported"
	ItemError    ItemState = "error"
)

type JobStatus string

const (
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
)

// FileEntry is one platform file attached to a work item during fetch,
// already in local resource form.
type FileEntry struct {
	FileID    string        `json:"fileId"`
	VersionID string        `json:"versionId,omitempty"`
	Resource  bridge.Record `json:"resource"`
}

// WorkItem tracks one remote dataset through gather, fetch and import.
// Current marks the item whose import produced the live local dataset for
// its GUID.
type WorkItem struct {
	ID        string          `json:"id"`
	JobID     string          `json:"jobId"`
	GUID      string          `json:"guid"`
	Content   json.RawMessage `json:"content"`
	Files     []FileEntry     `json:"files,omitempty"`
	OwnerOrg  string          `json:"ownerOrg"`
	PackageID string          `json:"packageId,omitempty"`
	Current   bool            `json:"current"`
	State     ItemState       `json:"state"`
	Errors    []string        `json:"errors,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Job struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Status     JobStatus `json:"status"`
	Errors     []string  `json:"errors,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
}

// JobReport summarizes one Run.
type JobReport struct {
	JobID    string    `json:"jobId"`
	Status   JobStatus `json:"status"`
	Gathered int       `json:"gathered"`
	Fetched  int       `json:"fetched"`
	Imported int       `json:"imported"`
	Failed   int       `json:"failed"`
	Warnings []string  `json:"warnings,omitempty"`
	Errors   []string  `json:"errors,omitempty"`
}
