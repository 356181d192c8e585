package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/platformbridge/internal/metrics"
	"github.com/agentworkforce/platformbridge/internal/platform"
)

type PipelineOptions struct {
	Tasks    TaskStore
	Local    LocalStore
	Platform Platform
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Pipeline turns local mutations into platform change requests, tracking
// each one as a task.
type Pipeline struct {
	tasks    TaskStore
	local    LocalStore
	platform Platform
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		tasks:    opts.Tasks,
		local:    opts.Local,
		platform: opts.Platform,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      now,
	}
}

// Submission is the result of a pipeline operation. Local is set when the
// mutation was applied to the local store instead of being sent.
type Submission struct {
	TaskID    string `json:"task_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Local     bool   `json:"local,omitempty"`
	Record    Record `json:"record,omitempty"`
}

// FileUpload is binary file content sent as a multipart upload.
type FileUpload struct {
	FileName string
	Content  []byte
}

type changeRequest struct {
	kind       TaskKind
	entityType EntityType
	entityID   string
	identity   string
	data       map[string]any
	call       platform.Call
	name       string
}

// send records the task, submits the call and moves the task to sent or
// error. The task is in error before any failure is returned.
func (p *Pipeline) send(ctx context.Context, req changeRequest) (Submission, error) {
	now := p.now().UTC()
	task, err := p.tasks.Create(ctx, Task{
		Kind:        req.kind,
		EntityType:  req.entityType,
		EntityID:    req.entityID,
		Key:         TaskKey(req.identity, now),
		Value:       TaskValue{Data: req.data},
		LastUpdated: now,
	})
	if err != nil {
		return Submission{}, fmt.Errorf("create task: %w", err)
	}
	p.metrics.TaskCreated(string(task.Kind))
	logger := p.logger.With("task_id", task.ID, "kind", string(task.Kind))

	call := req.call
	call.OnFailure = func(cause error) {
		p.markFailed(ctx, task, cause)
	}
	submission, err := p.platform.Submit(ctx, call)
	if err != nil {
		logger.Warn("change request failed", "error", err)
		var missing *platform.MissingRequestIDError
		if errors.As(err, &missing) {
			verr := ValidationMessage("RequestId not in response from platform")
			verr.Add("content", missing.Content)
			return Submission{TaskID: task.ID}, verr
		}
		return Submission{TaskID: task.ID}, err
	}

	sent, err := task.transition(StateSent)
	if err != nil {
		return Submission{}, err
	}
	sent.Value.RequestID = submission.RequestID
	sent.LastUpdated = p.now().UTC()
	sent, err = p.tasks.Update(ctx, sent)
	if err != nil {
		return Submission{}, fmt.Errorf("update task %s: %w", task.ID, err)
	}
	p.metrics.TaskTransition(string(sent.Kind), string(sent.State))
	logger.Info("change request sent", "request_id", submission.RequestID)
	return Submission{TaskID: sent.ID, RequestID: submission.RequestID, Name: req.name}, nil
}

func (p *Pipeline) markFailed(ctx context.Context, task Task, cause error) {
	failed, err := task.transition(StateError)
	if err != nil {
		p.logger.Error("task cannot move to error", "task_id", task.ID, "error", err)
		return
	}
	failed.Error = cause.Error()
	failed.Value.Error = errorDetail(cause)
	failed.LastUpdated = p.now().UTC()
	if _, err := p.tasks.Update(context.WithoutCancel(ctx), failed); err != nil {
		p.logger.Error("mark task failed", "task_id", task.ID, "error", err)
		return
	}
	p.metrics.TaskTransition(string(failed.Kind), string(failed.State))
}

func (p *Pipeline) authorize(ctx context.Context, principal Principal, action Action, target string) error {
	if err := p.local.CheckPermission(ctx, principal, action, target); err != nil {
		if errors.Is(err, ErrNotAuthorized) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	return nil
}

func (p *Pipeline) show(ctx context.Context, entityType EntityType, id string) (Record, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: %s id is required", ErrNotFound, entityType)
	}
	record, err := p.local.Show(ctx, entityType, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s %s not found", ErrNotFound, entityType, id)
		}
		return nil, err
	}
	return record, nil
}

// platformID returns the remote identity of a local record or a validation
// error naming the record.
func platformID(record Record, entityType EntityType) (string, error) {
	id := record.String("platform_id")
	if id == "" {
		return "", ValidationMessage("Could not get platform id for %s %s", entityType, record.ID())
	}
	return id, nil
}

// changesFor pins the record id on a set of changes.
func changesFor(id string, data map[string]any) map[string]any {
	out := withoutKeys(data)
	out["id"] = id
	return out
}

func merged(existing Record, changes map[string]any) map[string]any {
	out := existing.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range changes {
		out[k] = v
	}
	return out
}

func withoutKeys(data map[string]any, keys ...string) map[string]any {
	out := cloneMap(data)
	if out == nil {
		out = map[string]any{}
	}
	for _, key := range keys {
		delete(out, key)
	}
	return out
}

func (p *Pipeline) DatasetRequestCreate(ctx context.Context, principal Principal, data map[string]any) (Submission, error) {
	orgRef := Record(data).String("owner_org")
	if orgRef == "" && !principal.LocalAction {
		return Submission{}, validateRequiring(EntityDataset, data, "owner_org")
	}
	if err := p.authorize(ctx, principal, ActionDatasetCreate, orgRef); err != nil {
		return Submission{}, err
	}
	if principal.LocalAction {
		return p.applyLocal(ctx, EntityDataset, OpCreate, data)
	}
	org, err := p.show(ctx, EntityOrganization, orgRef)
	if err != nil {
		return Submission{}, err
	}
	if err := Validate(EntityDataset, data); err != nil {
		return Submission{}, err
	}
	orgPlatformID, err := platformID(org, EntityOrganization)
	if err != nil {
		return Submission{}, err
	}

	datasetID := uuid.NewString()
	stored := withoutKeys(data)
	stored["id"] = datasetID
	stored["owner_org"] = org.ID()
	name := Record(data).String("name")
	return p.send(ctx, changeRequest{
		kind:       KindDatasetCreate,
		entityType: EntityDataset,
		entityID:   datasetID,
		identity:   name,
		data:       stored,
		name:       name,
		call: platform.Call{
			Endpoint: platform.EndpointDatasetRequestCreate,
			Params:   map[string]string{"organization_id": orgPlatformID},
			Body:     DatasetToRemote(withoutKeys(data, "id")),
		},
	})
}

func (p *Pipeline) DatasetRequestUpdate(ctx context.Context, principal Principal, data map[string]any) (Submission, error) {
	ref := Record(data).ID()
	if ref == "" {
		ref = Record(data).String("name")
	}
	dataset, err := p.show(ctx, EntityDataset, ref)
	if err != nil {
		return Submission{}, err
	}
	if err := p.authorize(ctx, principal, ActionDatasetUpdate, dataset.Owner(EntityDataset)); err != nil {
		return Submission{}, err
	}
	if principal.LocalAction {
		return p.applyLocal(ctx, EntityDataset, OpUpdate, changesFor(dataset.ID(), data))
	}
	org, err := p.show(ctx, EntityOrganization, dataset.Owner(EntityDataset))
	if err != nil {
		return Submission{}, err
	}
	full := merged(dataset, data)
	if err := Validate(EntityDataset, full); err != nil {
		return Submission{}, err
	}
	orgPlatformID, err := platformID(org, EntityOrganization)
	if err != nil {
		return Submission{}, err
	}
	datasetPlatformID, err := platformID(dataset, EntityDataset)
	if err != nil {
		return Submission{}, err
	}

	body := DatasetToRemote(full)
	body.ID = platform.ID(datasetPlatformID)
	return p.send(ctx, changeRequest{
		kind:       KindDatasetUpdate,
		entityType: EntityDataset,
		entityID:   dataset.ID(),
		identity:   dataset.String("name"),
		data:       changesFor(dataset.ID(), data),
		name:       dataset.String("name"),
		call: platform.Call{
			Endpoint: platform.EndpointDatasetRequestUpdate,
			Params: map[string]string{
				"organization_id": orgPlatformID,
				"dataset_id":      datasetPlatformID,
			},
			Body: body,
		},
	})
}

// fileParent resolves the dataset a file belongs to and its organization.
func (p *Pipeline) fileParent(ctx context.Context, datasetRef string) (Record, Record, error) {
	dataset, err := p.show(ctx, EntityDataset, datasetRef)
	if err != nil {
		return nil, nil, err
	}
	org, err := p.show(ctx, EntityOrganization, dataset.Owner(EntityDataset))
	if err != nil {
		return nil, nil, err
	}
	return dataset, org, nil
}

func fileSource(data map[string]any, upload *FileUpload) error {
	hasURL := Record(data).String("url") != ""
	hasUpload := upload != nil && len(upload.Content) > 0
	switch {
	case hasURL && hasUpload:
		return ValidationMessage("Provide either a file upload or a URL, not both")
	case !hasURL && !hasUpload:
		verr := NewValidationError()
		verr.Add("url", "Provide either a file upload or a URL")
		return verr
	}
	return nil
}

// fileCall builds the body for a file change: multipart when content is
// uploaded, JSON with ExternalUrl otherwise.
func fileCall(endpoint string, params map[string]string, remote RemoteFile, upload *FileUpload) platform.Call {
	call := platform.Call{Endpoint: endpoint, Params: params}
	if upload != nil && len(upload.Content) > 0 {
		call.Multipart = &platform.MultipartBody{
			FileName: upload.FileName,
			Content:  upload.Content,
			Metadata: remote,
		}
		return call
	}
	remote.ExternalURL = remote.FileExternalURL
	remote.FileExternalURL = ""
	call.Body = remote
	return call
}

func (p *Pipeline) FileRequestCreate(ctx context.Context, principal Principal, data map[string]any, upload *FileUpload) (Submission, error) {
	datasetRef := Record(data).String("package_id")
	if datasetRef == "" {
		datasetRef = Record(data).String("dataset_id")
	}
	dataset, org, err := p.fileParent(ctx, datasetRef)
	if err != nil {
		return Submission{}, err
	}
	if err := p.authorize(ctx, principal, ActionFileCreate, org.ID()); err != nil {
		return Submission{}, err
	}
	stored := withoutKeys(data, "dataset_id")
	stored["package_id"] = dataset.ID()
	if principal.LocalAction {
		return p.applyLocal(ctx, EntityFile, OpCreate, stored)
	}
	if err := Validate(EntityFile, stored); err != nil {
		return Submission{}, err
	}
	if err := fileSource(stored, upload); err != nil {
		return Submission{}, err
	}
	orgPlatformID, err := platformID(org, EntityOrganization)
	if err != nil {
		return Submission{}, err
	}
	datasetPlatformID, err := platformID(dataset, EntityDataset)
	if err != nil {
		return Submission{}, err
	}

	fileID := uuid.NewString()
	remote := FileToRemote(merged(Record{"platform_dataset_id": datasetPlatformID}, withoutKeys(stored, "id")))
	if upload != nil {
		stored["upload_name"] = upload.FileName
	}
	stored["id"] = fileID
	return p.send(ctx, changeRequest{
		kind:       KindFileCreate,
		entityType: EntityFile,
		entityID:   fileID,
		identity:   dataset.ID(),
		data:       stored,
		call: fileCall(platform.EndpointFileRequestCreate, map[string]string{
			"organization_id": orgPlatformID,
			"dataset_id":      datasetPlatformID,
		}, remote, upload),
	})
}

type fileContext struct {
	file, dataset, org Record

	orgPlatformID     string
	datasetPlatformID string
	filePlatformID    string
	versionPlatformID string
}

func (p *Pipeline) resolveFile(ctx context.Context, fileRef string) (fileContext, error) {
	file, err := p.show(ctx, EntityFile, fileRef)
	if err != nil {
		return fileContext{}, err
	}
	dataset, org, err := p.fileParent(ctx, file.Owner(EntityFile))
	if err != nil {
		return fileContext{}, err
	}
	return fileContext{file: file, dataset: dataset, org: org}, nil
}

func (fc *fileContext) resolveIDs(needVersion bool) error {
	var err error
	if fc.orgPlatformID, err = platformID(fc.org, EntityOrganization); err != nil {
		return err
	}
	if fc.datasetPlatformID, err = platformID(fc.dataset, EntityDataset); err != nil {
		return err
	}
	if fc.filePlatformID, err = platformID(fc.file, EntityFile); err != nil {
		return err
	}
	if needVersion {
		fc.versionPlatformID = fc.file.String("platform_version_id")
		if fc.versionPlatformID == "" {
			return fmt.Errorf("%w: no version id found for file %s", ErrNotFound, fc.file.ID())
		}
	}
	return nil
}

func (fc fileContext) params() map[string]string {
	params := map[string]string{
		"organization_id": fc.orgPlatformID,
		"dataset_id":      fc.datasetPlatformID,
		"file_id":         fc.filePlatformID,
	}
	if fc.versionPlatformID != "" {
		params["version_id"] = fc.versionPlatformID
	}
	return params
}

func (p *Pipeline) FileRequestUpdate(ctx context.Context, principal Principal, data map[string]any, upload *FileUpload) (Submission, error) {
	fc, err := p.resolveFile(ctx, Record(data).ID())
	if err != nil {
		return Submission{}, err
	}
	if err := p.authorize(ctx, principal, ActionFileUpdate, fc.org.ID()); err != nil {
		return Submission{}, err
	}
	changes := changesFor(fc.file.ID(), data)
	changes["package_id"] = fc.dataset.ID()
	if principal.LocalAction {
		return p.applyLocal(ctx, EntityFile, OpUpdate, changes)
	}
	full := merged(fc.file, changes)
	if err := Validate(EntityFile, full); err != nil {
		return Submission{}, err
	}
	if err := fc.resolveIDs(true); err != nil {
		return Submission{}, err
	}

	remote := FileToRemote(merged(Record{"platform_dataset_id": fc.datasetPlatformID}, withoutKeys(full, "id")))
	remote.FileID = platform.ID(fc.filePlatformID)
	call := fileCall(platform.EndpointFileVersionRequestUpdate, fc.params(), remote, upload)
	if upload == nil && Record(data).String("url") == "" {
		// unchanged location: let the platform keep its own copy
		if body, ok := call.Body.(RemoteFile); ok {
			body.ExternalURL = ""
			call.Body = body
		}
	}
	return p.send(ctx, changeRequest{
		kind:       KindFileUpdate,
		entityType: EntityFile,
		entityID:   fc.file.ID(),
		identity:   fc.dataset.ID(),
		data:       changes,
		call:       call,
	})
}

func (p *Pipeline) FileRequestDelete(ctx context.Context, principal Principal, fileRef string) (Submission, error) {
	fc, err := p.resolveFile(ctx, fileRef)
	if err != nil {
		return Submission{}, err
	}
	if err := p.authorize(ctx, principal, ActionFileDelete, fc.org.ID()); err != nil {
		return Submission{}, err
	}
	if principal.LocalAction {
		return p.applyLocal(ctx, EntityFile, OpDelete, Record{"id": fc.file.ID()})
	}
	if err := fc.resolveIDs(true); err != nil {
		return Submission{}, err
	}
	return p.send(ctx, changeRequest{
		kind:       KindFileDelete,
		entityType: EntityFile,
		entityID:   fc.file.ID(),
		identity:   fc.dataset.ID(),
		data: map[string]any{
			"id":          fc.file.ID(),
			"package_id":  fc.dataset.ID(),
			"name":        fc.file.String("name"),
			"description": fc.file.String("description"),
			"version_id":  fc.versionPlatformID,
		},
		call: platform.Call{
			Endpoint: platform.EndpointFileVersionRequestDelete,
			Params:   fc.params(),
		},
	})
}

// FileVersionRequestCreate uploads a new version of an existing file.
func (p *Pipeline) FileVersionRequestCreate(ctx context.Context, principal Principal, data map[string]any, upload *FileUpload) (Submission, error) {
	fileRef := Record(data).String("resource_id")
	if fileRef == "" {
		fileRef = Record(data).ID()
	}
	fc, err := p.resolveFile(ctx, fileRef)
	if err != nil {
		return Submission{}, err
	}
	if err := p.authorize(ctx, principal, ActionFileUpdate, fc.org.ID()); err != nil {
		return Submission{}, err
	}
	changes := changesFor(fc.file.ID(), withoutKeys(data, "resource_id"))
	changes["package_id"] = fc.dataset.ID()
	if principal.LocalAction {
		return p.applyLocal(ctx, EntityFile, OpUpdate, changes)
	}
	full := merged(fc.file, changes)
	if err := Validate(EntityFile, full); err != nil {
		return Submission{}, err
	}
	if upload == nil {
		if err := fileSource(full, nil); err != nil {
			return Submission{}, err
		}
	}
	if err := fc.resolveIDs(false); err != nil {
		return Submission{}, err
	}
	remote := FileToRemote(withoutKeys(full, "id", "package_id"))
	return p.send(ctx, changeRequest{
		kind:       KindFileVersionUpdate,
		entityType: EntityFile,
		entityID:   fc.file.ID(),
		identity:   fc.dataset.ID(),
		data:       changes,
		call:       fileCall(platform.EndpointFileVersionRequestCreate, fc.params(), remote, upload),
	})
}

func (p *Pipeline) OrganizationRequestCreate(ctx context.Context, principal Principal, data map[string]any) (Submission, error) {
	if err := p.authorize(ctx, principal, ActionOrganizationCreate, ""); err != nil {
		return Submission{}, err
	}
	if principal.LocalAction {
		return p.applyLocal(ctx, EntityOrganization, OpCreate, data)
	}
	if err := Validate(EntityOrganization, data); err != nil {
		return Submission{}, err
	}
	orgID := uuid.NewString()
	stored := withoutKeys(data)
	stored["id"] = orgID
	name := Record(data).String("name")
	return p.send(ctx, changeRequest{
		kind:       KindOrganizationCreate,
		entityType: EntityOrganization,
		entityID:   orgID,
		identity:   name,
		data:       stored,
		name:       name,
		call: platform.Call{
			Endpoint: platform.EndpointOrganizationRequestCreate,
			Body:     OrganizationToRemote(withoutKeys(data, "platform_id")),
		},
	})
}

func (p *Pipeline) OrganizationRequestUpdate(ctx context.Context, principal Principal, data map[string]any) (Submission, error) {
	ref := Record(data).ID()
	if ref == "" {
		ref = Record(data).String("name")
	}
	org, err := p.show(ctx, EntityOrganization, ref)
	if err != nil {
		return Submission{}, err
	}
	if err := p.authorize(ctx, principal, ActionOrganizationUpdate, org.ID()); err != nil {
		return Submission{}, err
	}
	changes := changesFor(org.ID(), data)
	if principal.LocalAction {
		return p.applyLocal(ctx, EntityOrganization, OpUpdate, changes)
	}
	full := merged(org, changes)
	if err := Validate(EntityOrganization, full); err != nil {
		return Submission{}, err
	}
	orgPlatformID, err := platformID(org, EntityOrganization)
	if err != nil {
		return Submission{}, err
	}
	return p.send(ctx, changeRequest{
		kind:       KindOrganizationUpdate,
		entityType: EntityOrganization,
		entityID:   org.ID(),
		identity:   org.String("name"),
		data:       changes,
		name:       org.String("name"),
		call: platform.Call{
			Endpoint: platform.EndpointOrganizationRequestUpdate,
			Params:   map[string]string{"organization_id": orgPlatformID},
			Body:     OrganizationToRemote(full),
		},
	})
}

func (p *Pipeline) UserRequestCreate(ctx context.Context, principal Principal, data map[string]any) (Submission, error) {
	if err := p.authorize(ctx, principal, ActionUserCreate, ""); err != nil {
		return Submission{}, err
	}
	if principal.LocalAction {
		return p.applyLocal(ctx, EntityUser, OpCreate, data)
	}
	if err := Validate(EntityUser, data); err != nil {
		return Submission{}, err
	}
	call := platform.Call{Endpoint: platform.EndpointUserRequestCreate, Body: UserToRemote(data)}
	if orgRef := Record(data).String("organization_id"); orgRef != "" {
		org, err := p.show(ctx, EntityOrganization, orgRef)
		if err != nil {
			return Submission{}, err
		}
		orgPlatformID, err := platformID(org, EntityOrganization)
		if err != nil {
			return Submission{}, err
		}
		call.Endpoint = platform.EndpointUserInOrganizationRequestCreate
		call.Params = map[string]string{"organization_id": orgPlatformID}
	}
	userID := uuid.NewString()
	stored := withoutKeys(data, "password")
	stored["id"] = userID
	name := Record(data).String("name")
	return p.send(ctx, changeRequest{
		kind:       KindUserCreate,
		entityType: EntityUser,
		entityID:   userID,
		identity:   name,
		data:       stored,
		name:       name,
		call:       call,
	})
}

var (
	userUpdateKeys     = []string{"UserName", "IsRegistered", "Email", "FirstName", "LastName", "DisplayName", "About"}
	userUpdateRequired = []string{"UserName", "Email", "FirstName", "LastName", "DisplayName"}
)

// UserRequestUpdate updates a local-only user in place and sends platform
// users' changes as a change request merged over their current account.
func (p *Pipeline) UserRequestUpdate(ctx context.Context, principal Principal, data map[string]any) (Submission, error) {
	ref := Record(data).ID()
	if ref == "" {
		ref = Record(data).String("name")
	}
	user, err := p.show(ctx, EntityUser, ref)
	if err != nil {
		return Submission{}, err
	}
	if err := p.authorize(ctx, principal, ActionUserUpdate, user.ID()); err != nil {
		return Submission{}, err
	}
	changes := changesFor(user.ID(), data)
	route, err := p.ResolveExecutionTarget(ctx, principal, RouteRequest{
		EntityType: EntityUser,
		Op:         OpUpdate,
		Username:   user.String("name"),
	})
	if err != nil {
		return Submission{}, err
	}
	if route.Target == TargetLocal {
		return p.applyLocal(ctx, EntityUser, OpUpdate, changes)
	}
	if err := Validate(EntityUser, merged(user, changes)); err != nil {
		return Submission{}, err
	}

	current := map[string]any{}
	if err := remarshal(route.PlatformUser, &current); err != nil {
		return Submission{}, err
	}
	var update map[string]any
	if err := remarshal(UserToRemote(withoutKeys(changes, "name")), &update); err != nil {
		return Submission{}, err
	}
	body := map[string]any{}
	for _, key := range userUpdateKeys {
		if v, ok := current[key]; ok {
			body[key] = v
		}
		if v, ok := update[key]; ok && key != "UserName" {
			body[key] = v
		}
	}
	body["IsRegisteredUser"] = body["IsRegistered"] == true
	delete(body, "IsRegistered")
	for _, key := range userUpdateRequired {
		if s, _ := body[key].(string); strings.TrimSpace(s) == "" {
			body[key] = "None"
		}
	}

	call := platform.Call{
		Endpoint: platform.EndpointUserRequestUpdate,
		Params:   map[string]string{"user_id": route.PlatformUser.UserID.String()},
		Body:     body,
	}
	if orgID := route.PlatformUser.OrganisationID.String(); orgID != "" {
		call.Endpoint = platform.EndpointUserRequestUpdateInOrganization
		call.Params["organization_id"] = orgID
	}
	return p.send(ctx, changeRequest{
		kind:       KindUserUpdate,
		entityType: EntityUser,
		entityID:   user.ID(),
		identity:   user.String("name"),
		data:       withoutKeys(changes, "password"),
		name:       user.String("name"),
		call:       call,
	})
}

// MemberInput is a membership change of one user in one organization.
type MemberInput struct {
	OrganizationID string `json:"organization_id"`
	Username       string `json:"username"`
	Role           string `json:"role"`
}

func (p *Pipeline) MemberUpdate(ctx context.Context, principal Principal, in MemberInput) (Submission, error) {
	org, err := p.show(ctx, EntityOrganization, in.OrganizationID)
	if err != nil {
		return Submission{}, err
	}
	if err := p.authorize(ctx, principal, ActionMemberCreate, org.ID()); err != nil {
		return Submission{}, err
	}
	verr := NewValidationError()
	if strings.TrimSpace(in.Username) == "" {
		verr.Add("username", msgMissingValue)
	}
	switch strings.ToLower(strings.TrimSpace(in.Role)) {
	case "member", "editor", "admin":
	case "":
		verr.Add("role", msgMissingValue)
	default:
		verr.Add("role", msgInvalidValue)
	}
	if err := verr.OrNil(); err != nil {
		return Submission{}, err
	}
	role := strings.ToLower(strings.TrimSpace(in.Role))

	route, err := p.ResolveExecutionTarget(ctx, principal, RouteRequest{
		EntityType: EntityMember,
		Op:         OpUpdate,
		Username:   in.Username,
		Role:       role,
	})
	if err != nil {
		return Submission{}, err
	}
	if route.Target == TargetLocal {
		user, err := p.show(ctx, EntityUser, in.Username)
		if err != nil {
			return Submission{}, err
		}
		return p.applyLocal(ctx, EntityMember, OpUpdate, Record{
			"id":              MemberID(org.ID(), user.ID()),
			"organization_id": org.ID(),
			"user_id":         user.ID(),
			"role":            role,
		})
	}

	orgPlatformID, err := platformID(org, EntityOrganization)
	if err != nil {
		return Submission{}, err
	}
	body := RemoteRoleUpdate{NewOrganisationID: &orgPlatformID, UserRoles: RoleToRemote(role)}
	return p.sendRoleChange(ctx, org, in.Username, route, route.PlatformUser.OrganisationID.String(), body, map[string]any{
		"organization_id": org.ID(),
		"username":        in.Username,
		"role":            role,
	})
}

func (p *Pipeline) MemberDelete(ctx context.Context, principal Principal, organizationID, username string) (Submission, error) {
	org, err := p.show(ctx, EntityOrganization, organizationID)
	if err != nil {
		return Submission{}, err
	}
	if err := p.authorize(ctx, principal, ActionMemberDelete, org.ID()); err != nil {
		return Submission{}, err
	}
	user, err := p.show(ctx, EntityUser, username)
	if err != nil {
		return Submission{}, err
	}
	route, err := p.ResolveExecutionTarget(ctx, principal, RouteRequest{
		EntityType: EntityMember,
		Op:         OpDelete,
		Username:   user.String("name"),
	})
	if err != nil {
		return Submission{}, err
	}
	if route.Target == TargetLocal {
		return p.applyLocal(ctx, EntityMember, OpDelete, Record{"id": MemberID(org.ID(), user.ID())})
	}
	orgPlatformID := org.String("platform_id")
	body := RemoteRoleUpdate{NewOrganisationID: nil, UserRoles: []string{}}
	return p.sendRoleChange(ctx, org, user.String("name"), route, orgPlatformID, body, map[string]any{
		"organization_id": org.ID(),
		"username":        user.String("name"),
		"delete":          true,
	})
}

func (p *Pipeline) sendRoleChange(ctx context.Context, org Record, username string, route Route, currentOrg string, body RemoteRoleUpdate, data map[string]any) (Submission, error) {
	params := map[string]string{"user_id": route.PlatformUser.UserID.String()}
	endpoint := platform.EndpointUserRoleUpdate
	if route.Endpoint == platform.EndpointUserOrgRoleUpdate && currentOrg != "" {
		endpoint = platform.EndpointUserOrgRoleUpdate
		params["organization_id"] = currentOrg
	}
	return p.send(ctx, changeRequest{
		kind:       KindMemberUpdate,
		entityType: EntityMember,
		entityID:   org.ID(),
		identity:   username,
		data:       data,
		call: platform.Call{
			Endpoint: endpoint,
			Params:   params,
			Body:     body,
		},
	})
}

// SuperAdminCreate grants the platform SuperAdmin role to a platform user.
func (p *Pipeline) SuperAdminCreate(ctx context.Context, principal Principal, username string) (Submission, error) {
	if err := p.authorize(ctx, principal, ActionSysadmin, ""); err != nil {
		return Submission{}, err
	}
	user, err := p.show(ctx, EntityUser, username)
	if err != nil {
		return Submission{}, err
	}
	remote, err := p.platform.UserShow(ctx, user.String("name"))
	if err != nil {
		return Submission{}, err
	}
	return p.send(ctx, changeRequest{
		kind:       KindUserUpdate,
		entityType: EntityUser,
		entityID:   user.ID(),
		identity:   user.String("name"),
		data:       map[string]any{"user": user.String("name"), "roles": []any{RoleSuperAdmin}},
		call: platform.Call{
			Endpoint: platform.EndpointUserRoleUpdate,
			Params:   map[string]string{"user_id": remote.UserID.String()},
			Body:     RemoteRoleUpdate{NewOrganisationID: nil, UserRoles: []string{RoleSuperAdmin}},
		},
	})
}

// applyLocal performs an already authoritative mutation on the local store.
func (p *Pipeline) applyLocal(ctx context.Context, entityType EntityType, op Op, data map[string]any) (Submission, error) {
	record := Record(cloneMap(data))
	var (
		out Record
		err error
	)
	switch op {
	case OpCreate:
		out, err = p.local.Create(ctx, entityType, record)
	case OpUpdate:
		if entityType == EntityMember {
			out, err = p.upsertLocal(ctx, entityType, record)
		} else {
			out, err = p.local.Update(ctx, entityType, record)
		}
	case OpDelete:
		err = p.local.Delete(ctx, entityType, record.ID())
		out = record
	default:
		err = fmt.Errorf("%w: operation %s", ErrInvalidInput, op)
	}
	if err != nil {
		return Submission{}, err
	}
	return Submission{Local: true, Record: out, Name: out.String("name")}, nil
}

func (p *Pipeline) upsertLocal(ctx context.Context, entityType EntityType, record Record) (Record, error) {
	out, err := p.local.Update(ctx, entityType, record)
	if IsNotFound(err) {
		return p.local.Create(ctx, entityType, record)
	}
	return out, err
}
