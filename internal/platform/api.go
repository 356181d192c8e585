package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrMissingRequestID is returned when a submission is acknowledged without
// a RequestId.
var ErrMissingRequestID = errors.New("RequestId not in response from platform")

// Submit sends a change request and returns the platform's request id.
func (c *Client) Submit(ctx context.Context, call Call) (Submission, error) {
	payload, err := c.Do(ctx, call)
	if err != nil {
		return Submission{}, err
	}
	var out Submission
	if len(payload) > 0 && payload[0] == '{' {
		_ = json.Unmarshal(payload, &out)
	}
	if strings.TrimSpace(out.RequestID) == "" {
		missing := &MissingRequestIDError{Content: string(payload)}
		if call.OnFailure != nil {
			call.OnFailure(missing)
		}
		return Submission{}, missing
	}
	return out, nil
}

type MissingRequestIDError struct {
	Content string
}

func (e *MissingRequestIDError) Error() string {
	return ErrMissingRequestID.Error()
}

func (e *MissingRequestIDError) Is(target error) bool {
	return target == ErrMissingRequestID
}

// Paginate walks a listing endpoint with an increasing $skip until a page
// comes back empty. An IsErrorResponse page stops the walk with an error.
func (c *Client) Paginate(ctx context.Context, endpoint string, params map[string]string, fn func(json.RawMessage) error) error {
	skip := 0
	for {
		query := url.Values{}
		query.Set("$skip", strconv.Itoa(skip))
		payload, err := c.Do(ctx, Call{Endpoint: endpoint, Params: params, Query: query})
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			return nil
		}
		var page ListEnvelope
		if err := decodeInto(endpoint, payload, &page); err != nil {
			return err
		}
		if len(page.MetadataResultSet) == 0 {
			return nil
		}
		for _, item := range page.MetadataResultSet {
			if err := fn(item); err != nil {
				return err
			}
		}
		skip += len(page.MetadataResultSet)
	}
}

func (c *Client) ListOrganizations(ctx context.Context) ([]Organisation, error) {
	var out []Organisation
	err := c.Paginate(ctx, EndpointOrganizationList, nil, func(raw json.RawMessage) error {
		var org Organisation
		if err := decodeInto(EndpointOrganizationList, raw, &org); err != nil {
			return err
		}
		out = append(out, org)
		return nil
	})
	return out, err
}

func (c *Client) ListDatasets(ctx context.Context, organizationID string, fn func(DatasetListing, json.RawMessage) error) error {
	params := map[string]string{"organization_id": organizationID}
	return c.Paginate(ctx, EndpointDatasetList, params, func(raw json.RawMessage) error {
		var ds DatasetListing
		if err := decodeInto(EndpointDatasetList, raw, &ds); err != nil {
			return err
		}
		return fn(ds, raw)
	})
}

// ListFiles reads a dataset's file listing. The endpoint does not page.
func (c *Client) ListFiles(ctx context.Context, organizationID, datasetID string) ([]FileListing, error) {
	payload, err := c.Do(ctx, Call{
		Endpoint: EndpointFileList,
		Params:   map[string]string{"organization_id": organizationID, "dataset_id": datasetID},
	})
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	var page struct {
		MetadataResultSet []FileListing `json:"MetadataResultSet"`
	}
	if err := decodeInto(EndpointFileList, payload, &page); err != nil {
		return nil, err
	}
	return page.MetadataResultSet, nil
}

func (c *Client) DatasetShow(ctx context.Context, organizationID, datasetID string) (map[string]any, error) {
	payload, err := c.Do(ctx, Call{
		Endpoint: EndpointDatasetShow,
		Params:   map[string]string{"organization_id": organizationID, "dataset_id": datasetID},
	})
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := decodeFirst(EndpointDatasetShow, payload, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) OrganizationShow(ctx context.Context, organizationID string) (Organisation, error) {
	payload, err := c.Do(ctx, Call{
		Endpoint: EndpointOrganizationShow,
		Params:   map[string]string{"organization_id": organizationID},
	})
	if err != nil {
		return Organisation{}, err
	}
	var out Organisation
	if err := decodeFirst(EndpointOrganizationShow, payload, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) UserShow(ctx context.Context, username string) (User, error) {
	payload, err := c.Do(ctx, Call{
		Endpoint: EndpointUserShow,
		Params:   map[string]string{"username": username},
	})
	if err != nil {
		return User{}, err
	}
	var out User
	if err := decodeFirst(EndpointUserShow, payload, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) UserList(ctx context.Context) ([]User, error) {
	return c.listUsers(ctx, EndpointUserList, nil)
}

func (c *Client) UserListForOrganization(ctx context.Context, organizationID string) ([]User, error) {
	return c.listUsers(ctx, EndpointUserListForOrganization, map[string]string{"organization_id": organizationID})
}

func (c *Client) listUsers(ctx context.Context, endpoint string, params map[string]string) ([]User, error) {
	var out []User
	err := c.Paginate(ctx, endpoint, params, func(raw json.RawMessage) error {
		var u User
		if err := decodeInto(endpoint, raw, &u); err != nil {
			return err
		}
		out = append(out, u)
		return nil
	})
	return out, err
}

func (c *Client) RequestStatus(ctx context.Context, requestID string) (RequestStatus, error) {
	payload, err := c.Do(ctx, Call{
		Endpoint: EndpointRequestStatusShow,
		Params:   map[string]string{"request_id": requestID},
	})
	if err != nil {
		return RequestStatus{}, err
	}
	if len(payload) > 0 && payload[0] == '[' {
		var ops []Operation
		if err := decodeInto(EndpointRequestStatusShow, payload, &ops); err != nil {
			return RequestStatus{}, err
		}
		return RequestStatus{Operations: ops}, nil
	}
	var out RequestStatus
	if err := decodeInto(EndpointRequestStatusShow, payload, &out); err != nil {
		return out, err
	}
	return out, nil
}

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z]+)`)

// ChangeRequest returns the operations of a change request with their keys
// converted from CamelCase to snake_case.
func (c *Client) ChangeRequest(ctx context.Context, requestID string) ([]map[string]any, error) {
	payload, err := c.Do(ctx, Call{
		Endpoint: EndpointRequestStatusShow,
		Params:   map[string]string{"request_id": requestID},
	})
	if err != nil {
		return nil, err
	}
	var ops []map[string]any
	if len(payload) > 0 && payload[0] == '{' {
		var wrapped struct {
			Operations []map[string]any `json:"Operations"`
		}
		if err := decodeInto(EndpointRequestStatusShow, payload, &wrapped); err != nil {
			return nil, err
		}
		ops = wrapped.Operations
	} else if err := decodeInto(EndpointRequestStatusShow, payload, &ops); err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(ops))
	for _, op := range ops {
		converted := make(map[string]any, len(op))
		for key, value := range op {
			converted[SnakeCase(key)] = value
		}
		out = append(out, converted)
	}
	return out, nil
}

func SnakeCase(key string) string {
	return strings.ToLower(camelBoundary.ReplaceAllString(key, "${1}_${2}"))
}

type ChangelogQuery struct {
	// AuditID returns entries created since this audit id. Zero asks for
	// the most recent entry only.
	AuditID    int64
	Top        int
	ObjectType string
}

func (c *Client) Changelog(ctx context.Context, q ChangelogQuery) ([]AuditEntry, error) {
	call := Call{Endpoint: EndpointChangelogShow, Query: url.Values{}}
	if q.AuditID > 0 {
		call.Endpoint = EndpointChangelogShowSince
		call.Params = map[string]string{"audit_id": strconv.FormatInt(q.AuditID, 10)}
	}
	if q.Top > 0 {
		call.Query.Set("$top", strconv.Itoa(q.Top))
	}
	if strings.TrimSpace(q.ObjectType) != "" {
		call.Query.Set("$ObjectType", strings.TrimSpace(q.ObjectType))
	}
	payload, err := c.Do(ctx, call)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	var entries []AuditEntry
	if payload[0] == '{' {
		var page struct {
			MetadataResultSet []AuditEntry `json:"MetadataResultSet"`
		}
		if err := decodeInto(call.Endpoint, payload, &page); err != nil {
			return nil, err
		}
		return page.MetadataResultSet, nil
	}
	if err := decodeInto(call.Endpoint, payload, &entries); err != nil {
		return entries, err
	}
	return entries, nil
}

func (c *Client) FileVersionsShow(ctx context.Context, organizationID, datasetID, fileID string) ([]map[string]any, error) {
	payload, err := c.Do(ctx, Call{
		Endpoint: EndpointFileVersionsShow,
		Params: map[string]string{
			"organization_id": organizationID,
			"dataset_id":      datasetID,
			"file_id":         fileID,
		},
	})
	if err != nil {
		return nil, err
	}
	return decodeList(EndpointFileVersionsShow, payload)
}

func (c *Client) ApprovalsList(ctx context.Context) ([]map[string]any, error) {
	payload, err := c.Do(ctx, Call{Endpoint: EndpointApprovalsList})
	if err != nil {
		return nil, err
	}
	return decodeList(EndpointApprovalsList, payload)
}

func (c *Client) ApprovalAccept(ctx context.Context, requestID string) error {
	_, err := c.Do(ctx, Call{Endpoint: EndpointApprovalAccept, Params: map[string]string{"request_id": requestID}})
	return err
}

func (c *Client) ApprovalReject(ctx context.Context, requestID string) error {
	_, err := c.Do(ctx, Call{Endpoint: EndpointApprovalReject, Params: map[string]string{"request_id": requestID}})
	return err
}

func (c *Client) ApprovalDownload(ctx context.Context, requestID string) ([]byte, error) {
	return c.Do(ctx, Call{Endpoint: EndpointApprovalDownload, Params: map[string]string{"request_id": requestID}, Raw: true})
}

// decodeFirst accepts either a bare object or a listing envelope and decodes
// the first element.
func decodeFirst(endpoint string, payload []byte, out any) error {
	if len(payload) > 0 && payload[0] == '{' {
		var page ListEnvelope
		if err := json.Unmarshal(payload, &page); err == nil && page.MetadataResultSet != nil {
			if len(page.MetadataResultSet) == 0 {
				return &Error{Kind: KindNotFound, Endpoint: endpoint, Message: "empty result set"}
			}
			return decodeInto(endpoint, page.MetadataResultSet[0], out)
		}
	}
	return decodeInto(endpoint, payload, out)
}

func decodeList(endpoint string, payload []byte) ([]map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	if payload[0] == '{' {
		var page struct {
			MetadataResultSet []map[string]any `json:"MetadataResultSet"`
		}
		if err := decodeInto(endpoint, payload, &page); err != nil {
			return nil, err
		}
		return page.MetadataResultSet, nil
	}
	var out []map[string]any
	if err := decodeInto(endpoint, payload, &out); err != nil {
		return out, err
	}
	return out, nil
}
