package platform

import (
	"fmt"
	"net/url"
	"strings"
)

// Base selects which configured platform URL an endpoint is served from.
type Base int

const (
	BaseRead Base = iota
	BaseWrite
	BaseIdentity
)

func (b Base) String() string {
	switch b {
	case BaseWrite:
		return "write"
	case BaseIdentity:
		return "identity"
	default:
		return "read"
	}
}

// Audience is the service-to-service token audience for the base.
func (b Base) Audience() Audience {
	switch b {
	case BaseWrite:
		return AudienceDataCollection
	case BaseIdentity:
		return AudienceIdentity
	default:
		return AudienceMetadata
	}
}

type Endpoint struct {
	Name   string
	Method string
	Base   Base
	Path   string
}

const (
	EndpointDatasetShow                     = "dataset_show"
	EndpointDatasetList                     = "dataset_list"
	EndpointDatasetRequestCreate            = "dataset_request_create"
	EndpointDatasetRequestUpdate            = "dataset_request_update"
	EndpointFileList                        = "file_list"
	EndpointFileRequestCreate               = "file_request_create"
	EndpointFileVersionRequestCreate        = "file_version_request_create"
	EndpointFileVersionRequestUpdate        = "file_version_request_update"
	EndpointFileVersionRequestDelete        = "file_version_request_delete"
	EndpointFileVersionsShow                = "file_versions_show"
	EndpointOrganizationList                = "organization_list"
	EndpointOrganizationShow                = "organization_show"
	EndpointOrganizationRequestCreate       = "organization_request_create"
	EndpointOrganizationRequestUpdate       = "organization_request_update"
	EndpointRequestStatusShow               = "request_status_show"
	EndpointChangelogShow                   = "changelog_show"
	EndpointChangelogShowSince              = "changelog_show_since"
	EndpointApprovalsList                   = "approvals_list"
	EndpointApprovalAccept                  = "approval_accept"
	EndpointApprovalReject                  = "approval_reject"
	EndpointApprovalDownload                = "approval_download"
	EndpointUserRoleUpdate                  = "user_role_update"
	EndpointUserOrgRoleUpdate               = "user_org_role_update"
	EndpointUserShow                        = "user_show"
	EndpointUserList                        = "user_list"
	EndpointUserListForOrganization         = "user_list_for_organization"
	EndpointUserRequestCreate               = "user_request_create"
	EndpointUserRequestUpdate               = "user_request_update"
	EndpointUserRequestUpdateInOrganization = "user_request_update_in_org"
	EndpointUserInOrganizationRequestCreate = "user_in_organization_request_create"
)

const (
	fileVersionPath = "/Files/Organisation/{organization_id}/Dataset/{dataset_id}/File/{file_id}/Version/{version_id}"
)

var endpoints = map[string]Endpoint{
	EndpointDatasetShow:                     {Method: "GET", Base: BaseRead, Path: "/Metadata/Organisation/{organization_id}/Dataset/{dataset_id}"},
	EndpointDatasetList:                     {Method: "GET", Base: BaseRead, Path: "/Organisations/{organization_id}/Datasets"},
	EndpointDatasetRequestCreate:            {Method: "POST", Base: BaseWrite, Path: "/Datasets/Organisation/{organization_id}"},
	EndpointDatasetRequestUpdate:            {Method: "PUT", Base: BaseWrite, Path: "/Datasets/Organisation/{organization_id}/Dataset/{dataset_id}"},
	EndpointFileList:                        {Method: "GET", Base: BaseRead, Path: "/Metadata/Organisation/{organization_id}/Dataset/{dataset_id}/File"},
	EndpointFileRequestCreate:               {Method: "POST", Base: BaseWrite, Path: "/Files/Organisation/{organization_id}/Dataset/{dataset_id}"},
	EndpointFileVersionRequestCreate:        {Method: "POST", Base: BaseWrite, Path: "/Files/Organisation/{organization_id}/Dataset/{dataset_id}/File/{file_id}"},
	EndpointFileVersionRequestUpdate:        {Method: "PUT", Base: BaseWrite, Path: fileVersionPath},
	EndpointFileVersionRequestDelete:        {Method: "DELETE", Base: BaseWrite, Path: fileVersionPath},
	EndpointFileVersionsShow:                {Method: "GET", Base: BaseRead, Path: "/Metadata/Organisation/{organization_id}/Dataset/{dataset_id}/File/{file_id}/Versions"},
	EndpointOrganizationList:                {Method: "GET", Base: BaseRead, Path: "/Metadata/Organisation"},
	EndpointOrganizationShow:                {Method: "GET", Base: BaseRead, Path: "/Metadata/Organisation/{organization_id}"},
	EndpointOrganizationRequestCreate:       {Method: "POST", Base: BaseWrite, Path: "/Organisations"},
	EndpointOrganizationRequestUpdate:       {Method: "PUT", Base: BaseWrite, Path: "/Organisations/Organisation/{organization_id}"},
	EndpointRequestStatusShow:               {Method: "GET", Base: BaseRead, Path: "/ChangeLog/RequestStatus/{request_id}"},
	EndpointChangelogShow:                   {Method: "GET", Base: BaseRead, Path: "/ChangeLog/RequestChanges"},
	EndpointChangelogShowSince:              {Method: "GET", Base: BaseRead, Path: "/ChangeLog/RequestChanges/{audit_id}"},
	EndpointApprovalsList:                   {Method: "GET", Base: BaseWrite, Path: "/Approval"},
	EndpointApprovalAccept:                  {Method: "POST", Base: BaseWrite, Path: "/Approval/{request_id}/Accept"},
	EndpointApprovalReject:                  {Method: "POST", Base: BaseWrite, Path: "/Approval/{request_id}/Reject"},
	EndpointApprovalDownload:                {Method: "GET", Base: BaseWrite, Path: "/Approval/{request_id}/Download"},
	EndpointUserRoleUpdate:                  {Method: "PUT", Base: BaseWrite, Path: "/UserRoles/User/{user_id}"},
	EndpointUserOrgRoleUpdate:               {Method: "PUT", Base: BaseWrite, Path: "/UserRoles/Organisation/{organization_id}/User/{user_id}"},
	EndpointUserShow:                        {Method: "GET", Base: BaseIdentity, Path: "/Identity/User/{username}"},
	EndpointUserList:                        {Method: "GET", Base: BaseIdentity, Path: "/Identity/User"},
	EndpointUserListForOrganization:         {Method: "GET", Base: BaseIdentity, Path: "/Identity/Organisation/{organization_id}/User"},
	EndpointUserRequestCreate:               {Method: "POST", Base: BaseWrite, Path: "/Users"},
	EndpointUserRequestUpdate:               {Method: "PUT", Base: BaseWrite, Path: "/Users/User/{user_id}"},
	EndpointUserRequestUpdateInOrganization: {Method: "PUT", Base: BaseWrite, Path: "/Users/Organisation/{organization_id}/User/{user_id}"},
	EndpointUserInOrganizationRequestCreate: {Method: "POST", Base: BaseWrite, Path: "/Users/Organisation/{organization_id}"},
}

// LookupEndpoint returns the endpoint registered under name.
func LookupEndpoint(name string) (Endpoint, bool) {
	ep, ok := endpoints[name]
	if !ok {
		return Endpoint{}, false
	}
	ep.Name = name
	return ep, true
}

// ExpandPath fills {placeholder} segments from params, path-escaping each
// value. A placeholder without a value is an error.
func ExpandPath(template string, params map[string]string) (string, error) {
	var b strings.Builder
	rest := template
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in %q", template)
		}
		end += start
		name := rest[start+1 : end]
		value := strings.TrimSpace(params[name])
		if value == "" {
			return "", fmt.Errorf("missing value for {%s} in %q", name, template)
		}
		b.WriteString(rest[:start])
		b.WriteString(url.PathEscape(value))
		rest = rest[end+1:]
	}
	return b.String(), nil
}
