package bridge

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/agentworkforce/platformbridge/internal/platform"
)

// RemoteDataset is the platform's dataset metadata. Integer fields are
// pointers so a local 0 is sent as 0 rather than dropped.
type RemoteDataset struct {
	ID                  platform.ID `json:"Id,omitempty"`
	Title               string      `json:"Title,omitempty"`
	Description         string      `json:"Description,omitempty"`
	MaintainerName      string      `json:"MaintainerName,omitempty"`
	MaintainerContact   string      `json:"MaintainerContact,omitempty"`
	License             string      `json:"License,omitempty"`
	Tags                string      `json:"Tags,omitempty"`
	OpennessRating      *int        `json:"OpennessRating,omitempty"`
	Quality             *int        `json:"Quality,omitempty"`
	PublishedOnBehalfOf string      `json:"PublishedOnBehalfOf,omitempty"`
	UsageGuidance       string      `json:"UsageGuidance,omitempty"`
	Category            string      `json:"Category,omitempty"`
	Theme               string      `json:"Theme,omitempty"`
	StandardName        string      `json:"StandardName,omitempty"`
	StandardRating      *int        `json:"StandardRating,omitempty"`
	StandardVersion     string      `json:"StandardVersion,omitempty"`
}

type RemoteFile struct {
	FileID          platform.ID `json:"FileId,omitempty"`
	DatasetID       platform.ID `json:"DatasetId,omitempty"`
	Title           string      `json:"Title,omitempty"`
	Description     string      `json:"Description,omitempty"`
	Type            string      `json:"Type,omitempty"`
	License         string      `json:"License,omitempty"`
	OpennessRating  *int        `json:"OpennessRating,omitempty"`
	Quality         *int        `json:"Quality,omitempty"`
	StandardName    string      `json:"StandardName,omitempty"`
	StandardRating  *int        `json:"StandardRating,omitempty"`
	StandardVersion string      `json:"StandardVersion,omitempty"`
	CreationDate    string      `json:"CreationDate,omitempty"`
	FileExternalURL string      `json:"FileExternalUrl,omitempty"`
	ExternalURL     string      `json:"ExternalUrl,omitempty"`
}

type RemoteOrganization struct {
	ID      platform.ID `json:"Id,omitempty"`
	Title   string      `json:"Title,omitempty"`
	About   string      `json:"About,omitempty"`
	LogoURL string      `json:"LogoUrl,omitempty"`
}

type RemoteUser struct {
	UserName    string   `json:"UserName,omitempty"`
	Email       string   `json:"Email,omitempty"`
	DisplayName string   `json:"DisplayName,omitempty"`
	FirstName   string   `json:"FirstName,omitempty"`
	LastName    string   `json:"LastName,omitempty"`
	About       string   `json:"About,omitempty"`
	Password    string   `json:"Password,omitempty"`
	UserRoles   []string `json:"UserRoles,omitempty"`
}

// RemoteRoleUpdate is a membership change. NewOrganisationId is always
// sent; a null value detaches the user from its organization.
type RemoteRoleUpdate struct {
	NewOrganisationID *string  `json:"NewOrganisationId"`
	UserRoles         []string `json:"UserRoles"`
}

const (
	RoleOrganisationAdmin  = "OrganisationAdmin"
	RoleOrganisationEditor = "OrganisationEditor"
	RoleSuperAdmin         = "SuperAdmin"
)

func DatasetToRemote(data map[string]any) RemoteDataset {
	r := Record(data)
	return RemoteDataset{
		ID:                  platform.ID(r.String("id")),
		Title:               r.String("title"),
		Description:         r.String("notes"),
		MaintainerName:      r.String("maintainer"),
		MaintainerContact:   r.String("maintainer_email"),
		License:             r.String("license_id"),
		Tags:                joinTags(data["tags"]),
		OpennessRating:      intField(data, "openness_rating"),
		Quality:             intField(data, "quality"),
		PublishedOnBehalfOf: r.String("published_on_behalf_of"),
		UsageGuidance:       r.String("usage_guidance"),
		Category:            r.String("category"),
		Theme:               r.String("theme"),
		StandardName:        r.String("standard_name"),
		StandardRating:      intField(data, "standard_rating"),
		StandardVersion:     r.String("standard_version"),
	}
}

// DatasetFromRemote maps platform metadata back to local attributes. Only
// fields present on the platform side are set.
func DatasetFromRemote(metadata map[string]any) (Record, error) {
	var remote RemoteDataset
	if err := remarshal(metadata, &remote); err != nil {
		return nil, err
	}
	out := Record{}
	setString(out, "id", remote.ID.String())
	setString(out, "title", remote.Title)
	setString(out, "notes", remote.Description)
	setString(out, "maintainer", remote.MaintainerName)
	setString(out, "maintainer_email", remote.MaintainerContact)
	setString(out, "license_id", remote.License)
	setString(out, "published_on_behalf_of", remote.PublishedOnBehalfOf)
	setString(out, "usage_guidance", remote.UsageGuidance)
	setString(out, "category", remote.Category)
	setString(out, "theme", remote.Theme)
	setString(out, "standard_name", remote.StandardName)
	setString(out, "standard_version", remote.StandardVersion)
	setInt(out, "openness_rating", remote.OpennessRating)
	setInt(out, "quality", remote.Quality)
	setInt(out, "standard_rating", remote.StandardRating)
	if tags := splitTags(remote.Tags); len(tags) > 0 {
		named := make([]any, 0, len(tags))
		for _, tag := range tags {
			named = append(named, map[string]any{"name": tag})
		}
		out["tags"] = named
	}
	return out, nil
}

func FileToRemote(data map[string]any) RemoteFile {
	r := Record(data)
	datasetID := r.String("platform_dataset_id")
	if datasetID == "" {
		datasetID = r.String("package_id")
	}
	return RemoteFile{
		FileID:          platform.ID(r.String("id")),
		DatasetID:       platform.ID(datasetID),
		Title:           r.String("name"),
		Description:     r.String("description"),
		Type:            r.String("format"),
		License:         r.String("license_id"),
		OpennessRating:  intField(data, "openness_rating"),
		Quality:         intField(data, "quality"),
		StandardName:    r.String("standard_name"),
		StandardRating:  intField(data, "standard_rating"),
		StandardVersion: r.String("standard_version"),
		CreationDate:    r.String("creation_date"),
		FileExternalURL: r.String("url"),
	}
}

func FileFromRemote(metadata map[string]any) (Record, error) {
	var remote RemoteFile
	if err := remarshal(metadata, &remote); err != nil {
		return nil, err
	}
	out := Record{}
	setString(out, "id", remote.FileID.String())
	setString(out, "name", remote.Title)
	setString(out, "description", remote.Description)
	setString(out, "format", remote.Type)
	setString(out, "license_id", remote.License)
	setString(out, "standard_name", remote.StandardName)
	setString(out, "standard_version", remote.StandardVersion)
	setString(out, "creation_date", remote.CreationDate)
	setInt(out, "openness_rating", remote.OpennessRating)
	setInt(out, "quality", remote.Quality)
	setInt(out, "standard_rating", remote.StandardRating)
	url := remote.ExternalURL
	if url == "" {
		url = remote.FileExternalURL
	}
	setString(out, "url", url)
	return out, nil
}

func OrganizationToRemote(data map[string]any) RemoteOrganization {
	r := Record(data)
	return RemoteOrganization{
		ID:      platform.ID(r.String("platform_id")),
		Title:   r.String("title"),
		About:   r.String("description"),
		LogoURL: r.String("image_url"),
	}
}

func OrganizationFromRemote(org platform.Organisation) Record {
	out := Record{}
	setString(out, "title", org.Title)
	setString(out, "description", org.About)
	setString(out, "image_url", org.LogoURL)
	setString(out, "platform_id", org.ID.String())
	return out
}

func UserToRemote(data map[string]any) RemoteUser {
	r := Record(data)
	first, last := splitFullName(r.String("fullname"))
	return RemoteUser{
		UserName:    r.String("name"),
		Email:       r.String("email"),
		DisplayName: r.String("fullname"),
		FirstName:   first,
		LastName:    last,
		About:       r.String("about"),
		Password:    r.String("password"),
	}
}

// UserFromRemote builds the local user for a platform account. The platform
// UserId becomes the local id.
func UserFromRemote(user platform.User) Record {
	out := Record{}
	setString(out, "id", user.UserID.String())
	setString(out, "name", user.UserName)
	setString(out, "email", user.Email)
	setString(out, "about", user.About)
	fullname := user.DisplayName
	if fullname == "" {
		fullname = strings.TrimSpace(user.FirstName + " " + user.LastName)
	}
	setString(out, "fullname", fullname)
	setString(out, "platform_id", user.UserID.String())
	return out
}

// RoleToRemote maps a local membership role to the platform role list.
func RoleToRemote(role string) []string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "admin":
		return []string{RoleOrganisationAdmin}
	case "editor":
		return []string{RoleOrganisationEditor}
	default:
		return []string{}
	}
}

// RoleFromRemote picks the strongest local role among the platform roles.
func RoleFromRemote(roles []string) string {
	role := "member"
	for _, r := range roles {
		switch r {
		case RoleOrganisationAdmin:
			return "admin"
		case RoleOrganisationEditor:
			role = "editor"
		}
	}
	return role
}

func splitFullName(fullname string) (string, string) {
	fields := strings.Fields(fullname)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

// intField reads a numeric attribute. Absent and unparseable values are nil.
func intField(data map[string]any, key string) *int {
	value, ok := data[key]
	if !ok || value == nil {
		return nil
	}
	var n int
	switch v := value.(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		if v != math.Trunc(v) {
			return nil
		}
		n = int(v)
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return nil
		}
		n = int(parsed)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil
		}
		n = parsed
	default:
		return nil
	}
	return &n
}

func joinTags(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case []string:
		return strings.Join(trimAll(v), ",")
	case []map[string]any:
		tags := make([]string, 0, len(v))
		for _, tag := range v {
			if name, ok := tag["name"].(string); ok {
				tags = append(tags, name)
			}
		}
		return strings.Join(trimAll(tags), ",")
	case []any:
		tags := make([]string, 0, len(v))
		for _, item := range v {
			switch tag := item.(type) {
			case string:
				tags = append(tags, tag)
			case map[string]any:
				if name, ok := tag["name"].(string); ok {
					tags = append(tags, name)
				}
			}
		}
		return strings.Join(trimAll(tags), ",")
	default:
		return ""
	}
}

func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return trimAll(strings.Split(raw, ","))
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func setString(r Record, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		r[key] = value
	}
}

func setInt(r Record, key string, value *int) {
	if value != nil {
		r[key] = *value
	}
}

func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
