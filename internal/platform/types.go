package platform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID is a platform identifier. The platform emits both JSON numbers and
// strings for ids; both decode to the same string form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("platform id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Timestamp accepts the zone-less timestamps the platform emits and treats
// them as UTC.
type Timestamp struct {
	time.Time
}

func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ListEnvelope wraps every paginated listing response.
type ListEnvelope struct {
	MetadataResultSet []json.RawMessage `json:"MetadataResultSet"`
	IsErrorResponse   bool              `json:"IsErrorResponse"`
	ErrorMessage      string            `json:"ErrorMessage"`
}

type Submission struct {
	RequestID string `json:"RequestId"`
}

type OperationState string

const (
	OperationInProgress OperationState = "InProgress"
	OperationSucceeded  OperationState = "Succeeded"
	OperationFailed     OperationState = "Failed"
)

type Operation struct {
	Timestamp        Timestamp      `json:"Timestamp"`
	OperationState   OperationState `json:"OperationState"`
	Message          string         `json:"Message"`
	CustomProperties map[string]any `json:"CustomProperties,omitempty"`
}

type RequestStatus struct {
	Operations []Operation `json:"Operations"`
}

// Latest returns the operation with the greatest timestamp. Among equal
// timestamps the last listed wins, matching the feed's append order.
func (s RequestStatus) Latest() (Operation, bool) {
	if len(s.Operations) == 0 {
		return Operation{}, false
	}
	latest := s.Operations[0]
	for _, op := range s.Operations[1:] {
		if !op.Timestamp.Before(latest.Timestamp.Time) {
			latest = op
		}
	}
	return latest, true
}

type AuditEntry struct {
	AuditID          int64          `json:"AuditId"`
	AuditType        string         `json:"AuditType"`
	ObjectType       string         `json:"ObjectType"`
	CustomProperties map[string]any `json:"CustomProperties"`
	Timestamp        Timestamp      `json:"Timestamp"`
}

// Property returns a custom property rendered as a string.
func (a AuditEntry) Property(name string) string {
	value, ok := a.CustomProperties[name]
	if !ok || value == nil {
		return ""
	}
	switch typed := value.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		return fmt.Sprint(typed)
	}
}

type Organisation struct {
	ID           ID        `json:"Id"`
	Title        string    `json:"Title"`
	About        string    `json:"About,omitempty"`
	LogoURL      string    `json:"LogoUrl,omitempty"`
	CreatedTime  Timestamp `json:"CreatedTime"`
	ModifiedTime Timestamp `json:"ModifiedTime"`
}

type User struct {
	UserID         ID       `json:"UserId"`
	UserName       string   `json:"UserName"`
	About          string   `json:"About"`
	DisplayName    string   `json:"DisplayName"`
	FirstName      string   `json:"FirstName"`
	LastName       string   `json:"LastName"`
	Email          string   `json:"Email"`
	Roles          []string `json:"Roles"`
	IsRegistered   bool     `json:"IsRegistered"`
	OrganisationID ID       `json:"OrganisationId"`
}

// DatasetListing is one element of an organisation's dataset listing.
type DatasetListing struct {
	ID             ID             `json:"Id"`
	OrganisationID ID             `json:"OrganisationId"`
	NeedsApproval  bool           `json:"NeedsApproval"`
	Metadata       map[string]any `json:"Metadata"`
}

// FileListing is one element of a dataset's file listing.
type FileListing struct {
	FileID       ID             `json:"FileId"`
	Version      ID             `json:"Version"`
	FileMetadata map[string]any `json:"FileMetadata"`
}
