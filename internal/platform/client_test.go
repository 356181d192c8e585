package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(ClientOptions{
		ReadBaseURL:     server.URL + "/read",
		WriteBaseURL:    server.URL + "/write",
		IdentityBaseURL: server.URL + "/identity",
		Credentials: CredentialFunc(func(_ context.Context, audience Audience) (string, error) {
			return "token-" + string(audience), nil
		}),
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	return client, server
}

func TestClientSendsBearerTokenPerAudience(t *testing.T) {
	var gotAuth, gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"RequestId":"R1"}`))
	}))

	sub, err := client.Submit(context.Background(), Call{
		Endpoint: EndpointDatasetRequestCreate,
		Params:   map[string]string{"organization_id": "org 1"},
		Body:     map[string]any{"Title": "x"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if sub.RequestID != "R1" {
		t.Fatalf("expected request id R1, got %q", sub.RequestID)
	}
	if gotAuth != "Bearer token-data_collection" {
		t.Fatalf("unexpected authorization header: %q", gotAuth)
	}
	if gotPath != "/write/Datasets/Organisation/org 1" {
		t.Fatalf("unexpected path: %q", gotPath)
	}
}

func TestClientContextCredentialsOverrideDefault(t *testing.T) {
	var gotAuth string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"UserName":"alice"}`))
	}))
	ctx := WithCredentials(context.Background(), NewStaticCredentials("session-token", nil))
	if _, err := client.UserShow(ctx, "alice"); err != nil {
		t.Fatalf("user show failed: %v", err)
	}
	if gotAuth != "Bearer session-token" {
		t.Fatalf("expected session token, got %q", gotAuth)
	}
}

func TestClientClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: ErrNotAuthorized},
		{name: "not found", status: http.StatusNotFound, want: ErrNotFound},
		{name: "server error", status: http.StatusInternalServerError, want: ErrPlatform},
		{name: "conflict", status: http.StatusConflict, want: ErrPlatform},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("boom"))
			}))
			var hookErr error
			_, err := client.Submit(context.Background(), Call{
				Endpoint:  EndpointOrganizationRequestCreate,
				Body:      map[string]any{"Title": "x"},
				OnFailure: func(err error) { hookErr = err },
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if hookErr == nil {
				t.Fatalf("expected failure hook to run")
			}
			var perr *Error
			if !errors.As(err, &perr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if perr.StatusCode != tc.status || perr.Content != "boom" {
				t.Fatalf("expected status and content on error, got %+v", perr)
			}
			if calls.Load() != 1 {
				t.Fatalf("expected submissions not to be retried, got %d calls", calls.Load())
			}
		})
	}
}

func TestClientTransportFailureIsPlatformError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewClient(ClientOptions{
		WriteBaseURL: url,
		Credentials:  NewStaticCredentials("t", nil),
		MaxRetries:   -1,
	})
	_, err := client.Submit(context.Background(), Call{Endpoint: EndpointOrganizationRequestCreate, Body: map[string]any{}})
	if !errors.Is(err, ErrPlatform) {
		t.Fatalf("expected platform error, got %v", err)
	}
}

func TestClientMalformedBodyAndErrorFlag(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/Metadata/Organisation") {
			_, _ = w.Write([]byte(`{"IsErrorResponse":true,"ErrorMessage":"backend down","MetadataResultSet":[]}`))
			return
		}
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))

	_, err := client.RequestStatus(context.Background(), "R1")
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != KindPlatform || perr.Message != "malformed response" {
		t.Fatalf("expected malformed response error, got %v", err)
	}

	_, err = client.ListOrganizations(context.Background())
	if !errors.As(err, &perr) || perr.Message != "backend down" {
		t.Fatalf("expected application error flag to surface, got %v", err)
	}
}

func TestClientRetriesReadsOnServerError(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"Operations":[]}`))
	}))
	if _, err := client.RequestStatus(context.Background(), "R1"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestPaginateUntilEmptyPage(t *testing.T) {
	var skips []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		skip := r.URL.Query().Get("$skip")
		skips = append(skips, skip)
		n, _ := strconv.Atoi(skip)
		if n >= 4 {
			_, _ = w.Write([]byte(`{"MetadataResultSet":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"MetadataResultSet":[{"Id":` + strconv.Itoa(n+1) + `,"Title":"a"},{"Id":"x` + strconv.Itoa(n+2) + `","Title":"b"}]}`))
	}))
	orgs, err := client.ListOrganizations(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(orgs) != 4 {
		t.Fatalf("expected 4 organisations, got %d", len(orgs))
	}
	if orgs[0].ID != "1" || orgs[1].ID != "x2" {
		t.Fatalf("expected numeric and string ids to decode, got %q %q", orgs[0].ID, orgs[1].ID)
	}
	if strings.Join(skips, ",") != "0,2,4" {
		t.Fatalf("unexpected skip sequence: %v", skips)
	}
}

func TestMultipartUpload(t *testing.T) {
	var metadata, content string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		metadata = r.FormValue("metadata")
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		data, _ := io.ReadAll(file)
		content = string(data)
		_, _ = w.Write([]byte(`{"RequestId":"F1"}`))
	}))
	_, err := client.Submit(context.Background(), Call{
		Endpoint: EndpointFileRequestCreate,
		Params:   map[string]string{"organization_id": "o", "dataset_id": "d"},
		Multipart: &MultipartBody{
			FileName: "data.csv",
			Content:  []byte("a,b\n1,2\n"),
			Metadata: map[string]any{"Title": "Data"},
		},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(metadata), &decoded); err != nil || decoded["Title"] != "Data" {
		t.Fatalf("unexpected metadata part: %q", metadata)
	}
	if content != "a,b\n1,2\n" {
		t.Fatalf("unexpected file part: %q", content)
	}
}

func TestSubmitWithoutRequestID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Status":"ok"}`))
	}))
	hooked := false
	_, err := client.Submit(context.Background(), Call{
		Endpoint:  EndpointOrganizationRequestCreate,
		Body:      map[string]any{},
		OnFailure: func(error) { hooked = true },
	})
	if !errors.Is(err, ErrMissingRequestID) {
		t.Fatalf("expected missing request id error, got %v", err)
	}
	if !hooked {
		t.Fatalf("expected failure hook for missing request id")
	}
}

func TestRequestStatusLatest(t *testing.T) {
	status := RequestStatus{Operations: []Operation{
		{Timestamp: mustTimestamp(t, "2014-05-21T06:06:20"), OperationState: OperationSucceeded},
		{Timestamp: mustTimestamp(t, "2014-05-21T06:06:18.353"), OperationState: OperationInProgress},
	}}
	latest, ok := status.Latest()
	if !ok || latest.OperationState != OperationSucceeded {
		t.Fatalf("expected latest timestamp to win, got %+v", latest)
	}
}

func TestRequestStatusLatestPrefersLastListedOnTie(t *testing.T) {
	at := mustTimestamp(t, "2014-05-21T06:06:20")
	status := RequestStatus{Operations: []Operation{
		{Timestamp: at, OperationState: OperationInProgress},
		{Timestamp: at, OperationState: OperationSucceeded},
	}}
	latest, ok := status.Latest()
	if !ok || latest.OperationState != OperationSucceeded {
		t.Fatalf("expected the last listed operation on a tie, got %+v", latest)
	}
}

func TestChangelogQuery(t *testing.T) {
	var gotPath, gotTop, gotType string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTop = r.URL.Query().Get("$top")
		gotType = r.URL.Query().Get("$ObjectType")
		_, _ = w.Write([]byte(`[{"AuditId":8,"AuditType":"UserCreated","CustomProperties":{"UserName":"bob"}}]`))
	}))
	entries, err := client.Changelog(context.Background(), ChangelogQuery{AuditID: 7, Top: 50, ObjectType: "User"})
	if err != nil {
		t.Fatalf("changelog failed: %v", err)
	}
	if gotPath != "/read/ChangeLog/RequestChanges/7" || gotTop != "50" || gotType != "User" {
		t.Fatalf("unexpected request path=%q top=%q type=%q", gotPath, gotTop, gotType)
	}
	if len(entries) != 1 || entries[0].Property("UserName") != "bob" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestChangeRequestSnakeCasesKeys(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Operations":[{"OperationState":"Succeeded","RequestId":"R1"}]}`))
	}))
	ops, err := client.ChangeRequest(context.Background(), "R1")
	if err != nil {
		t.Fatalf("change request failed: %v", err)
	}
	if ops[0]["operation_state"] != "Succeeded" || ops[0]["request_id"] != "R1" {
		t.Fatalf("unexpected converted keys: %+v", ops[0])
	}
}

func TestExpandPathRequiresEveryPlaceholder(t *testing.T) {
	if _, err := ExpandPath("/a/{x}/b/{y}", map[string]string{"x": "1"}); err == nil {
		t.Fatalf("expected missing placeholder error")
	}
	got, err := ExpandPath("/a/{x}", map[string]string{"x": "a/b"})
	if err != nil || got != "/a/a%2Fb" {
		t.Fatalf("unexpected expansion %q err=%v", got, err)
	}
}

func mustTimestamp(t *testing.T, raw string) Timestamp {
	t.Helper()
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		t.Fatalf("parse timestamp: %v", err)
	}
	return Timestamp{Time: parsed}
}
