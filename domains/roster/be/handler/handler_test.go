package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edconnect-jp/roster-bridge/domains/roster/be/repo"
	"github.com/edconnect-jp/roster-bridge/domains/roster/be/schema"
	"github.com/edconnect-jp/roster-bridge/domains/roster/be/service"
	"github.com/edconnect-jp/roster-bridge/platform/go/auth"
	platformmiddleware "github.com/edconnect-jp/roster-bridge/platform/go/middleware"
)

const testKeyFile = `{
  "keys": {
    "writer": {"key": "writer-secret", "active": true, "permissions": ["read", "write"]},
    "reader": {"key": "reader-secret", "active": true, "permissions": ["read"]},
    "admin": {"key": "admin-secret", "active": true, "permissions": ["read", "write", "admin"]},
    "dormant": {"key": "dormant-secret", "active": false, "permissions": ["read", "write"]}
  }
}`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	keyPath := filepath.Join(t.TempDir(), "api_keys.json")
	require.NoError(t, os.WriteFile(keyPath, []byte(testKeyFile), 0o600))

	registry, err := auth.NewRegistry(keyPath)
	require.NoError(t, err)

	profile, err := schema.DefaultProfile()
	require.NoError(t, err)

	svc := service.New(repo.NewMemoryRepository(), profile, zap.NewNop())
	h := New(svc, registry, zap.NewNop(), 4<<20)

	router := chi.NewRouter()
	router.Use(auth.APIKey(registry, zap.NewNop()))
	router.Use(platformmiddleware.RequestTrace)
	h.Register(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func doRequest(t *testing.T, method, url, apiKey string, body io.Reader, contentType string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set(auth.HeaderName, apiKey)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func multipartBody(t *testing.T, parts map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for field, content := range parts {
		part, err := writer.CreateFormFile(field, field+".csv")
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func decodeBody(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func TestUploadSyncThenListGetAndDelta(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	before := time.Now().UTC().Add(-time.Minute)

	sessionsCSV := "sourcedId,status,dateLastModified,title,type,startDate,endDate,parent,schoolYear\n" +
		"test-session-1,active,,2024年度,schoolYear,2024-04-01,2025-03-31,,2024\n"

	body, contentType := multipartBody(t, map[string]string{"academicSessions": sessionsCSV})
	resp := doRequest(t, http.MethodPost, server.URL+"/upload-sync", "writer-secret", body, contentType)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var syncResult struct {
		Results []service.BatchResult `json:"results"`
	}
	decodeBody(t, resp, &syncResult)
	require.Len(t, syncResult.Results, 1)
	require.True(t, syncResult.Results[0].Success)
	require.Equal(t, 1, syncResult.Results[0].Created)

	resp = doRequest(t, http.MethodGet, server.URL+"/academicSessions", "reader-secret", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page service.Page
	decodeBody(t, resp, &page)
	require.EqualValues(t, 1, page.Total)
	require.Len(t, page.Data, 1)

	resp = doRequest(t, http.MethodGet, server.URL+"/academicSessions/test-session-1", "reader-secret", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view map[string]any
	decodeBody(t, resp, &view)
	require.Equal(t, "test-session-1", view["sourcedId"])
	require.Equal(t, "2024年度", view["title"])
	require.Equal(t, "2024-04-01", view["startDate"])
	require.NotEmpty(t, view["FirstSeenDateTime"])
	require.Equal(t, view["FirstSeenDateTime"], view["LastSeenDateTime"])

	since := url.QueryEscape(before.Format(time.RFC3339))
	resp = doRequest(t, http.MethodGet, server.URL+"/academicSessions/delta?since="+since, "reader-secret", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &page)
	require.EqualValues(t, 1, page.Total)

	future := url.QueryEscape(time.Now().UTC().Add(time.Hour).Format(time.RFC3339))
	resp = doRequest(t, http.MethodGet, server.URL+"/academicSessions/delta?since="+future, "reader-secret", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &page)
	require.EqualValues(t, 0, page.Total)
	require.Empty(t, page.Data)
}

func TestUploadCSVAsyncJobLifecycle(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	orgsCSV := "sourcedId,status,dateLastModified,name,type,identifier,parent\n" +
		"org-1,active,,第一小学校,school,S001,\n"

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("entityType", "orgs"))
	part, err := writer.CreateFormFile("file", "orgs.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(orgsCSV))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	resp := doRequest(t, http.MethodPost, server.URL+"/csv", "writer-secret", &buf, writer.FormDataContentType())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	decodeBody(t, resp, &accepted)
	require.NotEmpty(t, accepted.JobID)
	require.Equal(t, "processing", accepted.Status)

	var job struct {
		Status  string                `json:"status"`
		Results []service.BatchResult `json:"results"`
	}
	require.Eventually(t, func() bool {
		resp := doRequest(t, http.MethodGet, server.URL+"/upload/jobs/"+accepted.JobID, "reader-secret", nil, "")
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		decodeBody(t, resp, &job)
		return job.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	require.Len(t, job.Results, 1)
	require.Equal(t, 1, job.Results[0].Created)

	resp = doRequest(t, http.MethodGet, server.URL+"/orgs/org-1", "reader-secret", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestUploadAcceptanceDoesNotRaceWithWorker(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	// A tiny file makes the worker finish while the 202 is still being
	// written, so the race detector covers the acceptance path against
	// jobTracker.finish. The accepted status must always read processing.
	orgsCSV := "sourcedId,status,dateLastModified,name,type,identifier,parent\n" +
		"org-1,active,,第一小学校,school,S001,\n"

	statuses := make(chan string, 32)
	var wg sync.WaitGroup
	for i := 0; i < cap(statuses); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			var buf bytes.Buffer
			writer := multipart.NewWriter(&buf)
			if err := writer.WriteField("entityType", "orgs"); err != nil {
				statuses <- "writefield: " + err.Error()
				return
			}
			part, err := writer.CreateFormFile("file", "orgs.csv")
			if err != nil {
				statuses <- "createform: " + err.Error()
				return
			}
			if _, err := part.Write([]byte(orgsCSV)); err != nil {
				statuses <- "write: " + err.Error()
				return
			}
			if err := writer.Close(); err != nil {
				statuses <- "close: " + err.Error()
				return
			}

			req, err := http.NewRequest(http.MethodPost, server.URL+"/csv", &buf)
			if err != nil {
				statuses <- "request: " + err.Error()
				return
			}
			req.Header.Set(auth.HeaderName, "writer-secret")
			req.Header.Set("Content-Type", writer.FormDataContentType())

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				statuses <- "do: " + err.Error()
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				statuses <- resp.Status
				return
			}
			var accepted struct {
				Status string `json:"status"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
				statuses <- "decode: " + err.Error()
				return
			}
			statuses <- accepted.Status
		}()
	}
	wg.Wait()
	close(statuses)

	for status := range statuses {
		require.Equal(t, "processing", status)
	}
}

func TestUploadRejectsFileMissingRequiredColumns(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	body, contentType := multipartBody(t, map[string]string{"orgs": "sourcedId,name\norg-1,School\n"})
	resp := doRequest(t, http.MethodPost, server.URL+"/upload-sync", "writer-secret", body, contentType)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	decodeBody(t, resp, &problem)
	require.Equal(t, "Validation failed", problem.Title)
	require.Contains(t, problem.Detail, "identifier")
}

func TestAuthAndScopeEnforcement(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	resp := doRequest(t, http.MethodGet, server.URL+"/orgs", "", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = doRequest(t, http.MethodGet, server.URL+"/orgs", "dormant-secret", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	body, contentType := multipartBody(t, map[string]string{"orgs": "sourcedId\n"})
	resp = doRequest(t, http.MethodPost, server.URL+"/upload-sync", "reader-secret", body, contentType)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = doRequest(t, http.MethodGet, server.URL+"/admin/api-keys", "writer-secret", nil, "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestAdminListsRedactedKeys(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	resp := doRequest(t, http.MethodGet, server.URL+"/admin/api-keys", "admin-secret", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Keys []auth.KeyInfo `json:"keys"`
	}
	decodeBody(t, resp, &listing)
	require.Len(t, listing.Keys, 4)
	raw, err := json.Marshal(listing)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "writer-secret")

	resp = doRequest(t, http.MethodPost, server.URL+"/admin/api-keys/reload", "admin-secret", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestUnknownEntityTypeIs404(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	resp := doRequest(t, http.MethodGet, server.URL+"/classes", "reader-secret", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDeltaRejectsMalformedSince(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	resp := doRequest(t, http.MethodGet, server.URL+"/users/delta?since=yesterday", "reader-secret", nil, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
