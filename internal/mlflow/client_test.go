package mlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(opensearchapi.Config{
		Client: opensearch.Config{
			Addresses:    []string{server.URL},
			DisableRetry: true,
		},
	}, opts...)
	require.NoError(t, err)

	return client
}

func TestCreateRegisteredModel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, PathRegisteredModelCreate, r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"name":"demo","tags":[{"key":"a","value":"1"},{"key":"b","value":"2"}]}`, string(body))

		_, _ = w.Write([]byte(`{"registered_model":{"name":"demo","creation_timestamp":1700000000000}}`))
	})

	model, err := client.CreateRegisteredModel(context.Background(), "demo", map[string]string{"b": "2", "a": "1"})
	require.NoError(t, err)
	require.Equal(t, "demo", model.Name)
	require.Equal(t, int64(1700000000000), model.CreationTimestamp)
}

func TestCreateRegisteredModelAlreadyExists(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":"RESOURCE_ALREADY_EXISTS","message":"Registered Model (name=demo) already exists."}`))
	})

	_, err := client.CreateRegisteredModel(context.Background(), "demo", nil)
	require.Error(t, err)
	require.True(t, IsAlreadyExists(err))
	require.False(t, IsNotFound(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, ErrorCodeResourceAlreadyExists, apiErr.Code)
}

func TestCreateModelVersion(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, PathModelVersionCreate, r.URL.Path)

		var req ModelVersionCreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "demo", req.Name)
		require.Equal(t, "mlflow-artifacts:/demo", req.Source)
		require.Equal(t, []Tag{{Key: TagPromptText, Value: "Hello {{name}}!"}}, req.Tags)

		_, _ = w.Write([]byte(`{"model_version":{"name":"demo","version":"1","source":"mlflow-artifacts:/demo","status":"READY"}}`))
	})

	version, err := client.CreateModelVersion(context.Background(), "demo", "mlflow-artifacts:/demo", map[string]string{
		TagPromptText: "Hello {{name}}!",
	})
	require.NoError(t, err)
	require.Equal(t, "1", version.Version)
	require.Equal(t, "READY", version.Status)
}

func TestGetModelVersion(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, PathModelVersionGet, r.URL.Path)
		require.Equal(t, "demo", r.URL.Query().Get("name"))
		require.Equal(t, "1", r.URL.Query().Get("version"))

		_, _ = w.Write([]byte(`{"model_version":{"name":"demo","version":"1","tags":[{"key":"mlflow.prompt.text","value":"hi"}]}}`))
	})

	version, err := client.GetModelVersion(context.Background(), "demo", "1")
	require.NoError(t, err)
	require.Equal(t, "1", version.Version)
	require.Equal(t, map[string]string{TagPromptText: "hi"}, version.TagMap())
}

func TestGetModelVersionNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error_code":"RESOURCE_DOES_NOT_EXIST","message":"Model Version (name=demo, version=1) not found"}`))
	})

	_, err := client.GetModelVersion(context.Background(), "demo", "1")
	require.True(t, IsNotFound(err))
}

func TestSearchModelVersionsPaginates(t *testing.T) {
	var (
		mu     sync.Mutex
		tokens []string
	)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PathModelVersionSearch, r.URL.Path)
		require.Equal(t, "name='demo'", r.URL.Query().Get("filter"))
		require.Equal(t, "2", r.URL.Query().Get("max_results"))

		token := r.URL.Query().Get("page_token")
		mu.Lock()
		tokens = append(tokens, token)
		mu.Unlock()

		switch token {
		case "":
			_, _ = w.Write([]byte(`{"model_versions":[{"name":"demo","version":"1"},{"name":"demo","version":"2"}],"next_page_token":"p2"}`))
		case "p2":
			_, _ = w.Write([]byte(`{"model_versions":[{"name":"demo","version":"3"}]}`))
		default:
			t.Errorf("unexpected page token %q", token)
		}
	}, WithPageSize(2))

	versions, err := client.SearchModelVersions(context.Background(), FilterByName("demo"))
	require.NoError(t, err)
	require.Len(t, versions, 3)
	require.Equal(t, "3", versions[2].Version)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"", "p2"}, tokens)
}

func TestSearchModelVersionsEmptyObject(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	versions, err := client.SearchModelVersions(context.Background(), FilterByName("demo"))
	require.NoError(t, err)
	require.Empty(t, versions)
}

func TestSearchModelVersionsRepeatedToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model_versions":[{"name":"demo","version":"1"}],"next_page_token":"same"}`))
	})

	_, err := client.SearchModelVersions(context.Background(), "")
	require.ErrorContains(t, err, "same page token")
}

func TestSearchModelVersionsTokenCycle(t *testing.T) {
	var requests atomic.Int32

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) > 10 {
			t.Errorf("search kept paging after a token cycle")
			_, _ = w.Write([]byte(`{}`))
			return
		}

		next := "A"
		if r.URL.Query().Get("page_token") == "A" {
			next = "B"
		}
		_, _ = w.Write([]byte(`{"model_versions":[{"name":"demo","version":"1"}],"next_page_token":"` + next + `"}`))
	})

	_, err := client.SearchModelVersions(context.Background(), FilterByName("demo"))
	require.ErrorContains(t, err, `same page token twice: "A"`)
	require.EqualValues(t, 3, requests.Load())
}

func TestSearchModelVersionsServerDefaultPageSize(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.False(t, r.URL.Query().Has("max_results"))
		_, _ = w.Write([]byte(`{"model_versions":[{"name":"demo","version":"1"}]}`))
	}, WithPageSize(0))

	versions, err := client.SearchModelVersions(context.Background(), FilterByName("demo"))
	require.NoError(t, err)
	require.Len(t, versions, 1)
}

func TestDeleteRegisteredModel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, PathRegisteredModelDelete, r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"name":"demo"}`, string(body))

		_, _ = w.Write([]byte(`{}`))
	})

	require.NoError(t, client.DeleteRegisteredModel(context.Background(), "demo"))
}

func TestPing(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PathHealth, r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting"))
			return
		}
		_, _ = w.Write([]byte("OK"))
	})

	require.NoError(t, client.Ping(context.Background()))

	healthy.Store(false)
	err := client.Ping(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	require.Equal(t, "starting", apiErr.Message)
}

func TestRequestsAreLogged(t *testing.T) {
	var output bytes.Buffer
	ctx := tflogtest.RootLogger(context.Background(), &output)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model_version":{"name":"demo","version":"1"}}`))
	})

	_, err := client.GetModelVersion(ctx, "demo", "1")
	require.NoError(t, err)

	entries, err := tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	entry := entries[len(entries)-1]
	require.Equal(t, "mlflow request", entry["@message"])
	require.Equal(t, http.MethodGet, entry["method"])
	require.Equal(t, PathModelVersionGet, entry["path"])
	require.EqualValues(t, http.StatusOK, entry["status"])
}

func TestNewClientRejectsNegativePageSize(t *testing.T) {
	_, err := NewClient(opensearchapi.Config{
		Client: opensearch.Config{Addresses: []string{"http://localhost:5000"}},
	}, WithPageSize(-1))
	require.Error(t, err)
}

func TestFilterByName(t *testing.T) {
	require.Equal(t, "name='test-search-bug'", FilterByName("test-search-bug"))
	require.Equal(t, `name='it\'s'`, FilterByName("it's"))
}
