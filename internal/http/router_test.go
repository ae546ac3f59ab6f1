package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/bulkupload-back/internal/clients"
	"github.com/iago/bulkupload-back/internal/domain"
	"github.com/iago/bulkupload-back/internal/http/handlers"
	"github.com/iago/bulkupload-back/internal/ingest"
	"github.com/iago/bulkupload-back/internal/lookup"
	"github.com/iago/bulkupload-back/internal/queue"
	"github.com/iago/bulkupload-back/internal/repository"
	"github.com/iago/bulkupload-back/internal/service"
	"github.com/iago/bulkupload-back/internal/worker"
)

type integrationRuntime struct {
	server          *httptest.Server
	downstream      *httptest.Server
	locationLookups *int32
	cancel          context.CancelFunc
}

// fakeDownstream serves the org, location and directory endpoints.
func fakeDownstream(locationLookups *int32) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/org/create", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"organisationId":"org-created"}}`))
	})
	mux.HandleFunc("/v1/org/update", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"params":{"errmsg":"organisation does not exist"}}`))
	})
	mux.HandleFunc("/v1/location/search", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(locationLookups, 1)
		_, _ = w.Write([]byte(`{"result":{"response":[{"id":"loc-ka","code":"KA","name":"Karnataka"}]}}`))
	})
	mux.HandleFunc("/v1/user/read/u-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"id":"u-1","rootOrgId":"root-1"}}`))
	})
	mux.HandleFunc("/v1/org/read/root-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"id":"root-1","status":1,"channel":"chan-root"}}`))
	})
	return httptest.NewServer(mux)
}

func startIntegrationRuntime(t *testing.T) integrationRuntime {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	var lookups int32
	downstream := fakeDownstream(&lookups)
	clientConfig := clients.Config{BaseURL: downstream.URL, Timeout: 2 * time.Second}

	store := repository.NewMemoryStore()
	localQueue := queue.NewLocalQueue(64, 3, nil)
	columns := lookup.NewStaticProvider(map[string]*lookup.ColumnConfig{
		domain.ObjectTypeOrganisation: {
			SupportedColumns: map[string]string{
				"Organisation Name": domain.KeyOrganisationName,
				"Organisation Id":   domain.KeyOrganisationID,
				"Location Code":     domain.KeyLocationCode,
				"Status":            domain.KeyStatus,
			},
			MandatoryColumns: []string{domain.KeyOrganisationName},
		},
	})

	writer := ingest.NewBatchWriter(store, 2, nil)
	jobsService := service.NewJobsService(store, localQueue)
	uploadService := service.NewUploadService(
		store,
		ingest.NewIngestor(store, writer, nil),
		columns,
		clients.NewDirectoryClient(clientConfig),
		jobsService,
		service.UploadConfig{MaxRows: 100},
		nil,
	)

	runner := worker.NewPassRunner(store, writer, clients.NewLocationClient(clientConfig), nil, nil, worker.PassConfig{})
	runner.Register(domain.ObjectTypeOrganisation, service.NewOrgTaskHandler(clients.NewOrgClient(clientConfig), columns, nil))
	processor := worker.NewProcessor(localQueue, runner, nil)
	go processor.Start(ctx)

	router := NewRouter(RouterDependencies{
		API:            handlers.NewAPI(uploadService, jobsService, 1<<20, nil),
		AuthToken:      "",
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})
	server := httptest.NewServer(router)

	return integrationRuntime{
		server:          server,
		downstream:      downstream,
		locationLookups: &lookups,
		cancel: func() {
			cancel()
			server.Close()
			downstream.Close()
		},
	}
}

func uploadFile(t *testing.T, client *http.Client, baseURL, filename, content string) (*http.Response, map[string]any) {
	t.Helper()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte(content))
	_ = form.Close()

	request, err := http.NewRequest(http.MethodPost, baseURL+"/v1/bulk/organisations", &body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	request.Header.Set("Content-Type", form.FormDataContentType())
	request.Header.Set("X-Requested-By", "u-1")

	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer response.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(response.Body).Decode(&decoded)
	return response, decoded
}

func getJSON(t *testing.T, client *http.Client, url string) (int, map[string]any) {
	t.Helper()
	response, err := client.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer response.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(response.Body).Decode(&decoded)
	return response.StatusCode, decoded
}

func TestUploadIsProcessedInBackground(t *testing.T) {
	runtime := startIntegrationRuntime(t)
	defer runtime.cancel()
	client := runtime.server.Client()

	content := "Organisation Name,Organisation Id,Location Code,Status\n" +
		"School One,,KA,active\n" +
		"School Two,,KA,\n" +
		"School Three,org-missing,,inactive\n"
	response, accepted := uploadFile(t, client, runtime.server.URL, "orgs.csv", content)
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%v)", response.StatusCode, accepted)
	}
	statusURL, _ := accepted["status_url"].(string)
	if accepted["process_id"] == "" || statusURL == "" {
		t.Fatalf("unexpected acceptance body %v", accepted)
	}

	var job map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, job = getJSON(t, client, runtime.server.URL+statusURL)
		if status, _ := job["status"].(string); domain.JobStatus(status).Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if job["status"] != string(domain.JobStatusCompletedWithErrors) {
		t.Fatalf("expected COMPLETED_WITH_ERRORS, got %v", job)
	}
	if job["task_count"] != float64(3) || job["organisation_id"] != "root-1" {
		t.Fatalf("unexpected job body %v", job)
	}
	if got := atomic.LoadInt32(runtime.locationLookups); got != 1 {
		t.Fatalf("expected one location lookup for a repeated code, got %d", got)
	}

	code, body := getJSON(t, client, runtime.server.URL+statusURL+"/items")
	if code != http.StatusOK {
		t.Fatalf("expected 200 for items, got %d", code)
	}
	items, _ := body["items"].([]any)
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %v", body)
	}
	first := items[0].(map[string]any)
	success, _ := first["success_result"].(map[string]any)
	if success["organisationId"] != "org-created" || success["locationName"] != "Karnataka" || success["channel"] != "chan-root" {
		t.Fatalf("unexpected success payload %v", first)
	}
	third := items[2].(map[string]any)
	failure, _ := third["failure_result"].(map[string]any)
	if third["status"] != string(domain.TaskStatusFailed) || failure["errorMessage"] != "organisation does not exist" {
		t.Fatalf("unexpected failed item %v", third)
	}
}

func TestUploadRejectsInvalidHeader(t *testing.T) {
	runtime := startIntegrationRuntime(t)
	defer runtime.cancel()

	response, body := uploadFile(t, runtime.server.Client(), runtime.server.URL, "orgs.csv", "Status\nactive\n")
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.StatusCode)
	}
	detail, _ := body["error"].(map[string]any)
	if detail["code"] != string(domain.CodeMissingMandatoryField) || detail["field"] != "orgName" {
		t.Fatalf("unexpected error body %v", body)
	}
	if body["request_id"] == "" {
		t.Fatalf("expected request id in error body")
	}
}

func TestUnknownJobIsNotFound(t *testing.T) {
	runtime := startIntegrationRuntime(t)
	defer runtime.cancel()

	code, _ := getJSON(t, runtime.server.Client(), runtime.server.URL+"/v1/jobs/does-not-exist")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}

	response, err := runtime.server.Client().Post(runtime.server.URL+"/v1/jobs/does-not-exist/reprocess", "application/json", nil)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for reprocess, got %d", response.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	runtime := startIntegrationRuntime(t)
	defer runtime.cancel()

	code, body := getJSON(t, runtime.server.Client(), runtime.server.URL+"/healthz")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", code, body)
	}
	response, err := runtime.server.Client().Get(runtime.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", response.StatusCode)
	}
}
