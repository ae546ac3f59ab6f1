package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iago/bulkupload-back/internal/clients"
	"github.com/iago/bulkupload-back/internal/domain"
	httpserver "github.com/iago/bulkupload-back/internal/http"
	"github.com/iago/bulkupload-back/internal/http/handlers"
	"github.com/iago/bulkupload-back/internal/ingest"
	"github.com/iago/bulkupload-back/internal/lookup"
	"github.com/iago/bulkupload-back/internal/queue"
	"github.com/iago/bulkupload-back/internal/repository"
	"github.com/iago/bulkupload-back/internal/service"
	"github.com/iago/bulkupload-back/internal/worker"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	RowsPerFile    int              `json:"rows_per_file"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server     *httptest.Server
	downstream *httptest.Server
	cancel     context.CancelFunc
}

// jobTracker keeps the status URLs handed out by the upload scenario so the
// later scenarios can poll them.
type jobTracker struct {
	mu   sync.Mutex
	urls []string
}

func (t *jobTracker) add(url string) {
	t.mu.Lock()
	t.urls = append(t.urls, url)
	t.mu.Unlock()
}

func (t *jobTracker) at(index int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.urls) == 0 {
		return ""
	}
	return t.urls[index%len(t.urls)]
}

func (t *jobTracker) all() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.urls...)
}

func main() {
	uploadsTotal := flag.Int("uploads-total", 120, "total upload requests")
	uploadsConcurrency := flag.Int("uploads-concurrency", 16, "concurrency for upload requests")
	rowsPerFile := flag.Int("rows", 200, "data rows per generated file")
	locationCodes := flag.Int("location-codes", 12, "distinct location codes spread across rows")
	statusTotal := flag.Int("status-total", 400, "total job status requests")
	statusConcurrency := flag.Int("status-concurrency", 32, "concurrency for job status requests")
	drainTimeout := flag.Duration("drain-timeout", 60*time.Second, "how long to wait for every job to settle")
	shards := flag.Int("shards", 4, "worker pass shards")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env, err := startBenchmarkEnvironment(*shards)
	if err != nil {
		log.Fatalf("failed to start local benchmark environment: %v", err)
	}
	defer env.cancel()

	client := &http.Client{Timeout: 30 * time.Second}
	file := generateFile(*rowsPerFile, *locationCodes)
	tracker := &jobTracker{}

	uploadScenario := runScenario("upload_accept", *uploadsTotal, *uploadsConcurrency, func(index int) error {
		statusURL, err := postFile(client, env.server.URL+"/v1/bulk/organisations", fmt.Sprintf("orgs-%d.csv", index), file)
		if err != nil {
			return err
		}
		tracker.add(statusURL)
		return nil
	})

	statusScenario := runScenario("job_status", *statusTotal, *statusConcurrency, func(index int) error {
		statusURL := tracker.at(index)
		if statusURL == "" {
			return fmt.Errorf("no accepted jobs to poll")
		}
		_, err := getJob(client, env.server.URL+statusURL)
		return err
	})

	drainScenario, allSettled := drainJobs(client, env.server.URL, tracker.all(), *drainTimeout)

	slo := map[string]bool{
		"upload_accept_p95_le_2000ms": uploadScenario.P95MS <= 2000,
		"job_status_p95_le_500ms":     statusScenario.P95MS <= 500,
		"all_jobs_reached_terminal":   allSettled,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		RowsPerFile:    *rowsPerFile,
		Results:        []scenarioResult{uploadScenario, statusScenario, drainScenario},
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

// startBenchmarkEnvironment wires the full upload pipeline in process, with a
// fake downstream answering every org and location call.
func startBenchmarkEnvironment(shards int) (*benchmarkEnv, error) {
	ctx, cancel := context.WithCancel(context.Background())

	downstream := httptest.NewServer(fakeDownstream())
	clientConfig := clients.Config{BaseURL: downstream.URL, Timeout: 5 * time.Second}

	store := repository.NewMemoryStore()
	localQueue := queue.NewLocalQueue(4096, 3, nil)
	columns := lookup.NewStaticProvider(map[string]*lookup.ColumnConfig{
		domain.ObjectTypeOrganisation: {
			SupportedColumns: map[string]string{
				"Organisation Name": domain.KeyOrganisationName,
				"Location Code":     domain.KeyLocationCode,
				"Status":            domain.KeyStatus,
				"Organisation Type": domain.KeyOrganisationType,
			},
			MandatoryColumns: []string{domain.KeyOrganisationName},
		},
	})

	writer := ingest.NewBatchWriter(store, 50, nil)
	jobsService := service.NewJobsService(store, localQueue)
	uploadService := service.NewUploadService(
		store,
		ingest.NewIngestor(store, writer, nil),
		columns,
		nil,
		jobsService,
		service.UploadConfig{MaxRows: 100000},
		nil,
	)

	runner := worker.NewPassRunner(store, writer, clients.NewLocationClient(clientConfig), nil, nil, worker.PassConfig{Shards: shards})
	runner.Register(domain.ObjectTypeOrganisation, service.NewOrgTaskHandler(clients.NewOrgClient(clientConfig), columns, nil))
	processor := worker.NewProcessor(localQueue, runner, nil)
	go processor.Start(ctx)

	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            handlers.NewAPI(uploadService, jobsService, 64<<20, nil),
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})
	server := httptest.NewServer(router)

	return &benchmarkEnv{
		server:     server,
		downstream: downstream,
		cancel: func() {
			cancel()
			server.Close()
			downstream.Close()
		},
	}, nil
}

func fakeDownstream() http.Handler {
	mux := http.NewServeMux()
	var mu sync.Mutex
	created := 0
	mux.HandleFunc("/v1/org/create", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		created++
		id := created
		mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"result":{"organisationId":"org-%d"}}`, id)
	})
	mux.HandleFunc("/v1/org/update", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"response":"SUCCESS"}}`))
	})
	mux.HandleFunc("/v1/location/search", func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			Request struct {
				Filters struct {
					Code string `json:"code"`
				} `json:"filters"`
			} `json:"request"`
		}
		_ = json.NewDecoder(r.Body).Decode(&request)
		code := request.Request.Filters.Code
		_, _ = fmt.Fprintf(w, `{"result":{"response":[{"id":"loc-%s","code":%q,"name":"Location %s"}]}}`, code, code, code)
	})
	return mux
}

func generateFile(rows, codes int) []byte {
	if codes <= 0 {
		codes = 1
	}
	var b strings.Builder
	b.WriteString("Organisation Name,Location Code,Status,Organisation Type\n")
	for i := 0; i < rows; i++ {
		status := "active"
		if i%7 == 0 {
			status = "inactive"
		}
		fmt.Fprintf(&b, "School %d,LC%d,%s,school\n", i+1, i%codes, status)
	}
	return []byte(b.String())
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: elapsedMS(requestStart)}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	samples := make([]float64, 0, total)
	errs := make([]string, 0, total)
	for item := range results {
		samples = append(samples, item.durationMS)
		errs = append(errs, item.err)
	}
	return summarize(name, samples, errs, time.Since(startedAt))
}

// drainJobs polls every accepted job until it is terminal and reports how
// long each one took to settle, measured from the start of the drain.
func drainJobs(client *http.Client, baseURL string, statusURLs []string, timeout time.Duration) (scenarioResult, bool) {
	startedAt := time.Now()
	deadline := startedAt.Add(timeout)
	samples := make([]float64, 0, len(statusURLs))
	errs := make([]string, 0, len(statusURLs))
	settled := true

	for _, statusURL := range statusURLs {
		var lastErr error
		done := false
		for time.Now().Before(deadline) {
			status, err := getJob(client, baseURL+statusURL)
			if err != nil {
				lastErr = err
			} else if status.Terminal() {
				done = true
				break
			}
			time.Sleep(25 * time.Millisecond)
		}
		samples = append(samples, elapsedMS(startedAt))
		switch {
		case done:
			errs = append(errs, "")
		case lastErr != nil:
			settled = false
			errs = append(errs, lastErr.Error())
		default:
			settled = false
			errs = append(errs, fmt.Sprintf("%s did not settle within %s", statusURL, timeout))
		}
	}
	return summarize("jobs_drain", samples, errs, time.Since(startedAt)), settled
}

func summarize(name string, durations []float64, errs []string, elapsed time.Duration) scenarioResult {
	errorSamples := make([]string, 0, 5)
	success := 0
	for _, err := range errs {
		if err == "" {
			success++
			continue
		}
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, err)
		}
	}

	sort.Float64s(durations)
	throughput := 0.0
	if seconds := elapsed.Seconds(); seconds > 0 {
		throughput = float64(len(durations)) / seconds
	}

	return scenarioResult{
		Name:          name,
		Total:         len(durations),
		Success:       success,
		Errors:        len(durations) - success,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postFile(client *http.Client, url, filename string, content []byte) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", form.FormDataContentType())
	request.Header.Set("Accept", "application/json")
	request.Header.Set("X-Requested-By", "loadbench")

	response, err := client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusAccepted {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return "", fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, http.StatusAccepted, string(payload))
	}
	var accepted struct {
		StatusURL string `json:"status_url"`
	}
	if err := json.NewDecoder(response.Body).Decode(&accepted); err != nil {
		return "", fmt.Errorf("decode acceptance: %w", err)
	}
	return accepted.StatusURL, nil
}

func getJob(client *http.Client, url string) (domain.JobStatus, error) {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return "", fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, http.StatusOK, string(payload))
	}
	var job struct {
		Status domain.JobStatus `json:"status"`
	}
	if err := json.NewDecoder(response.Body).Decode(&job); err != nil {
		return "", fmt.Errorf("decode job: %w", err)
	}
	return job.Status, nil
}

func elapsedMS(since time.Time) float64 {
	return float64(time.Since(since).Microseconds()) / 1000.0
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
