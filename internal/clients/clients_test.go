package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/iago/bulkupload-back/internal/domain"
)

func TestOrgClientCreateReturnsID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/org/create" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer svc-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			Request map[string]any `json:"request"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Request["orgName"] != "Org A" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"organisationId":"org-123"}}`))
	}))
	defer server.Close()

	client := NewOrgClient(Config{BaseURL: server.URL, AuthToken: "svc-token", Timeout: 2 * time.Second})
	record := domain.Record{}
	record.Set(domain.KeyOrganisationName, domain.StringPtr("Org A"))

	id, err := client.CreateOrg(context.Background(), record)
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if id != "org-123" {
		t.Fatalf("expected org-123, got %q", id)
	}
}

func TestOrgClientCreateIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"params":{"errmsg":"org service overloaded"}}`))
	}))
	defer server.Close()

	client := NewOrgClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second, MaxRetries: 3})
	_, err := client.CreateOrg(context.Background(), domain.Record{})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Message != "org service overloaded" {
		t.Fatalf("expected status error with extracted message, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single create call, got %d", calls)
	}
}

func TestLocationClientRetriesOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"result":{"response":[{"id":"loc-1","code":"KA","name":"Karnataka","type":"state"}]}}`))
	}))
	defer server.Close()

	client := NewLocationClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second, MaxRetries: 1})
	location, err := client.ResolveByCode(context.Background(), "KA")
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if location == nil || location.Name != "Karnataka" {
		t.Fatalf("unexpected location %+v", location)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDirectoryClientMissingEntity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/user/read/u-1" {
			_, _ = w.Write([]byte(`{"result":{"id":"u-1","rootOrgId":"org-1"}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewDirectoryClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second})

	user, err := client.GetEntityByID(context.Background(), EntityUser, "u-1")
	if err != nil || user["rootOrgId"] != "org-1" {
		t.Fatalf("unexpected user %v / %v", user, err)
	}
	missing, err := client.GetEntityByID(context.Background(), EntityUser, "u-2")
	if err != nil || missing != nil {
		t.Fatalf("expected nil entity for 404, got %v / %v", missing, err)
	}
}

func TestErrorMessageTruncatesOnRuneBoundary(t *testing.T) {
	// Two-byte runes put byte 700 in the middle of an "é" after the odd prefix.
	raw := []byte("x" + strings.Repeat("é", 400))

	message := errorMessage(raw)

	if !utf8.ValidString(message) {
		t.Fatalf("expected valid UTF-8, got %q", message[len(message)-4:])
	}
	if len(message) > 700 || len(message) < 698 {
		t.Fatalf("expected message cut near 700 bytes, got %d", len(message))
	}

	if short := errorMessage([]byte("  plain failure  ")); short != "plain failure" {
		t.Fatalf("expected short body kept, got %q", short)
	}
}
