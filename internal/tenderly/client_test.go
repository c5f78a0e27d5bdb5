package tenderly

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(Config{
		APIBaseURL:       srv.URL + "/api/v1",
		RPCBaseURL:       "https://rpc.tenderly.co/fork/",
		DashboardBaseURL: "https://dashboard.tenderly.co",
		User:             "maker",
		Project:          "spells",
		AccessKey:        "secret",
	}, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestCreateFork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/api/v1/account/maker/project/spells/fork" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Access-Key"); got != "secret" {
			t.Fatalf("unexpected access key %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["network_id"] != float64(5) {
			t.Fatalf("unexpected network id %v", body["network_id"])
		}
		_, _ = w.Write([]byte(`{"simulation_fork":{"id":"fork-123","network_id":"5"}}`))
	}))
	defer srv.Close()

	fork, err := newTestClient(t, srv).CreateFork(context.Background(), 5)
	if err != nil {
		t.Fatalf("create fork: %v", err)
	}
	if fork.ID != "fork-123" {
		t.Fatalf("unexpected fork id %q", fork.ID)
	}
	if fork.RPCURL != "https://rpc.tenderly.co/fork/fork-123" {
		t.Fatalf("unexpected rpc url %q", fork.RPCURL)
	}
	if fork.DashboardURL != "https://dashboard.tenderly.co/maker/spells/fork/fork-123" {
		t.Fatalf("unexpected dashboard url %q", fork.DashboardURL)
	}
}

func TestCreateForkRejectsUnexpectedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"fork":{"id":"fork-123"}}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv).CreateFork(context.Background(), 5); err == nil {
		t.Fatal("expected error for missing simulation_fork.id")
	}
}

func TestCreateForkAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"id":"x","slug":"unauthorized","message":"invalid access key"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).CreateFork(context.Background(), 5)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "invalid access key" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestShareTransaction(t *testing.T) {
	shared := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "/api/v1/account/maker/project/spells/fork/fork-123/transaction/tx-9/share"
		if r.URL.Path != want {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("X-Access-Key") != "secret" {
			t.Fatal("missing access key")
		}
		shared = true
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	link, err := newTestClient(t, srv).ShareTransaction(context.Background(), "fork-123", "tx-9")
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if !shared {
		t.Fatal("share endpoint was not called")
	}
	if link != "https://dashboard.tenderly.co/shared/fork/simulation/tx-9" {
		t.Fatalf("unexpected shared url %q", link)
	}
}

func TestNewClientValidatesInput(t *testing.T) {
	if _, err := NewClient(Config{APIBaseURL: "not a url", User: "u", Project: "p", AccessKey: "k"}, nil); err == nil {
		t.Fatal("expected error for invalid base url")
	}
	_, err := NewClient(Config{APIBaseURL: "https://api.tenderly.co/api/v1"}, nil)
	if err == nil || !strings.Contains(err.Error(), "access key") {
		t.Fatalf("expected credentials error, got %v", err)
	}
}
