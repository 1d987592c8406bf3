package iss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/space-ingest/internal/fetcher"
	"github.com/space-ingest/pkg/logger"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/satellites/25544" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		w.Write([]byte(`{"name":"iss","latitude":12.5,"longitude":-45.1,"velocity":27600.1}`))
	}))
	defer srv.Close()

	f := fetcher.New(fetcher.Config{Name: SourceName, Timeout: time.Second}, logger.Nop())
	src := New(f, srv.URL+"/v1/satellites/25544")

	payload, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(payload) == 0 {
		t.Error("empty payload")
	}
	if src.Name() != "iss" {
		t.Errorf("Name = %s", src.Name())
	}
}

func TestNew_DefaultURL(t *testing.T) {
	if got := New(nil, "").URL(); got != DefaultURL {
		t.Errorf("URL = %s", got)
	}
}
