package lookup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckParticipantListed(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("identifier")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"listed":true,"lists":["OFAC-SDN"]}`))
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Config{URL: srv.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	result, err := client.CheckParticipant(context.Background(), "0xbob")
	if err != nil {
		t.Fatalf("CheckParticipant: %v", err)
	}
	if !result.Listed || len(result.Lists) != 1 || result.Lists[0] != "OFAC-SDN" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotQuery != "0xbob" {
		t.Fatalf("expected identifier query, got %q", gotQuery)
	}
}

func TestCheckParticipantUnlisted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"listed":false}`))
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	result, err := client.CheckParticipant(context.Background(), "0xalice")
	if err != nil {
		t.Fatalf("CheckParticipant: %v", err)
	}
	if result.Listed {
		t.Fatalf("expected unlisted result")
	}
}

func TestCheckParticipantServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	_, err = client.CheckParticipant(context.Background(), "0xbob")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for 5xx, got %v", err)
	}
}

func TestCheckParticipantTransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	client, err := NewHTTPClient(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	_, err = client.CheckParticipant(context.Background(), "0xbob")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for transport failure, got %v", err)
	}
}

func TestCheckParticipantClientErrorIsNotUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown identifier namespace", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	_, err = client.CheckParticipant(context.Background(), "bogus")
	if err == nil {
		t.Fatalf("expected error for 4xx")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatalf("4xx is a permanent failure, not unavailability: %v", err)
	}
}

func TestNewHTTPClientRequiresURL(t *testing.T) {
	if _, err := NewHTTPClient(Config{}); err == nil {
		t.Fatalf("expected error for empty URL")
	}
}
