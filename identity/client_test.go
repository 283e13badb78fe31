package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifyJoinValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/join-token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req joinRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.UserID != "u1" || req.Token != "t1" {
			t.Errorf("unexpected body: %+v", req)
		}
		json.NewEncoder(w).Encode(joinResponse{Valid: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	valid, err := c.VerifyJoin(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("VerifyJoin: %v", err)
	}
	if !valid {
		t.Fatal("expected valid=true")
	}
}

func TestVerifyJoinInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(joinResponse{Valid: false})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	valid, err := c.VerifyJoin(context.Background(), "u1", "bad-token")
	if err != nil {
		t.Fatalf("VerifyJoin: %v", err)
	}
	if valid {
		t.Fatal("expected valid=false")
	}
}

func TestVerifyJoinServerErrorIsTreatedAsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	valid, err := c.VerifyJoin(context.Background(), "u1", "t1")
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
	if valid {
		t.Fatal("expected valid=false on error")
	}
}
