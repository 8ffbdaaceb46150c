package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchCollectionSendsBearerToken(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`[{"id":1},{"id":2,"estado":"abierto"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api", map[string]string{"tickets": "/tickets/mine"})
	c.SetToken("tok")
	records, err := c.FetchCollection(context.Background(), "tickets")
	if err != nil {
		t.Fatalf("FetchCollection: %v", err)
	}
	if len(records) != 2 || string(records[1]) != `{"id":2,"estado":"abierto"}` {
		t.Fatalf("records = %s", records)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotPath != "/api/tickets/mine" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestFetchCollectionWrappedBodies(t *testing.T) {
	bodies := map[string]string{
		"keyed": `{"comentarios":[{"id":3}]}`,
		"data":  `{"data":[{"id":3}],"total":1}`,
	}
	for name, body := range bodies {
		body := body
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		c := NewClient(srv.URL, nil)
		records, err := c.FetchCollection(context.Background(), "comentarios")
		srv.Close()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(records) != 1 {
			t.Fatalf("%s: records = %s", name, records)
		}
	}
}

func TestFetchCollectionNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"maintenance"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	_, err := c.FetchCollection(context.Background(), "tickets")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable || se.Message != "maintenance" {
		t.Fatalf("status error = %+v", se)
	}
}

func TestFetchCollectionUnknownType(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", map[string]string{"tickets": "/tickets"})
	_, err := c.FetchCollection(context.Background(), "usuarios")
	if !errors.Is(err, ErrUnknownEntityType) {
		t.Fatalf("err = %v", err)
	}
}

func TestFetchCollectionRejectsNonArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	if _, err := c.FetchCollection(context.Background(), "tickets"); err == nil {
		t.Fatalf("expected error for non-array body")
	}
}
