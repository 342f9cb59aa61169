package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONError(rec, http.StatusNotFound, "run 42 not found")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s, want application/json", ct)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp["error"] != "run 42 not found" {
		t.Errorf("error = %s, want 'run 42 not found'", resp["error"])
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	data := map[string]string{"instrument": "dream"}
	WriteJSON(rec, http.StatusCreated, data)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp["instrument"] != "dream" {
		t.Errorf("instrument = %s, want 'dream'", resp["instrument"])
	}
}

func TestWriteJSONOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	data := map[string]int{"events": 20000}
	WriteJSONOK(rec, data)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp["events"] != 20000 {
		t.Errorf("events = %d, want 20000", resp["events"])
	}
}

func TestStatusHelpers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		write func(w http.ResponseWriter)
		code  int
	}{
		{"MethodNotAllowed", func(w http.ResponseWriter) { MethodNotAllowed(w) }, http.StatusMethodNotAllowed},
		{"BadRequest", func(w http.ResponseWriter) { BadRequest(w, "missing run number") }, http.StatusBadRequest},
		{"InternalServerError", func(w http.ResponseWriter) { InternalServerError(w, "reduction failed") }, http.StatusInternalServerError},
		{"NotFound", func(w http.ResponseWriter) { NotFound(w, "no such bank") }, http.StatusNotFound},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		tc.write(rec)

		if rec.Code != tc.code {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.code)
		}

		var resp map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("%s: failed to decode response: %v", tc.name, err)
		}
		if resp["error"] == "" {
			t.Errorf("%s: expected an error message in the body", tc.name)
		}
	}
}
