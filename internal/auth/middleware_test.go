package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_ValidCredential(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	_, _ = store.SetCredential("CP-1001", "hunter2", nil)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := FromContext(r.Context())
		if authCtx == nil {
			t.Error("Expected auth context to be set")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if authCtx.Identity != "CP-1001" {
			t.Errorf("Expected identity CP-1001, got %v", authCtx.Identity)
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := Middleware(store)(handler)

	req := httptest.NewRequest("GET", "/", http.NoBody)
	req.SetBasicAuth("CP-1001", "hunter2")
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %v, want 200", rec.Code)
	}
}

func TestMiddleware_MissingCredential(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called without auth")
	})

	wrapped := Middleware(store)(handler)

	req := httptest.NewRequest("GET", "/", http.NoBody)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status = %v, want 401", rec.Code)
	}

	var resp map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"] == nil {
		t.Error("Response should contain error field")
	}
}

func TestMiddleware_InvalidCredential(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	_, _ = store.SetCredential("CP-1001", "hunter2", nil)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called with invalid credential")
	})

	wrapped := Middleware(store)(handler)

	req := httptest.NewRequest("GET", "/", http.NoBody)
	req.SetBasicAuth("CP-1001", "wrong-password")
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status = %v, want 401", rec.Code)
	}
}

func TestMiddleware_UnknownIdentity(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called for unknown identity")
	})

	wrapped := Middleware(store)(handler)

	req := httptest.NewRequest("GET", "/", http.NoBody)
	req.SetBasicAuth("CP-9999", "hunter2")
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status = %v, want 401", rec.Code)
	}
}

func TestMiddleware_MalformedAuthHeader(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called with malformed auth")
	})

	wrapped := Middleware(store)(handler)

	tests := []struct {
		name   string
		header string
	}{
		{"Bearer token instead of Basic", "Bearer token123"},
		{"No prefix", "token123"},
		{"Empty basic", "Basic "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", http.NoBody)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()

			wrapped.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("Status = %v, want 401", rec.Code)
			}
		})
	}
}

func Test_maskIdentity(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		want     string
	}{
		{"short identity", "ab", "***"},
		{"normal identity", "CP-1001", "CP...01"},
		{"exact 4 chars", "abcd", "***"},
		{"5 chars", "abcde", "ab...de"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maskIdentity(tt.identity); got != tt.want {
				t.Errorf("maskIdentity() = %v, want %v", got, tt.want)
			}
		})
	}
}
