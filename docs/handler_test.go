package docs

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
)

func TestRegisterRoutes(t *testing.T) {
	r := mux.NewRouter()
	RegisterRoutes(r)

	tests := []struct {
		path        string
		contentType string
		contains    string
	}{
		{"/api/docs/openapi.yaml", "application/yaml", "/api/realtime/stats"},
		{"/api/docs", "text/html; charset=utf-8", "swagger-ui"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			if ct := rr.Header().Get("Content-Type"); ct != tt.contentType {
				t.Errorf("expected content type %q, got %q", tt.contentType, ct)
			}
			if !strings.Contains(rr.Body.String(), tt.contains) {
				t.Errorf("body should contain %q", tt.contains)
			}
		})
	}
}
