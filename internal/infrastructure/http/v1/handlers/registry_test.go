package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"trigon/internal/engine/dispatch"
	"trigon/internal/infrastructure/http/v1/middleware"
)

func TestInstall_UnknownHandlerRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandler())

	factories := dispatch.NewFactories()
	factories.Register("task.dependency_cascade", func() dispatch.Handler { return nil })

	h := NewRegistryHandler(NewBaseHandler(), factories)
	router.POST("/handlers", h.Install)

	body := `{"handlers":[{"name":"nope","active":true,"bindings":[{"kind":"task","action":"after_update"}]}]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/handlers", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d (body: %s)", w.Code, http.StatusUnprocessableEntity, w.Body.String())
	}

	var resp struct {
		Code    string `json:"code"`
		Details struct {
			Handler    string   `json:"handler"`
			Registered []string `json:"registered"`
		} `json:"details"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != "HANDLER_NOT_REGISTERED" {
		t.Errorf("code = %q, want HANDLER_NOT_REGISTERED", resp.Code)
	}
	if resp.Details.Handler != "nope" {
		t.Errorf("details.handler = %q, want nope", resp.Details.Handler)
	}
	if len(resp.Details.Registered) != 1 || resp.Details.Registered[0] != "task.dependency_cascade" {
		t.Errorf("details.registered = %v, want the registered factory names", resp.Details.Registered)
	}
}
