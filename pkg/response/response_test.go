package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func run(fn func(c *gin.Context)) (*httptest.ResponseRecorder, Body) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	fn(c)
	var b Body
	json.Unmarshal(w.Body.Bytes(), &b)
	return w, b
}

func TestFail(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"typed", NewError(http.StatusConflict, "email_taken", "taken"), http.StatusConflict, "email_taken"},
		{"wrapped", fmt.Errorf("register: %w", NewError(http.StatusNotFound, CodeNotFound, "gone")), http.StatusNotFound, CodeNotFound},
		{"plain", errors.New("pq: connection reset"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, b := run(func(c *gin.Context) { Fail(c, tt.err) })
			if w.Code != tt.status || b.Code != tt.code || b.Success {
				t.Fatalf("got %d %+v", w.Code, b)
			}
			if tt.code == CodeInternal && b.Error != "internal error" {
				t.Fatalf("cause leaked: %q", b.Error)
			}
		})
	}
}

func TestHelpersAbort(t *testing.T) {
	var aborted bool
	w, b := run(func(c *gin.Context) {
		Forbidden(c, "nope")
		aborted = c.IsAborted()
	})
	if !aborted || w.Code != http.StatusForbidden || b.Code != CodeForbidden || b.Error != "nope" {
		t.Fatalf("got %d %+v aborted=%v", w.Code, b, aborted)
	}
	w, b = run(func(c *gin.Context) { OK(c, map[string]int{"n": 1}) })
	if w.Code != http.StatusOK || !b.Success || b.Code != "" {
		t.Fatalf("got %d %+v", w.Code, b)
	}
}
