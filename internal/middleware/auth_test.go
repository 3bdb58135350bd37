package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"labgate/internal/token"
)

func TestRequireUserAuth_SetsUserID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := token.Config{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := token.MintUserToken("user-1", cfg)
	if err != nil {
		t.Fatalf("MintUserToken: %v", err)
	}

	r := gin.New()
	r.GET("/", RequireUserAuth(cfg), func(c *gin.Context) {
		uid, ok := UserIDFromContext(c)
		if !ok || uid != "user-1" {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequireUserAuth_RejectsMissingHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := token.Config{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

	r := gin.New()
	r.GET("/", RequireUserAuth(cfg), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireDeviceAuth_SetsDeviceID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := token.Config{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := token.MintDeviceToken("d1", "g1", cfg)
	if err != nil {
		t.Fatalf("MintDeviceToken: %v", err)
	}

	r := gin.New()
	r.POST("/", RequireDeviceAuth("g1", cfg), func(c *gin.Context) {
		did, ok := DeviceIDFromContext(c)
		if !ok || did != "d1" {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequireDeviceAuth_RejectsWrongGateway(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := token.Config{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := token.MintDeviceToken("d1", "g2", cfg)
	if err != nil {
		t.Fatalf("MintDeviceToken: %v", err)
	}

	r := gin.New()
	r.POST("/", RequireDeviceAuth("g1", cfg), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireDeviceAuth_RejectsUserToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := token.Config{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := token.MintUserToken("u1", cfg)
	if err != nil {
		t.Fatalf("MintUserToken: %v", err)
	}

	r := gin.New()
	r.POST("/", RequireDeviceAuth("g1", cfg), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
