package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/JikoniExpress/JikoniExpress/internal/common/auth"
	"github.com/JikoniExpress/JikoniExpress/internal/common/config"
)

func TestJWTAuthAndRequireRole(t *testing.T) {
	authCfg := config.AuthConfig{
		Enabled:     true,
		JWTSecret:   "test-secret",
		Issuer:      "jikoni-express",
		Audience:    "jikoni-express",
		PublicPaths: []string{"/healthz", "/api/payments/callback"},
	}

	adminToken, _, err := auth.GenerateAccessToken(authCfg, "u-1", []string{"user", "admin"}, time.Hour)
	if err != nil {
		t.Fatalf("sign admin token: %v", err)
	}
	userToken, _, err := auth.GenerateAccessToken(authCfg, "u-2", []string{"user"}, time.Hour)
	if err != nil {
		t.Fatalf("sign user token: %v", err)
	}

	var gotSubject string
	handler := JWTAuth(authCfg, nil)(RequireRole(authCfg, "admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ai, ok := AuthFromContext(r.Context())
		if !ok {
			t.Fatalf("missing auth info in ctx")
		}
		gotSubject = ai.Subject
		w.WriteHeader(http.StatusOK)
	})))

	// admin token 放行
	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotSubject != "u-1" {
		t.Fatalf("subject mismatch: %s", gotSubject)
	}

	// 普通用户被 RBAC 拒绝
	req2 := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req2.Header.Set("Authorization", "Bearer "+userToken)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec2.Code)
	}

	// 无 token 被拒绝
	req3 := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec3.Code)
	}

	// 公开路径不需要 token
	req4 := httptest.NewRequest(http.MethodPost, "/api/payments/callback", nil)
	rec4 := httptest.NewRecorder()
	pub := JWTAuth(authCfg, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	pub.ServeHTTP(rec4, req4)
	if rec4.Code != http.StatusOK {
		t.Fatalf("expected 200 for public path, got %d", rec4.Code)
	}
}
