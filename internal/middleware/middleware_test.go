package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/raffle-reservation/internal/config"
	"github.com/iliyamo/raffle-reservation/internal/utils"
)

func protected(secret string, roles ...string) *echo.Echo {
	e := echo.New()
	e.GET("/op", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Get(CtxSubject).(string))
	}, JWTAuth(secret), RequireRole(roles...))
	return e
}

func do(e *echo.Echo, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/op", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuthAndRole(t *testing.T) {
	e := protected("secret", utils.RoleOperator)

	good, _ := utils.NewAccessToken("secret", "operator", utils.RoleOperator, 5)
	wrongRole, _ := utils.NewAccessToken("secret", "someone", "SHOPPER", 5)
	wrongKey, _ := utils.NewAccessToken("other", "operator", utils.RoleOperator, 5)
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator", "role": utils.RoleOperator, "exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator", "role": utils.RoleOperator,
	}).SignedString([]byte("secret"))

	cases := []struct {
		name string
		auth string
		want int
	}{
		{"valid operator", "Bearer " + good.Token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer " + wrongKey.Token, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"no expiry", "Bearer " + noExp, http.StatusUnauthorized},
		{"wrong role", "Bearer " + wrongRole.Token, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(e, tc.auth)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			if tc.want == http.StatusOK && rec.Body.String() != "operator" {
				t.Fatalf("subject not propagated: %q", rec.Body.String())
			}
		})
	}
}

func TestNewTokenBucket_DisabledPassesThrough(t *testing.T) {
	e := echo.New()
	e.Use(NewTokenBucket(config.RateLimitConfig{Enabled: true, Capacity: 1}, nil, nil))
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected pass through, got %d", i, rec.Code)
		}
	}
}

func TestBuildRateKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/holds", nil)
	req.Header.Set("X-Real-IP", "10.0.0.1")
	req.Header.Set("X-Holder-Id", "h-1")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/holds")

	cases := map[string]string{
		"ip":           "rl:ip:10.0.0.1",
		"holder":       "rl:holder:h-1",
		"ip_route":     "rl:ip:10.0.0.1:route:POST /v1/holds",
		"":             "rl:ip:10.0.0.1:holder:h-1:route:POST /v1/holds",
		"holder_route": "rl:holder:h-1:route:POST /v1/holds",
	}
	for strategy, want := range cases {
		got := buildRateKey(config.RateLimitConfig{Prefix: "rl", KeyStrategy: strategy}, c)
		if got != want {
			t.Errorf("%q: expected %q, got %q", strategy, want, got)
		}
	}

	c.Set(CtxSubject, "operator")
	if got := currentHolder(c); got != "op-operator" {
		t.Fatalf("authenticated subject must win, got %q", got)
	}
}
