package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"bitwise74/threadbond-api/db"
	"bitwise74/threadbond-api/internal"
	"bitwise74/threadbond-api/internal/metrics"
	"bitwise74/threadbond-api/internal/service"
	"bitwise74/threadbond-api/pkg/security"
	"bitwise74/threadbond-api/pkg/validators"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const password = "Sup3r$ecret"

var dbCounter atomic.Int64

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	deps   *internal.Deps
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	database, err := db.New("sqlite", fmt.Sprintf("file:router_test_%d?mode=memory&cache=shared", dbCounter.Add(1)))
	require.NoError(t, err)

	sqlDB, err := database.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	m := metrics.New()

	codes := service.NewSQLCodeStore(database, service.CodeStoreConfig{
		TTL:            10 * time.Minute,
		ResendInterval: time.Minute,
		Timeout:        5 * time.Second,
	}, nil, m)

	identities := service.NewIdentityAllocator(database, service.IdentityConfig{RetiredWindow: time.Hour})

	sessions, err := security.NewSessionIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	hasher := &security.ArgonHash{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

	authSvc, err := service.NewAuthService(database, codes, identities, sessions, hasher, m, service.AuthConfig{
		Policy:  validators.DefaultPasswordPolicy(),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	d := &internal.Deps{
		DB:          database,
		Auth:        authSvc,
		Identities:  identities,
		Sessions:    sessions,
		Metrics:     m,
		ExposeCodes: true,
	}

	return &testServer{
		router: NewRouter(d, RouterConfig{MetricsEnabled: true}),
		deps:   d,
	}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}

	return w, out
}

func (s *testServer) register(t *testing.T, email string) string {
	t.Helper()

	w, res := s.do(t, http.MethodPost, "/api/auth/send-verification-code", "", gin.H{"email": email})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, res = s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":           email,
		"code":            res["code"],
		"password":        password,
		"confirmPassword": password,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	return res["token"].(string)
}

func TestRegistrationFlow(t *testing.T) {
	s := newTestServer(t)

	w, res := s.do(t, http.MethodPost, "/api/auth/check-email", "", gin.H{"email": "alice@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, res["available"])

	w, res = s.do(t, http.MethodPost, "/api/auth/send-verification-code", "", gin.H{"email": "alice@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(600), res["expiresIn"])
	code := res["code"].(string)

	t.Run("resend too early", func(t *testing.T) {
		w, res := s.do(t, http.MethodPost, "/api/auth/send-verification-code", "", gin.H{"email": "alice@example.com"})
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "60", w.Header().Get("Retry-After"))
		assert.Equal(t, float64(60), res["retryAfterSeconds"])
	})

	t.Run("weak password", func(t *testing.T) {
		w, res := s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
			"email":           "alice@example.com",
			"code":            code,
			"password":        "password",
			"confirmPassword": "password",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "validation", res["error"])
		assert.Equal(t, []any{"uppercase", "digit", "symbol"}, res["violations"])
		assert.NotEmpty(t, res["requestID"])
	})

	w, res = s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":           "alice@example.com",
		"code":            code,
		"password":        password,
		"confirmPassword": password,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, res["token"])

	user := res["user"].(map[string]any)
	assert.Equal(t, "alice@example.com", user["email"])
	assert.NotEmpty(t, user["identity"].(map[string]any)["displayName"])

	t.Run("code can't be reused", func(t *testing.T) {
		w, res := s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
			"email":           "other@example.com",
			"code":            code,
			"password":        password,
			"confirmPassword": password,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "notFound", res["error"])
	})

	t.Run("email taken", func(t *testing.T) {
		w, res := s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
			"email":           "alice@example.com",
			"code":            "123456",
			"password":        password,
			"confirmPassword": password,
		})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "emailTaken", res["error"])
	})
}

func TestSendCode_InvalidEmail(t *testing.T) {
	s := newTestServer(t)

	w, res := s.do(t, http.MethodPost, "/api/auth/send-verification-code", "", gin.H{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalidEmail", res["error"])
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "bob@example.com")

	w, res := s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"email": "bob@example.com", "password": password})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, res["token"])

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "auth_token" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	wrong, wrongRes := s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"email": "bob@example.com", "password": "nope"})
	unknown, unknownRes := s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"email": "ghost@example.com", "password": password})

	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, wrongRes["message"], unknownRes["message"])
}

func TestMe(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "carol@example.com")

	w, res := s.do(t, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "carol@example.com", res["email"])
	assert.NotEmpty(t, res["userId"])
	assert.NotEmpty(t, res["anonymousIdentityId"])

	w, _ = s.do(t, http.MethodGet, "/api/auth/me", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdentities(t *testing.T) {
	s := newTestServer(t)
	token := s.register(t, "dave@example.com")

	w, res := s.do(t, http.MethodPost, "/api/identities", token, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	extra := res["identity"].(map[string]any)
	assert.Equal(t, false, extra["active"])

	w, res = s.do(t, http.MethodGet, "/api/identities", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := res["identities"].([]any)
	require.Len(t, list, 2)
	first := list[0].(map[string]any)

	w, res = s.do(t, http.MethodPost, "/api/identities/"+extra["id"].(string)+"/activate", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	newToken := res["token"].(string)

	var switched *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "auth_token" {
			switched = c
		}
	}
	require.NotNil(t, switched)
	assert.Equal(t, newToken, switched.Value)

	w, res = s.do(t, http.MethodGet, "/api/auth/me", newToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, extra["id"], res["anonymousIdentityId"])

	w, res = s.do(t, http.MethodDelete, "/api/identities/"+extra["id"].(string), newToken, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "identityActive", res["error"])

	w, _ = s.do(t, http.MethodDelete, "/api/identities/"+first["id"].(string), newToken, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w, _ = s.do(t, http.MethodDelete, "/api/identities/does-not-exist", newToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/identities", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPasswordPolicy(t *testing.T) {
	s := newTestServer(t)

	w, res := s.do(t, http.MethodGet, "/api/auth/password-policy", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(8), res["minLength"])
	assert.Equal(t, "@$!%*?&", res["symbols"])
}

func TestHeartbeatAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodHead, "/api/heartbeat", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.register(t, "erin@example.com")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `threadbond_registrations_total{result="registered"} 1`)
}
