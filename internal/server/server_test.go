package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/credential-service/internal/apperror"
	"github.com/sakif/credential-service/internal/config"
	sqliteRepo "github.com/sakif/credential-service/internal/repository/sqlite"
	"github.com/sakif/credential-service/internal/secrets"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:     8080,
		AppEnv:   "test",
		LogLevel: "error",
		Token: config.TokenConfig{
			Secret: "server-test-secret-0123456789",
			TTL:    30 * time.Minute,
			Issuer: "credential-service",
		},
		Store: config.StoreConfig{
			Driver:  config.DriverSQLite,
			Path:    sqliteRepo.MemoryPath,
			Timeout: 5 * time.Second,
		},
		HTTP: config.HTTPConfig{
			AllowedOrigins:  []string{"*"},
			LoginRateLimit:  0,
			ShutdownTimeout: time.Second,
		},
		Bcrypt: 4,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	s, err := New(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
	})
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, token, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func login(t *testing.T, ts *httptest.Server, email, password string) string {
	t.Helper()
	resp, body := do(t, ts, http.MethodPost, "/auth/login", "", `{"email":"`+email+`","password":"`+password+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var res struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "bearer", res.TokenType)
	assert.Equal(t, int64(1800), res.ExpiresIn)
	return res.AccessToken
}

// =========================================================================
// END-TO-END FLOW
// =========================================================================

func TestServer_RegisterLoginMeDelete(t *testing.T) {
	ts := newTestServer(t, testConfig())

	// Register
	resp, body := do(t, ts, http.MethodPost, "/auth/register", "", `{"email":"a@x.com","password":"password1","full_name":"Ann"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var registered struct {
		ID       string `json:"id"`
		Email    string `json:"email"`
		FullName string `json:"full_name"`
	}
	require.NoError(t, json.Unmarshal(body, &registered))
	assert.NotEmpty(t, registered.ID)
	assert.Equal(t, "a@x.com", registered.Email)
	assert.Equal(t, "Ann", registered.FullName)
	assert.NotContains(t, string(body), "password")

	// Duplicate, different case
	resp, body = do(t, ts, http.MethodPost, "/auth/register", "", `{"email":"A@X.com","password":"password1","full_name":"Ann"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "duplicate_email")

	// Login and /users/me
	token := login(t, ts, "a@x.com", "password1")
	resp, body = do(t, ts, http.MethodGet, "/users/me", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":"`+registered.ID+`","email":"a@x.com","full_name":"Ann"}`, string(body))

	// Someone else's id looks like a missing one
	resp, _ = do(t, ts, http.MethodDelete, "/users/not-mine", token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Delete self, then the token no longer resolves to a user
	resp, _ = do(t, ts, http.MethodDelete, "/users/"+registered.ID, token, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodGet, "/users/me", token, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_LoginFailuresAreIndistinguishable(t *testing.T) {
	ts := newTestServer(t, testConfig())
	resp, _ := do(t, ts, http.MethodPost, "/auth/register", "", `{"email":"a@x.com","password":"password1","full_name":"Ann"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	unknownResp, unknownBody := do(t, ts, http.MethodPost, "/auth/login", "", `{"email":"nobody@x.com","password":"password1"}`)
	wrongResp, wrongBody := do(t, ts, http.MethodPost, "/auth/login", "", `{"email":"a@x.com","password":"password2"}`)

	assert.Equal(t, http.StatusUnauthorized, unknownResp.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, wrongResp.StatusCode)
	assert.Equal(t, string(unknownBody), string(wrongBody))
}

func TestServer_ProtectedRoutesRejectBadTokens(t *testing.T) {
	ts := newTestServer(t, testConfig())

	for _, token := range []string{"", "garbage", "eyJhbGciOiJub25lIn0.eyJzdWIiOiJ4In0."} {
		resp, body := do(t, ts, http.MethodGet, "/users/me", token, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
		assert.JSONEq(t, `{"error":"unauthorized","message":"invalid authentication credentials"}`, string(body))
	}
}

func TestServer_ConcurrentRegistrationStoresOneRecord(t *testing.T) {
	ts := newTestServer(t, testConfig())

	const n = 8
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := ts.Client().Post(ts.URL+"/auth/register", "application/json",
				bytes.NewBufferString(`{"email":"race@x.com","password":"password1","full_name":"Racer"}`))
			if err != nil {
				return
			}
			resp.Body.Close()
			codes[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	created, rejected := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusCreated:
			created++
		case http.StatusBadRequest:
			rejected++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, n-1, rejected)
}

// =========================================================================
// OPERATIONAL ENDPOINTS
// =========================================================================

func TestServer_HealthReadyMetrics(t *testing.T) {
	ts := newTestServer(t, testConfig())

	resp, body := do(t, ts, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))

	resp, body = do(t, ts, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ready"}`, string(body))

	resp, body = do(t, ts, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `credential_service_http_requests_total{method="GET",route="/health",status="200"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServer_LoginRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.LoginRateLimit = 2
	ts := newTestServer(t, cfg)

	var last int
	for i := 0; i < 3; i++ {
		resp, _ := do(t, ts, http.MethodPost, "/auth/login", "", `{"email":"a@x.com","password":"password1"}`)
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	// Registration is not limited by the login budget.
	resp, _ := do(t, ts, http.MethodPost, "/auth/register", "", `{"email":"b@x.com","password":"password1","full_name":"Bob"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestServer_CORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.AllowedOrigins = []string{"https://app.example"}
	ts := newTestServer(t, cfg)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/auth/login", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

// =========================================================================
// STORE SELECTION
// =========================================================================

type fakeCredentialSource struct {
	creds *secrets.DBCredentials
	err   error
	gotID string
}

func (f *fakeCredentialSource) DBCredentials(ctx context.Context, secretID string) (*secrets.DBCredentials, error) {
	f.gotID = secretID
	return f.creds, f.err
}

func TestConnectionString(t *testing.T) {
	orig := newSecretsLoader
	t.Cleanup(func() { newSecretsLoader = orig })

	fake := &fakeCredentialSource{creds: &secrets.DBCredentials{Username: "app", Password: "pw", Host: "db.internal", Port: 5432}}
	newSecretsLoader = func(ctx context.Context, region string) (credentialSource, error) { return fake, nil }

	render := func(c *secrets.DBCredentials) string { return c.PostgresURL("authservice") }

	t.Run("explicit url wins", func(t *testing.T) {
		got, err := connectionString(context.Background(), config.StoreConfig{URL: "postgres://explicit", SecretARN: "arn"}, render)
		require.NoError(t, err)
		assert.Equal(t, "postgres://explicit", got)
	})

	t.Run("from secret", func(t *testing.T) {
		got, err := connectionString(context.Background(), config.StoreConfig{SecretARN: "arn:secret"}, render)
		require.NoError(t, err)
		assert.Contains(t, got, "db.internal:5432/authservice")
		assert.Equal(t, "arn:secret", fake.gotID)
	})

	t.Run("secret failure", func(t *testing.T) {
		fake.err = apperror.Configuration("database secret not found", nil)
		_, err := connectionString(context.Background(), config.StoreConfig{SecretARN: "arn:secret"}, render)
		assert.ErrorIs(t, err, apperror.ErrConfiguration)
	})
}

func TestStoreOpener_UnknownDriver(t *testing.T) {
	_, err := storeOpener(config.StoreConfig{Driver: "redis"}, slog.New(slog.DiscardHandler))
	assert.True(t, errors.Is(err, apperror.ErrConfiguration))
}

func TestServer_ReadyReportsUnreachableStore(t *testing.T) {
	orig := newSecretsLoader
	t.Cleanup(func() { newSecretsLoader = orig })
	newSecretsLoader = func(ctx context.Context, region string) (credentialSource, error) {
		return &fakeCredentialSource{err: apperror.Configuration("database secret not found", nil)}, nil
	}

	cfg := testConfig()
	cfg.Store = config.StoreConfig{Driver: config.DriverPostgres, SecretARN: "arn:missing", Timeout: time.Second}
	ts := newTestServer(t, cfg)

	resp, _ := do(t, ts, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// Liveness does not depend on the store.
	resp, _ = do(t, ts, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
