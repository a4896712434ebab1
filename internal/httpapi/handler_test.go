// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/authd/internal/auth"
	"github.com/holomush/authd/internal/auth/memory"
	"github.com/holomush/authd/internal/httpapi"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type observed struct {
	route, method string
	status        int
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []observed
}

func (o *recordingObserver) ObserveHTTPRequest(route, method string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, observed{route, method, status})
}

type apiFixture struct {
	handler  *httpapi.Handler
	repo     *memory.UserRepository
	observer *recordingObserver
}

func newAPI(t *testing.T, throttle *auth.LoginThrottle) *apiFixture {
	t.Helper()
	repo := memory.NewUserRepository()
	hasher, err := auth.NewArgon2idHasherWithParams(auth.Argon2Params{Iterations: 1, MemoryKiB: 64, Parallelism: 1})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenConfig{SigningKey: strings.Repeat("s", 64), Issuer: "authd-test"})
	require.NoError(t, err)
	refresh, err := auth.NewRefreshTokenManager(repo, issuer)
	require.NoError(t, err)

	opts := []auth.ServiceOption{}
	if throttle != nil {
		opts = append(opts, auth.WithLoginThrottle(throttle))
	}
	svc, err := auth.NewAuthService(repo, hasher, issuer, refresh, opts...)
	require.NoError(t, err)

	obs := &recordingObserver{}
	return &apiFixture{handler: httpapi.NewHandler(svc, httpapi.WithObserver(obs)), repo: repo, observer: obs}
}

func (f *apiFixture) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type tokenBody struct {
	UserID       string `json:"user_id"`
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (f *apiFixture) registerAndLogin(t *testing.T, username, email, password string) tokenBody {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/auth/register",
		`{"username":"`+username+`","email":"`+email+`","password":"`+password+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/auth/login", `{"email":"`+email+`","password":"`+password+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[struct {
		Token tokenBody `json:"token"`
	}](t, rec).Token
}

func TestRegister(t *testing.T) {
	f := newAPI(t, nil)

	rec := f.do(t, http.MethodPost, "/api/auth/register", `{"username":"alice","email":"alice@example.com","password":"pw"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeBody[struct {
		Message string            `json:"message"`
		User    map[string]string `json:"user"`
	}](t, rec)
	assert.Equal(t, "user created", body.Message)
	assert.Equal(t, "alice", body.User["username"])
	assert.Equal(t, "alice@example.com", body.User["email"])
	assert.Equal(t, auth.RoleUser, body.User["role"])
	_, err := ulid.Parse(body.User["id"])
	assert.NoError(t, err)
	assert.NotContains(t, rec.Body.String(), "argon2")

	t.Run("duplicate email in another case", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/auth/register", `{"username":"alice2","email":"ALICE@example.com","password":"pw"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, auth.CodeEmailTaken, decodeBody[errorBody](t, rec).Error.Code)
	})
}

func TestRegister_BadRequests(t *testing.T) {
	f := newAPI(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"invalid email", `{"username":"bob","email":"not-an-email","password":"pw"}`, http.StatusBadRequest, auth.CodeValidation},
		{"blank username", `{"username":" ","email":"bob@example.com","password":"pw"}`, http.StatusBadRequest, auth.CodeValidation},
		{"empty password", `{"username":"bob","email":"bob@example.com","password":""}`, http.StatusBadRequest, auth.CodeValidation},
		{"unknown field", `{"username":"bob","email":"bob@example.com","password":"pw","role":"ADMIN"}`, http.StatusBadRequest, httpapi.CodeBadRequest},
		{"malformed json", `{"username":`, http.StatusBadRequest, httpapi.CodeBadRequest},
		{"empty body", ``, http.StatusBadRequest, httpapi.CodeBadRequest},
		{"trailing data", `{"username":"bob","email":"bob@example.com","password":"pw"} {}`, http.StatusBadRequest, httpapi.CodeBadRequest},
		{"too large", `{"username":"` + strings.Repeat("x", httpapi.MaxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge, httpapi.CodeBodyTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/auth/register", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeBody[errorBody](t, rec).Error.Code)
		})
	}
	assert.Zero(t, f.repo.Len())
}

func TestLogin(t *testing.T) {
	f := newAPI(t, nil)
	tok := f.registerAndLogin(t, "alice", "alice@example.com", "s3cret")

	assert.Equal(t, "Bearer", tok.TokenType)
	assert.NotEmpty(t, tok.AccessToken)
	assert.Len(t, tok.RefreshToken, 43)

	t.Run("wrong password and unknown email look the same", func(t *testing.T) {
		wrong := f.do(t, http.MethodPost, "/api/auth/login", `{"email":"alice@example.com","password":"nope"}`)
		unknown := f.do(t, http.MethodPost, "/api/auth/login", `{"email":"bob@example.com","password":"nope"}`)

		assert.Equal(t, http.StatusUnauthorized, wrong.Code)
		assert.Equal(t, http.StatusUnauthorized, unknown.Code)
		assert.Equal(t, wrong.Body.String(), unknown.Body.String())
		assert.Equal(t, auth.CodeInvalidCredentials, decodeBody[errorBody](t, wrong).Error.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/auth/login", `{"email":"alice@example.com"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestLogin_Throttled(t *testing.T) {
	f := newAPI(t, auth.NewLoginThrottle(auth.ThrottlePolicy{Threshold: 2, Lockout: 90 * time.Second}, nil))

	for range 2 {
		rec := f.do(t, http.MethodPost, "/api/auth/login", `{"email":"x@example.com","password":"nope"}`)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/api/auth/login", `{"email":"x@example.com","password":"nope"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, auth.CodeLoginThrottled, decodeBody[errorBody](t, rec).Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRefreshToken(t *testing.T) {
	f := newAPI(t, nil)
	tok := f.registerAndLogin(t, "alice", "alice@example.com", "s3cret")

	body := `{"user_id":"` + tok.UserID + `","refresh_token":"` + tok.RefreshToken + `"}`
	rec := f.do(t, http.MethodPost, "/api/auth/refresh-token", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	next := decodeBody[tokenBody](t, rec)
	assert.NotEqual(t, tok.RefreshToken, next.RefreshToken)
	assert.Equal(t, tok.UserID, next.UserID)

	t.Run("old token is rejected after rotation", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/auth/refresh-token", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, auth.CodeRefreshTokenInvalid, decodeBody[errorBody](t, rec).Error.Code)
	})

	t.Run("malformed user id", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/auth/refresh-token", `{"user_id":"42","refresh_token":"x"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/auth/refresh-token", `{"user_id":"`+tok.UserID+`"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMe(t *testing.T) {
	f := newAPI(t, nil)
	tok := f.registerAndLogin(t, "alice", "alice@example.com", "s3cret")

	rec := f.do(t, http.MethodGet, "/api/auth/me", "", "Authorization", "Bearer "+tok.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeBody[map[string]any](t, rec)
	assert.Equal(t, tok.UserID, me["user_id"])
	assert.Equal(t, "alice", me["name"])
	assert.Equal(t, auth.RoleUser, me["role"])

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic " + tok.AccessToken},
		{"garbage token", "Bearer not.a.jwt"},
		{"tampered token", "Bearer " + tok.AccessToken + "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/auth/me", "", "Authorization", tt.header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestAdmin(t *testing.T) {
	f := newAPI(t, nil)
	userTok := f.registerAndLogin(t, "alice", "alice@example.com", "s3cret")

	rec := f.do(t, http.MethodGet, "/api/auth/admin", "", "Authorization", "Bearer "+userTok.AccessToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/auth/admin", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f.registerAndLogin(t, "root", "root@example.com", "s3cret")
	admin, err := f.repo.GetByEmail(context.Background(), "root@example.com")
	require.NoError(t, err)
	admin.Role = auth.RoleAdmin
	require.NoError(t, f.repo.Update(context.Background(), admin))

	rec = f.do(t, http.MethodPost, "/api/auth/login", `{"email":"root@example.com","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	adminTok := decodeBody[struct {
		Token tokenBody `json:"token"`
	}](t, rec).Token

	rec = f.do(t, http.MethodGet, "/api/auth/admin", "", "Authorization", "Bearer "+adminTok.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouting(t *testing.T) {
	f := newAPI(t, nil)

	rec := f.do(t, http.MethodGet, "/api/auth/login", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = f.do(t, http.MethodGet, "/nowhere", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.do(t, http.MethodPost, "/api/auth/login", `{"email":"a@example.com","password":"x"}`)

	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	require.Len(t, f.observer.seen, 3)
	assert.Equal(t, observed{"POST /api/auth/login", http.MethodPost, http.StatusUnauthorized}, f.observer.seen[2])
}

// mockService lets tests force service failures.
type mockService struct {
	mock.Mock
}

func (m *mockService) Register(ctx context.Context, username, email, password string) (*auth.User, error) {
	args := m.Called(ctx, username, email, password)
	u, _ := args.Get(0).(*auth.User)
	return u, args.Error(1)
}

func (m *mockService) Login(ctx context.Context, email, password string) (*auth.TokenPair, error) {
	args := m.Called(ctx, email, password)
	p, _ := args.Get(0).(*auth.TokenPair)
	return p, args.Error(1)
}

func (m *mockService) Refresh(ctx context.Context, token string, userID ulid.ULID) (*auth.TokenPair, error) {
	args := m.Called(ctx, token, userID)
	p, _ := args.Get(0).(*auth.TokenPair)
	return p, args.Error(1)
}

func (m *mockService) ParseAccessToken(token string) (*auth.AccessClaims, error) {
	args := m.Called(token)
	c, _ := args.Get(0).(*auth.AccessClaims)
	return c, args.Error(1)
}

func TestStorageFailureIsNotEchoed(t *testing.T) {
	svc := &mockService{}
	svc.On("Login", mock.Anything, "a@example.com", "pw").
		Return(nil, oops.Code(auth.CodeStorageFailed).Wrap(errors.New("dial tcp 10.0.0.5:5432: password=hunter2")))

	h := httpapi.NewHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(`{"email":"a@example.com","password":"pw"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, httpapi.CodeInternal, body.Error.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
	svc.AssertExpectations(t)
}

func TestPanicRecovery(t *testing.T) {
	svc := &mockService{}
	svc.On("Register", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("boom") })

	h := httpapi.NewHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"username":"a","email":"a@example.com","password":"pw"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, httpapi.CodeInternal, decodeBody[errorBody](t, rec).Error.Code)
}
