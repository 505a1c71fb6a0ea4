package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceValidatesConfig(t *testing.T) {
	s, err := NewService(Config{})
	require.NoError(t, err)
	assert.False(t, s.Enabled())

	_, err = NewService(Config{Mode: ModeToken})
	assert.Error(t, err)
	_, err = NewService(Config{Mode: "oauth", Tokens: []string{"x"}})
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	s, err := NewService(Config{Mode: ModeToken, Tokens: []string{"ops:s3cret", "plain"}})
	require.NoError(t, err)

	subject, err := s.Authenticate("Bearer s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ops", subject.Name)

	subject, err = s.Authenticate("bearer plain")
	require.NoError(t, err)
	assert.Equal(t, "token-2", subject.Name)

	_, err = s.Authenticate("")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = s.Authenticate("Basic s3cret")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.Authenticate("Bearer wrong")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	s, err := NewService(Config{Mode: ModeToken, Tokens: []string{"ops:s3cret"}})
	require.NoError(t, err)
	handler := s.Middleware(MiddlewareConfig{Public: []string{"/healthz"}, QueryToken: true})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(SubjectName(r)))
		}))

	cases := []struct {
		name   string
		target string
		header string
		status int
		body   string
	}{
		{name: "public", target: "/healthz", status: http.StatusOK, body: "anonymous"},
		{name: "missing", target: "/api/agents", status: http.StatusUnauthorized},
		{name: "header", target: "/api/agents", header: "Bearer s3cret", status: http.StatusOK, body: "ops"},
		{name: "query", target: "/api/events?access_token=s3cret", status: http.StatusOK, body: "ops"},
		{name: "wrong", target: "/api/agents", header: "Bearer nope", status: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, tc.body, rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"UNAUTHORIZED"`)
			}
		})
	}
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	s, err := NewService(Config{Mode: ModeDisabled})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	s.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
