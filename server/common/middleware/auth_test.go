package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type stubAuth struct{}

func (stubAuth) ParseAuthContext(token string) (string, string, string, error) {
	switch token {
	case "admin-token":
		return "A1", "a1@example.com", "admin", nil
	case "user-token":
		return "U1", "u1@example.com", "user", nil
	default:
		return "", "", "", errors.New("bad token")
	}
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthRequired(stubAuth{}), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUserID)+"/"+c.GetString(ContextRole))
	})
	r.GET("/admin", AuthRequired(stubAuth{}), RequireRoles("admin"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.GET("/token", func(c *gin.Context) {
		c.String(http.StatusOK, BearerToken(c))
	})
	return r
}

func serve(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	r := newRouter()

	assert.Equal(t, http.StatusUnauthorized, serve(r, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "/me", "garbage").Code)

	w := serve(r, "/me", "user-token")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "U1/user", w.Body.String())
}

func TestRequireRoles(t *testing.T) {
	r := newRouter()

	assert.Equal(t, http.StatusForbidden, serve(r, "/admin", "user-token").Code)
	assert.Equal(t, http.StatusNoContent, serve(r, "/admin", "admin-token").Code)
}

func TestBearerTokenQueryFallback(t *testing.T) {
	r := newRouter()

	assert.Equal(t, "abc", serve(r, "/token?access_token=abc", "").Body.String())
	assert.Equal(t, "xyz", serve(r, "/token?token=xyz", "").Body.String())
	assert.Equal(t, "hdr", serve(r, "/token?token=xyz", "hdr").Body.String())
}
