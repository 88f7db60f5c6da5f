package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fiatescrow/internal/identity"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testID(b byte) identity.ID {
	var id identity.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier("")
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestVerifier_IssueAndVerify(t *testing.T) {
	v, err := NewVerifier("test-secret")
	require.NoError(t, err)

	token, err := v.Issue(testID(7), time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, testID(7), id)
}

func TestVerifier_Expired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v, _ := NewVerifier("test-secret")
	v.WithClock(func() time.Time { return now })

	token, err := v.Issue(testID(1), time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_WrongSecret(t *testing.T) {
	signer, _ := NewVerifier("secret-a")
	verifier, _ := NewVerifier("secret-b")

	token, err := signer.Issue(testID(1), time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_RejectsNoneAlgorithm(t *testing.T) {
	v, _ := NewVerifier("test-secret")
	claims := jwt.RegisteredClaims{
		Issuer:    DefaultIssuer,
		Subject:   testID(1).String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_BadSubject(t *testing.T) {
	v, _ := NewVerifier("test-secret")
	claims := jwt.RegisteredClaims{
		Issuer:    DefaultIssuer,
		Subject:   "not-base58-0OIl",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_EmptyToken(t *testing.T) {
	v, _ := NewVerifier("test-secret")
	_, err := v.Verify("")
	assert.ErrorIs(t, err, ErrNoToken)
}

// --- Middleware ---

func runMiddleware(v *Verifier, header string) *gin.Context {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/test", nil)
	if header != "" {
		c.Request.Header.Set("Authorization", header)
	}
	Middleware(v)(c)
	return c
}

func TestMiddleware_ValidToken_SetsCaller(t *testing.T) {
	v, _ := NewVerifier("test-secret")
	token, _ := v.Issue(testID(9), time.Hour)

	c := runMiddleware(v, "Bearer "+token)
	id, ok := GetCaller(c)
	require.True(t, ok)
	assert.Equal(t, testID(9), id)
}

func TestMiddleware_CaseInsensitiveScheme(t *testing.T) {
	v, _ := NewVerifier("test-secret")
	token, _ := v.Issue(testID(9), time.Hour)

	c := runMiddleware(v, "bearer "+token)
	_, ok := GetCaller(c)
	assert.True(t, ok)
}

func TestMiddleware_InvalidToken_DoesNotAbort(t *testing.T) {
	v, _ := NewVerifier("test-secret")

	c := runMiddleware(v, "Bearer garbage")
	_, ok := GetCaller(c)
	assert.False(t, ok)
	assert.False(t, c.IsAborted())
}

func TestRequireAuth(t *testing.T) {
	v, _ := NewVerifier("test-secret")
	token, _ := v.Issue(testID(3), time.Hour)

	r := gin.New()
	r.Use(Middleware(v))
	r.POST("/protected", RequireAuth(), func(c *gin.Context) {
		id, _ := GetCaller(c)
		c.String(http.StatusOK, id.String())
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/protected", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")

	w = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testID(3).String(), w.Body.String())
}
