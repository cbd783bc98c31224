package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestIssueAndVerify(t *testing.T) {
	m, err := NewManager("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	now := time.Now()
	tok, err := m.Issue(now, "agent-7")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := m.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.AgentID != "agent-7" {
		t.Fatalf("expected agent-7, got %q", claims.AgentID)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	m, _ := NewManager("test-secret", time.Minute)
	now := time.Now()
	tok, err := m.Issue(now, "agent-7")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := m.Verify(tok, now.Add(2*time.Hour)); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m1, _ := NewManager("secret-a", time.Hour)
	m2, _ := NewManager("secret-b", time.Hour)

	tok, err := m1.Issue(time.Now(), "agent-7")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := m2.Verify(tok, time.Now()); err == nil {
		t.Fatalf("expected cross-secret token to be rejected")
	}
}

func TestRequireToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, _ := NewManager("test-secret", time.Hour)

	r := gin.New()
	r.GET("/p", RequireToken(m), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"agent": c.GetString("agent_id")})
	})

	// Missing token.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/p", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	// Garbage token.
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", w.Code)
	}

	// Valid token.
	tok, err := m.Issue(time.Now(), "agent-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/p", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", w.Code, w.Body.String())
	}
}
