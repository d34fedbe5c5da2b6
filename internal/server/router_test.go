package server

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestHealthAndMetricsArePublic(t *testing.T) {
	s := newTestServer(t)

	health := s.do(t, http.MethodGet, "/healthz", "", nil)
	if health.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", health.StatusCode)
	}
	if payload := decodeJSON[map[string]string](t, health); payload["status"] != "ok" {
		t.Fatalf("unexpected health payload %v", payload)
	}

	exposition := s.do(t, http.MethodGet, "/metrics", "", nil)
	if exposition.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", exposition.StatusCode)
	}
	body, err := io.ReadAll(exposition.Body)
	if err != nil {
		t.Fatalf("read metrics failed: %v", err)
	}
	if !strings.Contains(string(body), "gravity_collab_sessions_active") {
		t.Fatalf("expected session gauge in exposition, got:\n%s", body)
	}
}

func TestDocumentRoutesRequireSession(t *testing.T) {
	s := newTestServer(t)
	response := s.do(t, http.MethodPost, "/documents", "", createRequestPayload{SiteID: "site-1"})
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.StatusCode)
	}

	request, err := http.NewRequest(http.MethodDelete, s.server.URL+"/documents/doc-1", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer not-a-token")
	forged, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer forged.Body.Close()
	if forged.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", forged.StatusCode)
	}
}

func TestDocumentLifecycleRoutes(t *testing.T) {
	s := newTestServer(t)

	first := s.createDocument(t, "user-1", "site-1")
	second := s.createDocument(t, "user-1", "site-1")
	if first.DocumentID == "" || !(first.OrderKey < second.OrderKey) {
		t.Fatalf("expected ordered documents, got %+v and %+v", first, second)
	}

	moved := s.do(t, http.MethodPost, "/documents/"+second.DocumentID+"/move", "user-1", moveRequestPayload{BeforeDocumentID: first.DocumentID})
	if moved.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", moved.StatusCode)
	}
	if payload := decodeJSON[map[string]string](t, moved); !(payload["order_key"] < first.OrderKey) {
		t.Fatalf("expected moved key before %q, got %q", first.OrderKey, payload["order_key"])
	}

	testCases := []struct {
		name     string
		method   string
		path     string
		userID   string
		body     any
		expected int
	}{
		{name: "missing site", method: http.MethodPost, path: "/documents", userID: "user-1", body: createRequestPayload{}, expected: http.StatusBadRequest},
		{name: "foreign neighbour", method: http.MethodPost, path: "/documents", userID: "user-2", body: createRequestPayload{SiteID: "site-1", AfterDocumentID: first.DocumentID}, expected: http.StatusBadRequest},
		{name: "foreign move", method: http.MethodPost, path: "/documents/" + first.DocumentID + "/move", userID: "user-2", body: moveRequestPayload{}, expected: http.StatusForbidden},
		{name: "foreign delete", method: http.MethodDelete, path: "/documents/" + first.DocumentID, userID: "user-2", expected: http.StatusForbidden},
		{name: "owner delete", method: http.MethodDelete, path: "/documents/" + first.DocumentID, userID: "user-1", expected: http.StatusNoContent},
		{name: "repeat delete", method: http.MethodDelete, path: "/documents/" + first.DocumentID, userID: "user-1", expected: http.StatusGone},
		{name: "missing delete", method: http.MethodDelete, path: "/documents/missing", userID: "user-1", expected: http.StatusNotFound},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			response := s.do(t, testCase.method, testCase.path, testCase.userID, testCase.body)
			if response.StatusCode != testCase.expected {
				t.Fatalf("expected %d, got %d", testCase.expected, response.StatusCode)
			}
		})
	}
}

func TestCORSPreflightAllowsConfiguredOrigins(t *testing.T) {
	s := newTestServer(t)
	request, err := http.NewRequest(http.MethodOptions, s.server.URL+"/documents", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("preflight failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", response.StatusCode)
	}
	if origin := response.Header.Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected wildcard origin, got %q", origin)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})
	allowed, _ := http.NewRequest(http.MethodGet, "/", http.NoBody)
	allowed.Header.Set("Origin", "https://app.example.com")
	foreign, _ := http.NewRequest(http.MethodGet, "/", http.NoBody)
	foreign.Header.Set("Origin", "https://evil.example.com")
	native, _ := http.NewRequest(http.MethodGet, "/", http.NoBody)
	if !check(allowed) || check(foreign) || !check(native) {
		t.Fatalf("unexpected origin decisions")
	}
}
