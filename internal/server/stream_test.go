package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/fanout"
)

func TestSiteStreamRelaysNotifications(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.server.URL+"/sites/site-1/stream", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: sessionToken(t, "user-1")})
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.bus.Subscribers(fanout.SiteUsageTopic("site-1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := fanout.PublishEvent(ctx, s.bus, fanout.SiteUpdateTopic("site-1"), fanout.SiteUpdateEvent{
		SiteID:    "site-1",
		Scope:     fanout.ScopeEntity,
		EntityID:  "doc-1",
		UpdatedAt: time.Unix(1700000000, 0),
	}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := fanout.PublishEvent(ctx, s.bus, fanout.SiteUsageTopic("site-1"), fanout.UsageUpdateEvent{
		SiteID:         "site-1",
		DocumentID:     "doc-1",
		CharacterCount: 42,
	}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	type readResult struct {
		line string
		err  error
	}
	lines := make(chan readResult)
	go func() {
		reader := bufio.NewReader(response.Body)
		for {
			line, err := reader.ReadString('\n')
			select {
			case lines <- readResult{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	received := make(map[string]map[string]any)
	currentEvent := ""
	timeout := time.After(5 * time.Second)
	for len(received) < 2 {
		select {
		case <-timeout:
			t.Fatalf("timed out waiting for stream events, got %v", received)
		case result := <-lines:
			if result.err != nil {
				t.Fatalf("failed to read stream: %v", result.err)
			}
			line := strings.TrimSpace(result.line)
			switch {
			case strings.HasPrefix(line, "event:"):
				currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				var payload map[string]any
				if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
					t.Fatalf("failed to decode event payload: %v", err)
				}
				received[currentEvent] = payload
			}
		}
	}
	if received[StreamEventSiteUpdate]["entity_id"] != "doc-1" {
		t.Fatalf("unexpected site update %v", received[StreamEventSiteUpdate])
	}
	if received[StreamEventUsageUpdate]["character_count"] != float64(42) {
		t.Fatalf("unexpected usage update %v", received[StreamEventUsageUpdate])
	}
}
