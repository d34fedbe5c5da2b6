package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	documentSyncPrefix = "document:sync:"
	siteUpdatePrefix   = "site:update:"
	siteUsagePrefix    = "site:usage:update:"
)

// DocumentTopic carries live sync events for one document.
func DocumentTopic(documentID string) string {
	return documentSyncPrefix + documentID
}

// SiteUpdateTopic carries change notifications for one site.
func SiteUpdateTopic(siteID string) string {
	return siteUpdatePrefix + siteID
}

// SiteUsageTopic carries storage usage changes for one site.
func SiteUsageTopic(siteID string) string {
	return siteUsagePrefix + siteID
}

// SyncEvent is a document update, vector, awareness or heartbeat relayed
// between sessions. Origin is the publishing session so it can skip its echo.
type SyncEvent struct {
	DocumentID string `msgpack:"document_id"`
	Kind       string `msgpack:"kind"`
	Origin     string `msgpack:"origin"`
	UserID     string `msgpack:"user_id,omitempty"`
	Sequence   int64  `msgpack:"sequence,omitempty"`
	Payload    []byte `msgpack:"payload,omitempty"`
}

// Site update scopes.
const (
	ScopeEntity = "entity"
	ScopeSite   = "site"
)

// SiteUpdateEvent tells site subscribers that an entity changed.
type SiteUpdateEvent struct {
	SiteID    string    `msgpack:"site_id"`
	Scope     string    `msgpack:"scope"`
	EntityID  string    `msgpack:"entity_id,omitempty"`
	UpdatedAt time.Time `msgpack:"updated_at"`
}

// UsageUpdateEvent reports the storage footprint of a document after
// compaction.
type UsageUpdateEvent struct {
	SiteID         string `msgpack:"site_id"`
	DocumentID     string `msgpack:"document_id"`
	CharacterCount int64  `msgpack:"character_count"`
	BlobSize       int64  `msgpack:"blob_size"`
}

// PublishEvent encodes event and publishes it on topic.
func PublishEvent[T any](ctx context.Context, bus Bus, topic string, event T) error {
	payload, err := msgpack.Marshal(event)
	if err != nil {
		return fmt.Errorf("fanout: encode event for %s: %w", topic, err)
	}
	return bus.Publish(ctx, topic, payload)
}

// DecodeEvent decodes a message published with PublishEvent.
func DecodeEvent[T any](message Message) (T, error) {
	var event T
	if err := msgpack.Unmarshal(message.Payload, &event); err != nil {
		return event, fmt.Errorf("fanout: decode event from %s: %w", message.Topic, err)
	}
	return event, nil
}
