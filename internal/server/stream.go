package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/fanout"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	StreamEventSiteUpdate  = "site-update"
	StreamEventUsageUpdate = "usage-update"
	streamEventHeartbeat   = "heartbeat"
)

type siteUpdatePayload struct {
	SiteID    string `json:"site_id"`
	Scope     string `json:"scope"`
	EntityID  string `json:"entity_id,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

type usageUpdatePayload struct {
	SiteID         string `json:"site_id"`
	DocumentID     string `json:"document_id"`
	CharacterCount int64  `json:"character_count"`
	BlobSize       int64  `json:"blob_size"`
}

// handleSiteStream relays a site's update and usage notifications as
// server-sent events until the client goes away.
func (h *httpHandler) handleSiteStream(c *gin.Context) {
	siteID := strings.TrimSpace(c.Param("id"))
	if siteID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_site"})
		return
	}
	ctx := c.Request.Context()

	updates, err := h.bus.Subscribe(ctx, fanout.SiteUpdateTopic(siteID))
	if err != nil {
		h.logger.Error("site stream subscribe failed", zap.String("site_id", siteID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}
	defer updates.Close()
	usage, err := h.bus.Subscribe(ctx, fanout.SiteUsageTopic(siteID))
	if err != nil {
		h.logger.Error("site stream subscribe failed", zap.String("site_id", siteID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}
	defer usage.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.streamHeartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-updates.Events():
			if !ok {
				return false
			}
			event, err := fanout.DecodeEvent[fanout.SiteUpdateEvent](message)
			if err != nil {
				h.logger.Warn("undecodable site update dropped", zap.String("site_id", siteID), zap.Error(err))
				return true
			}
			c.SSEvent(StreamEventSiteUpdate, siteUpdatePayload{
				SiteID:    event.SiteID,
				Scope:     event.Scope,
				EntityID:  event.EntityID,
				UpdatedAt: event.UpdatedAt.UTC().Format(time.RFC3339Nano),
			})
			return true
		case message, ok := <-usage.Events():
			if !ok {
				return false
			}
			event, err := fanout.DecodeEvent[fanout.UsageUpdateEvent](message)
			if err != nil {
				h.logger.Warn("undecodable usage update dropped", zap.String("site_id", siteID), zap.Error(err))
				return true
			}
			c.SSEvent(StreamEventUsageUpdate, usageUpdatePayload{
				SiteID:         event.SiteID,
				DocumentID:     event.DocumentID,
				CharacterCount: event.CharacterCount,
				BlobSize:       event.BlobSize,
			})
			return true
		case now := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": now.UTC().Format(time.RFC3339)})
			return true
		}
	})
}
