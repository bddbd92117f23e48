package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dkeye/Plaza/internal/app/orch"
	"github.com/dkeye/Plaza/internal/core"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/dkeye/Plaza/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	orch    *orch.Orchestrator
	host    *metrics.Sampler
	started time.Time
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"uptime":    time.Since(h.started).Seconds(),
	})
}

type uptimeInfo struct {
	Seconds   int64  `json:"seconds"`
	Formatted string `json:"formatted"`
	StartTime string `json:"startTime"`
}

type connectionInfo struct {
	Total     int             `json:"total"`
	Rooms     []core.RoomInfo `json:"rooms"`
	RoomCount int             `json:"roomCount"`
}

type metricsResponse struct {
	Server      string                `json:"server"`
	Timestamp   int64                 `json:"timestamp"`
	Uptime      uptimeInfo            `json:"uptime"`
	CPU         gin.H                 `json:"cpu"`
	Memory      gin.H                 `json:"memory"`
	Storage     *metrics.StorageStats `json:"storage"`
	Connections connectionInfo        `json:"connections"`
	Parties     gin.H                 `json:"parties"`
}

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	mins := d / time.Minute
	secs := (d - mins*time.Minute) / time.Second
	return fmt.Sprintf("%dd %dh %dm %ds", days, hours, mins, secs)
}

func (h *handlers) metrics(c *gin.Context) {
	up := time.Since(h.started)
	rooms := h.orch.Rooms.List()
	var host metrics.HostStats
	if h.host != nil {
		host = h.host.Stats()
	}
	c.JSON(http.StatusOK, metricsResponse{
		Server:    "plaza",
		Timestamp: time.Now().UnixMilli(),
		Uptime: uptimeInfo{
			Seconds:   int64(up.Seconds()),
			Formatted: formatUptime(up),
			StartTime: h.started.UTC().Format(time.RFC3339),
		},
		CPU:     gin.H{"percent": host.CPUPercent},
		Memory:  gin.H{"rssMB": host.MemoryMB, "systemMB": host.SystemMB},
		Storage: host.Storage,
		Connections: connectionInfo{
			Total:     h.orch.Registry.Count(),
			Rooms:     rooms,
			RoomCount: len(rooms),
		},
		Parties: gin.H{"count": h.orch.Parties.Count()},
	})
	log.Debug().Str("module", "adapters.http").Int("connections", h.orch.Registry.Count()).Msg("metrics served")
}

type presenceUser struct {
	ID          domain.ParticipantID `json:"id"`
	Nickname    string               `json:"nickname"`
	AvatarColor domain.AvatarColor   `json:"avatarColor,omitempty"`
	UserID      domain.UserID        `json:"userId,omitempty"`
	MemberID    string               `json:"memberId,omitempty"`
}

func (h *handlers) presence(c *gin.Context) {
	space := domain.SpaceID(c.Param("spaceId"))
	if space == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "spaceId is required"})
		return
	}
	users := make([]presenceUser, 0)
	for _, s := range h.orch.Registry.InSpace(space) {
		if !s.Joined() {
			continue
		}
		id := s.Identity()
		users = append(users, presenceUser{
			ID:          id.ParticipantID,
			Nickname:    id.Nickname,
			AvatarColor: id.AvatarColor,
			UserID:      id.UserID,
			MemberID:    id.MemberID,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"spaceId":     space,
		"onlineUsers": users,
		"count":       len(users),
		"timestamp":   time.Now().UnixMilli(),
	})
}
