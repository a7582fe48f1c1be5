package api

import (
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// DBStatter exposes connection pool statistics; *database.DB satisfies it.
type DBStatter interface {
	Stats() sql.DBStats
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	Timestamp     string                 `json:"timestamp"`
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Automation    automation.GlobalStats `json:"automation"`
	Triggers      TriggerStats           `json:"triggers"`
	Runtime       RuntimeStats           `json:"runtime"`
	WebSocket     WSStats                `json:"websocket"`
	Database      *DatabaseStats         `json:"database,omitempty"`
}

// TriggerStats describes the trigger manager's state.
type TriggerStats struct {
	Subscribed int `json:"subscribed"`
	Pending    int `json:"pending"`
}

// RuntimeStats contains Go runtime statistics.
type RuntimeStats struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSStats contains WebSocket hub statistics.
type WSStats struct {
	ConnectedClients int `json:"connected_clients"`
}

// DatabaseStats contains database connection pool statistics.
type DatabaseStats struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleStats returns engine-wide totals plus process statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	global, err := s.engine.GlobalStats(r.Context())
	if err != nil {
		writeInternalError(w, "failed to compute stats")
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := StatsResponse{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Automation:    global,
		Runtime: RuntimeStats{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}
	if s.hub != nil {
		resp.WebSocket.ConnectedClients = s.hub.ClientCount()
	}
	if s.triggers != nil {
		resp.Triggers = TriggerStats{
			Subscribed: len(s.triggers.Subscriptions()),
			Pending:    s.triggers.Pending(),
		}
	}
	if s.db != nil {
		st := s.db.Stats()
		resp.Database = &DatabaseStats{
			OpenConnections: st.OpenConnections,
			InUse:           st.InUse,
			Idle:            st.Idle,
			WaitCount:       st.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
