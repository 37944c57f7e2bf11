package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var startTime = time.Now()

// handleSystemStatus reports process health: host resources, database sizes,
// breaker states and outbox depth.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":     "ok",
		"uptime_s":   int64(time.Since(startTime).Seconds()),
		"goroutines": runtime.NumGoroutine(),
	}

	if percentages, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percentages) > 0 {
		status["cpu_percent"] = percentages[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status["memory"] = map[string]interface{}{
			"total_mb":     vm.Total / 1024 / 1024,
			"used_mb":      vm.Used / 1024 / 1024,
			"used_percent": vm.UsedPercent,
		}
	}

	databases := make(map[string]interface{}, len(s.cfg.Databases))
	for name, db := range s.cfg.Databases {
		if err := db.QuickCheck(r.Context()); err != nil {
			databases[name] = map[string]string{"status": "unhealthy", "error": err.Error()}
			status["status"] = "degraded"
			continue
		}
		databases[name] = map[string]string{"status": "ok"}
	}
	status["databases"] = databases

	if s.cfg.Breakers != nil {
		status["breakers"] = s.cfg.Breakers.States()
	}
	if s.cfg.Outbox != nil {
		counts, err := s.cfg.Outbox.CountByStatus(r.Context())
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to count outbox rows")
		} else {
			status["outbox"] = counts
		}
	}

	s.respondJSON(w, http.StatusOK, status)
}

// handleDatabaseStats reports per-database file and page statistics.
func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]interface{}, len(s.cfg.Databases))
	for name, db := range s.cfg.Databases {
		st, err := db.GetStats()
		if err != nil {
			stats[name] = map[string]string{"error": err.Error()}
			continue
		}
		stats[name] = map[string]interface{}{
			"size_bytes":     st.SizeBytes,
			"wal_size_bytes": st.WALSizeBytes,
			"page_count":     st.PageCount,
			"page_size":      st.PageSize,
			"freelist_count": st.FreelistCount,
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"databases": stats})
}
