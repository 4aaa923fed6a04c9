package handler

import "net/http"

// Healthz - GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"

	dbStatus := "ok"
	if err := h.DB.Ping(); err != nil {
		dbStatus = "down"
		status = "degraded"
	}

	cacheStatus := "ok"
	if err := h.Cache.Ping(r.Context()); err != nil {
		cacheStatus = "down"
		status = "degraded"
	}

	// SQLite, its WAL, and the event log all need headroom on the data
	// volume even though photo bytes never land here.
	diskFreePct := 100.0
	if h.Disk != nil {
		st := h.Disk.Get()
		diskFreePct = st.PctFree()
		if st.Low() {
			status = "degraded"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}

	renderJSON(w, code, struct {
		Status        string  `json:"status"`
		DB            string  `json:"db"`
		Cache         string  `json:"cache"`
		QueueDepth    int     `json:"queue_depth"`
		QueueCapacity int     `json:"queue_capacity"`
		DiskFreePct   float64 `json:"disk_free_pct"`
	}{status, dbStatus, cacheStatus, h.Queue.Depth(), h.Cfg.QueueCapacity, diskFreePct})
}
