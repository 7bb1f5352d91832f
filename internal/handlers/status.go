package handlers

import "net/http"

// Counter reports the sockets connected to this process.
type Counter interface {
	Count() int
}

type StatusHandler struct {
	Connections Counter
}

func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "Server is running",
		"connections": h.Connections.Count(),
	})
}
