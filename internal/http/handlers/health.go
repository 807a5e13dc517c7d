package handlers

import "net/http"

// Health is the liveness probe. It deliberately skips the task store: a
// degraded database surfaces on the task endpoints, not here.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
