package fetchcache

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// AdminHandler returns the admin API of the engine:
//
//	GET    /state              lifecycle state
//	GET    /partitions         stored partitions
//	DELETE /partitions/{name}  reset a partition
//	POST   /skip-waiting       activate a waiting version
//	POST   /commands           run a Command sent as JSON
func (e *Engine) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/state", e.adminState)
	r.Get("/partitions", e.adminPartitions)
	r.Delete("/partitions/{name}", e.adminResetPartition)
	r.Post("/skip-waiting", func(w http.ResponseWriter, r *http.Request) {
		e.SkipWaiting()
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/commands", e.adminCommand)
	return r
}

type stateResponse struct {
	Version string `json:"version"`
	State   string `json:"state"`
	Active  string `json:"active,omitempty"`
	Waiting string `json:"waiting,omitempty"`
	Clients int    `json:"clients"`
}

func (e *Engine) adminState(w http.ResponseWriter, r *http.Request) {
	res := stateResponse{
		Version: e.cfg.Version,
		State:   e.State().String(),
		Clients: e.scope.Clients(),
	}
	if c := e.scope.Active(); c != nil {
		res.Active = c.Version
	}
	if c := e.scope.Waiting(); c != nil {
		res.Waiting = c.Version
	}
	e.writeJSON(w, http.StatusOK, res)
}

func (e *Engine) adminPartitions(w http.ResponseWriter, r *http.Request) {
	infos, err := e.Partitions(r.Context())
	if err != nil {
		e.log.Error().Err(err).Msg("Could not list partitions")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	e.writeJSON(w, http.StatusOK, infos)
}

func (e *Engine) adminResetPartition(w http.ResponseWriter, r *http.Request) {
	if err := e.ResetPartition(r.Context(), chi.URLParam(r, "name")); err != nil {
		e.log.Error().Err(err).Msg("Could not reset partition")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) adminCommand(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := e.HandleCommand(r.Context(), cmd); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnknownCommand) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (e *Engine) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		e.log.Error().Err(err).Msg("Could not write admin response")
	}
}
