package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"relaybot/internal/pubsub"
)

func (s *Server) settingsRoutes(r chi.Router) {
	r.Get("/settings", s.allSettings)
	r.Get("/settings/broadcast", s.broadcastSettings)
	r.Put("/settings/broadcast", s.updateBroadcastSettings)
	r.Get("/settings/{key}", s.getSetting)
	r.Put("/settings/{key}", s.setSetting)
}

func (s *Server) allSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Settings.All(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, all)
}

func (s *Server) getSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, err := s.deps.Settings.Get(r.Context(), key)
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"key": key, "value": v})
}

func (s *Server) setSetting(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.deps.Settings.Set(r.Context(), key, body.Value); err != nil {
		s.fail(w, err)
		return
	}
	v, err := s.deps.Settings.Get(r.Context(), key)
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"key": key, "value": v})
}

func (s *Server) broadcastSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Topics == nil {
		Error(w, http.StatusNotFound, "broadcasting disabled")
		return
	}
	bs, err := s.deps.Topics.Settings(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, bs)
}

func (s *Server) updateBroadcastSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Topics == nil {
		Error(w, http.StatusNotFound, "broadcasting disabled")
		return
	}
	var in pubsub.BroadcastSettings
	if err := decode(r, &in); err != nil {
		s.fail(w, err)
		return
	}
	bs, err := s.deps.Topics.UpdateSettings(r.Context(), in)
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, bs)
}
