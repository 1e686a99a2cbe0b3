package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"relaybot/internal/conversation"
)

func (s *Server) conversationRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", s.listConversations)
		r.Get("/{id}", s.getConversation)
		r.Get("/{id}/history", s.conversationHistory)
		r.Get("/{id}/stats", s.conversationStats)
		r.Post("/{id}/close", s.closeConversation)
		r.Post("/{id}/tags", s.tagConversation)
	})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, err)
		return
	}
	q := r.URL.Query()
	list, err := s.deps.Conversations.ListActive(r.Context(), conversation.Filter{
		BotID: strings.TrimSpace(q.Get("bot_id")),
		Tag:   strings.TrimSpace(q.Get("tag")),
		Limit: limit,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, list)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Conversations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if c == nil {
		Error(w, http.StatusNotFound, "conversation not found or expired")
		return
	}
	JSON(w, http.StatusOK, c)
}

func (s *Server) conversationHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, err)
		return
	}
	msgs, err := s.deps.Conversations.History(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, msgs)
}

func (s *Server) conversationStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Conversations.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"duration_seconds":           st.Duration.Seconds(),
		"message_count":              st.MessageCount,
		"mean_response_time_seconds": st.MeanResponseTime.Seconds(),
		"turns":                      st.Turns,
	})
}

func (s *Server) closeConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := decode(r, &body); err != nil {
			s.fail(w, err)
			return
		}
	}
	closed, err := s.deps.Conversations.Close(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"closed": closed})
}

func (s *Server) tagConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tags []string `json:"tags"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	c, err := s.deps.Conversations.Tag(r.Context(), chi.URLParam(r, "id"), body.Tags...)
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, c)
}
