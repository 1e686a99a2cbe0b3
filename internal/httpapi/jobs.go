package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"relaybot/internal/scheduler"
)

func (s *Server) jobRoutes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Post("/", s.createJob)
		r.Get("/active", s.activeJobs)
		r.Post("/normalize", s.normalizeJobs)
		r.Get("/{id}", s.getJob)
		r.Patch("/{id}", s.updateJob)
		r.Post("/{id}/toggle", s.toggleJob)
		r.Delete("/{id}", s.deleteJob)
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var (
		f   scheduler.Filter
		err error
	)
	if f.Active, err = queryBool(r, "active"); err != nil {
		s.fail(w, err)
		return
	}
	if f.OneTime, err = queryBool(r, "one_time"); err != nil {
		s.fail(w, err)
		return
	}
	if f.Executed, err = queryBool(r, "executed"); err != nil {
		s.fail(w, err)
		return
	}
	f.Recipient = strings.TrimSpace(r.URL.Query().Get("recipient"))
	jobs, err := s.deps.Jobs.List(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, jobs)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var in scheduler.CreateInput
	if err := decode(r, &in); err != nil {
		s.fail(w, err)
		return
	}
	j, err := s.deps.Jobs.Create(r.Context(), in)
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusCreated, j)
}

func (s *Server) activeJobs(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, s.deps.Jobs.ActiveJobs())
}

func (s *Server) normalizeJobs(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Jobs.NormalizeAll(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, rep)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, j)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	var p scheduler.Patch
	if err := decode(r, &p); err != nil {
		s.fail(w, err)
		return
	}
	j, err := s.deps.Jobs.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, j)
}

func (s *Server) toggleJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active *bool `json:"active"`
	}
	// An empty body flips the current state.
	if err := decode(r, &body); err != nil && !errors.Is(err, io.EOF) {
		s.fail(w, err)
		return
	}
	j, err := s.deps.Jobs.Toggle(r.Context(), chi.URLParam(r, "id"), body.Active)
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, j)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	ok, err := s.deps.Jobs.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		Error(w, http.StatusNotFound, "scheduled job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
