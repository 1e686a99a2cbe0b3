package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) topicRoutes(r chi.Router) {
	r.Route("/topics", func(r chi.Router) {
		r.Get("/", s.listTopics)
		r.Post("/", s.createTopic)
		r.Get("/{id}", s.getTopic)
		r.Delete("/{id}", s.deleteTopic)
		r.Get("/{id}/subscribers", s.listSubscribers)
		r.Post("/{id}/subscribers", s.subscribe)
		r.Delete("/{id}/subscribers/{identity}", s.unsubscribe)
		r.Post("/{id}/publish", s.publish)
	})
	r.Get("/publish/{jobID}", s.publishStatus)
	r.Get("/subscriptions/{identity}", s.subscriptionStatus)
}

func (s *Server) listTopics(w http.ResponseWriter, r *http.Request) {
	active, err := queryBool(r, "active")
	if err != nil {
		s.fail(w, err)
		return
	}
	topics, err := s.deps.Topics.ListTopics(r.Context(), active != nil && *active)
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, topics)
}

func (s *Server) createTopic(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	t, err := s.deps.Topics.CreateTopic(r.Context(), body.Name, body.Description)
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusCreated, t)
}

func (s *Server) getTopic(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Topics.GetTopic(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, t)
}

func (s *Server) deleteTopic(w http.ResponseWriter, r *http.Request) {
	ok, err := s.deps.Topics.DeleteTopic(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		Error(w, http.StatusNotFound, "topic not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSubscribers(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Topics.ListSubscribers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, subs)
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identity string `json:"identity"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	res, err := s.deps.Topics.Subscribe(r.Context(), chi.URLParam(r, "id"), body.Identity)
	if err != nil {
		s.fail(w, err)
		return
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	JSON(w, code, res)
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Topics.Unsubscribe(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "identity"))
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func (s *Server) subscriptionStatus(w http.ResponseWriter, r *http.Request) {
	topics, err := s.deps.Topics.SubscriptionStatus(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, topics)
}

// publish sends synchronously and returns the summary, or with "async": true
// queues the publish and answers 202 with a job id for /publish/{jobID}.
func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
		Async   bool   `json:"async"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	topicID := chi.URLParam(r, "id")
	if body.Async {
		if _, err := s.deps.Topics.GetTopic(r.Context(), topicID); err != nil {
			s.fail(w, err)
			return
		}
		id := s.deps.Topics.PublishAsync(topicID, body.Message)
		JSON(w, http.StatusAccepted, map[string]string{"job_id": id})
		return
	}
	sum, err := s.deps.Topics.Publish(r.Context(), topicID, body.Message)
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, sum)
}

func (s *Server) publishStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.deps.Topics.Status(chi.URLParam(r, "jobID"))
	if !ok {
		Error(w, http.StatusNotFound, "publish job not found")
		return
	}
	JSON(w, http.StatusOK, st)
}
