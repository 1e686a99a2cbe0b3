package pubsub

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/task/engine"
	logx "relaybot/pkg/logx"
)

// PublishAsync queues a publish on the task engine and returns a job id for
// Status. Publishes to the same topic run one after another.
func (s *Service) PublishAsync(topicID, message string) string {
	now := s.now()
	id := "bc:" + uuid.NewString()
	s.pruneStatus(now)
	st := &JobStatus{ID: id, TopicID: topicID, CreatedAt: now}
	s.statusMu.Lock()
	s.status[id] = st
	s.statusMu.Unlock()

	if s.exec == nil {
		s.log.Debug("no executor; dropping async publish", logx.String("job", id), logx.String("topic", topicID))
		s.finish(id, fmt.Errorf("async publish not available"))
		return id
	}
	err := s.exec.Enqueue(engine.Task{
		ID:      id,
		Name:    "pubsub.publish",
		Key:     "topic:" + topicID,
		Timeout: s.cfg.AsyncTimeout,
		Run: func(ctx context.Context) error {
			s.runAsync(ctx, id, topicID, message)
			return nil
		},
	})
	if err != nil {
		s.log.Warn("async publish not enqueued", logx.String("job", id), logx.String("topic", topicID), logx.Err(err))
		s.finish(id, err)
		return id
	}
	s.log.Debug("async publish enqueued", logx.String("job", id), logx.String("topic", topicID))
	return id
}

func (s *Service) runAsync(ctx context.Context, id, topicID, message string) {
	s.setRunning(id)
	_, err := s.publish(ctx, topicID, message, func(total int, identity string, err error) {
		s.statusMu.Lock()
		defer s.statusMu.Unlock()
		st := s.status[id]
		if st == nil {
			return
		}
		if identity == "" {
			st.Total = total
			return
		}
		st.Done++
		if err != nil {
			st.Failed++
			st.Failures = append(st.Failures, Failure{Identity: identity, Error: err.Error()})
		}
	})
	s.finish(id, err)
}

func (s *Service) setRunning(id string) {
	s.statusMu.Lock()
	if st := s.status[id]; st != nil {
		st.Running = true
		st.StartedAt = s.now()
	}
	s.statusMu.Unlock()
}

func (s *Service) finish(id string, err error) {
	s.statusMu.Lock()
	if st := s.status[id]; st != nil {
		st.Running = false
		st.DoneAt = s.now()
		if err != nil {
			st.Error = err.Error()
		}
	}
	s.statusMu.Unlock()
}

// Status returns a copy of an async publish's progress.
func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[jobID]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	cp := *st
	if len(st.Failures) > 0 {
		cp.Failures = append([]Failure(nil), st.Failures...)
	}
	return cp, true
}

// pruneStatus drops finished entries past StatusTTL, then the oldest ones
// while the table holds more than StatusMax.
func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	for id, st := range s.status {
		ref := st.DoneAt
		if ref.IsZero() {
			ref = st.CreatedAt
		}
		if !ref.IsZero() && now.Sub(ref) > s.cfg.StatusTTL {
			delete(s.status, id)
		}
	}
	if len(s.status) <= s.cfg.StatusMax {
		return
	}

	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(s.status))
	for id, st := range s.status {
		t := st.DoneAt
		if t.IsZero() {
			t = st.CreatedAt
		}
		items = append(items, kv{id: id, t: t})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(s.status) - s.cfg.StatusMax
	for i := 0; i < excess && i < len(items); i++ {
		delete(s.status, items[i].id)
	}
}
