// Package cron publishes scheduled announcements into rooms.
package cron

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/tinyland-inc/parley/pkg/bus"
	"github.com/tinyland-inc/parley/pkg/config"
	"github.com/tinyland-inc/parley/pkg/logger"
)

var ErrJobNotFound = errors.New("cron job not found")

// Publisher is the slice of the session bus the scheduler needs.
type Publisher interface {
	Publish(roomID string, env bus.Envelope) error
}

// Service checks job schedules once a minute and publishes the configured
// message into the job's room when an expression is due.
type Service struct {
	mu    sync.Mutex
	jobs  map[string]config.CronJobConfig
	order []string

	bus  Publisher
	gron *gronx.Gronx

	stop     chan struct{}
	stopOnce sync.Once
}

func NewService(b Publisher, jobs []config.CronJobConfig) (*Service, error) {
	s := &Service{
		jobs: make(map[string]config.CronJobConfig),
		bus:  b,
		gron: gronx.New(),
		stop: make(chan struct{}),
	}
	for _, job := range jobs {
		if _, err := s.Add(job); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start runs the minute ticker until Stop is called.
func (s *Service) Start() {
	go s.loop()
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Add validates and registers a job. A missing id is generated.
func (s *Service) Add(job config.CronJobConfig) (config.CronJobConfig, error) {
	if job.RoomID == "" || job.Message == "" {
		return config.CronJobConfig{}, errors.New("cron job needs room_id and message")
	}
	if !s.gron.IsValid(job.Expr) {
		return config.CronJobConfig{}, fmt.Errorf("invalid cron expression %q", job.Expr)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = job
	return job, nil
}

// List returns jobs in registration order.
func (s *Service) List() []config.CronJobConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]config.CronJobConfig, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id])
	}
	return out
}

func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	for i, jid := range s.order {
		if jid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Service) loop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.fire(now)
		}
	}
}

// fire publishes every enabled job whose expression is due at now.
func (s *Service) fire(now time.Time) {
	s.mu.Lock()
	due := make([]config.CronJobConfig, 0)
	for _, id := range s.order {
		job := s.jobs[id]
		if !job.Enabled {
			continue
		}
		ok, err := s.gron.IsDue(job.Expr, now)
		if err != nil {
			logger.WarnCF("cron", "schedule check failed", map[string]any{
				"job_id": job.ID,
				"error":  err.Error(),
			})
			continue
		}
		if ok {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		err := s.bus.Publish(job.RoomID, bus.Envelope{
			Method: "message.create",
			Params: map[string]any{
				"roomId": job.RoomID,
				"message": map[string]any{
					"role":    "system",
					"content": job.Message,
				},
				"authorId":   "cron:" + job.ID,
				"authorType": "system",
				"createdAt":  now.UTC().Format(time.RFC3339),
			},
		})
		if err != nil {
			logger.WarnCF("cron", "announcement not delivered", map[string]any{
				"job_id":  job.ID,
				"room_id": job.RoomID,
				"error":   err.Error(),
			})
			continue
		}
		logger.InfoCF("cron", "announcement published", map[string]any{
			"job_id":  job.ID,
			"room_id": job.RoomID,
		})
	}
}
