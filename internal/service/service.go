// Package service is the recording surface: the long-lived component that
// keeps the process visibly busy while a run is in progress.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/labcapture/internal/recorder"
)

// Notification describes the foreground recording notification.
type Notification struct {
	Active       bool      `json:"active"`
	Name         string    `json:"name,omitempty"`
	ResumeIntent string    `json:"resume_intent,omitempty"`
	Since        time.Time `json:"since,omitempty"`
}

// EndedRecording describes the most recent end of a recording.
type EndedRecording struct {
	TrialID      string    `json:"trial_id,omitempty"`
	ExperimentID string    `json:"experiment_id"`
	Title        string    `json:"title,omitempty"`
	Discarded    bool      `json:"discarded"`
	Background   bool      `json:"background"`
	EndedAt      time.Time `json:"ended_at"`
}

// Service tracks the recording notification. It is safe for concurrent use.
type Service struct {
	logger *slog.Logger
	now    func() time.Time

	mu           sync.RWMutex
	notification Notification
	lastEnded    *EndedRecording
	// notices are recordings saved while nobody was watching, waiting to
	// be shown to the user.
	notices []EndedRecording

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a service with no active notification.
func New(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger, now: time.Now}
}

// BeginRecording shows the recording notification. A notification left
// over from an interrupted run is replaced.
func (s *Service) BeginRecording(name, resumeIntent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.notification.Active {
		s.logger.Warn("Replacing stale recording notification", "previous", s.notification.Name, "name", name)
	}
	s.notification = Notification{
		Active:       true,
		Name:         name,
		ResumeIntent: resumeIntent,
		Since:        s.now(),
	}
	s.clearLastError()
	s.logger.Info("Recording notification shown", "name", name)
	return nil
}

// EndRecording hides the notification. An empty trialID means the run was
// discarded. A saved run ending in the background leaves a notice for the
// user.
func (s *Service) EndRecording(discardIfBackground bool, trialID, experimentID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.notification.Active {
		s.logger.Debug("EndRecording without an active notification", "trial_id", trialID)
	}
	ended := EndedRecording{
		TrialID:      trialID,
		ExperimentID: experimentID,
		Title:        title,
		Discarded:    trialID == "",
		Background:   discardIfBackground,
		EndedAt:      s.now(),
	}
	s.notification = Notification{}
	s.lastEnded = &ended
	if discardIfBackground && !ended.Discarded {
		s.notices = append(s.notices, ended)
	}
	s.logger.Info("Recording notification hidden", "trial_id", trialID, "experiment_id", experimentID, "discarded", ended.Discarded)
	return nil
}

// Notification returns the current notification.
func (s *Service) Notification() Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notification
}

// LastEnded returns the most recent ended recording, or nil.
func (s *Service) LastEnded() *EndedRecording {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastEnded == nil {
		return nil
	}
	ended := *s.lastEnded
	return &ended
}

// TakeNotices returns and clears the pending background notices.
func (s *Service) TakeNotices() []EndedRecording {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notices
	s.notices = nil
	return out
}

// GetLastError returns the last error message (thread-safe)
func (s *Service) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// SetLastError records an error reported by the controller (thread-safe)
func (s *Service) SetLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	s.logger.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *Service) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// Connection binds the controller to a Service, creating it on first use.
type Connection struct {
	logger *slog.Logger

	mu      sync.Mutex
	service *Service
	binds   int
}

// NewConnection returns an unbound connection.
func NewConnection(logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{logger: logger}
}

// Bind returns the service, creating it if needed.
func (c *Connection) Bind(ctx context.Context) (recorder.Surface, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("bind recording service: %w", err)
	}
	return c.Service(), nil
}

// Service returns the bound service, creating it if needed.
func (c *Connection) Service() *Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.service == nil {
		c.logger.Debug("Creating recording service")
		c.service = New(c.logger)
	}
	c.binds++
	return c.service
}

// Binds reports how often the service was requested.
func (c *Connection) Binds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binds
}
