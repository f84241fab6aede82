// Package sendtask tracks long-running sends (video) from submission to
// terminal outcome by polling the gateway's task-status endpoint.
package sendtask

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Julie-QWQ/qq-response-enhancer/internal/gateway"
)

// Status is the server-reported task state. The client never infers states.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the task can no longer change.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Task is the active async send, as exposed to the UI.
type Task struct {
	ID       string `json:"task_id"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Detail   string `json:"detail,omitempty"`
}

// StatusClient polls one task.
type StatusClient interface {
	TaskStatus(ctx context.Context, taskID string) (gateway.TaskStatus, error)
}

// Poller is the per-task polling state machine. Only one non-terminal task
// may exist at a time; a new submission while one is live is rejected.
type Poller struct {
	client   StatusClient
	interval time.Duration
	linger   time.Duration
	clock    clock
	logger   *slog.Logger

	mu      sync.Mutex
	current *Task
	gen     int
}

// NewPoller creates a poller with the given cadence and terminal linger.
func NewPoller(client StatusClient, interval, linger time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		client:   client,
		interval: interval,
		linger:   linger,
		clock:    realClock{},
		logger:   logger.With("component", "sendtask"),
	}
}

// Track registers a freshly submitted task and starts its poll loop. It
// fails when another task is still non-terminal.
func (p *Poller) Track(ctx context.Context, taskID string) error {
	gen, err := p.register(taskID)
	if err != nil {
		return err
	}
	go p.run(ctx, taskID, gen)
	return nil
}

// Current returns the active task record, if any.
func (p *Poller) Current() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Task{}, false
	}
	return *p.current, true
}

// register installs the new task record, bumping the generation so timers of
// a superseded task can no longer touch the record.
func (p *Poller) register(taskID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && !p.current.Status.Terminal() {
		return 0, fmt.Errorf("a send task is already in progress: %s", p.current.ID)
	}
	p.gen++
	p.current = &Task{ID: taskID, Status: StatusQueued, Progress: 3}
	return p.gen, nil
}

func (p *Poller) run(ctx context.Context, taskID string, gen int) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !p.isCurrent(gen) {
				return
			}
			if terminal := p.pollOnce(ctx, taskID, gen); terminal {
				p.lingerThenClear(ctx, gen)
				return
			}
		}
	}
}

// pollOnce performs one status check. A transient failure keeps the task
// alive: the detail text surfaces the error and polling continues, since a
// single failed check must not abandon a send that may still succeed.
func (p *Poller) pollOnce(ctx context.Context, taskID string, gen int) bool {
	status, err := p.client.TaskStatus(ctx, taskID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.current == nil {
		return true
	}

	if err != nil {
		p.current.Detail = fmt.Sprintf("状态查询失败: %v", err)
		p.logger.Warn("task status poll failed", "task_id", taskID, "error", err)
		return false
	}

	p.current.Status = Status(status.Status)
	p.current.Progress = status.Progress
	p.current.Detail = status.Error

	if p.current.Status.Terminal() {
		p.logger.Info("send task reached terminal state",
			"task_id", taskID, "status", p.current.Status)
		return true
	}
	return false
}

// lingerThenClear leaves the terminal record visible briefly, then clears it
// unless a newer task already replaced it.
func (p *Poller) lingerThenClear(ctx context.Context, gen int) {
	select {
	case <-ctx.Done():
	case <-p.clock.After(p.linger):
		p.clearIfCurrent(gen)
	}
}

func (p *Poller) clearIfCurrent(gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == gen {
		p.current = nil
	}
}

func (p *Poller) isCurrent(gen int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen == gen
}
