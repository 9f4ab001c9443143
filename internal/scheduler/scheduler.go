// Package scheduler runs tool calls on fixed intervals. Tasks go through
// the full supervisor pipeline (so the kill-switch and capability checks
// still apply) but skip the per-user quota, which exists for humans.
package scheduler

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/intelli/agent-gateway/internal/monitoring"
	"github.com/intelli/agent-gateway/internal/supervisor"
)

const runHistoryCap = 100

// Task is one recurring tool call.
type Task struct {
	ID              string                 `json:"id" yaml:"id"`
	Name            string                 `json:"name" yaml:"name"`
	Tool            string                 `json:"tool" yaml:"tool"`
	Args            map[string]interface{} `json:"args" yaml:"args"`
	IntervalSeconds int                    `json:"interval_seconds" yaml:"interval_seconds"`
	Enabled         bool                   `json:"enabled" yaml:"enabled"`
	RunCount        int                    `json:"run_count" yaml:"-"`
	LastRun         *time.Time             `json:"last_run,omitempty" yaml:"-"`
}

// RunRecord is one completed task execution.
type RunRecord struct {
	TaskID   string    `json:"task_id"`
	Tool     string    `json:"tool"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	RanAt    time.Time `json:"ran_at"`
	Duration string    `json:"duration"`
}

// Scheduler ticks once a second and fires tasks whose interval elapsed.
type Scheduler struct {
	sup *supervisor.Supervisor

	mu      sync.Mutex
	tasks   map[string]*Task
	history map[string][]RunRecord

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *log.Logger
}

func New(sup *supervisor.Supervisor) *Scheduler {
	return &Scheduler{
		sup:     sup,
		tasks:   make(map[string]*Task),
		history: make(map[string][]RunRecord),
		stop:    make(chan struct{}),
		logger:  log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
	}
}

// LoadFile reads task definitions from a YAML file. Missing file is fine.
func (s *Scheduler) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var doc struct {
		Tasks []*Task `yaml:"tasks"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse tasks %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range doc.Tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if err := validateTask(t); err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
		s.tasks[t.ID] = t
	}
	s.logger.Printf("Loaded %d tasks from %s", len(doc.Tasks), path)
	return nil
}

// Add registers a task and returns it with a generated id.
func (s *Scheduler) Add(t Task) (*Task, error) {
	if err := validateTask(&t); err != nil {
		return nil, err
	}
	t.ID = uuid.New().String()

	s.mu.Lock()
	s.tasks[t.ID] = &t
	s.mu.Unlock()

	s.logger.Printf("Added task %s: tool=%s every %ds", t.ID, t.Tool, t.IntervalSeconds)
	snapshot := t
	return &snapshot, nil
}

func validateTask(t *Task) error {
	if t.Tool == "" {
		return fmt.Errorf("tool is required")
	}
	if t.IntervalSeconds < 1 {
		return fmt.Errorf("interval_seconds must be >= 1")
	}
	return nil
}

// Remove deletes a task. Returns false if it does not exist.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

// SetEnabled toggles a task without removing its run stats.
func (s *Scheduler) SetEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.Enabled = enabled
	return true
}

// List returns task snapshots.
func (s *Scheduler) List() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		snapshot := *t
		out = append(out, &snapshot)
	}
	return out
}

// History returns one task's bounded run history, oldest first.
func (s *Scheduler) History(taskID string) []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.history[taskID]
	out := make([]RunRecord, len(runs))
	copy(out, runs)
	return out
}

// Histories returns every task's run history keyed by task id.
func (s *Scheduler) Histories() map[string][]RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]RunRecord, len(s.history))
	for id, runs := range s.history {
		cp := make([]RunRecord, len(runs))
		copy(cp, runs)
		out[id] = cp
	}
	return out
}

// Start launches the 1 s tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.tick(now)
			}
		}
	}()
	s.logger.Printf("Started")
}

// Stop halts the tick loop. In-flight runs finish on their own.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// tick fires every due task. Runs execute on their own goroutines so a
// slow tool never delays the next tick.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	var due []*Task
	for _, t := range s.tasks {
		if !t.Enabled {
			continue
		}
		if t.LastRun != nil && now.Sub(*t.LastRun) < time.Duration(t.IntervalSeconds)*time.Second {
			continue
		}
		ranAt := now
		t.LastRun = &ranAt
		t.RunCount++
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		go s.run(t.ID, t.Tool, t.Args)
	}
}

func (s *Scheduler) run(taskID, tool string, args map[string]interface{}) {
	body, err := json.Marshal(map[string]interface{}{"tool": tool, "args": args})
	if err != nil {
		s.logger.Printf("⚠️  Task %s marshal failed: %v", taskID, err)
		return
	}

	start := time.Now()
	res := s.sup.ProcessCall(body, supervisor.CallContext{
		Actor:         "scheduler",
		SkipUserQuota: true,
	})
	elapsed := time.Since(start)

	outcome := res.Status
	monitoring.ScheduledRuns.WithLabelValues(outcome).Inc()
	if res.Status != supervisor.StatusAccepted {
		s.logger.Printf("⚠️  Task %s run refused: status=%s error=%s", taskID, res.Status, res.ErrorCode)
	}

	s.record(RunRecord{
		TaskID:   taskID,
		Tool:     tool,
		Status:   res.Status,
		Error:    res.ErrorCode,
		RanAt:    start.UTC(),
		Duration: elapsed.Round(time.Millisecond).String(),
	})
}

// record keeps the last runHistoryCap runs per task.
func (s *Scheduler) record(r RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := append(s.history[r.TaskID], r)
	if len(runs) > runHistoryCap {
		runs = runs[len(runs)-runHistoryCap:]
	}
	s.history[r.TaskID] = runs
}
