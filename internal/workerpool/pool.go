// Package workerpool manages a fixed set of long-lived worker
// subprocesses speaking newline-delimited JSON over stdin/stdout. Workers
// are checked out of a bounded channel, held under a per-worker mutex
// (at most one in-flight request each), and restarted with exponential
// backoff on failure.
package workerpool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAllWorkersBusy is returned when checkout times out.
	ErrAllWorkersBusy = errors.New("all_workers_busy")
	// ErrWorkerTimeout is returned when a worker exceeds the call timeout.
	ErrWorkerTimeout = errors.New("worker_timeout")
	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("worker pool is shut down")
)

const maxBackoff = 30 * time.Second

// worker is one subprocess slot. The mutex serializes use; alive and
// failCount are only touched while it is held.
type worker struct {
	mu sync.Mutex

	id          int
	pid         int
	alive       bool
	failCount   int
	nextRespawn time.Time

	stdin  io.WriteCloser
	stdout *bufio.Reader
	cmd    *exec.Cmd
}

// Options configures a Pool.
type Options struct {
	// Size is the number of workers. Default 2.
	Size int
	// Command is the worker argv, e.g. []string{"gateway-worker"}.
	Command []string
	// DefaultTimeout bounds Execute when the caller passes zero.
	DefaultTimeout time.Duration
	// OnUnhealthy is invoked after a worker restart is scheduled.
	OnUnhealthy func(workerID int, reason string)
}

// Pool is an ordered collection of workers plus a bounded checkout
// channel whose capacity equals the pool size.
type Pool struct {
	size     int
	workers  []*worker
	checkout chan *worker

	command        []string
	defaultTimeout time.Duration
	onUnhealthy    func(int, string)

	mu     sync.Mutex
	closed bool

	// spawn starts (or restarts) a worker process. Overridable in tests.
	spawn func(w *worker) error

	logger *log.Logger
}

func NewPool(opts Options) (*Pool, error) {
	if opts.Size <= 0 {
		opts.Size = 2
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Second
	}
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("worker command is required")
	}

	p := &Pool{
		size:           opts.Size,
		checkout:       make(chan *worker, opts.Size),
		command:        opts.Command,
		defaultTimeout: opts.DefaultTimeout,
		onUnhealthy:    opts.OnUnhealthy,
		logger:         log.New(log.Writer(), "[POOL] ", log.LstdFlags),
	}
	p.spawn = p.spawnProcess

	for i := 0; i < p.size; i++ {
		w := &worker{id: i}
		if err := p.spawn(w); err != nil {
			p.logger.Printf("⚠️  Worker %d failed to start: %v (will retry on first use)", i, err)
		}
		p.workers = append(p.workers, w)
		p.checkout <- w
	}

	p.logger.Printf("Started pool: size=%d cmd=%s", p.size, strings.Join(p.command, " "))
	return p, nil
}

// Execute runs one action on an available worker, blocking until a worker
// is free or timeout expires. The worker is always returned to the
// checkout channel on the way out — this is load-bearing for liveness.
func (p *Pool) Execute(action string, params map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	if timeout <= 0 {
		timeout = p.defaultTimeout
	}

	req := Request{ID: uuid.New().String(), Action: action, Params: params}
	line, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	var w *worker
	select {
	case w = <-p.checkout:
	case <-time.After(timeout):
		return nil, ErrAllWorkersBusy
	}
	defer func() { p.checkout <- w }()

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.alive {
		// A dead worker stays down for its backoff window; an inline
		// respawn here would let a hot caller skip the penalty.
		if time.Now().Before(w.nextRespawn) {
			return nil, fmt.Errorf("worker %d in restart backoff", w.id)
		}
		if err := p.spawn(w); err != nil {
			return nil, fmt.Errorf("worker %d unavailable: %w", w.id, err)
		}
	}

	if _, err := w.stdin.Write(line); err != nil {
		p.restartLocked(w, fmt.Sprintf("write failed: %v", err))
		return nil, fmt.Errorf("worker %d write failed: %w", w.id, err)
	}

	resp, err := p.readResponse(w, timeout)
	if err != nil {
		return nil, err
	}

	if resp.ID != req.ID {
		// The worker answered some other request: it has desynchronized
		// and cannot be trusted with the next call either.
		p.restartLocked(w, fmt.Sprintf("response id mismatch: want %s got %s", req.ID, resp.ID))
		return nil, fmt.Errorf("worker %d desynchronized", w.id)
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("worker error: %s", resp.Error)
	}
	return resp.Result, nil
}

// readResponse reads one line with the caller's timeout enforced at the
// byte-stream level: the read runs on its own goroutine and a timeout
// kills the process, which unblocks a reader stuck on a partial line.
func (p *Pool) readResponse(w *worker, timeout time.Duration) (Response, error) {
	type readResult struct {
		line []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		line, err := w.stdout.ReadBytes('\n')
		ch <- readResult{line, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			p.restartLocked(w, fmt.Sprintf("read failed: %v", r.err))
			return Response{}, fmt.Errorf("worker %d read failed: %w", w.id, r.err)
		}
		resp, err := DecodeResponse(trimNewline(r.line))
		if err != nil {
			p.restartLocked(w, fmt.Sprintf("bad response: %v", err))
			return Response{}, fmt.Errorf("worker %d: %w", w.id, err)
		}
		return resp, nil
	case <-time.After(timeout):
		p.restartLocked(w, "response timeout")
		return Response{}, ErrWorkerTimeout
	}
}

// restartLocked kills the worker and schedules a respawn after
// exponential backoff. Caller holds w.mu. fail_count is deliberately not
// reset on success, so a flapping worker keeps climbing toward the
// 30 s backoff cap until the pool is restarted.
func (p *Pool) restartLocked(w *worker, reason string) {
	w.kill()
	w.alive = false
	w.failCount++
	backoff := backoffFor(w.failCount)
	w.nextRespawn = time.Now().Add(backoff)

	p.logger.Printf("♻️  Worker %d restart scheduled in %s: %s (fail_count=%d)", w.id, backoff, reason, w.failCount)
	if p.onUnhealthy != nil {
		p.onUnhealthy(w.id, reason)
	}

	go func() {
		time.Sleep(backoff)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.alive {
			return // respawned inline by an intervening Execute
		}
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		if err := p.spawn(w); err != nil {
			p.logger.Printf("⚠️  Worker %d respawn failed: %v", w.id, err)
		}
	}()
}

func backoffFor(failCount int) time.Duration {
	if failCount >= 5 { // 2^5 = 32s, already past the cap
		return maxBackoff
	}
	d := time.Duration(1<<uint(failCount)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// spawnProcess starts the worker subprocess and wires its pipes.
func (p *Pool) spawnProcess(w *worker) error {
	cmd := exec.Command(p.command[0], p.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	// Reap the process when it exits so it never zombies.
	go func() { _ = cmd.Wait() }()

	w.cmd = cmd
	w.stdin = stdin
	w.stdout = bufio.NewReader(stdout)
	w.pid = cmd.Process.Pid
	w.alive = true

	p.logger.Printf("Worker %d started: pid=%d", w.id, w.pid)
	return nil
}

func (w *worker) kill() {
	if w.stdin != nil {
		_ = w.stdin.Close()
	}
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

// Health is a non-blocking snapshot of pool state.
func (p *Pool) Health() map[string]interface{} {
	alive := 0
	for _, w := range p.workers {
		w.mu.Lock()
		if w.alive {
			alive++
		}
		w.mu.Unlock()
	}
	return map[string]interface{}{
		"size":      p.size,
		"alive":     alive,
		"available": len(p.checkout),
	}
}

// Shutdown force-kills every worker. The pool is unusable afterwards.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, w := range p.workers {
		w.mu.Lock()
		w.kill()
		w.alive = false
		w.mu.Unlock()
	}
	p.logger.Printf("Pool shut down")
}

func trimNewline(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
