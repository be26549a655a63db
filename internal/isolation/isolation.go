// Package isolation implements a pool of child OS processes for
// CPU-bound or untrusted worker handlers: each context is a re-exec'd
// copy of the running binary, exchanging newline-delimited JSON
// envelopes over its stdin/stdout instead of sharing memory with the
// dispatcher.
package isolation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"izi/internal/model"
	"izi/internal/worker"

	"github.com/google/uuid"
)

// ContextEnv is set in a re-exec'd child process to mark it as an
// isolation context rather than a normal orchestrator process.
const ContextEnv = "IZI_ISOLATION_CONTEXT"

// envelope is the newline-delimited JSON message exchanged over a
// context's stdin/stdout.
type envelope struct {
	Type       string         `json:"type"`
	JobID      int64          `json:"jobId,omitempty"`
	Job        *model.Job     `json:"job,omitempty"`
	WorkerPath string         `json:"workerPath,omitempty"`
	Result     *worker.Result `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Stack      string         `json:"stack,omitempty"`
}

// execContext is one live child process.
type execContext struct {
	id       string
	cmd      *exec.Cmd
	stdin    *json.Encoder
	stdout   *bufio.Scanner
	lastUsed time.Time
	busy     bool
}

// Pool manages a bounded set of child-process execution contexts.
type Pool struct {
	MinContexts   int
	MaxContexts   int
	IdleTimeout   time.Duration
	ReexecCommand string // os.Args[0] by default

	mu       sync.Mutex
	contexts []*execContext
	closed   bool
	reapDone chan struct{}
}

// New constructs a Pool. idleTimeout defaults to 30s when zero.
func New(minContexts, maxContexts int, idleTimeout time.Duration) *Pool {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	p := &Pool{
		MinContexts:   minContexts,
		MaxContexts:   maxContexts,
		IdleTimeout:   idleTimeout,
		ReexecCommand: os.Args[0],
		reapDone:      make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.reapDone:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.IdleTimeout)
	remaining := len(p.contexts)
	kept := p.contexts[:0]
	for _, c := range p.contexts {
		if !c.busy && c.lastUsed.Before(cutoff) && remaining > p.MinContexts {
			_ = c.cmd.Process.Kill()
			remaining--
			continue
		}
		kept = append(kept, c)
	}
	p.contexts = kept
}

// acquire returns a free context, spawning one if under MaxContexts.
func (p *Pool) acquire() (*execContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("pool shutting down")
	}
	for _, c := range p.contexts {
		if !c.busy {
			c.busy = true
			return c, nil
		}
	}
	if len(p.contexts) >= p.MaxContexts {
		return nil, fmt.Errorf("no available worker contexts")
	}

	c, err := p.spawn()
	if err != nil {
		return nil, err
	}
	c.busy = true
	p.contexts = append(p.contexts, c)
	return c, nil
}

func (p *Pool) spawn() (*execContext, error) {
	cmd := exec.Command(p.ReexecCommand)
	cmd.Env = append(os.Environ(), ContextEnv+"=1")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execContext{
		id:       uuid.NewString(),
		cmd:      cmd,
		stdin:    json.NewEncoder(stdin),
		stdout:   bufio.NewScanner(stdout),
		lastUsed: time.Now(),
	}, nil
}

func (p *Pool) release(c *execContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.busy = false
	c.lastUsed = time.Now()
}

func (p *Pool) remove(c *execContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.contexts[:0]
	for _, x := range p.contexts {
		if x.id != c.id {
			kept = append(kept, x)
		}
	}
	p.contexts = kept
}

// Run sends job to a free context, running def's handler out-of-process,
// and waits for a result envelope or def.Timeout, whichever comes
// first. On timeout the context is killed and removed from the pool,
// never waited on for graceful exit.
func (p *Pool) Run(ctx context.Context, def worker.Def, job *model.Job) (worker.Result, error) {
	c, err := p.acquire()
	if err != nil {
		return worker.Error(err), nil
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = worker.DefaultTimeout
	}

	req := envelope{Type: "execute", JobID: job.ID, Job: job, WorkerPath: def.Isolation.WorkerPath}
	if err := c.stdin.Encode(req); err != nil {
		p.remove(c)
		_ = c.cmd.Process.Kill()
		return worker.Error(fmt.Errorf("context exited with code %v", c.cmd.ProcessState)), nil
	}

	type readResult struct {
		env envelope
		err error
	}
	lineCh := make(chan readResult, 1)
	go func() {
		if c.stdout.Scan() {
			var env envelope
			if err := json.Unmarshal(c.stdout.Bytes(), &env); err != nil {
				lineCh <- readResult{err: err}
				return
			}
			lineCh <- readResult{env: env}
			return
		}
		lineCh <- readResult{err: c.stdout.Err()}
	}()

	select {
	case rr := <-lineCh:
		p.release(c)
		if rr.err != nil {
			p.remove(c)
			return worker.Error(fmt.Errorf("context exited with code %v", c.cmd.ProcessState)), nil
		}
		switch rr.env.Type {
		case "result":
			if rr.env.Result != nil {
				return *rr.env.Result, nil
			}
			return worker.OK(nil), nil
		case "error":
			return worker.Error(fmt.Errorf("%s", rr.env.Error)), nil
		default:
			return worker.Error(fmt.Errorf("unrecognized isolation response %q", rr.env.Type)), nil
		}

	case <-time.After(timeout):
		p.remove(c)
		_ = c.cmd.Process.Kill()
		return worker.Error(fmt.Errorf("isolated job timed out after %dms", timeout.Milliseconds())), nil

	case <-ctx.Done():
		p.remove(c)
		_ = c.cmd.Process.Kill()
		return worker.Error(ctx.Err()), nil
	}
}

// Shutdown stops accepting work, fails no pending jobs itself (Run
// callers already own their own timeouts), and forcibly terminates
// every context, waiting for their exits.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	contexts := p.contexts
	p.contexts = nil
	p.mu.Unlock()

	close(p.reapDone)
	for _, c := range contexts {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
}

// RunChild is the child-side counterpart to Run: it is invoked from
// main when IZI_ISOLATION_CONTEXT is set, reading execute envelopes
// from stdin and writing result/error envelopes to stdout until stdin
// closes.
func RunChild(reg *worker.Registry) error {
	in := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)

	for in.Scan() {
		var req envelope
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			continue
		}
		if req.Type != "execute" || req.Job == nil {
			continue
		}

		def, ok := reg.Get(req.Job.Worker)
		if !ok {
			out.Encode(envelope{Type: "error", JobID: req.JobID, Error: fmt.Sprintf("worker %q not registered", req.Job.Worker)})
			continue
		}

		res, err := def.Perform(context.Background(), req.Job)
		if err != nil {
			out.Encode(envelope{Type: "error", JobID: req.JobID, Error: err.Error()})
			continue
		}
		out.Encode(envelope{Type: "result", JobID: req.JobID, Result: &res})
	}
	return in.Err()
}
