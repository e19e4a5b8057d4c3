// Package outbox runs request/response sends off the event loop and hands
// each confirmation or failure back to it.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/nebula/internal/backend"
	"github.com/matheus3301/nebula/internal/chat"
	"github.com/matheus3301/nebula/internal/metrics"
)

// ErrStopped is reported for jobs submitted after Stop.
var ErrStopped = errors.New("outbox: stopped")

// MessageSender persists one message through the API.
type MessageSender interface {
	Send(ctx context.Context, req backend.SendRequest) (chat.Message, error)
}

// Job is one optimistic message awaiting confirmation.
type Job struct {
	Key     string
	TempID  string
	Request backend.SendRequest
}

// Result is the outcome of a Job. Err is nil on confirmation.
type Result struct {
	Job
	Message chat.Message
	Err     error
}

// Sender executes jobs concurrently. Jobs are never cancelled once
// submitted; completions may arrive in any order.
type Sender struct {
	api     MessageSender
	post    func(func())
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending int
}

// NewSender creates a sender. post delivers completions to the owner's
// loop; a nil post invokes them on the worker goroutine.
func NewSender(api MessageSender, post func(func()), timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		api:     api,
		post:    post,
		timeout: timeout,
		metrics: m,
		logger:  logger.Named("outbox"),
	}
}

// Start enables submissions.
func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
}

// Stop cancels outstanding sends and waits for their completions.
func (s *Sender) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Pending returns the number of jobs not yet completed.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Submit sends job in the background and calls done with the result.
func (s *Sender) Submit(job Job, done func(Result)) {
	s.mu.Lock()
	ctx := s.ctx
	if ctx == nil || ctx.Err() != nil {
		s.mu.Unlock()
		s.deliver(done, Result{Job: job, Err: ErrStopped})
		return
	}
	s.pending++
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		res := s.run(ctx, job)

		s.mu.Lock()
		s.pending--
		s.mu.Unlock()
		s.deliver(done, res)
	}()
}

func (s *Sender) run(ctx context.Context, job Job) Result {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	msg, err := s.api.Send(ctx, job.Request)
	if err != nil {
		s.metrics.ObserveSend("failed", time.Since(start))
		s.logger.Warn("send failed",
			zap.String("temp_id", job.TempID),
			zap.String("peer", job.Key),
			zap.Error(err),
		)
		return Result{Job: job, Err: err}
	}

	s.metrics.ObserveSend("confirmed", time.Since(start))
	s.logger.Info("message sent",
		zap.String("temp_id", job.TempID),
		zap.String("server_msg_id", msg.ID),
	)
	return Result{Job: job, Message: msg}
}

func (s *Sender) deliver(done func(Result), res Result) {
	if done == nil {
		return
	}
	if s.post != nil {
		s.post(func() { done(res) })
		return
	}
	done(res)
}
