// Package sync fetches conversation history off the event loop. At most one
// fetch per conversation is in flight; concurrent requests join it.
package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/nebula/internal/chat"
	"github.com/matheus3301/nebula/internal/metrics"
)

// ErrStopped is reported for fetches requested after Stop.
var ErrStopped = errors.New("sync: stopped")

// HistoryFetcher loads one conversation from the API.
type HistoryFetcher interface {
	History(ctx context.Context, contactID string) ([]chat.Message, error)
}

// Page is the outcome of one fetch.
type Page struct {
	Key      string
	Messages []chat.Message
	Err      error
}

// Engine runs history fetches.
type Engine struct {
	api     HistoryFetcher
	post    func(func())
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       gosync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       gosync.WaitGroup
	inflight map[string][]func(Page)
}

// NewEngine creates a history engine. post delivers pages to the owner's
// loop; a nil post invokes callbacks on the worker goroutine.
func NewEngine(api HistoryFetcher, post func(func()), timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		api:      api,
		post:     post,
		timeout:  timeout,
		metrics:  m,
		logger:   logger.Named("sync"),
		inflight: make(map[string][]func(Page)),
	}
}

// Start enables fetching.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()
}

// Stop cancels outstanding fetches and waits for them.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// InFlight reports whether a fetch for key is running.
func (e *Engine) InFlight(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[key]
	return ok
}

// Fetch loads the history of key and calls done with the page. It returns
// false when the request joined a fetch already in flight.
func (e *Engine) Fetch(key string, done func(Page)) bool {
	e.mu.Lock()
	ctx := e.ctx
	if ctx == nil || ctx.Err() != nil {
		e.mu.Unlock()
		e.deliver([]func(Page){done}, Page{Key: key, Err: ErrStopped})
		return true
	}
	if waiters, ok := e.inflight[key]; ok {
		e.inflight[key] = append(waiters, done)
		e.mu.Unlock()
		e.logger.Debug("joined in-flight fetch", zap.String("peer", key))
		return false
	}
	e.inflight[key] = []func(Page){done}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		page := e.run(ctx, key)

		e.mu.Lock()
		waiters := e.inflight[key]
		delete(e.inflight, key)
		e.mu.Unlock()
		e.deliver(waiters, page)
	}()
	return true
}

func (e *Engine) run(ctx context.Context, key string) Page {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	msgs, err := e.api.History(ctx, key)
	if err != nil {
		e.metrics.ObserveHistory("failed")
		e.logger.Warn("history fetch failed", zap.String("peer", key), zap.Error(err))
		return Page{Key: key, Err: err}
	}
	e.metrics.ObserveHistory("ok")
	e.logger.Info("history fetched", zap.String("peer", key), zap.Int("messages", len(msgs)))
	return Page{Key: key, Messages: msgs}
}

func (e *Engine) deliver(waiters []func(Page), page Page) {
	for _, done := range waiters {
		if done == nil {
			continue
		}
		if e.post != nil {
			e.post(func() { done(page) })
			continue
		}
		done(page)
	}
}
