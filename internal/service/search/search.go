// Package search debounces peer lookups per input field. A newer query for a
// field cancels the older one, and results of a superseded query are never
// delivered.
package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"e2ee_messenger/internal/model"
	"e2ee_messenger/internal/utils/log"

	"go.uber.org/zap"
)

type (
	Func func(ctx context.Context, query string) ([]model.Peer, error)

	Result struct {
		Field string
		Query string
		Seq   uint64
		Peers []model.Peer
		Err   error
	}

	Scheduler struct {
		delay   time.Duration
		search  Func
		deliver func(Result)

		mu     sync.Mutex
		fields map[string]*slot
		closed bool
		wg     sync.WaitGroup

		deliverMu sync.Mutex
	}

	slot struct {
		seq    uint64
		timer  *time.Timer
		cancel context.CancelFunc
	}
)

func NewScheduler(delay time.Duration, search Func, deliver func(Result)) *Scheduler {
	return &Scheduler{
		delay:   delay,
		search:  search,
		deliver: deliver,
		fields:  make(map[string]*slot),
	}
}

// supersede invalidates whatever field has pending or in flight. Callers hold
// s.mu.
func (s *Scheduler) supersede(field string) *slot {
	sl, ok := s.fields[field]
	if !ok {
		sl = &slot{}
		s.fields[field] = sl
	}
	sl.seq++
	if sl.timer != nil && sl.timer.Stop() {
		s.wg.Done()
	}
	sl.timer = nil
	if sl.cancel != nil {
		sl.cancel()
		sl.cancel = nil
	}
	return sl
}

// Schedule queues query for field after the debounce delay and returns the
// request sequence number. A blank query clears the field's results at once.
func (s *Scheduler) Schedule(field, query string) uint64 {
	query = strings.TrimSpace(query)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	sl := s.supersede(field)
	seq := sl.seq
	if query == "" {
		s.mu.Unlock()
		s.publish(field, seq, Result{Field: field, Seq: seq})
		return seq
	}
	s.wg.Add(1)
	sl.timer = time.AfterFunc(s.delay, func() {
		defer s.wg.Done()
		s.run(field, query, seq)
	})
	s.mu.Unlock()
	return seq
}

// Cancel drops anything pending or in flight for field.
func (s *Scheduler) Cancel(field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fields[field]; ok {
		s.supersede(field)
	}
}

func (s *Scheduler) current(field string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.fields[field]
	return ok && !s.closed && sl.seq == seq
}

func (s *Scheduler) run(field, query string, seq uint64) {
	s.mu.Lock()
	sl, ok := s.fields[field]
	if !ok || s.closed || sl.seq != seq {
		s.mu.Unlock()
		return
	}
	sl.timer = nil
	ctx, cancel := context.WithCancel(context.Background())
	sl.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	peers, err := s.search(ctx, query)
	if errors.Is(err, context.Canceled) {
		log.Debug("search superseded", zap.String("field", field), zap.Uint64("seq", seq))
		return
	}
	if err != nil {
		log.Warn("search failed", zap.String("field", field), zap.Error(err))
	}
	s.publish(field, seq, Result{Field: field, Query: query, Seq: seq, Peers: peers, Err: err})
}

func (s *Scheduler) publish(field string, seq uint64, r Result) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.current(field, seq) {
		return
	}
	if s.deliver != nil {
		s.deliver(r)
	}
}

// Close cancels every field and waits for running searches to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for field := range s.fields {
		s.supersede(field)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
