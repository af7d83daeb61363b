// Package repaint carries "something changed, draw again" requests from
// background workers to the frame loop.
package repaint

import "sync/atomic"

// Signal coalesces repaint requests. Any number of requests between two
// frames wake the loop once.
type Signal struct {
	ch    chan struct{}
	count atomic.Int64
}

func New() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Request asks for a repaint. It never blocks.
func (s *Signal) Request() {
	s.count.Add(1)
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C is readable once after one or more requests.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

// Count is the total number of requests made.
func (s *Signal) Count() int64 {
	return s.count.Load()
}

// Requester is the part of Signal that background workers use.
type Requester interface {
	Request()
}

// Nop discards repaint requests.
type Nop struct{}

func (Nop) Request() {}
