// Package feedback holds the analysis results pushed back by the backend.
package feedback

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Inbound event names understood by the sink.
const (
	EventRepCount = "rep_count"
	EventFeedback = "feedback"
	EventAnalysis = "analysis_result"
)

// State is the latest backend result. Feedback is nil until the backend has
// said something.
type State struct {
	RepCount  int       `json:"rep_count"`
	Feedback  *string   `json:"feedback"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Sink stores State and fans changes out to subscribers. It is mutated only by
// inbound events.
type Sink struct {
	mu    sync.RWMutex
	state State

	subMu       sync.Mutex
	subscribers map[chan State]struct{}
}

func NewSink() *Sink {
	return &Sink{subscribers: make(map[chan State]struct{})}
}

func (s *Sink) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reset clears the state, e.g. when another exercise is selected.
func (s *Sink) Reset() {
	s.mu.Lock()
	s.state = State{}
	st := s.state
	s.mu.Unlock()
	s.publish(st)
}

// HandleRepCount handles EventRepCount.
func (s *Sink) HandleRepCount(args []json.RawMessage) {
	u, err := parseRepCount(firstArg(args))
	if err != nil {
		log.Printf("feedback: ignoring %s: %v", EventRepCount, err)
		return
	}
	s.apply(u)
}

// HandleFeedback handles EventFeedback.
func (s *Sink) HandleFeedback(args []json.RawMessage) {
	u, err := parseFeedback(firstArg(args))
	if err != nil {
		log.Printf("feedback: ignoring %s: %v", EventFeedback, err)
		return
	}
	s.apply(u)
}

// HandleAnalysis handles EventAnalysis.
func (s *Sink) HandleAnalysis(args []json.RawMessage) {
	u, err := parseAnalysis(firstArg(args))
	if err != nil {
		log.Printf("feedback: ignoring %s: %v", EventAnalysis, err)
		return
	}
	s.apply(u)
}

// Handlers maps every inbound event name to its handler.
func (s *Sink) Handlers() map[string]func([]json.RawMessage) {
	return map[string]func([]json.RawMessage){
		EventRepCount: s.HandleRepCount,
		EventFeedback: s.HandleFeedback,
		EventAnalysis: s.HandleAnalysis,
	}
}

func (s *Sink) apply(u update) {
	if u.empty() {
		return
	}
	s.mu.Lock()
	if u.repCount != nil {
		s.state.RepCount = max(*u.repCount, 0)
	}
	if u.feedback != nil {
		text := *u.feedback
		s.state.Feedback = &text
	}
	s.state.UpdatedAt = time.Now().UTC()
	st := s.state
	s.mu.Unlock()
	s.publish(st)
}

// Subscribe returns a channel receiving every state change. Slow subscribers
// miss intermediate states but always see the latest one buffered.
func (s *Sink) Subscribe() chan State {
	ch := make(chan State, 1)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *Sink) Unsubscribe(ch chan State) {
	s.subMu.Lock()
	_, exists := s.subscribers[ch]
	delete(s.subscribers, ch)
	s.subMu.Unlock()
	if exists {
		close(ch)
	}
}

func (s *Sink) publish(st State) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- st:
		default:
			// replace the stale snapshot
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

func firstArg(args []json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}
