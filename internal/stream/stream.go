// Package stream writes server-sent events to a client over a long-lived
// response. Events are JSON payloads with a type discriminator, framed as
// single `data:` lines; periodic comment lines keep intermediaries from
// closing the idle connection.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// KeepAliveInterval is how often an idle stream emits a comment line.
const KeepAliveInterval = 15 * time.Second

// Event types sent to the client.
const (
	EventStatus        = "status"
	EventDebug         = "debug"
	EventAgentStart    = "agent-start"
	EventAgentChunk    = "agent-chunk"
	EventAgentComplete = "agent-complete"
	EventResult        = "result"
	EventError         = "error"
)

// Emitter delivers ordered progress events for one request.
type Emitter interface {
	Status(message string)
	Debug(payload interface{})
	AgentStart(agentID, label string, step, totalSteps int)
	AgentChunk(agentID, delta string)
	AgentComplete(agentID string)
	Result(payload interface{}, cached bool)
	Error(message string)
}

// SSE is an Emitter over an http response. After the first write error
// the stream is closed and every later emit is a no-op; the client is
// gone and there is nobody left to tell.
type SSE struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	debug   bool
	closed  bool
	stop    chan struct{}
}

// NewSSE prepares w for event streaming and starts the keep-alive
// ticker. Call Close when the request ends. debug enables `debug`
// events; they are dropped otherwise.
func NewSSE(w http.ResponseWriter, debug bool) (*SSE, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &SSE{w: w, flusher: flusher, debug: debug, stop: make(chan struct{})}
	go s.keepAlive()
	return s, nil
}

// Close stops the keep-alive ticker and marks the stream done.
func (s *SSE) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
}

func (s *SSE) keepAlive() {
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed {
				if _, err := s.w.Write([]byte(": keep-alive\n\n")); err != nil {
					s.markClosedLocked()
				} else {
					s.flusher.Flush()
				}
			}
			s.mu.Unlock()
		}
	}
}

// emit writes one event under the lock, preserving emission order.
func (s *SSE) emit(payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := s.w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		s.markClosedLocked()
		return
	}
	s.flusher.Flush()
}

func (s *SSE) markClosedLocked() {
	s.closed = true
	close(s.stop)
}

func (s *SSE) Status(message string) {
	s.emit(map[string]interface{}{"type": EventStatus, "message": message})
}

func (s *SSE) Debug(payload interface{}) {
	if !s.debug {
		return
	}
	s.emit(map[string]interface{}{"type": EventDebug, "payload": payload})
}

func (s *SSE) AgentStart(agentID, label string, step, totalSteps int) {
	s.emit(map[string]interface{}{
		"type":       EventAgentStart,
		"agent":      agentID,
		"agentLabel": label,
		"step":       step,
		"totalSteps": totalSteps,
	})
}

func (s *SSE) AgentChunk(agentID, delta string) {
	s.emit(map[string]interface{}{"type": EventAgentChunk, "agent": agentID, "delta": delta})
}

func (s *SSE) AgentComplete(agentID string) {
	s.emit(map[string]interface{}{"type": EventAgentComplete, "agent": agentID})
}

func (s *SSE) Result(payload interface{}, cached bool) {
	s.emit(map[string]interface{}{"type": EventResult, "result": payload, "cached": cached})
}

func (s *SSE) Error(message string) {
	s.emit(map[string]interface{}{"type": EventError, "message": message})
}

// Nop is an Emitter that discards everything. Used by non-streaming
// callers of the pipeline.
type Nop struct{}

func (Nop) Status(string)                       {}
func (Nop) Debug(interface{})                   {}
func (Nop) AgentStart(string, string, int, int) {}
func (Nop) AgentChunk(string, string)           {}
func (Nop) AgentComplete(string)                {}
func (Nop) Result(interface{}, bool)            {}
func (Nop) Error(string)                        {}
