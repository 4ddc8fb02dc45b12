package services

import (
	"sync"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
)

// MetricsService keeps process-local counters for the health endpoint.
type MetricsService struct {
	mu sync.RWMutex

	sessionsRegistered int64
	sessionsRemoved    map[string]int64
	transitions        map[domain.ConnectionState]int64
	framesSent         int64
	framesReceived     int64
	bytesSent          int64
	bytesReceived      int64
	framesDropped      map[string]int64
}

func NewMetricsService() *MetricsService {
	return &MetricsService{
		sessionsRemoved: make(map[string]int64),
		transitions:     make(map[domain.ConnectionState]int64),
		framesDropped:   make(map[string]int64),
	}
}

func (m *MetricsService) SessionRegistered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionsRegistered++
}

func (m *MetricsService) SessionRemoved(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionsRemoved[reason]++
}

func (m *MetricsService) ConnectionTransition(state domain.ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[state]++
}

func (m *MetricsService) FrameSent(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesSent++
	m.bytesSent += int64(bytes)
}

func (m *MetricsService) FrameReceived(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesReceived++
	m.bytesReceived += int64(bytes)
}

func (m *MetricsService) FrameDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesDropped[reason]++
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	SessionsRegistered int64                            `json:"sessions_registered"`
	SessionsRemoved    map[string]int64                 `json:"sessions_removed"`
	Transitions        map[domain.ConnectionState]int64 `json:"transitions"`
	FramesSent         int64                            `json:"frames_sent"`
	FramesReceived     int64                            `json:"frames_received"`
	BytesSent          int64                            `json:"bytes_sent"`
	BytesReceived      int64                            `json:"bytes_received"`
	FramesDropped      map[string]int64                 `json:"frames_dropped"`
}

func (m *MetricsService) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		SessionsRegistered: m.sessionsRegistered,
		SessionsRemoved:    make(map[string]int64, len(m.sessionsRemoved)),
		Transitions:        make(map[domain.ConnectionState]int64, len(m.transitions)),
		FramesSent:         m.framesSent,
		FramesReceived:     m.framesReceived,
		BytesSent:          m.bytesSent,
		BytesReceived:      m.bytesReceived,
		FramesDropped:      make(map[string]int64, len(m.framesDropped)),
	}
	for k, v := range m.sessionsRemoved {
		snap.SessionsRemoved[k] = v
	}
	for k, v := range m.transitions {
		snap.Transitions[k] = v
	}
	for k, v := range m.framesDropped {
		snap.FramesDropped[k] = v
	}
	return snap
}

// MultiRecorder fans every observation out to several recorders.
type MultiRecorder []ports.MetricsRecorder

func (m MultiRecorder) SessionRegistered() {
	for _, r := range m {
		r.SessionRegistered()
	}
}

func (m MultiRecorder) SessionRemoved(reason string) {
	for _, r := range m {
		r.SessionRemoved(reason)
	}
}

func (m MultiRecorder) ConnectionTransition(state domain.ConnectionState) {
	for _, r := range m {
		r.ConnectionTransition(state)
	}
}

func (m MultiRecorder) FrameSent(bytes int) {
	for _, r := range m {
		r.FrameSent(bytes)
	}
}

func (m MultiRecorder) FrameReceived(bytes int) {
	for _, r := range m {
		r.FrameReceived(bytes)
	}
}

func (m MultiRecorder) FrameDropped(reason string) {
	for _, r := range m {
		r.FrameDropped(reason)
	}
}
