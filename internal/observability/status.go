package observability

import (
	"sync"
	"time"
)

type Role string

const (
	RoleIdle      Role = "IDLE"
	RoleExploring Role = "EXPLORING"
	RoleScheduled Role = "SCHEDULED"
)

// Snapshot is what the live dashboard shows.
type Snapshot struct {
	Role          Role
	Question      string
	LastHeartbeat time.Time
	InFlight      int
	Runs          int
	Steps         int
	Rejections    int
	LastOutcome   string
}

type agentStatus struct {
	mu sync.RWMutex
	s  Snapshot
}

var globalStatus = &agentStatus{s: Snapshot{Role: RoleIdle, LastHeartbeat: time.Now()}}

// SetStatus records the start (any non-idle role) or end (RoleIdle) of a
// run. Concurrent runs are counted so the role only returns to idle once
// the last one ends.
func SetStatus(role Role, question string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	st := &globalStatus.s
	if role == RoleIdle {
		if st.InFlight > 0 {
			st.InFlight--
		}
		if st.InFlight > 0 {
			return
		}
	} else {
		st.InFlight++
	}
	st.Role = role
	st.Question = question
}

// GetStatus returns the current role, question and last heartbeat.
func GetStatus() (Role, string, time.Time) {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return globalStatus.s.Role, globalStatus.s.Question, globalStatus.s.LastHeartbeat
}

func CurrentSnapshot() Snapshot {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return globalStatus.s
}

func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.s.LastHeartbeat = time.Now()
}

func update(fn func(*Snapshot)) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	fn(&globalStatus.s)
}
