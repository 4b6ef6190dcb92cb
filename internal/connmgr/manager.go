// Package connmgr bounds the number of peers the agent serves at once.
//
// The manager holds a fixed number of slots, each either free or occupied by
// a running connection task tagged with a priority. Local connections enter
// at math.MaxUint32 and are never evicted; cloud-brokered peers enter at the
// priority negotiated during signaling and may be displaced by a
// higher-priority newcomer when every slot is taken.
//
// Slot admission is serialized by the accept loop, so the manager only needs
// to protect its slot table against concurrent reads from completed tasks.
package connmgr

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/viam-labs/machine-agent/internal/task"
)

// LocalPriority is the priority local HTTP/2 connections are admitted with.
// A peer at this priority is never evicted.
const LocalPriority uint32 = math.MaxUint32

type slot struct {
	task *task.Task
	prio uint32
	// seq orders occupancy so eviction ties break toward the oldest peer.
	seq uint64
}

func (s *slot) free() bool {
	return s.task == nil || s.task.Finished()
}

// Manager is the bounded pool of active peer connections.
// The zero value is not usable — create instances with New.
type Manager struct {
	mu      sync.Mutex
	slots   []slot
	nextSeq uint64
	logger  *zap.Logger
}

// New creates a Manager with the given capacity. Capacity below 1 is a
// programmer error.
func New(capacity int, logger *zap.Logger) *Manager {
	if capacity < 1 {
		panic("connmgr: capacity must be >= 1")
	}
	return &Manager{
		slots:  make([]slot, capacity),
		logger: logger.Named("connmgr"),
	}
}

// LowestPriority returns 0 if any slot is free, otherwise the minimum
// priority among occupied slots. The accept loop admits a new connection
// only when the candidate's priority exceeds this value.
func (m *Manager) LowestPriority() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	lowest := uint32(math.MaxUint32)
	for i := range m.slots {
		if m.slots[i].free() {
			return 0
		}
		if m.slots[i].prio < lowest {
			lowest = m.slots[i].prio
		}
	}
	return lowest
}

// Insert places t into a free slot, or evicts the lowest-priority occupant
// when prio is strictly greater. Returns false (and leaves t untouched) if
// no slot could be claimed — callers enforcing the admission rule via
// LowestPriority should never see that.
func (m *Manager) Insert(t *task.Task, prio uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	victim := -1
	for i := range m.slots {
		if m.slots[i].free() {
			victim = i
			break
		}
	}

	if victim == -1 {
		victim = 0
		for i := 1; i < len(m.slots); i++ {
			if m.slots[i].prio < m.slots[victim].prio ||
				(m.slots[i].prio == m.slots[victim].prio && m.slots[i].seq < m.slots[victim].seq) {
				victim = i
			}
		}
		if m.slots[victim].prio >= prio {
			return false
		}
		m.logger.Info("evicting peer connection",
			zap.String("task", m.slots[victim].task.Name()),
			zap.Uint32("evicted_priority", m.slots[victim].prio),
			zap.Uint32("new_priority", prio),
		)
		m.slots[victim].task.Cancel()
	}

	m.nextSeq++
	m.slots[victim] = slot{task: t, prio: prio, seq: m.nextSeq}
	return true
}

// Active returns the number of occupied slots whose task is still running.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.slots {
		if !m.slots[i].free() {
			n++
		}
	}
	return n
}

// Close cancels every running connection task and waits for completion.
func (m *Manager) Close() {
	m.mu.Lock()
	tasks := make([]*task.Task, 0, len(m.slots))
	for i := range m.slots {
		if m.slots[i].task != nil {
			tasks = append(tasks, m.slots[i].task)
		}
		m.slots[i] = slot{}
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	for _, t := range tasks {
		<-t.Done()
	}
}
