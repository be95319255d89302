// Package eventlog layers a per-task in-memory mirror and wakeup signaling
// over the durable task_events table. Appends always hit SQLite first; the
// mirror only exists so live subscribers avoid a store round-trip per event.
package eventlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mothlane/relayq/internal/bus"
	"github.com/mothlane/relayq/internal/persistence"
)

// ErrClosed reports that a task's log is terminal and fully consumed.
var ErrClosed = errors.New("event log closed")

const defaultMirrorCap = 256

type mirror struct {
	baseSeq  int64 // seq of events[0]; meaningless when events is empty
	events   []persistence.TaskEvent
	terminal bool
	signal   chan struct{} // closed and replaced on every append
}

type Log struct {
	store     *persistence.Store
	bus       *bus.Bus // may be nil in tests
	logger    *slog.Logger
	mirrorCap int

	mu      sync.Mutex
	mirrors map[string]*mirror
}

func New(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:     store,
		bus:       eventBus,
		logger:    logger,
		mirrorCap: defaultMirrorCap,
		mirrors:   make(map[string]*mirror),
	}
}

// Append persists one event, mirrors it, and wakes waiting subscribers.
// The store assigns the gap-free sequence number and rejects appends after
// a terminal event.
func (l *Log) Append(ctx context.Context, taskID, kind, payload string) (persistence.TaskEvent, error) {
	event, err := l.store.AppendTaskEvent(ctx, taskID, kind, payload)
	if err != nil {
		return persistence.TaskEvent{}, err
	}

	l.mu.Lock()
	m := l.ensureLocked(taskID)
	switch {
	case len(m.events) == 0:
		m.baseSeq = event.Seq
		m.events = append(m.events, event)
	case event.Seq == m.baseSeq+int64(len(m.events)):
		m.events = append(m.events, event)
	default:
		// Out-of-order mirror append; drop the mirror and let readers fall
		// back to the durable log.
		m.events = nil
	}
	if len(m.events) > l.mirrorCap {
		m.events = m.events[1:]
		m.baseSeq++
	}
	if persistence.IsTerminalEventKind(kind) {
		m.terminal = true
	}
	close(m.signal)
	m.signal = make(chan struct{})
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Publish(bus.TopicEventAppended, bus.EventAppendedEvent{
			TaskID: taskID,
			Seq:    event.Seq,
			Kind:   kind,
		})
	}
	return event, nil
}

// ReadFrom returns all events with seq > afterSeq in order. Served from the
// mirror when it covers the range, otherwise from the store. Works for
// active and terminal tasks alike.
func (l *Log) ReadFrom(ctx context.Context, taskID string, afterSeq int64) ([]persistence.TaskEvent, error) {
	l.mu.Lock()
	if m, ok := l.mirrors[taskID]; ok && len(m.events) > 0 && afterSeq+1 >= m.baseSeq {
		offset := int(afterSeq + 1 - m.baseSeq)
		if offset >= len(m.events) {
			l.mu.Unlock()
			return nil, nil
		}
		out := make([]persistence.TaskEvent, len(m.events)-offset)
		copy(out, m.events[offset:])
		l.mu.Unlock()
		return out, nil
	}
	l.mu.Unlock()

	return l.store.ListTaskEvents(ctx, taskID, afterSeq, 0)
}

// WaitForNext blocks until an event with seq > afterSeq exists and returns
// the first one. Returns (nil, nil) on timeout, ErrClosed when the log is
// terminal with nothing left to deliver, and the context error on cancel.
// No busy-polling: waiters sleep on the append signal.
func (l *Log) WaitForNext(ctx context.Context, taskID string, afterSeq int64, timeout time.Duration) (*persistence.TaskEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		l.mu.Lock()
		m := l.ensureLocked(taskID)
		sig := m.signal
		terminal := m.terminal
		l.mu.Unlock()

		events, err := l.ReadFrom(ctx, taskID, afterSeq)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			ev := events[0]
			return &ev, nil
		}

		if !terminal {
			// The mirror may postdate a restart; the store knows whether the
			// task already finished.
			task, err := l.store.GetTask(ctx, taskID)
			if err != nil {
				return nil, err
			}
			terminal = persistence.IsTerminal(task.Status)
		}
		if terminal {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-sig:
		}
	}
}

// Evict drops a task's mirror once its stream is terminal and drained.
// Waiters are woken and fall back to the durable log.
func (l *Log) Evict(taskID string) {
	l.mu.Lock()
	if m, ok := l.mirrors[taskID]; ok {
		close(m.signal)
		delete(l.mirrors, taskID)
	}
	l.mu.Unlock()
}

// MirroredTasks reports how many tasks currently hold a mirror.
func (l *Log) MirroredTasks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.mirrors)
}

func (l *Log) ensureLocked(taskID string) *mirror {
	m, ok := l.mirrors[taskID]
	if !ok {
		m = &mirror{signal: make(chan struct{})}
		l.mirrors[taskID] = m
	}
	return m
}
