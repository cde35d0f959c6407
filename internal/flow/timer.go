package flow

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// taskKey identifies a delayed transition.
type taskKey struct {
	contactID string
	stepID    string
}

// taskEntry tracks a scheduled delayed transition.
type taskEntry struct {
	timer     *time.Timer
	seq       uint64
	expiresAt time.Time
}

// TaskInfo describes a pending delayed transition.
type TaskInfo struct {
	ContactID string
	StepID    string
	ExpiresAt time.Time
}

// DelayedTasks runs functions after a delay, keyed by (contact, step). Scheduling an
// existing key replaces the pending task, and every task of a contact can be cancelled at once.
type DelayedTasks struct {
	mu     sync.Mutex
	tasks  map[taskKey]*taskEntry
	seq    uint64
	wg     sync.WaitGroup
	closed bool
}

// NewDelayedTasks creates an empty task set.
func NewDelayedTasks() *DelayedTasks {
	return &DelayedTasks{tasks: make(map[taskKey]*taskEntry)}
}

// Schedule runs fn after delay unless cancelled first.
func (d *DelayedTasks) Schedule(contactID, stepID string, delay time.Duration, fn func()) {
	key := taskKey{contactID: contactID, stepID: stepID}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		slog.Debug("DelayedTasks.Schedule: stopped, ignoring", "contact", contactID, "step", stepID)
		return
	}
	if prev, ok := d.tasks[key]; ok {
		prev.timer.Stop()
	}
	d.seq++
	seq := d.seq
	entry := &taskEntry{seq: seq, expiresAt: time.Now().Add(delay)}
	entry.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		cur, ok := d.tasks[key]
		if !ok || cur.seq != seq {
			d.mu.Unlock()
			return
		}
		delete(d.tasks, key)
		d.wg.Add(1)
		d.mu.Unlock()

		defer d.wg.Done()
		slog.Debug("DelayedTasks firing", "contact", contactID, "step", stepID)
		fn()
	})
	d.tasks[key] = entry
	slog.Debug("DelayedTasks.Schedule", "contact", contactID, "step", stepID, "delay", delay)
}

// CancelContact stops every pending task of a contact.
func (d *DelayedTasks) CancelContact(contactID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for key, entry := range d.tasks {
		if key.contactID == contactID {
			entry.timer.Stop()
			delete(d.tasks, key)
			n++
		}
	}
	if n > 0 {
		slog.Debug("DelayedTasks.CancelContact", "contact", contactID, "cancelled", n)
	}
	return n
}

// Pending lists the scheduled tasks ordered by expiry.
func (d *DelayedTasks) Pending() []TaskInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TaskInfo, 0, len(d.tasks))
	for key, entry := range d.tasks {
		out = append(out, TaskInfo{ContactID: key.contactID, StepID: key.stepID, ExpiresAt: entry.expiresAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Stop cancels every pending task and waits for running ones to return.
func (d *DelayedTasks) Stop() {
	d.mu.Lock()
	d.closed = true
	for key, entry := range d.tasks {
		entry.timer.Stop()
		delete(d.tasks, key)
	}
	d.mu.Unlock()
	d.wg.Wait()
	slog.Info("DelayedTasks stopped")
}
