// Package queue runs tasks one at a time per key, in submission order.
package queue

import (
	"fmt"
	"sync"
)

type Task func() error

type job struct {
	fn   Task
	done chan error
}

// Queue keeps one FIFO lane per key. A lane has at most one worker
// goroutine, which exits once the lane drains. Lanes with different keys
// run independently.
type Queue struct {
	mu    sync.Mutex
	lanes map[string][]job
}

func New() *Queue {
	return &Queue{lanes: map[string][]job{}}
}

// Submit enqueues fn under key and returns a channel that receives the
// task's result once it has settled. The channel is buffered so callers
// may ignore it.
func (q *Queue) Submit(key string, fn Task) <-chan error {
	done := make(chan error, 1)
	q.mu.Lock()
	lane, running := q.lanes[key]
	q.lanes[key] = append(lane, job{fn: fn, done: done})
	q.mu.Unlock()
	if !running {
		go q.drain(key)
	}
	return done
}

// Do submits fn and waits for it to settle.
func (q *Queue) Do(key string, fn Task) error {
	return <-q.Submit(key, fn)
}

// Pending returns the number of queued or running tasks for key.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[key])
}

func (q *Queue) drain(key string) {
	for {
		q.mu.Lock()
		lane := q.lanes[key]
		if len(lane) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		next := lane[0]
		q.mu.Unlock()

		next.done <- run(next.fn)

		q.mu.Lock()
		lane = q.lanes[key]
		q.lanes[key] = lane[1:]
		q.mu.Unlock()
	}
}

func run(fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queued task panicked: %v", r)
		}
	}()
	if fn == nil {
		return nil
	}
	return fn()
}
