package transport

import "sync"

// Queue is an unbounded FIFO of events. Push never blocks, so transport
// goroutines can report without waiting on the consumer.
type Queue struct {
	in   chan Event
	out  chan Event
	done chan struct{}
	once sync.Once
}

func NewQueue() *Queue {
	q := &Queue{
		in:   make(chan Event),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Push enqueues e. After Close it is a no-op.
func (q *Queue) Push(e Event) {
	select {
	case q.in <- e:
	case <-q.done:
	}
}

func (q *Queue) Events() <-chan Event { return q.out }

// Close stops the queue. Pending events are discarded.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *Queue) run() {
	var pending []Event
	for {
		var out chan Event
		var next Event
		if len(pending) > 0 {
			out = q.out
			next = pending[0]
		}
		select {
		case e := <-q.in:
			pending = append(pending, e)
		case out <- next:
			pending[0] = nil
			pending = pending[1:]
		case <-q.done:
			return
		}
	}
}
