package session

import "sync"

// loop runs posted closures one at a time, in posting order, on a single
// goroutine. Posting never blocks.
type loop struct {
	mu     sync.Mutex
	ops    []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// post queues fn. It reports false once the loop has stopped.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.ops = append(l.ops, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the loop and waits for it. It must not be called from the
// loop itself.
func (l *loop) do(fn func()) bool {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// stop discards queued work after the running closure returns.
func (l *loop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.ops = nil
		close(l.done)
	}
}

func (l *loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.ops) == 0 {
		return nil
	}
	fn := l.ops[0]
	l.ops[0] = nil
	l.ops = l.ops[1:]
	return fn
}

func (l *loop) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for fn := l.next(); fn != nil; fn = l.next() {
			fn()
		}
	}
}
