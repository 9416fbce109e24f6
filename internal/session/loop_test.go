package session

import (
	"sync"
	"testing"
)

func TestLoop_RunsInOrder(t *testing.T) {
	l := newLoop()
	defer l.stop()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		l.post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	l.do(func() {})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("ran %d closures", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("closure %d ran at position %d", v, i)
		}
	}
}

func TestLoop_PostFromLoop(t *testing.T) {
	l := newLoop()
	defer l.stop()

	ran := make(chan struct{})
	l.post(func() {
		l.post(func() { close(ran) })
	})
	recv(t, ran)
}

func TestLoop_StoppedRejectsWork(t *testing.T) {
	l := newLoop()
	l.stop()
	l.stop()

	if l.post(func() {}) {
		t.Error("post accepted after stop")
	}
	if l.do(func() {}) {
		t.Error("do ran after stop")
	}
}
