package graph

import "sync"

type subscriber[T any] struct {
	id int
	fn func(T)
}

// signal is an ordered list of callbacks.  Callbacks run synchronously in subscription
// order and without any slot lock held, so they may call back into the graph.
type signal[T any] struct {
	mu   sync.Mutex
	next int
	subs []subscriber[T]
}

// subscribe adds fn and returns a function removing it again.
func (s *signal[T]) subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	s.next++
	id := s.next
	s.subs = append(s.subs, subscriber[T]{id, fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *signal[T]) emit(v T) {
	s.mu.Lock()
	subs := make([]subscriber[T], len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(v)
	}
}

func (s *signal[T]) clear() {
	s.mu.Lock()
	s.subs = nil
	s.mu.Unlock()
}
