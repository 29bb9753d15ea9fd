package session

// Watch subscribes to state snapshots. The current snapshot is delivered
// immediately. Delivery is conflated: a slow reader skips intermediate
// snapshots but always sees the latest one. The channel is closed by cancel
// or by Release.
func (s *Session) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.watchersMtx.Lock()
	defer s.watchersMtx.Unlock()

	if s.watchersClosed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch
	ch <- s.Snapshot()

	return ch, func() {
		s.watchersMtx.Lock()
		defer s.watchersMtx.Unlock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
	}
}

// publish offers the current snapshot to every watcher. The snapshot is taken
// under watchersMtx so watchers never see an older snapshot after a newer one.
func (s *Session) publish() {
	s.watchersMtx.Lock()
	defer s.watchersMtx.Unlock()

	if len(s.watchers) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, ch := range s.watchers {
		offer(ch, snap)
	}
}

func (s *Session) closeWatchers() {
	s.watchersMtx.Lock()
	defer s.watchersMtx.Unlock()

	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	s.watchersClosed = true
}

// offer replaces whatever is buffered in ch with snap. Only one goroutine
// sends at a time since callers hold watchersMtx.
func offer(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
