// Package changefeed is the change-subscription primitive of the persistence
// layer. Writers (or the Postgres LISTEN bridge) publish a topic whenever a
// matching row changes, and every watcher of that topic is woken up.
//
// Wake-ups carry no payload and coalesce: a watcher that has not consumed the
// previous signal sees a single pending signal, never a queue of them.
package changefeed

import "sync"

// Feed fans change signals out to watchers keyed by topic.
type Feed struct {
	mu       sync.Mutex
	watchers map[string]map[*Watcher]struct{}
}

func NewFeed() *Feed {
	return &Feed{watchers: make(map[string]map[*Watcher]struct{})}
}

// Watcher receives a signal on C whenever its topic is published.
type Watcher struct {
	topic string
	ch    chan struct{}
	feed  *Feed
	once  sync.Once
}

// Watch registers a watcher on topic. Callers must Close it.
func (f *Feed) Watch(topic string) *Watcher {
	w := &Watcher{topic: topic, ch: make(chan struct{}, 1), feed: f}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchers[topic] == nil {
		f.watchers[topic] = make(map[*Watcher]struct{})
	}
	f.watchers[topic][w] = struct{}{}
	return w
}

func (w *Watcher) C() <-chan struct{} { return w.ch }

func (w *Watcher) Topic() string { return w.topic }

// Close detaches the watcher. Safe to call more than once.
func (w *Watcher) Close() {
	w.once.Do(func() {
		f := w.feed
		f.mu.Lock()
		defer f.mu.Unlock()
		if set, ok := f.watchers[w.topic]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(f.watchers, w.topic)
			}
		}
	})
}

// Publish wakes every watcher of topic and returns how many were registered.
func (f *Feed) Publish(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	set := f.watchers[topic]
	for w := range set {
		signal(w.ch)
	}
	return len(set)
}

// PublishAll wakes every watcher. Used after the listener reconnects, when
// notifications may have been missed.
func (f *Feed) PublishAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, set := range f.watchers {
		for w := range set {
			signal(w.ch)
		}
	}
}

// WatcherCount returns the number of watchers on topic.
func (f *Feed) WatcherCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers[topic])
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
		// already pending
	}
}
