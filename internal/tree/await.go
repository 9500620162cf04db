package tree

import "sync"

type nodeRef struct {
	key Key
	id  string
}

type waiter struct {
	ch   chan struct{}
	refs int
}

// notifier hands out one channel per node that is closed on the node's next
// change. Watching before reading the node avoids lost wake-ups. Every watch
// is paired with either the channel firing or a release.
type notifier struct {
	mu      sync.Mutex
	waiters map[nodeRef]*waiter
}

func newNotifier() *notifier {
	return &notifier{waiters: make(map[nodeRef]*waiter)}
}

func (n *notifier) watch(key Key, id string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ref := nodeRef{key: key, id: id}
	w, ok := n.waiters[ref]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		n.waiters[ref] = w
	}
	w.refs++
	return w.ch
}

// release drops one watcher of ch. The entry goes away with its last watcher.
func (n *notifier) release(key Key, id string, ch <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ref := nodeRef{key: key, id: id}
	w, ok := n.waiters[ref]
	if !ok || w.ch != ch {
		return
	}
	w.refs--
	if w.refs <= 0 {
		delete(n.waiters, ref)
	}
}

func (n *notifier) publish(key Key, id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ref := nodeRef{key: key, id: id}
	if w, ok := n.waiters[ref]; ok {
		close(w.ch)
		delete(n.waiters, ref)
	}
}

func (n *notifier) len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.waiters)
}
