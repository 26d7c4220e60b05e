package eventbus

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/utafrali/BackplaneGo/pkg/event"
)

type subscriptionKind string

const (
	kindDirect subscriptionKind = "direct"
	kindPlugin subscriptionKind = "plugin"
)

// subscription is one registered handler. Direct subscriptions match by the
// handler's event types; plugin subscriptions match by their filter alone,
// and carry the plugin identity so unloading a plugin can detach them all.
type subscription struct {
	id         string
	kind       subscriptionKind
	handler    Handler
	filter     *Filter
	pluginID   string
	pluginName string
	// topics this subscription keeps a consumer reference on.
	topics []string
	// sem gates concurrent Handle calls for this handler.
	sem     chan struct{}
	timeout time.Duration
}

func (s *subscription) wants(e *event.Event) bool {
	if s.kind == kindPlugin {
		return s.filter.Matches(e)
	}
	types := s.handler.EventTypes()
	if !slices.Contains(types, e.EventType) && !slices.Contains(types, WildcardType) {
		return false
	}
	return s.filter.Matches(e)
}

type registry struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]*subscription)}
}

func (r *registry) add(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.id] = sub
}

func (r *registry) remove(id string) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	return sub, ok
}

// removePlugin detaches every subscription registered under pluginID.
func (r *registry) removePlugin(pluginID string) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*subscription
	for id, sub := range r.subs {
		if sub.kind == kindPlugin && sub.pluginID == pluginID {
			removed = append(removed, sub)
			delete(r.subs, id)
		}
	}
	return removed
}

// matching returns the subscriptions that should receive the event, highest
// handler priority first.
func (r *registry) matching(e *event.Event) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*subscription
	for _, sub := range r.subs {
		if sub.wants(e) {
			matched = append(matched, sub)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].handler.Priority() > matched[j].handler.Priority()
	})
	return matched
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
