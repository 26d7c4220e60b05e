package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/BackplaneGo/pkg/event"
)

func noopHandler(name string, priority int, eventTypes ...string) *HandlerFunc {
	return NewHandlerFunc(name, eventTypes, func(_ context.Context, _ *event.Event) error {
		return nil
	}).WithPriority(priority)
}

func directSub(id string, h Handler, filter *Filter) *subscription {
	return &subscription{id: id, kind: kindDirect, handler: h, filter: filter}
}

func TestRegistry_MatchingOrdersByPriority(t *testing.T) {
	r := newRegistry()
	r.add(directSub("s1", noopHandler("low", 1, "order.created"), nil))
	r.add(directSub("s2", noopHandler("high", 100, "order.created"), nil))
	r.add(directSub("s3", noopHandler("mid", 50, WildcardType), nil))

	e := testEvent(t, "order.created", nil)
	matched := r.matching(e)

	require.Len(t, matched, 3)
	assert.Equal(t, "s2", matched[0].id)
	assert.Equal(t, "s3", matched[1].id)
	assert.Equal(t, "s1", matched[2].id)
}

func TestRegistry_DirectMatchesByEventType(t *testing.T) {
	r := newRegistry()
	r.add(directSub("s1", noopHandler("orders", 0, "order.created"), nil))

	assert.Len(t, r.matching(testEvent(t, "order.created", nil)), 1)
	assert.Empty(t, r.matching(testEvent(t, "payment.completed", nil)))
}

func TestRegistry_DirectAppliesFilter(t *testing.T) {
	r := newRegistry()
	r.add(directSub("s1", noopHandler("orders", 0, "order.created"),
		&Filter{TenantIDs: []string{"tenant-1"}}))

	match := testEvent(t, "order.created", nil, event.WithTenantID("tenant-1"))
	miss := testEvent(t, "order.created", nil, event.WithTenantID("tenant-2"))

	assert.Len(t, r.matching(match), 1)
	assert.Empty(t, r.matching(miss))
}

func TestRegistry_PluginMatchesByFilterAlone(t *testing.T) {
	r := newRegistry()
	// The plugin handler lists no event types; its filter decides.
	r.add(&subscription{
		id:       "p1",
		kind:     kindPlugin,
		pluginID: "plug-1",
		handler:  noopHandler("analytics", 0),
		filter:   &Filter{SourceServices: []string{"order-service"}},
	})

	match := testEvent(t, "order.created", nil, event.WithSource("order-service"))
	miss := testEvent(t, "order.created", nil, event.WithSource("payment-service"))

	assert.Len(t, r.matching(match), 1)
	assert.Empty(t, r.matching(miss))
}

func TestRegistry_RemovePlugin(t *testing.T) {
	r := newRegistry()
	r.add(&subscription{id: "p1", kind: kindPlugin, pluginID: "plug-1", handler: noopHandler("a", 0)})
	r.add(&subscription{id: "p2", kind: kindPlugin, pluginID: "plug-1", handler: noopHandler("b", 0)})
	r.add(&subscription{id: "p3", kind: kindPlugin, pluginID: "plug-2", handler: noopHandler("c", 0)})
	r.add(directSub("d1", noopHandler("d", 0, "order.created"), nil))

	removed := r.removePlugin("plug-1")
	assert.Len(t, removed, 2)
	assert.Equal(t, 2, r.len())

	assert.Empty(t, r.removePlugin("plug-1"))
	assert.Empty(t, r.removePlugin("unknown"))
}

func TestRegistry_Remove(t *testing.T) {
	r := newRegistry()
	r.add(directSub("s1", noopHandler("a", 0, "order.created"), nil))

	sub, ok := r.remove("s1")
	require.True(t, ok)
	assert.Equal(t, "s1", sub.id)
	assert.Zero(t, r.len())

	_, ok = r.remove("s1")
	assert.False(t, ok)
}
