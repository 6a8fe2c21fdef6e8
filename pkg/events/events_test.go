package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeUnfilteredReceivesEverything(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventSharedPlanCreated, SharedPlanID: "1"})
	b.Publish(&Event{Type: EventBatchRejected})

	require.Equal(t, EventSharedPlanCreated, mustRecv(t, sub).Type)
	require.Equal(t, EventBatchRejected, mustRecv(t, sub).Type)
}

func TestSubscribeByTypeFiltersOtherTypes(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(EventSharedPlanDeployed)
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventSharedPlanCreated, SharedPlanID: "1"})
	b.Publish(&Event{Type: EventSharedPlanDeployed, SharedPlanID: "1"})

	evt := mustRecv(t, sub)
	assert.Equal(t, EventSharedPlanDeployed, evt.Type)
	assertNoMore(t, sub)
}

func TestSubscribePlanFiltersOtherPlans(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.SubscribePlan("plan-1")
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventSharedPlanUpdated, SharedPlanID: "plan-2"})
	b.Publish(&Event{Type: EventSharedPlanUpdated, SharedPlanID: "plan-1"})

	evt := mustRecv(t, sub)
	assert.Equal(t, "plan-1", evt.SharedPlanID)
	assertNoMore(t, sub)
}

func TestSubscribePlanWithTypeNarrowsBothDimensions(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.SubscribePlan("plan-1", EventSharedPlanFailed)
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventSharedPlanUpdated, SharedPlanID: "plan-1"})
	b.Publish(&Event{Type: EventSharedPlanFailed, SharedPlanID: "plan-2"})
	b.Publish(&Event{Type: EventSharedPlanFailed, SharedPlanID: "plan-1"})

	evt := mustRecv(t, sub)
	assert.Equal(t, EventSharedPlanFailed, evt.Type)
	assert.Equal(t, "plan-1", evt.SharedPlanID)
	assertNoMore(t, sub)
}

func mustRecv(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case evt := <-sub:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoMore(t *testing.T, sub Subscriber) {
	t.Helper()
	select {
	case evt := <-sub:
		t.Fatalf("unexpected event delivered past filter: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
