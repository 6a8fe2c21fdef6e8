/*
Package events provides an in-memory, non-blocking pub/sub broker used to
notify the deployment layer and other observers when a shared query plan's
change-log advances.

Publish is fire-and-forget: a full subscriber buffer skips that subscriber
rather than blocking the broadcast loop. There is no persistence or replay,
so a subscriber that needs to catch up after a restart should re-derive
state from the global query plan rather than from missed events.

Subscribe and SubscribePlan filter at broadcast time, so a deployment
worker tracking one plan never sees another plan's traffic or an
unrelated batch.rejected event:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.SubscribePlan(planID.String(), events.EventSharedPlanUpdated)
	defer broker.Unsubscribe(sub)

	go func() {
		for evt := range sub {
			// re-deploy evt.SharedPlanID
		}
	}()

	broker.Publish(&events.Event{
		Type:         events.EventSharedPlanUpdated,
		SharedPlanID: planID.String(),
		Message:      "change-log entry appended",
	})
*/
package events
