/*
Package events provides an in-memory event broker for deploy lifecycle
events.

The Deployer publishes an Event whenever a host deploy starts or finishes,
a jail is created, passes its health check or is destroyed, and when the
proxy switches to a new jail. The CLI subscribes and writes every event to
the structured log, so a deploy can be followed as JSON with --log-json.

# Architecture

	Publisher → event channel (buffer: 100)
	               ↓
	         broadcast loop
	               ↓
	subscriber channels (buffer: 50 each)

Publish blocks only while the event channel is full. A subscriber whose
buffer is full misses the event rather than slowing the deploy down. Events
reach every subscriber in publish order.

Stop delivers what was already published, then closes every subscriber
channel, so a consumer can simply range over its subscription.

# Event Types

	deploy.started, deploy.succeeded, deploy.failed, deploy.rolled_back
	jail.created, jail.healthy, jail.destroyed
	proxy.switched
	service.destroyed

Host and Service are set on every event. Metadata carries the jail name,
its address and, for failures, the error.

# Usage

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub {
			fmt.Printf("%s %s %s\n", e.Host, e.Type, e.Message)
		}
	}()

	d := deploy.NewDeployer(deploy.Options{Config: cfg, Executor: exec, Events: broker})
	err := d.Deploy(ctx)
	broker.Stop()
	<-done

A nil *Broker drops every event, so publishers need no nil checks.
*/
package events
