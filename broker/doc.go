// Package broker layers delayed delivery, per-queue prefetch limits and
// health-check gated pause/resume on top of a RabbitMQ connection.
//
// A Broker owns a registry of QueueInfo entries, one channel per logical
// queue name, created on first use:
//
//	b := broker.New(conn, broker.WithLogger(logger))
//	defer b.Close()
//
//	// delivered to the work queue of "orders" after two seconds
//	err := b.SendDelayedMessage(ctx, "orders", order, broker.DelayedOptions{TTL: 2 * time.Second})
//
//	qi, err := b.SubscribeDelayed(ctx, "orders", broker.ConsumerOptions{
//		MaxConcurrency: 4,
//		HandlerFactory: func(qi *broker.QueueInfo) broker.Handler {
//			return broker.AckOnSuccess(process)
//		},
//	})
//
//	// stop consuming until the downstream service recovers
//	b.Pause(ctx, qi, broker.PauseOptions{HealthCheck: probe, AutoResume: true})
//
// Delays are implemented by the broker itself: a message published to the
// lobby queue carries an expiration, and the lobby dead-letters expired
// messages into the work queue.
//
// Immediate (zero TTL) and delayed messages of a name share one work queue,
// <name>Work, which is also the dead-letter target of <name>-lobby. No
// <name>-work queue is declared; consumers bound to that name receive
// nothing and must consume <name>Work instead.
package broker
