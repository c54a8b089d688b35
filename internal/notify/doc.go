// Package notify forwards policy alerts to external systems.
//
// The interceptor persists every alert before it hands an Event to the
// Dispatcher. Delivery is best effort: the Dispatcher queues events and a
// single goroutine pushes them through a Fanout of sinks. A full queue or a
// failing sink is logged and otherwise ignored.
//
// # Sinks
//
//   - log: always on, one Warn line per alert
//   - redis: PUBLISH on alerts.redis.channel
//   - kafka: one record per alert on alerts.kafka.topic, keyed by server id
//   - mqtt: QoS 1 publish on alerts.mqtt.topic
//   - amqp: persistent publish to alerts.amqp.exchange
//
// Every sink publishes the JSON encoding of Event.
package notify
