// Package rabbitmq provides the AMQP transport used by lobbymq.
//
// This package includes:
//   - ConnectionManager: Dials the broker once and exposes a readiness gate
//   - Channel and Connection: The subset of amqp091-go the client uses, so
//     tests can run against rabbitmqtest
//   - Topology: Exchange, queue and binding declarations, including the
//     lobby/work naming scheme of delayed queues
//   - Typed errors for connection, channel, publish, consumer and topology failures
//
// The connection is not re-established after a failure; a closed connection
// moves the manager to StateDisconnected and the process is expected to be
// restarted by its supervisor.
package rabbitmq
