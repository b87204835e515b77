package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// WorkSuffix tags the registry entry of a delayed work queue
	WorkSuffix = "work"
	// LobbySuffix tags the registry entry of a lobby queue
	LobbySuffix = "lobby"

	// Queue arguments understood by RabbitMQ
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied in order: exchanges, queues, bindings
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// DeclareTopology declares the complete topology on ch and returns the
// declared queues keyed by name
func DeclareTopology(ch Channel, topology Topology) (map[string]amqp.Queue, error) {
	for _, exchange := range topology.Exchanges {
		if err := DeclareExchange(ch, exchange); err != nil {
			return nil, err
		}
	}

	queues := make(map[string]amqp.Queue, len(topology.Queues))
	for _, queue := range topology.Queues {
		q, err := DeclareQueue(ch, queue)
		if err != nil {
			return nil, err
		}
		queues[queue.Name] = q
	}

	for _, binding := range topology.Bindings {
		if err := BindQueue(ch, binding); err != nil {
			return nil, err
		}
	}

	return queues, nil
}

// DeclareExchange declares a single exchange
func DeclareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareQueue declares a single queue
func DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// BindQueue binds a queue to an exchange
func BindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "bind", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// PlainQueue is the declaration used for non-delayed queues
func PlainQueue(name string) QueueDeclaration {
	return QueueDeclaration{Name: name, Durable: true}
}

// DelayedNames derives every broker entity name of the lobby/work pair from a
// logical queue name
type DelayedNames struct {
	Base string
}

// NewDelayedNames returns the names for logical queue name
func NewDelayedNames(name string) DelayedNames {
	return DelayedNames{Base: name}
}

// WorkID is the registry key of the work queue
func (n DelayedNames) WorkID() string { return n.Base + "--" + WorkSuffix }

// LobbyID is the registry key of the lobby queue
func (n DelayedNames) LobbyID() string { return n.Base + "--" + LobbySuffix }

// Exchange is the direct exchange the lobby queue is bound to
func (n DelayedNames) Exchange() string { return n.Base + "Exchange" }

// DeadLetterExchange receives expired lobby messages
func (n DelayedNames) DeadLetterExchange() string { return n.Base + "ExDLX" }

// DeadLetterRoutingKey routes dead-lettered messages to the work queue
func (n DelayedNames) DeadLetterRoutingKey() string { return n.Base + "RoutingKeyDLX" }

// WorkQueue is the final delivery point of delayed messages
func (n DelayedNames) WorkQueue() string { return n.Base + "Work" }

// LobbyQueue holds messages until their expiration fires
func (n DelayedNames) LobbyQueue() string { return n.Base + "-" + LobbySuffix }

// WorkTopology declares the dead-letter exchange and the work queue bound to it
func (n DelayedNames) WorkTopology() Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: n.DeadLetterExchange(), Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: n.WorkQueue(), Durable: true, Exclusive: false},
		},
		Bindings: []Binding{
			{Queue: n.WorkQueue(), Exchange: n.DeadLetterExchange(), RoutingKey: n.DeadLetterRoutingKey()},
		},
	}
}

// LobbyTopology declares the work topology plus the lobby exchange and the
// lobby queue dead-lettering into the work queue
func (n DelayedNames) LobbyTopology() Topology {
	work := n.WorkTopology()
	return Topology{
		Exchanges: append([]ExchangeDeclaration{
			{Name: n.Exchange(), Type: amqp.ExchangeDirect, Durable: true},
		}, work.Exchanges...),
		Queues: append(work.Queues, QueueDeclaration{
			Name:      n.LobbyQueue(),
			Durable:   true,
			Exclusive: false,
			Arguments: amqp.Table{
				ArgDeadLetterExchange:   n.DeadLetterExchange(),
				ArgDeadLetterRoutingKey: n.DeadLetterRoutingKey(),
			},
		}),
		Bindings: append(work.Bindings, Binding{
			Queue:      n.LobbyQueue(),
			Exchange:   n.Exchange(),
			RoutingKey: "",
		}),
	}
}
