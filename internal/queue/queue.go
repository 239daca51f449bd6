package queue

import (
	"context"
	"fmt"
)

// Publisher publishes batch jobs to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg BatchJobMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg BatchJobMessage) error

// Consumer consumes batch jobs from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// JobAction names the background work to run for a batch.
type JobAction string

const (
	// ActionSample closes a collecting batch and draws its sample.
	ActionSample JobAction = "sample"
	// ActionReconcile recomputes sample stats and runs the decision if due.
	ActionReconcile JobAction = "reconcile"
)

func (a JobAction) String() string { return string(a) }

func (a JobAction) IsValid() bool {
	return a == ActionSample || a == ActionReconcile
}

var supportedActions = []JobAction{
	ActionSample,
	ActionReconcile,
}

// QueueName returns the work queue for an action, e.g. qc.batch.sample.
func QueueName(action JobAction) string {
	return fmt.Sprintf("qc.batch.%s", action)
}

// DLQName returns the dead-letter queue for an action, e.g. dlq.qc.batch.sample.
func DLQName(action JobAction) string {
	return fmt.Sprintf("dlq.%s", QueueName(action))
}

func WorkQueueNames() []string {
	queues := make([]string, 0, len(supportedActions))
	for _, action := range supportedActions {
		queues = append(queues, QueueName(action))
	}
	return queues
}

func DLQNames() []string {
	queues := make([]string, 0, len(supportedActions))
	for _, action := range supportedActions {
		queues = append(queues, DLQName(action))
	}
	return queues
}
