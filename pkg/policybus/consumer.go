package policybus

import "context"

type Message struct {
	Value []byte
}

// Consumer is the invalidation feed from the policy collaborator.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
