package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/joai-gw/internal/node"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/mattjoyce/joai-gw/internal/scheduler QueueService

// QueueService is the execution queue maintenance the scheduler performs.
// *queue.Queue satisfies it.
type QueueService interface {
	RecoverRunning(ctx context.Context) (int, error)
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// TriggerSource lists the trigger nodes to drift-check. *node.Registry
// satisfies it.
type TriggerSource interface {
	All() []*node.TriggerNode
}
