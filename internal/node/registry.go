package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTrigger is returned for names or paths no node is registered at.
var ErrUnknownTrigger = errors.New("unknown trigger")

// Registry indexes trigger nodes by name and by (workflow, node) pair.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*TriggerNode
	byPath map[string]*TriggerNode
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*TriggerNode),
		byPath: make(map[string]*TriggerNode),
	}
}

func (r *Registry) Add(n *TriggerNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byName[n.Name()]; dup {
		return fmt.Errorf("trigger %q already registered", n.Name())
	}
	key := pathKey(n.WorkflowID(), n.NodeID())
	if _, dup := r.byPath[key]; dup {
		return fmt.Errorf("trigger for workflow %q node %q already registered", n.WorkflowID(), n.NodeID())
	}
	r.byName[n.Name()] = n
	r.byPath[key] = n
	return nil
}

func (r *Registry) Get(name string) (*TriggerNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}
	return n, nil
}

func (r *Registry) Lookup(workflowID, nodeID string) (*TriggerNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byPath[pathKey(workflowID, nodeID)]
	return n, ok
}

// All returns the nodes sorted by name.
func (r *Registry) All() []*TriggerNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TriggerNode, 0, len(r.byName))
	for _, n := range r.byName {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// ActivateAll activates every node and returns the joined errors of the
// ones that failed. A failing node does not stop the others.
func (r *Registry) ActivateAll(ctx context.Context) error {
	var errs []error
	for _, n := range r.All() {
		if _, err := n.Activate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// DeactivateAll tears down every node. Only configuration errors are
// returned.
func (r *Registry) DeactivateAll(ctx context.Context) error {
	var errs []error
	for _, n := range r.All() {
		if _, err := n.Deactivate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func pathKey(workflowID, nodeID string) string {
	return workflowID + "\x00" + nodeID
}
