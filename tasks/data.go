package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/stackmesh/conveyor/engine"
	"github.com/stackmesh/conveyor/job"
)

// DataPayload carries a kind discriminator and an opaque document for
// the matching sub-handler.
type DataPayload struct {
	Kind string `json:"kind"`
	Data []byte `json:"data,omitempty"`
}

// DataHandler processes one document of a registered kind.
type DataHandler func(ctx context.Context, data []byte) error

// DataProcessor dispatches data:process jobs to per-kind handlers.
type DataProcessor struct {
	mu       sync.RWMutex
	handlers map[string]DataHandler
}

// NewDataProcessor creates an empty processor.
func NewDataProcessor() *DataProcessor {
	return &DataProcessor{handlers: make(map[string]DataHandler)}
}

// Handle registers (or replaces) the handler for a kind.
func (p *DataProcessor) Handle(kind string, h DataHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Kinds returns the registered kinds.
func (p *DataProcessor) Kinds() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	kinds := make([]string, 0, len(p.handlers))
	for k := range p.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Process routes the payload to its kind handler. An unknown kind is a
// permanent error; retrying will not help until a handler is registered,
// but the attempt budget still bounds it.
func (p *DataProcessor) Process(ctx context.Context, payload DataPayload) error {
	if payload.Kind == "" {
		return fmt.Errorf("%s: missing kind", TypeData)
	}
	p.mu.RLock()
	h, ok := p.handlers[payload.Kind]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: no handler for kind %q", TypeData, payload.Kind)
	}
	return h(ctx, payload.Data)
}

// RegisterData wires the data:process handler to the processor.
func RegisterData(eng *engine.Engine, p *DataProcessor) {
	engine.Register(eng, job.NewDefinition(TypeData, p.Process))
}

// EnqueueData enqueues a data:process job on the data queue.
func EnqueueData(ctx context.Context, eng *engine.Engine, p DataPayload, opts ...job.Option) (*job.Job, error) {
	base := []job.Option{job.WithQueue(QueueData)}
	return engine.Enqueue(ctx, eng, TypeData, p, append(base, opts...)...)
}
