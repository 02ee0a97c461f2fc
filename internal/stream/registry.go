package stream

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"rtspview/internal/source"
)

// attachAttempts bounds how often Attach replaces a processor that retired
// while the subscriber was joining
const attachAttempts = 3

// Registry maps stream identifiers to their single live processor
type Registry struct {
	connector Connector
	encoder   Encoder
	opts      Options

	mu         sync.Mutex
	processors map[string]*Processor
}

// NewRegistry creates an empty registry. Every processor it creates shares
// the connector, encoder and options.
func NewRegistry(connector Connector, encoder Encoder, opts Options) *Registry {
	return &Registry{
		connector:  connector,
		encoder:    encoder,
		opts:       opts,
		processors: make(map[string]*Processor),
	}
}

// GetOrCreate returns the processor for desc.ID, creating an idle one if
// none is registered. The descriptor of an existing processor is kept.
func (r *Registry) GetOrCreate(desc source.Descriptor) *Processor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.processors[desc.ID]; ok {
		if p.desc.URL != desc.URL {
			log.Printf("[Registry] Stream %s already open on %s, ignoring %s", desc.ID, p.desc.URL, desc.URL)
		}
		return p
	}

	p := NewProcessor(desc, r.connector, r.encoder, r.opts, r.deregister)
	r.processors[desc.ID] = p
	log.Printf("[Registry] Created processor for stream %s", desc.ID)
	return p
}

// Get returns the registered processor for id
func (r *Registry) Get(id string) (*Processor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processors[id]
	return p, ok
}

// Remove drops the entry for id without stopping its processor
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processors, id)
}

// deregister removes p only if it is still the registered processor for its id
func (r *Registry) deregister(p *Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.processors[p.ID()]; ok && cur == p {
		delete(r.processors, p.ID())
		log.Printf("[Registry] Removed processor for stream %s", p.ID())
	}
}

// Attach subscribes ch to the stream and starts it if needed. A processor
// that retires concurrently is replaced by a fresh one, unless it retired
// because ch itself could not take a message.
func (r *Registry) Attach(desc source.Descriptor, ch Channel) (*Processor, error) {
	for i := 0; i < attachAttempts; i++ {
		p := r.GetOrCreate(desc)

		err := p.AddSubscriber(ch)
		if err == nil {
			err = p.Start()
		}
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, ErrRetired):
			return nil, err
		}

		r.deregister(p)
		if cause := p.dropCause(ch); cause != nil {
			return nil, fmt.Errorf("attach to stream %s: %w", desc.ID, cause)
		}
	}
	return nil, fmt.Errorf("attach to stream %s: %w", desc.ID, ErrRetired)
}

// Stop stops and deregisters the processor for id
func (r *Registry) Stop(id string) error {
	p, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("stop stream %s: %w", id, ErrNotFound)
	}
	p.Stop()
	r.deregister(p)
	return nil
}

// Snapshots lists the state of every registered processor ordered by id
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	procs := make([]*Processor, 0, len(r.processors))
	for _, p := range r.processors {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered processors
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processors)
}

// Shutdown stops every processor and empties the registry
func (r *Registry) Shutdown() {
	r.mu.Lock()
	procs := make([]*Processor, 0, len(r.processors))
	for _, p := range r.processors {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Processor) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()

	r.mu.Lock()
	r.processors = make(map[string]*Processor)
	r.mu.Unlock()
	log.Printf("[Registry] Shut down %d processors", len(procs))
}
