package adaptor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/rpc"
)

// Directory resolves adaptor names at dispatch time
type Directory struct {
	mu       sync.RWMutex
	adaptors map[string]domain.Adaptor
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{adaptors: make(map[string]domain.Adaptor)}
}

// Register adds an adaptor under its name
func (d *Directory) Register(a domain.Adaptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.adaptors[a.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAdaptor, a.Name())
	}
	d.adaptors[a.Name()] = a
	return nil
}

// Get returns the adaptor registered under name
func (d *Directory) Get(name string) (domain.Adaptor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, ok := d.adaptors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdaptor, name)
	}
	return a, nil
}

// Names returns the registered names in sorted order
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.adaptors))
	for name := range d.adaptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates a directory from configs. Fanout adaptors may only name
// adaptors that are not fanouts themselves.
func Build(configs []Config, publisher Publisher) (*Directory, error) {
	d := NewDirectory()

	var fanouts []Config
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("adaptor of type %q has no name", cfg.Type)
		}

		var a domain.Adaptor
		switch cfg.Type {
		case TypeRPC:
			if cfg.URL == "" {
				return nil, fmt.Errorf("rpc adaptor %q has no url", cfg.Name)
			}
			a = NewRPCAdaptor(cfg.Name, rpc.NewClient(rpc.ClientConfig{URL: cfg.URL, Timeout: cfg.Timeout}))
		case TypeNotifier:
			if publisher == nil {
				return nil, fmt.Errorf("notifier adaptor %q needs the notifier enabled", cfg.Name)
			}
			a = NewNotifierAdaptor(cfg.Name, publisher)
		case TypeFanout:
			fanouts = append(fanouts, cfg)
			continue
		default:
			return nil, fmt.Errorf("adaptor %q: unknown type %q", cfg.Name, cfg.Type)
		}

		if err := d.Register(a); err != nil {
			return nil, err
		}
	}

	for _, cfg := range fanouts {
		targets := make([]domain.Adaptor, 0, len(cfg.Targets))
		for _, name := range cfg.Targets {
			t, err := d.Get(name)
			if err != nil {
				return nil, fmt.Errorf("fanout adaptor %q: %w", cfg.Name, err)
			}
			targets = append(targets, t)
		}
		if err := d.Register(NewFanout(cfg.Name, targets...)); err != nil {
			return nil, err
		}
	}

	return d, nil
}
