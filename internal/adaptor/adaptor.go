// Package adaptor delivers result events to named asynchronous transports.
// Every accepted dispatch reports exactly one outcome through its callback.
package adaptor

import (
	"errors"
	"sync"
	"time"

	"github.com/nkkko/ruleflow/internal/domain"
)

var (
	// ErrUnknownAdaptor is returned when a name resolves to no adaptor
	ErrUnknownAdaptor = errors.New("unknown adaptor")

	// ErrUnsupported is returned when an adaptor cannot serve an event
	ErrUnsupported = errors.New("unsupported by adaptor")

	// ErrDuplicateAdaptor is returned when registering a taken name
	ErrDuplicateAdaptor = errors.New("duplicate adaptor name")
)

// Adaptor types
const (
	TypeRPC      = "rpc"
	TypeFanout   = "fanout"
	TypeNotifier = "notifier"
)

// Config describes one adaptor
type Config struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// Endpoint of rpc adaptors
	URL string `yaml:"url"`

	// Deadline of one rpc call; exceeding it is a timeout outcome
	Timeout time.Duration `yaml:"timeout"`

	// Named adaptors behind a fanout adaptor
	Targets []string `yaml:"targets"`
}

// once guards cb so that only the first outcome is delivered
func once(cb domain.Callback) domain.Callback {
	var o sync.Once
	return func(out domain.Outcome) {
		o.Do(func() { cb(out) })
	}
}
