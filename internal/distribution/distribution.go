// Package distribution transfers files to remote destinations. At most one
// transfer per destination entry is in flight at a time; a second submission
// for a busy destination is rejected, never queued.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnsupportedScheme is returned when no handler serves the destination scheme
	ErrUnsupportedScheme = errors.New("unsupported distribution scheme")

	// ErrInvalidDestination is returned when the destination is not a URI
	ErrInvalidDestination = errors.New("invalid distribution destination")

	// ErrInvalidEntry is returned when the entry is not a single file name
	ErrInvalidEntry = errors.New("invalid distribution entry")

	// ErrDestinationBusy is returned when a transfer to the same destination
	// entry is still pending
	ErrDestinationBusy = errors.New("destination busy")

	// ErrQueueFull is returned when the worker queue has no room
	ErrQueueFull = errors.New("distribution queue full")

	// ErrClosed is returned after Shutdown
	ErrClosed = errors.New("distribution coordinator closed")
)

// Handler uploads one local file to one destination entry
type Handler interface {
	// Upload copies src to entry under the directory named by dest and
	// returns the number of bytes written
	Upload(ctx context.Context, src string, dest *url.URL, entry string) (int64, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, src string, dest *url.URL, entry string) (int64, error)

func (f HandlerFunc) Upload(ctx context.Context, src string, dest *url.URL, entry string) (int64, error) {
	return f(ctx, src, dest, entry)
}

// Schemes served by the built-in handlers
const (
	SchemeCopy    = "copy"
	SchemeFTP     = "ftp"
	SchemeSFTP    = "sftp"
	SchemeSCP     = "scp"
	SchemeSCPOnly = "scponly"
)

var builtinSchemes = []string{SchemeCopy, SchemeFTP, SchemeSCP, SchemeSCPOnly, SchemeSFTP}

// SupportedScheme reports whether a built-in handler serves scheme
func SupportedScheme(scheme string) bool {
	scheme = strings.ToLower(scheme)
	for _, s := range builtinSchemes {
		if s == scheme {
			return true
		}
	}
	return false
}

// SSHConfig configures the scp, scponly and sftp handlers
type SSHConfig struct {
	// Used when the destination carries no user
	User string `yaml:"user"`

	// Private key used for public key authentication
	KeyFile string `yaml:"key_file"`

	// known_hosts file; when empty host keys are not verified
	KnownHostsFile string `yaml:"known_hosts_file"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Config contains coordinator configuration
type Config struct {
	// Number of transfer workers
	Workers int

	// Jobs accepted beyond the busy workers
	QueueSize int

	// How long Shutdown waits for running transfers
	ShutdownGrace time.Duration

	// Dial timeout for ftp destinations
	FTPTimeout time.Duration

	SSH SSHConfig
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     64,
		ShutdownGrace: 30 * time.Second,
		FTPTimeout:    30 * time.Second,
		SSH: SSHConfig{
			DialTimeout: 15 * time.Second,
		},
	}
}

// ParseDestination parses a destination URI and lower-cases its scheme
func ParseDestination(destination string) (*url.URL, error) {
	u, err := url.Parse(destination)
	if err != nil {
		return nil, errors.Join(ErrInvalidDestination, err)
	}
	if u.Scheme == "" {
		return nil, errors.Join(ErrInvalidDestination, errors.New("missing scheme"))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

// ValidateEntry checks that entry names one file directly under the
// destination directory
func ValidateEntry(entry string) error {
	switch {
	case entry == "":
		return fmt.Errorf("%w: empty name", ErrInvalidEntry)
	case entry == "." || entry == "..":
		return fmt.Errorf("%w: %q", ErrInvalidEntry, entry)
	case strings.ContainsAny(entry, "/\\"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidEntry, entry)
	}
	return nil
}

// Key returns the exclusivity key of a destination entry: scheme and host in
// lower case, the port, and the cleaned path with entry appended. User
// information is not part of the key.
func Key(dest *url.URL, entry string) string {
	host := strings.ToLower(dest.Hostname())
	if port := dest.Port(); port != "" {
		host += ":" + port
	}
	p := path.Clean("/" + path.Join(dest.Path, entry))
	return strings.ToLower(dest.Scheme) + "://" + host + p
}

// schemesOf returns the sorted scheme names of handlers
func schemesOf(handlers map[string]Handler) []string {
	out := make([]string, 0, len(handlers))
	for s := range handlers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
