package distribution

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
)

// copyHandler copies into a local directory. The file appears under its
// final name only once complete.
type copyHandler struct{}

func (h *copyHandler) Upload(ctx context.Context, src string, dest *url.URL, entry string) (int64, error) {
	if dest.Host != "" && dest.Host != "localhost" {
		return 0, fmt.Errorf("copy destination must be local, got host %q", dest.Host)
	}
	if err := ValidateEntry(entry); err != nil {
		return 0, err
	}

	dir := filepath.FromSlash(dest.Path)
	if dir == "" {
		dir = dest.Opaque
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(dir, "."+entry+".*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, &contextReader{ctx: ctx, r: in})
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write %s: %w", entry, err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, entry)); err != nil {
		return n, fmt.Errorf("failed to rename into place: %w", err)
	}
	return n, nil
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
