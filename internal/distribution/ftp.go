package distribution

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

type ftpHandler struct {
	timeout time.Duration
}

func (h *ftpHandler) Upload(ctx context.Context, src string, dest *url.URL, entry string) (int64, error) {
	addr := dest.Host
	if dest.Port() == "" {
		addr = net.JoinHostPort(dest.Hostname(), "21")
	}

	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(h.timeout))
	if err != nil {
		return 0, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Quit()

	user, pass := "anonymous", "anonymous"
	if dest.User != nil {
		user = dest.User.Username()
		if p, ok := dest.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		return 0, fmt.Errorf("ftp login as %s failed: %w", user, err)
	}

	dir := path.Clean("/" + dest.Path)
	mkdirAll(conn, dir)

	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	counter := &countingReader{r: &contextReader{ctx: ctx, r: in}}
	if err := conn.Stor(path.Join(dir, entry), counter); err != nil {
		return counter.n, fmt.Errorf("ftp store %s failed: %w", entry, err)
	}
	return counter.n, nil
}

// mkdirAll creates every directory of dir. Errors are ignored, a missing
// directory surfaces on Stor.
func mkdirAll(conn *ftp.ServerConn, dir string) {
	current := ""
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		_ = conn.MakeDir(current)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
