package distribution

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshDialer opens ssh clients for the scp, scponly and sftp handlers
type sshDialer struct {
	config SSHConfig
}

func newSSHDialer(config SSHConfig) *sshDialer {
	return &sshDialer{config: config}
}

func (d *sshDialer) clientConfig(dest *url.URL) (*ssh.ClientConfig, error) {
	user := d.config.User
	var auth []ssh.AuthMethod

	if dest.User != nil {
		user = dest.User.Username()
		if pass, ok := dest.User.Password(); ok {
			auth = append(auth, ssh.Password(pass))
		}
	}
	if user == "" {
		return nil, errors.New("no ssh user for destination")
	}

	if d.config.KeyFile != "" {
		pem, err := os.ReadFile(d.config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if d.config.KnownHostsFile != "" {
		cb, err := knownhosts.New(d.config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKey = cb
	} else {
		log.Warn().
			Str("component", "distribution").
			Str("host", dest.Hostname()).
			Msg("No known_hosts file configured, host key not verified")
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         d.config.DialTimeout,
	}, nil
}

func (d *sshDialer) dial(ctx context.Context, dest *url.URL) (*ssh.Client, error) {
	cfg, err := d.clientConfig(dest)
	if err != nil {
		return nil, err
	}

	addr := dest.Host
	if dest.Port() == "" {
		addr = net.JoinHostPort(dest.Hostname(), "22")
	}

	dialer := net.Dialer{Timeout: d.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

type sftpHandler struct {
	dialer *sshDialer
}

func (h *sftpHandler) Upload(ctx context.Context, src string, dest *url.URL, entry string) (int64, error) {
	client, err := h.dialer.dial(ctx, dest)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return 0, fmt.Errorf("failed to start sftp: %w", err)
	}
	defer sc.Close()

	dir := remoteDir(dest)
	if err := sc.MkdirAll(dir); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := sc.Create(path.Join(dir, entry))
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", entry, err)
	}

	n, err := out.ReadFrom(&contextReader{ctx: ctx, r: in})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("sftp write %s failed: %w", entry, err)
	}
	return n, nil
}

// scpHandler speaks the scp sink protocol. With mkdir the target directory
// is created first over a shell session; scponly accounts get no shell.
type scpHandler struct {
	dialer *sshDialer
	mkdir  bool
}

func (h *scpHandler) Upload(ctx context.Context, src string, dest *url.URL, entry string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat source: %w", err)
	}

	client, err := h.dialer.dial(ctx, dest)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	// Closing the client unblocks a session stuck on a dead peer
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	dir := remoteDir(dest)
	if h.mkdir {
		if err := runRemote(client, "mkdir -p "+shellQuote(dir)); err != nil {
			return 0, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	session, err := client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return 0, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return 0, err
	}
	acks := bufio.NewReader(stdout)

	if err := session.Start("scp -t " + shellQuote(dir)); err != nil {
		return 0, fmt.Errorf("failed to start scp: %w", err)
	}
	if err := readAck(acks); err != nil {
		return 0, err
	}

	if _, err := fmt.Fprintf(stdin, "C0644 %d %s\n", info.Size(), entry); err != nil {
		return 0, err
	}
	if err := readAck(acks); err != nil {
		return 0, err
	}

	n, err := io.Copy(stdin, in)
	if err != nil {
		return n, fmt.Errorf("scp write %s failed: %w", entry, err)
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return n, err
	}
	if err := readAck(acks); err != nil {
		return n, err
	}
	stdin.Close()

	if err := session.Wait(); err != nil {
		return n, fmt.Errorf("scp exited with error: %w", err)
	}
	return n, nil
}

func runRemote(client *ssh.Client, command string) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	out, err := session.CombinedOutput(command)
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// readAck reads one scp status byte: 0 ok, 1 warning, 2 fatal
func readAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("scp: failed to read ack: %w", err)
	}
	if b == 0 {
		return nil
	}
	msg, _ := r.ReadString('\n')
	return fmt.Errorf("scp: remote error: %s", strings.TrimSpace(msg))
}

func remoteDir(dest *url.URL) string {
	if dest.Path == "" {
		return "."
	}
	return path.Clean(dest.Path)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
