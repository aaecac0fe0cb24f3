package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPClient implements TransferClient over SSH. Unlike FTP the protocol
// carries no working directory, so ResetDir is a no-op and every path is
// joined onto the base directory.
type SFTPClient struct {
	host     string
	port     int
	username string
	password string
	keyPath  string
	baseDir  string

	sshConn *ssh.Client
	client  *sftp.Client
}

var _ TransferClient = (*SFTPClient)(nil)

// NewSFTPClient creates a client; the connection opens on Connect. When
// keyPath is set, key authentication is used and the password is ignored.
func NewSFTPClient(host string, port int, username, password, keyPath, baseDir string) *SFTPClient {
	if port == 0 {
		port = 22
	}
	return &SFTPClient{
		host:     host,
		port:     port,
		username: username,
		password: password,
		keyPath:  keyPath,
		baseDir:  baseDir,
	}
}

func (c *SFTPClient) Connect(ctx context.Context) error {
	if c.client != nil {
		return nil
	}

	auth, err := c.authMethods()
	if err != nil {
		return err
	}
	cfg := &ssh.ClientConfig{
		User: c.username,
		Auth: auth,
		// Host key pinning is not configured; backup destinations are
		// operator-controlled hosts.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	dialer := net.Dialer{Timeout: cfg.Timeout}
	tcp, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classify(fmt.Errorf("connecting to %s: %w", addr, err))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(tcp, addr, cfg)
	if err != nil {
		tcp.Close()
		return classify(fmt.Errorf("ssh handshake with %s: %w (%w)", addr, err, ErrNotAuthenticated))
	}
	c.sshConn = ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(c.sshConn)
	if err != nil {
		c.sshConn.Close()
		c.sshConn = nil
		return classify(fmt.Errorf("opening sftp session: %w", err))
	}
	c.client = client
	return nil
}

func (c *SFTPClient) authMethods() ([]ssh.AuthMethod, error) {
	if c.keyPath != "" {
		keyData, err := os.ReadFile(c.keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(c.password)}, nil
}

func (c *SFTPClient) ResetDir() error { return nil }

func (c *SFTPClient) abs(p string) string {
	return path.Join(c.baseDir, p)
}

func (c *SFTPClient) EnsureDir(dir string) error {
	if err := c.client.MkdirAll(c.abs(dir)); err != nil {
		return classify(fmt.Errorf("creating %s: %w", dir, err))
	}
	return nil
}

func (c *SFTPClient) Store(p string, r io.Reader) error {
	dir, _ := path.Split(p)
	if err := c.EnsureDir(dir); err != nil {
		return err
	}
	f, err := c.client.Create(c.abs(p))
	if err != nil {
		return classify(fmt.Errorf("creating %s: %w", p, err))
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return classify(fmt.Errorf("writing %s: %w", p, err))
	}
	return f.Close()
}

func (c *SFTPClient) List(dir string) ([]FileInfo, error) {
	entries, err := c.client.ReadDir(c.abs(dir))
	if err != nil {
		return nil, classify(fmt.Errorf("listing %s: %w", dir, err))
	}
	var out []FileInfo
	for _, e := range entries {
		out = append(out, FileInfo{
			Name:    e.Name(),
			Size:    e.Size(),
			ModTime: e.ModTime(),
			IsDir:   e.IsDir(),
		})
	}
	return out, nil
}

func (c *SFTPClient) Retrieve(p string) (io.ReadCloser, error) {
	f, err := c.client.Open(c.abs(p))
	if err != nil {
		return nil, classify(fmt.Errorf("opening %s: %w", p, err))
	}
	return f, nil
}

func (c *SFTPClient) Remove(p string) error {
	if err := c.client.Remove(c.abs(p)); err != nil {
		return classify(fmt.Errorf("deleting %s: %w", p, err))
	}
	return nil
}

func (c *SFTPClient) Close() error {
	var err error
	if c.client != nil {
		err = c.client.Close()
		c.client = nil
	}
	if c.sshConn != nil {
		if cerr := c.sshConn.Close(); err == nil {
			err = cerr
		}
		c.sshConn = nil
	}
	return err
}
