package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"backrun/internal/config"
	"backrun/internal/core"
	"backrun/internal/namer"
)

// FileInfo is one entry at a transfer server path.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// TransferClient is the protocol-independent surface over an FTP or SFTP
// connection. The external source ingester shares it with the upload
// adapter. Paths are slash-separated and relative to the configured base
// directory.
type TransferClient interface {
	Connect(ctx context.Context) error
	// ResetDir returns the connection to the base directory. FTP
	// connections carry a working directory between commands, so every
	// operation sequence starts here.
	ResetDir() error
	EnsureDir(dir string) error
	Store(p string, r io.Reader) error
	List(dir string) ([]FileInfo, error)
	Retrieve(p string) (io.ReadCloser, error)
	Remove(p string) error
	Close() error
}

// FTPClient implements TransferClient over plain FTP.
type FTPClient struct {
	host     string
	port     int
	username string
	password string
	baseDir  string

	conn *ftp.ServerConn
}

var _ TransferClient = (*FTPClient)(nil)

// NewFTPClient creates a client; the connection opens on Connect.
func NewFTPClient(host string, port int, username, password, baseDir string) *FTPClient {
	if port == 0 {
		port = 21
	}
	return &FTPClient{
		host:     host,
		port:     port,
		username: username,
		password: password,
		baseDir:  strings.Trim(baseDir, "/"),
	}
}

func (c *FTPClient) Connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, err := ftp.Dial(
		fmt.Sprintf("%s:%d", c.host, c.port),
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(30*time.Second),
	)
	if err != nil {
		return classify(fmt.Errorf("connecting to %s: %w", c.host, err))
	}
	if err := conn.Login(c.username, c.password); err != nil {
		conn.Quit()
		return fmt.Errorf("login as %s: %w (%w)", c.username, err, ErrNotAuthenticated)
	}
	c.conn = conn
	return c.ResetDir()
}

func (c *FTPClient) ResetDir() error {
	if err := c.conn.ChangeDir("/"); err != nil {
		return classify(fmt.Errorf("resetting working directory: %w", err))
	}
	if c.baseDir == "" {
		return nil
	}
	if err := c.conn.ChangeDir(c.baseDir); err != nil {
		return classify(fmt.Errorf("entering base directory %s: %w", c.baseDir, err))
	}
	return nil
}

// EnsureDir creates the directory chain, one MakeDir per segment.
// "already exists" answers are indistinguishable from other failures on
// many servers, so creation errors surface on the ChangeDir that follows.
func (c *FTPClient) EnsureDir(dir string) error {
	if err := c.ResetDir(); err != nil {
		return err
	}
	for _, seg := range pathSegments(dir) {
		c.conn.MakeDir(seg)
		if err := c.conn.ChangeDir(seg); err != nil {
			return classify(fmt.Errorf("entering %s: %w", seg, err))
		}
	}
	return nil
}

func (c *FTPClient) Store(p string, r io.Reader) error {
	dir, name := path.Split(p)
	if err := c.EnsureDir(strings.Trim(dir, "/")); err != nil {
		return err
	}
	if err := c.conn.Stor(name, r); err != nil {
		return classify(fmt.Errorf("storing %s: %w", p, err))
	}
	return nil
}

func (c *FTPClient) List(dir string) ([]FileInfo, error) {
	if err := c.ResetDir(); err != nil {
		return nil, err
	}
	for _, seg := range pathSegments(dir) {
		if err := c.conn.ChangeDir(seg); err != nil {
			return nil, classify(fmt.Errorf("entering %s: %w", seg, err))
		}
	}

	entries, err := c.conn.List("")
	if err != nil {
		return nil, classify(fmt.Errorf("listing %s: %w", dir, err))
	}
	var out []FileInfo
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		out = append(out, FileInfo{
			Name:    e.Name,
			Size:    int64(e.Size),
			ModTime: e.Time,
			IsDir:   e.Type == ftp.EntryTypeFolder,
		})
	}
	return out, nil
}

func (c *FTPClient) Retrieve(p string) (io.ReadCloser, error) {
	if err := c.ResetDir(); err != nil {
		return nil, err
	}
	resp, err := c.conn.Retr(p)
	if err != nil {
		return nil, classify(fmt.Errorf("retrieving %s: %w", p, err))
	}
	return resp, nil
}

func (c *FTPClient) Remove(p string) error {
	if err := c.ResetDir(); err != nil {
		return err
	}
	if err := c.conn.Delete(p); err != nil {
		return classify(fmt.Errorf("deleting %s: %w", p, err))
	}
	return nil
}

func (c *FTPClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Quit()
	c.conn = nil
	return err
}

func pathSegments(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return nil
	}
	return strings.Split(p, "/")
}

// FileTransferUploader is the upload adapter over a TransferClient, shared
// by the ftp and sftp protocols.
type FileTransferUploader struct {
	errState

	id       string
	protocol string
	baseDir  string
	client   TransferClient
	logger   core.Logger

	testDelay time.Duration
}

var _ core.Uploader = (*FileTransferUploader)(nil)

// NewFileTransferUploader builds the adapter for the config's protocol.
func NewFileTransferUploader(cfg config.RemoteConfig, logger core.Logger) (*FileTransferUploader, error) {
	var client TransferClient
	switch cfg.Protocol {
	case "ftp":
		client = NewFTPClient(cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.BaseDir)
	case "sftp":
		client = NewSFTPClient(cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.KeyPath, cfg.BaseDir)
	default:
		return nil, fmt.Errorf("unknown filetransfer protocol: %q", cfg.Protocol)
	}
	return &FileTransferUploader{
		id:        cfg.ID,
		protocol:  cfg.Protocol,
		client:    client,
		logger:    logger,
		testDelay: defaultTestDelay,
	}, nil
}

func (u *FileTransferUploader) ID() string   { return u.id }
func (u *FileTransferUploader) Kind() string { return "filetransfer" }

// Linked is always true: credentials live in the config.
func (u *FileTransferUploader) Linked() bool { return true }

func (u *FileTransferUploader) Upload(ctx context.Context, a core.Archive) error {
	if err := u.client.Connect(ctx); err != nil {
		return u.fail(err)
	}
	f, err := os.Open(a.LocalPath)
	if err != nil {
		return u.fail(fmt.Errorf("opening archive: %w", err))
	}
	defer f.Close()

	if err := u.client.Store(path.Join(a.SetKey, a.Name), f); err != nil {
		return u.fail(err)
	}
	return nil
}

func (u *FileTransferUploader) Test(ctx context.Context) error {
	if err := u.client.Connect(ctx); err != nil {
		return u.fail(err)
	}

	name := probeName(time.Now())
	if err := u.client.Store(name, strings.NewReader(string(probeBody()))); err != nil {
		return u.fail(err)
	}

	select {
	case <-time.After(u.testDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return u.fail(u.client.Remove(name))
}

func (u *FileTransferUploader) Prune(ctx context.Context, setKey string, pat namer.Pattern, keep int) error {
	if err := u.client.Connect(ctx); err != nil {
		return u.fail(err)
	}
	return u.fail(pruneLocation(ctx, u, setKey, pat, keep, u.logger))
}

func (u *FileTransferUploader) Close() error { return u.client.Close() }

func (u *FileTransferUploader) listLocation(_ context.Context, setKey string) ([]remoteFile, error) {
	entries, err := u.client.List(setKey)
	if err != nil {
		return nil, err
	}
	var out []remoteFile
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		p := path.Join(setKey, e.Name)
		out = append(out, remoteFile{id: p, name: e.Name, modTime: e.ModTime})
	}
	return out, nil
}

func (u *FileTransferUploader) deleteFile(_ context.Context, _ string, f remoteFile) error {
	return u.client.Remove(f.id)
}
