package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"backrun/internal/config"
	"backrun/internal/core"
	"backrun/internal/namer"
)

const (
	defaultDriveAPIBase    = "https://www.googleapis.com/drive/v3"
	defaultDriveUploadBase = "https://www.googleapis.com/upload/drive/v3"
	defaultDriveTokenURL   = "https://oauth2.googleapis.com/token"

	// driveChunkSize is the resumable upload chunk size. The API requires
	// a multiple of 256 KiB; 5 MiB keeps memory bounded on large worlds.
	driveChunkSize = 5 * 1024 * 1024

	// driveMaxAttempts bounds retries of a single chunk before the
	// session is abandoned.
	driveMaxAttempts = 5
	driveRetryBase   = time.Second
)

// CloudDriveUploader ships archives to a Drive-style REST API: a folder
// tree addressed by IDs, paged children listings, and resumable chunked
// upload sessions.
type CloudDriveUploader struct {
	errState

	id          string
	apiBase     string
	uploadBase  string
	rootFolder  string
	sharedDrive string

	oauth  *oauth2.Config
	store  core.CredentialStore
	client *http.Client
	logger core.Logger

	testDelay time.Duration

	// folderCache maps resolved folder paths to their IDs for the
	// lifetime of the adapter.
	folderCache map[string]string
}

var _ core.Uploader = (*CloudDriveUploader)(nil)

// NewCloudDriveUploader creates the adapter. The destination counts as
// linked once the credential store holds a refresh token under the
// adapter's ID.
func NewCloudDriveUploader(cfg config.RemoteConfig, store core.CredentialStore, logger core.Logger) *CloudDriveUploader {
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultDriveAPIBase
	}
	uploadBase := cfg.UploadBase
	if uploadBase == "" {
		uploadBase = defaultDriveUploadBase
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultDriveTokenURL
	}
	rootFolder := cfg.RootFolder
	if rootFolder == "" {
		rootFolder = "backrun"
	}

	return &CloudDriveUploader{
		id:          cfg.ID,
		apiBase:     strings.TrimRight(apiBase, "/"),
		uploadBase:  strings.TrimRight(uploadBase, "/"),
		rootFolder:  rootFolder,
		sharedDrive: cfg.SharedDrive,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		store:       store,
		logger:      logger,
		testDelay:   defaultTestDelay,
		folderCache: map[string]string{},
	}
}

func (u *CloudDriveUploader) ID() string   { return u.id }
func (u *CloudDriveUploader) Kind() string { return "clouddrive" }

func (u *CloudDriveUploader) Linked() bool {
	cred, err := u.store.Credential(u.id)
	return err == nil && cred != nil && cred.RefreshToken != ""
}

// httpClient returns an authenticated client, building it lazily so the
// refresh token is read after `credentials set` has run.
func (u *CloudDriveUploader) httpClient(ctx context.Context) (*http.Client, error) {
	if u.client != nil {
		return u.client, nil
	}
	cred, err := u.store.Credential(u.id)
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}
	if cred == nil || cred.RefreshToken == "" {
		return nil, fmt.Errorf("remote %s: %w", u.id, ErrNotAuthenticated)
	}

	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	}
	src := &persistingTokenSource{
		id:    u.id,
		store: u.store,
		src:   u.oauth.TokenSource(ctx, tok),
		last:  tok,
	}
	u.client = oauth2.NewClient(ctx, src)
	return u.client, nil
}

// Upload pushes the archive through a resumable session into the set's
// folder chain, creating folders as needed.
func (u *CloudDriveUploader) Upload(ctx context.Context, a core.Archive) error {
	f, err := os.Open(a.LocalPath)
	if err != nil {
		return u.fail(fmt.Errorf("opening archive: %w", err))
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return u.fail(fmt.Errorf("stat archive: %w", err))
	}

	folderID, err := u.resolveFolder(ctx, a.SetKey, true)
	if err != nil {
		return u.fail(err)
	}
	if err := u.uploadStream(ctx, folderID, a.Name, f, fi.Size()); err != nil {
		return u.fail(err)
	}
	return nil
}

// Test uploads a probe into the root folder, waits out the consistency
// delay, and deletes it again.
func (u *CloudDriveUploader) Test(ctx context.Context) error {
	folderID, err := u.resolveFolder(ctx, "", true)
	if err != nil {
		return u.fail(err)
	}

	body := probeBody()
	name := probeName(time.Now())
	if err := u.uploadStream(ctx, folderID, name, bytes.NewReader(body), int64(len(body))); err != nil {
		return u.fail(err)
	}

	select {
	case <-time.After(u.testDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	files, err := u.listLocation(ctx, "")
	if err != nil {
		return u.fail(err)
	}
	for _, f := range files {
		if f.name == name {
			return u.fail(u.deleteFile(ctx, "", f))
		}
	}
	return u.fail(fmt.Errorf("probe %s not visible after upload", name))
}

func (u *CloudDriveUploader) Prune(ctx context.Context, setKey string, pat namer.Pattern, keep int) error {
	return u.fail(pruneLocation(ctx, u, setKey, pat, keep, u.logger))
}

func (u *CloudDriveUploader) Close() error { return nil }

// driveFile is the wire shape of one file entry.
type driveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	ModifiedTime string `json:"modifiedTime"`
}

type driveFileList struct {
	Files         []driveFile `json:"files"`
	NextPageToken string      `json:"nextPageToken"`
}

// resolveFolder walks the folder chain rootFolder/<setKey segments>,
// creating missing segments when create is true, and returns the leaf ID.
func (u *CloudDriveUploader) resolveFolder(ctx context.Context, setKey string, create bool) (string, error) {
	segments := []string{u.rootFolder}
	if setKey != "" {
		segments = append(segments, strings.Split(setKey, "/")...)
	}

	fullPath := strings.Join(segments, "/")
	if id, ok := u.folderCache[fullPath]; ok {
		return id, nil
	}

	parent := "root"
	if u.sharedDrive != "" {
		parent = u.sharedDrive
	}
	for i, seg := range segments {
		id, err := u.findChildFolder(ctx, parent, seg)
		if err != nil {
			return "", err
		}
		if id == "" {
			if !create {
				return "", fmt.Errorf("folder %s not found", strings.Join(segments[:i+1], "/"))
			}
			id, err = u.createFolder(ctx, parent, seg)
			if err != nil {
				return "", err
			}
		}
		parent = id
	}

	u.folderCache[fullPath] = parent
	return parent, nil
}

func (u *CloudDriveUploader) findChildFolder(ctx context.Context, parentID, name string) (string, error) {
	query := fmt.Sprintf("'%s' in parents and name = '%s' and mimeType = 'application/vnd.google-apps.folder' and trashed = false",
		parentID, strings.ReplaceAll(name, "'", "\\'"))

	var list driveFileList
	if err := u.getJSON(ctx, u.listURL(query, ""), &list); err != nil {
		return "", err
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].ID, nil
}

func (u *CloudDriveUploader) createFolder(ctx context.Context, parentID, name string) (string, error) {
	payload := map[string]any{
		"name":     name,
		"mimeType": "application/vnd.google-apps.folder",
		"parents":  []string{parentID},
	}
	var created driveFile
	if err := u.postJSON(ctx, u.apiBase+"/files?supportsAllDrives=true", payload, &created); err != nil {
		return "", fmt.Errorf("creating folder %s: %w", name, err)
	}
	return created.ID, nil
}

// listLocation lists the files in a set's folder, following page tokens.
func (u *CloudDriveUploader) listLocation(ctx context.Context, setKey string) ([]remoteFile, error) {
	folderID, err := u.resolveFolder(ctx, setKey, false)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("'%s' in parents and trashed = false", folderID)
	var out []remoteFile
	pageToken := ""
	for {
		var list driveFileList
		if err := u.getJSON(ctx, u.listURL(query, pageToken), &list); err != nil {
			return nil, err
		}
		for _, f := range list.Files {
			if f.MimeType == "application/vnd.google-apps.folder" {
				continue
			}
			mod, _ := time.Parse(time.RFC3339, f.ModifiedTime)
			out = append(out, remoteFile{id: f.ID, name: f.Name, modTime: mod})
		}
		if list.NextPageToken == "" {
			return out, nil
		}
		pageToken = list.NextPageToken
	}
}

func (u *CloudDriveUploader) deleteFile(ctx context.Context, _ string, f remoteFile) error {
	client, err := u.httpClient(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		u.apiBase+"/files/"+f.id+"?supportsAllDrives=true", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return classifyStatus(resp, "deleting "+f.name)
}

func (u *CloudDriveUploader) listURL(query, pageToken string) string {
	v := url.Values{}
	v.Set("q", query)
	v.Set("fields", "nextPageToken, files(id, name, mimeType, modifiedTime)")
	v.Set("pageSize", "100")
	v.Set("supportsAllDrives", "true")
	v.Set("includeItemsFromAllDrives", "true")
	if u.sharedDrive != "" {
		v.Set("corpora", "drive")
		v.Set("driveId", u.sharedDrive)
	}
	if pageToken != "" {
		v.Set("pageToken", pageToken)
	}
	return u.apiBase + "/files?" + v.Encode()
}

func (u *CloudDriveUploader) getJSON(ctx context.Context, rawURL string, dst any) error {
	client, err := u.httpClient(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp, "listing files"); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (u *CloudDriveUploader) postJSON(ctx context.Context, rawURL string, payload, dst any) error {
	client, err := u.httpClient(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp, "creating resource"); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// uploadStream runs one resumable upload session: open the session, then
// push fixed-size chunks with Content-Range headers, retrying transient
// failures with capped exponential backoff and resuming from the offset
// the server acknowledges.
func (u *CloudDriveUploader) uploadStream(ctx context.Context, folderID, name string, r io.ReaderAt, size int64) error {
	session, err := u.openSession(ctx, folderID, name)
	if err != nil {
		return err
	}

	var offset int64
	for offset < size {
		end := offset + driveChunkSize
		if end > size {
			end = size
		}

		next, err := u.putChunk(ctx, session, r, offset, end, size)
		if err != nil {
			return fmt.Errorf("uploading %s at offset %d: %w", name, offset, err)
		}
		offset = next
	}
	return nil
}

func (u *CloudDriveUploader) openSession(ctx context.Context, folderID, name string) (string, error) {
	client, err := u.httpClient(ctx)
	if err != nil {
		return "", err
	}
	meta, err := json.Marshal(map[string]any{
		"name":    name,
		"parents": []string{folderID},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.uploadBase+"/files?uploadType=resumable&supportsAllDrives=true", bytes.NewReader(meta))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if err := classifyStatus(resp, "opening upload session"); err != nil {
		return "", err
	}

	session := resp.Header.Get("Location")
	if session == "" {
		return "", fmt.Errorf("upload session response carried no location")
	}
	return session, nil
}

// putChunk uploads bytes [offset, end) and returns the next offset to send
// from, which may be behind end if the server acknowledged less.
func (u *CloudDriveUploader) putChunk(ctx context.Context, session string, r io.ReaderAt, offset, end, total int64) (int64, error) {
	client, err := u.httpClient(ctx)
	if err != nil {
		return 0, err
	}

	for attempt := 0; ; attempt++ {
		chunk := io.NewSectionReader(r, offset, end-offset)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, session, chunk)
		if err != nil {
			return 0, err
		}
		req.ContentLength = end - offset
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end-1, total))

		resp, err := client.Do(req)
		if err == nil {
			next, done, chunkErr := chunkOutcome(resp, end, total)
			resp.Body.Close()
			if chunkErr == nil {
				if done {
					return total, nil
				}
				return next, nil
			}
			if !retryableStatus(resp.StatusCode) {
				return 0, chunkErr
			}
			err = chunkErr
		} else {
			err = classify(err)
		}

		if attempt+1 >= driveMaxAttempts {
			return 0, fmt.Errorf("chunk failed after %d attempts: %w", driveMaxAttempts, err)
		}
		delay := driveRetryBase << attempt
		u.logger.Warn("chunk upload failed, retrying", "adapter", u.id, "attempt", attempt+1, "delay", delay.String(), "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// chunkOutcome interprets a chunk response: 308 means keep going from the
// offset in the Range header, 2xx means the file is complete.
func chunkOutcome(resp *http.Response, end, total int64) (next int64, done bool, err error) {
	io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode == 308:
		return nextOffsetFromRange(resp.Header.Get("Range"), end), false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return total, true, nil
	default:
		return 0, false, classifyStatus(resp, "uploading chunk")
	}
}

// nextOffsetFromRange parses "bytes=0-5242879" into the next offset to
// send. A missing or malformed header falls back to the optimistic end.
func nextOffsetFromRange(header string, fallback int64) int64 {
	const prefix = "bytes=0-"
	if !strings.HasPrefix(header, prefix) {
		return fallback
	}
	var last int64
	if _, err := fmt.Sscanf(header[len(prefix):], "%d", &last); err != nil {
		return fallback
	}
	return last + 1
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// persistingTokenSource writes refreshed tokens back to the credential
// store so a restart does not need a fresh refresh cycle.
type persistingTokenSource struct {
	id    string
	store core.CredentialStore
	src   oauth2.TokenSource
	last  *oauth2.Token
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.last.AccessToken {
		p.last = tok
		// Best effort; the token still works for this process.
		_ = p.store.Store(p.id, &core.Credential{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
		})
	}
	return tok, nil
}
