package objectstore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clipvault/ingest/pkg/logger"
	"golang.org/x/sync/singleflight"
)

var log = logger.Get("ObjectStore")

const (
	apiVersionPath = "/b2api/v2/"
	listPageSize   = 1000
)

type (
	// Authorization is the result of an account authorization. The token
	// is valid for API calls and downloads until ExpiresAt.
	Authorization struct {
		AccountID   string
		Token       string
		APIURL      string
		DownloadURL string
		ExpiresAt   time.Time
	}

	// UploadCredential is a one-time upload URL and token pair. The store
	// permits exactly one upload per credential.
	UploadCredential struct {
		URL   string
		Token string
		used  atomic.Bool
	}

	FileInfo struct {
		FileID          string `json:"fileId"`
		FileName        string `json:"fileName"`
		ContentLength   int64  `json:"contentLength"`
		ContentSha1     string `json:"contentSha1"`
		ContentType     string `json:"contentType"`
		UploadTimestamp int64  `json:"uploadTimestamp"`
	}

	Option func(*Client)

	// Client talks to a B2 compatible blob service. The account authorization
	// is cached on the client for Config.TokenTTL and refreshed by at most one
	// caller at a time; all other callers wait for and share that result.
	Client struct {
		config     Config
		httpClient *http.Client
		clock      func() time.Time

		authMu sync.RWMutex
		auth   *Authorization
		group  singleflight.Group
	}
)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithClock(clock func() time.Time) Option {
	return func(c *Client) { c.clock = clock }
}

func New(config Config, opts ...Option) *Client {
	client := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Authorize returns the cached account authorization, or performs a new
// authorization if none is cached or the cached one has expired.
func (client *Client) Authorize(ctx context.Context) (Authorization, error) {
	client.authMu.RLock()
	cached := client.auth
	client.authMu.RUnlock()
	if cached != nil && client.clock().Before(cached.ExpiresAt) {
		return *cached, nil
	}

	flight := client.group.DoChan("authorize", func() (any, error) {
		// Another caller may have refreshed while we were waiting to enter
		client.authMu.RLock()
		cached := client.auth
		client.authMu.RUnlock()
		if cached != nil && client.clock().Before(cached.ExpiresAt) {
			return *cached, nil
		}

		// The result is shared by every waiter, so the request must not be
		// bound to the cancellation of whichever caller started it.
		flightCtx, cancel := client.requestContext(context.WithoutCancel(ctx))
		defer cancel()

		auth, err := client.authorizeAccount(flightCtx)
		if err != nil {
			return nil, err
		}

		client.authMu.Lock()
		client.auth = &auth
		client.authMu.Unlock()
		return auth, nil
	})

	select {
	case <-ctx.Done():
		return Authorization{}, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return Authorization{}, res.Err
		}

		return res.Val.(Authorization), nil
	}
}

func (client *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if client.config.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, client.config.RequestTimeout)
}

// invalidate drops the cached authorization if it still holds the token
// provided, forcing the next call to Authorize to re-authorize.
func (client *Client) invalidate(token string) {
	client.authMu.Lock()
	defer client.authMu.Unlock()

	if client.auth != nil && client.auth.Token == token {
		log.Emit(logger.DEBUG, "Invalidating cached store authorization\n")
		client.auth = nil
	}
}

func (client *Client) authorizeAccount(ctx context.Context) (Authorization, error) {
	log.Emit(logger.INFO, "Authorizing with object store at %s\n", client.config.AuthURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(client.config.AuthURL, "/")+apiVersionPath+"b2_authorize_account", nil)
	if err != nil {
		return Authorization{}, err
	}
	req.SetBasicAuth(client.config.KeyID, client.config.ApplicationKey)

	var body struct {
		AccountID          string `json:"accountId"`
		AuthorizationToken string `json:"authorizationToken"`
		APIURL             string `json:"apiUrl"`
		DownloadURL        string `json:"downloadUrl"`
	}
	if err := client.doJSON(req, "authorize", &body); err != nil {
		return Authorization{}, err
	}

	return Authorization{
		AccountID:   body.AccountID,
		Token:       body.AuthorizationToken,
		APIURL:      body.APIURL,
		DownloadURL: body.DownloadURL,
		ExpiresAt:   client.clock().Add(client.config.TokenTTL),
	}, nil
}

// GetUploadCredential requests a fresh single-use upload URL for the
// configured bucket.
func (client *Client) GetUploadCredential(ctx context.Context) (*UploadCredential, error) {
	auth, err := client.Authorize(ctx)
	if err != nil {
		return nil, err
	}

	var body struct {
		UploadURL          string `json:"uploadUrl"`
		AuthorizationToken string `json:"authorizationToken"`
	}
	if err := client.apiCall(ctx, auth, "b2_get_upload_url", map[string]string{"bucketId": client.config.BucketID}, &body); err != nil {
		return nil, err
	}

	return &UploadCredential{URL: body.UploadURL, Token: body.AuthorizationToken}, nil
}

// Upload writes the body to the store under the name provided, using (and consuming)
// the upload credential given. A credential that has already been used is rejected
// before any network activity takes place.
func (client *Client) Upload(ctx context.Context, cred *UploadCredential, name string, body io.ReadSeeker, contentType string) (*FileInfo, error) {
	if !cred.used.CompareAndSwap(false, true) {
		return nil, ErrCredentialUsed
	}

	hash := sha1.New()
	size, err := io.Copy(hash, body)
	if err != nil {
		return nil, fmt.Errorf("failed to hash upload body for '%s': %w", name, err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind upload body for '%s': %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.URL, io.NopCloser(body))
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Authorization", cred.Token)
	req.Header.Set("X-Bz-File-Name", escapeName(name))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Bz-Content-Sha1", hex.EncodeToString(hash.Sum(nil)))

	resp, err := client.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &AuthExpiredError{Op: "upload"}
	case resp.StatusCode >= 300:
		return nil, &StorageWriteError{Name: name, StatusCode: resp.StatusCode, Err: readError(resp)}
	}

	var info FileInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, &StorageWriteError{Name: name, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed upload response: %w", err)}
	}

	log.Emit(logger.DEBUG, "Uploaded %s (%d bytes)\n", name, size)
	return &info, nil
}

// Put uploads the body using a fresh upload credential. If the store reports the
// authorization has expired, the client re-authorizes and retries once (with
// another fresh credential).
func (client *Client) Put(ctx context.Context, name string, body io.ReadSeeker, contentType string) (*FileInfo, error) {
	for attempt := 0; ; attempt++ {
		info, err := client.put(ctx, name, body, contentType)
		if err == nil {
			return info, nil
		}

		var authErr *AuthExpiredError
		if attempt > 0 || !errors.As(err, &authErr) {
			return nil, err
		}

		log.Warnf("Authorization expired while writing '%s', re-authorizing and retrying\n", name)
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	}
}

func (client *Client) put(ctx context.Context, name string, body io.ReadSeeker, contentType string) (*FileInfo, error) {
	auth, err := client.Authorize(ctx)
	if err != nil {
		return nil, err
	}

	cred, err := client.GetUploadCredential(ctx)
	if err != nil {
		if isAuthExpired(err) {
			client.invalidate(auth.Token)
		}
		return nil, err
	}

	info, err := client.Upload(ctx, cred, name, body, contentType)
	if isAuthExpired(err) {
		client.invalidate(auth.Token)
	}

	return info, err
}

// PutFile uploads the file at the path provided. See Put.
func (client *Client) PutFile(ctx context.Context, name string, path string, contentType string) (*FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return client.Put(ctx, name, f, contentType)
}

// Download reads the whole object. The request carries a cache-busting query
// parameter so that intermediate caches never serve a stale copy.
func (client *Client) Download(ctx context.Context, name string) ([]byte, error) {
	var buf bytes.Buffer
	if err := client.DownloadTo(ctx, name, &buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DownloadTo streams the object into the writer provided. If the authorization
// has expired the download is retried once after re-authorizing, which is only
// safe because a rejected request never writes any bytes.
func (client *Client) DownloadTo(ctx context.Context, name string, w io.Writer) error {
	for attempt := 0; ; attempt++ {
		auth, err := client.Authorize(ctx)
		if err != nil {
			return err
		}

		err = client.download(ctx, auth, name, w)
		if attempt == 0 && isAuthExpired(err) {
			client.invalidate(auth.Token)
			continue
		}

		return err
	}
}

func (client *Client) download(ctx context.Context, auth Authorization, name string, w io.Writer) error {
	target := fmt.Sprintf("%s/file/%s/%s?cb=%d", strings.TrimRight(auth.DownloadURL, "/"), client.config.BucketName, escapeName(name), client.clock().UnixNano())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth.Token)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: "download", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthExpiredError{Op: "download"}
	case resp.StatusCode >= 300:
		return &NetworkError{Op: "download", StatusCode: resp.StatusCode, Err: readError(resp)}
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return &NetworkError{Op: "download", Err: err}
	}

	return nil
}

// List returns every file whose name begins with the prefix provided, in
// lexicographic name order.
func (client *Client) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	auth, err := client.Authorize(ctx)
	if err != nil {
		return nil, err
	}

	var (
		files []FileInfo
		start *string
	)
	for {
		var page struct {
			Files        []FileInfo `json:"files"`
			NextFileName *string    `json:"nextFileName"`
		}
		request := map[string]any{
			"bucketId":      client.config.BucketID,
			"prefix":        prefix,
			"maxFileCount":  listPageSize,
			"startFileName": start,
		}
		if err := client.apiCall(ctx, auth, "b2_list_file_names", request, &page); err != nil {
			return nil, err
		}

		files = append(files, page.Files...)
		if page.NextFileName == nil || *page.NextFileName == "" {
			return files, nil
		}
		start = page.NextFileName
	}
}

func (client *Client) Delete(ctx context.Context, file FileInfo) error {
	auth, err := client.Authorize(ctx)
	if err != nil {
		return err
	}

	request := map[string]string{"fileName": file.FileName, "fileId": file.FileID}
	return client.apiCall(ctx, auth, "b2_delete_file_version", request, nil)
}

// PublicURL returns the URL at which the named file can be fetched.
func (client *Client) PublicURL(name string) string {
	base := client.config.PublicURL
	if base == "" {
		client.authMu.RLock()
		if client.auth != nil {
			base = client.auth.DownloadURL + "/file/" + client.config.BucketName
		}
		client.authMu.RUnlock()
	}

	return strings.TrimRight(base, "/") + "/" + escapeName(name)
}

func (client *Client) apiCall(ctx context.Context, auth Authorization, op string, request any, out any) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(auth.APIURL, "/")+apiVersionPath+op, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth.Token)
	req.Header.Set("Content-Type", "application/json")

	return client.doJSON(req, op, out)
}

func (client *Client) doJSON(req *http.Request, op string, out any) error {
	resp, err := client.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized && op != "authorize":
		return &AuthExpiredError{Op: op}
	case resp.StatusCode >= 300:
		return &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: readError(resp)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", err)}
	}

	return nil
}

func readError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return fmt.Errorf("%s: %s", body.Code, body.Message)
	}

	return errors.New(strconv.Quote(strings.TrimSpace(string(raw))))
}

func isAuthExpired(err error) bool {
	var authErr *AuthExpiredError
	return errors.As(err, &authErr)
}

// escapeName percent-encodes each segment of a file name while
// preserving the '/' separators.
func escapeName(name string) string {
	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return strings.Join(segments, "/")
}
