// Package storetest provides an in-memory fake of the blob service spoken to
// by the objectstore client, for use in tests of packages which persist
// objects.
package storetest

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clipvault/ingest/internal/objectstore"
)

const (
	KeyID          = "test-key-id"
	ApplicationKey = "test-application-key"
	BucketID       = "bucket-id"
	BucketName     = "test-bucket"
)

type (
	Object struct {
		ID          string
		Data        []byte
		ContentType string
		UploadedAt  time.Time
	}

	Server struct {
		*httptest.Server

		mu             sync.Mutex
		objects        map[string]Object
		validTokens    map[string]bool
		uploadTokens   map[string]bool
		authorizeCalls int
		uploadCalls    int
		reusedUploads  int
		downloads      []string
		authDelay      time.Duration
		failUploads    int
		failPrefixes   []string
		nextID         int
	}
)

// NewServer starts a fake store which is closed when the test completes.
func NewServer(t *testing.T) *Server {
	server := &Server{
		objects:      make(map[string]Object),
		validTokens:  make(map[string]bool),
		uploadTokens: make(map[string]bool),
	}
	server.Server = httptest.NewServer(server)
	t.Cleanup(server.Close)

	return server
}

// Config returns a client config pointing at this server.
func (s *Server) Config() objectstore.Config {
	return objectstore.Config{
		KeyID:          KeyID,
		ApplicationKey: ApplicationKey,
		BucketID:       BucketID,
		BucketName:     BucketName,
		AuthURL:        s.URL,
		TokenTTL:       23 * time.Hour,
		RequestTimeout: 10 * time.Second,
	}
}

// NewClient returns an object store client authorized against this server.
func (s *Server) NewClient(opts ...objectstore.Option) *objectstore.Client {
	return objectstore.New(s.Config(), opts...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	switch {
	case r.URL.Path == "/b2api/v2/b2_authorize_account":
		s.handleAuthorize(w, r)
	case r.URL.Path == "/b2api/v2/b2_get_upload_url":
		s.withAccountToken(w, r, s.handleGetUploadURL)
	case r.URL.Path == "/b2api/v2/b2_list_file_names":
		s.withAccountToken(w, r, s.handleList)
	case r.URL.Path == "/b2api/v2/b2_delete_file_version":
		s.withAccountToken(w, r, s.handleDelete)
	case strings.HasPrefix(r.URL.Path, "/upload/"):
		s.handleUpload(w, r)
	case strings.HasPrefix(r.URL.Path, "/file/"+BucketName+"/"):
		s.withAccountToken(w, r, s.handleDownload)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown path "+r.URL.Path)
	}
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	expected := "Basic " + base64.StdEncoding.EncodeToString([]byte(KeyID+":"+ApplicationKey))
	if r.Header.Get("Authorization") != expected {
		writeError(w, http.StatusUnauthorized, "unauthorized", "bad credentials")
		return
	}

	s.mu.Lock()
	delay := s.authDelay
	s.authorizeCalls++
	token := fmt.Sprintf("account-token-%d", s.authorizeCalls)
	s.validTokens[token] = true
	s.mu.Unlock()

	time.Sleep(delay)
	writeJSON(w, map[string]string{
		"accountId":          "account",
		"authorizationToken": token,
		"apiUrl":             s.URL,
		"downloadUrl":        s.URL,
	})
}

func (s *Server) withAccountToken(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request)) {
	s.mu.Lock()
	valid := s.validTokens[r.Header.Get("Authorization")]
	s.mu.Unlock()

	if !valid {
		writeError(w, http.StatusUnauthorized, "expired_auth_token", "authorization token expired")
		return
	}

	next(w, r)
}

func (s *Server) handleGetUploadURL(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	token := fmt.Sprintf("upload-token-%d", id)
	s.uploadTokens[token] = false
	s.mu.Unlock()

	writeJSON(w, map[string]string{
		"bucketId":           BucketID,
		"uploadUrl":          fmt.Sprintf("%s/upload/%d", s.URL, id),
		"authorizationToken": token,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	name, err := url.PathUnescape(r.Header.Get("X-Bz-File-Name"))
	if err != nil || name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing file name")
		return
	}

	sum := sha1.Sum(body)
	if r.Header.Get("X-Bz-Content-Sha1") != hex.EncodeToString(sum[:]) {
		writeError(w, http.StatusBadRequest, "bad_request", "sha1 mismatch")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.uploadCalls++
	token := r.Header.Get("Authorization")
	used, issued := s.uploadTokens[token]
	if !issued {
		writeError(w, http.StatusUnauthorized, "bad_auth_token", "unknown upload token")
		return
	} else if used {
		s.reusedUploads++
		writeError(w, http.StatusBadRequest, "bad_request", "upload url already used")
		return
	}
	s.uploadTokens[token] = true

	if s.failUploads > 0 || s.failsName(name) {
		if s.failUploads > 0 {
			s.failUploads--
		}
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "injected failure")
		return
	}

	s.nextID++
	obj := Object{
		ID:          fmt.Sprintf("file-%d", s.nextID),
		Data:        body,
		ContentType: r.Header.Get("Content-Type"),
		UploadedAt:  time.Now(),
	}
	s.objects[name] = obj
	writeJSON(w, fileInfo(name, obj))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), "/file/"+BucketName+"/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	s.mu.Lock()
	s.downloads = append(s.downloads, r.URL.RawQuery)
	obj, ok := s.objects[name]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "file not present: "+name)
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	_, _ = w.Write(obj.Data)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prefix        string  `json:"prefix"`
		StartFileName *string `json:"startFileName"`
		MaxFileCount  int     `json:"maxFileCount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	s.mu.Lock()
	names := make([]string, 0, len(s.objects))
	for name := range s.objects {
		if strings.HasPrefix(name, req.Prefix) && (req.StartFileName == nil || name >= *req.StartFileName) {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	var next *string
	if req.MaxFileCount > 0 && len(names) > req.MaxFileCount {
		next = &names[req.MaxFileCount]
		names = names[:req.MaxFileCount]
	}

	files := make([]objectstore.FileInfo, 0, len(names))
	for _, name := range names {
		files = append(files, fileInfo(name, s.objects[name]))
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"files": files, "nextFileName": next})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName string `json:"fileName"`
		FileID   string `json:"fileId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[req.FileName]
	if !ok || obj.ID != req.FileID {
		writeError(w, http.StatusBadRequest, "file_not_present", "no such file version")
		return
	}

	delete(s.objects, req.FileName)
	writeJSON(w, map[string]string{"fileName": req.FileName, "fileId": req.FileID})
}

// ExpireTokens invalidates every account token issued so far.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validTokens = make(map[string]bool)
}

// SetAuthorizeDelay slows down authorization responses, widening the window
// in which concurrent callers could race to re-authorize.
func (s *Server) SetAuthorizeDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authDelay = d
}

// FailUploads causes the next n uploads to be rejected with a 503.
func (s *Server) FailUploads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUploads = n
}

// FailUploadsWithPrefix rejects every upload whose name begins with the prefix given.
func (s *Server) FailUploadsWithPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPrefixes = append(s.failPrefixes, prefix)
}

func (s *Server) failsName(name string) bool {
	return slices.ContainsFunc(s.failPrefixes, func(p string) bool { return strings.HasPrefix(name, p) })
}

func (s *Server) Put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.objects[name] = Object{ID: fmt.Sprintf("file-%d", s.nextID), Data: data, UploadedAt: time.Now()}
}

func (s *Server) Get(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[name]
	return slices.Clone(obj.Data), ok
}

// Names returns the sorted names of all stored objects beginning with prefix.
func (s *Server) Names(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0)
	for name := range s.objects {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func (s *Server) AuthorizeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorizeCalls
}

func (s *Server) UploadCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadCalls
}

// ReusedUploads counts uploads which presented an upload token that had
// already been used.
func (s *Server) ReusedUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reusedUploads
}

// DownloadQueries returns the raw query strings of every download request.
func (s *Server) DownloadQueries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.downloads)
}

func fileInfo(name string, obj Object) objectstore.FileInfo {
	sum := sha1.Sum(obj.Data)
	return objectstore.FileInfo{
		FileID:          obj.ID,
		FileName:        name,
		ContentLength:   int64(len(obj.Data)),
		ContentSha1:     hex.EncodeToString(sum[:]),
		ContentType:     obj.ContentType,
		UploadTimestamp: obj.UploadedAt.UnixMilli(),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "code": code, "message": message})
}
