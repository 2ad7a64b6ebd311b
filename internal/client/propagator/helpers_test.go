package propagator

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/swissdisk/swissdisk/internal/client/bandwidth"
	"github.com/swissdisk/swissdisk/internal/client/journal"
	"github.com/swissdisk/swissdisk/internal/davsdk"
)

const davPrefix = "/remote.php/webdav/"

type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// fakeDAV records every request and delegates the answer to handler.
type fakeDAV struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request, body []byte)
}

func (f *fakeDAV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	handler(w, r, body)
}

func (f *fakeDAV) Requests() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func (f *fakeDAV) RequestsWithMethod(method string) []recordedRequest {
	var out []recordedRequest
	for _, r := range f.Requests() {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

type testEnv struct {
	dav      *fakeDAV
	server   *httptest.Server
	journal  *journal.SyncJournal
	localDir string
	opts     *Options
	account  *davsdk.Account
}

func newTestEnv(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body []byte)) *testEnv {
	t.Helper()

	dav := &fakeDAV{handler: handler}
	srv := httptest.NewServer(dav)
	t.Cleanup(srv.Close)

	localDir := t.TempDir()
	j, err := journal.NewSyncJournal(filepath.Join(t.TempDir(), ".sync_journal.db"))
	require.NoError(t, err)
	require.NoError(t, j.Open())
	t.Cleanup(func() { j.Close() })

	acc, err := davsdk.NewAccount(&davsdk.AccountConfig{
		ServerURL:   srv.URL,
		Credentials: davsdk.NewHTTPCredentials("alice", "secret", nil),
		Timeout:     10 * time.Second,
	})
	require.NoError(t, err)

	return &testEnv{
		dav:      dav,
		server:   srv,
		journal:  j,
		localDir: localDir,
		account:  acc,
		opts: &Options{
			LocalDir:     localDir,
			PollInterval: 10 * time.Millisecond,
		},
	}
}

func (e *testEnv) propagator(t *testing.T) *Propagator {
	t.Helper()
	p, err := New(e.account, e.journal, bandwidth.NewManager(), e.opts)
	require.NoError(t, err)
	return p
}

// oldModTime is far enough in the past to pass the minimum file age.
var oldModTime = time.Now().Add(-time.Hour).Truncate(time.Second)

func (e *testEnv) writeFile(t *testing.T, rel string, size int) *SyncItem {
	t.Helper()
	p := filepath.Join(e.localDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("x", size)), 0o644))
	require.NoError(t, os.Chtimes(p, oldModTime, oldModTime))
	return &SyncItem{
		File:        rel,
		Instruction: InstructionNew,
		Direction:   DirectionUp,
		Type:        journal.ItemTypeFile,
		ModTime:     oldModTime,
		Size:        int64(size),
	}
}

func (e *testEnv) readFile(t *testing.T, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(e.localDir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(b)
}
