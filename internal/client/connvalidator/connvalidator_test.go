package connvalidator

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swissdisk/swissdisk/internal/davsdk"
)

const multistatus = `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/remote.php/webdav/</d:href>
    <d:propstat>
      <d:prop><d:getlastmodified>Mon, 02 Jan 2006 15:04:05 GMT</d:getlastmodified></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

type fakeServer struct {
	statusCode    int
	statusBody    string
	propfindCode  int
	propfindCalls atomic.Int32
	delay         time.Duration
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-r.Context().Done():
			return
		}
	}
	switch {
	case r.URL.Path == "/status.php":
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.statusCode)
		io.WriteString(w, f.statusBody)
	case r.Method == davsdk.MethodPropfind:
		f.propfindCalls.Add(1)
		w.WriteHeader(f.propfindCode)
		if f.propfindCode == http.StatusMultiStatus {
			io.WriteString(w, multistatus)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newAccount(t *testing.T, url string, creds davsdk.Credentials, timeout time.Duration) *davsdk.Account {
	t.Helper()
	acc, err := davsdk.NewAccount(&davsdk.AccountConfig{
		ServerURL:   url,
		Credentials: creds,
		Timeout:     timeout,
	})
	require.NoError(t, err)
	return acc
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Status not found", StatusNotFound.String())
	assert.Equal(t, "Server Version Mismatch", ServerVersionMismatch.String())
	assert.Equal(t, "status undeclared", Status(99).String())
}

func TestCheckServerAndAuth(t *testing.T) {
	tests := []struct {
		name         string
		server       *fakeServer
		wantStatus   Status
		wantPropfind int32
		wantError    string
	}{
		{
			name:         "connected",
			server:       &fakeServer{statusCode: 200, statusBody: `{"installed":true,"version":"5.0.1.2","versionstring":"5.0.1"}`, propfindCode: http.StatusMultiStatus},
			wantStatus:   Connected,
			wantPropfind: 1,
		},
		{
			name:       "status missing",
			server:     &fakeServer{statusCode: 404, propfindCode: http.StatusMultiStatus},
			wantStatus: StatusNotFound,
			wantError:  "Unable to connect to",
		},
		{
			name:       "old server",
			server:     &fakeServer{statusCode: 200, statusBody: `{"installed":true,"version":"4.5.6"}`, propfindCode: http.StatusMultiStatus},
			wantStatus: ServerVersionMismatch,
			wantError:  "too old",
		},
		{
			name:         "wrong password",
			server:       &fakeServer{statusCode: 200, statusBody: `{"installed":true,"version":"6.0"}`, propfindCode: http.StatusUnauthorized},
			wantStatus:   CredentialsWrong,
			wantPropfind: 1,
			wantError:    "The provided credentials are not correct",
		},
		{
			name:         "dav broken",
			server:       &fakeServer{statusCode: 200, statusBody: `{"installed":true,"version":"6.0"}`, propfindCode: http.StatusInternalServerError},
			wantStatus:   Timeout,
			wantPropfind: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.server)
			defer srv.Close()

			v := New(newAccount(t, srv.URL, davsdk.NewHTTPCredentials("alice", "secret", nil), 5*time.Second))
			res, ok := v.CheckServerAndAuth(context.Background())
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantPropfind, tt.server.propfindCalls.Load())
			if tt.wantError != "" {
				require.NotEmpty(t, res.Errors)
				assert.Contains(t, res.Errors[0], tt.wantError)
			}
			if tt.wantStatus == Connected {
				assert.Empty(t, res.Errors)
				require.NotNil(t, res.Server)
				assert.Equal(t, "5.0.1", res.Server.VersionString)
			}

			select {
			case <-v.Done():
			default:
				t.Fatal("validator did not finish")
			}
		})
	}
}

func TestCheckServerAndAuth_NotConfigured(t *testing.T) {
	res, ok := New(nil).CheckServerAndAuth(context.Background())
	require.True(t, ok)
	assert.Equal(t, NotConfigured, res.Status)
	assert.Equal(t, []string{"No SwissDisk account configured"}, res.Errors)
}

func TestCheckServerAndAuth_Timeout(t *testing.T) {
	fs := &fakeServer{statusCode: 200, statusBody: `{"installed":true,"version":"6.0"}`, delay: 2 * time.Second}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	v := New(newAccount(t, srv.URL, davsdk.NewHTTPCredentials("alice", "secret", nil), 100*time.Millisecond))
	res, ok := v.CheckServerAndAuth(context.Background())
	require.True(t, ok)
	assert.Equal(t, Timeout, res.Status)
	assert.Contains(t, res.Errors, "timeout")
	assert.Zero(t, fs.propfindCalls.Load())
}

func TestCheckServerAndAuth_FetchesCredentials(t *testing.T) {
	fs := &fakeServer{statusCode: 200, statusBody: `{"installed":true,"version":"6.0"}`, propfindCode: http.StatusMultiStatus}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	creds := davsdk.NewHTTPCredentials("alice", "", func(ctx context.Context, user string) (string, error) {
		return "typed-in", nil
	})
	fetched := make(chan struct{})
	creds.OnFetched(func() { close(fetched) })
	acc := newAccount(t, srv.URL, creds, 5*time.Second)

	v := New(acc)
	_, ok := v.CheckServerAndAuth(context.Background())
	assert.False(t, ok, "no result while credentials are fetched")
	_, reported := v.Result()
	assert.False(t, reported)

	select {
	case <-fetched:
	case <-time.After(5 * time.Second):
		t.Fatal("credentials were never fetched")
	}
	require.True(t, creds.Ready())

	res, ok := New(acc).CheckServerAndAuth(context.Background())
	require.True(t, ok)
	assert.Equal(t, Connected, res.Status)
	assert.Equal(t, int32(1), fs.propfindCalls.Load())
}

func TestCheckAuthentication_UserCanceled(t *testing.T) {
	fs := &fakeServer{statusCode: 200, propfindCode: http.StatusMultiStatus}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	v := New(newAccount(t, srv.URL, davsdk.NewHTTPCredentials("alice", "", nil), 5*time.Second))
	res, ok := v.CheckAuthentication(context.Background())
	require.True(t, ok)
	assert.Equal(t, UserCanceledCredentials, res.Status)
	assert.Zero(t, fs.propfindCalls.Load())
}

func TestValidator_ReportsOnce(t *testing.T) {
	fs := &fakeServer{statusCode: 404}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	v := New(newAccount(t, srv.URL, davsdk.NewHTTPCredentials("alice", "secret", nil), 5*time.Second))
	first, ok := v.CheckServerAndAuth(context.Background())
	require.True(t, ok)
	assert.Equal(t, StatusNotFound, first.Status)

	_, ok = v.CheckServerAndAuth(context.Background())
	assert.False(t, ok)
	_, ok = v.CheckAuthentication(context.Background())
	assert.False(t, ok)

	res, reported := v.Result()
	require.True(t, reported)
	assert.Equal(t, first.Status, res.Status)
	assert.Equal(t, first.Errors, res.Errors)
}
