package propagator

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swissdisk/swissdisk/internal/client/journal"
	"github.com/swissdisk/swissdisk/internal/davsdk"
)

func okHandler(w http.ResponseWriter, r *http.Request, body []byte) {
	switch r.Method {
	case methodMkcol, methodMove, http.MethodPut:
		w.Header().Set(davsdk.HeaderETag, `"etag-`+r.Method+`"`)
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func dirItem(rel string, instr Instruction, dir Direction) *SyncItem {
	return &SyncItem{File: rel, Instruction: instr, Direction: dir, Type: journal.ItemTypeDirectory, ModTime: oldModTime}
}

func TestNew_RequiresAccountAndJournal(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := New(nil, env.journal, nil, nil)
	assert.ErrorIs(t, err, ErrNoAccount)

	_, err = New(env.account, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoJournal)

	p, err := New(env.account, env.journal, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultChunkSize), p.opts.ChunkSize)
	assert.Equal(t, DefaultPollInterval, p.opts.PollInterval)
	assert.NotNil(t, p.opts.Clock)
}

func TestPropagate_PhaseOrder(t *testing.T) {
	env := newTestEnv(t, okHandler)
	require.NoError(t, env.journal.SetFileRecord(&journal.FileRecord{Path: "old.txt", Type: journal.ItemTypeFile, ETag: "e1", ModTime: oldModTime}))

	items := []*SyncItem{
		dirItem("gone", InstructionRemove, DirectionUp),
		dirItem("gone/deeper", InstructionRemove, DirectionUp),
		dirItem("x/y", InstructionNew, DirectionUp),
		dirItem("x", InstructionNew, DirectionUp),
		{File: "old.txt", RenameTarget: "new.txt", Instruction: InstructionRename, Direction: DirectionUp, Type: journal.ItemTypeFile, ModTime: oldModTime, ETag: "e1"},
		{File: "skip.txt", Instruction: InstructionNone},
		{File: "ignored.txt", Instruction: InstructionIgnore},
	}

	res, err := env.propagator(t).Propagate(context.Background(), items)
	require.NoError(t, err)
	assert.Empty(t, res.Failed())
	assert.False(t, res.Aborted)

	var got []string
	for _, r := range env.dav.Requests() {
		got = append(got, r.Method+" "+strings.TrimPrefix(r.Path, davPrefix))
	}
	assert.Equal(t, []string{
		"MOVE old.txt",
		"MKCOL x",
		"MKCOL x/y",
		"DELETE gone/deeper",
		"DELETE gone",
	}, got)

	for _, it := range items[:5] {
		assert.Equal(t, StatusSuccess, it.Status, it.String())
	}
	assert.Equal(t, StatusNoStatus, items[5].Status)
	assert.Equal(t, StatusNoStatus, items[6].Status)

	move := env.dav.RequestsWithMethod(methodMove)[0]
	assert.Equal(t, env.server.URL+davPrefix+"new.txt", move.Header.Get(davsdk.HeaderDestination))
	assert.Equal(t, "F", move.Header.Get(davsdk.HeaderOverwrite))
	assert.Equal(t, `"e1"`, move.Header.Get(davsdk.HeaderIfMatch))

	rec, err := env.journal.GetFileRecord("old.txt")
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = env.journal.GetFileRecord("new.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "etag-MOVE", rec.ETag)

	rec, err = env.journal.GetFileRecord("x/y")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestPropagate_ErrorInstruction(t *testing.T) {
	env := newTestEnv(t, okHandler)
	item := &SyncItem{File: "bad.txt", Instruction: InstructionError, ErrorString: "file name contains invalid characters"}

	res, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	assert.Equal(t, StatusNormalError, item.Status)
	assert.Equal(t, "file name contains invalid characters", item.ErrorString)
	assert.Len(t, res.Failed(), 1)
	assert.Empty(t, env.dav.Requests())
}

func TestPropagate_PathsOutsideSyncFolder(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.Header().Set(davsdk.HeaderETag, `"e1"`)
		io.WriteString(w, "payload")
	})
	outside := filepath.Dir(env.localDir)
	keep := filepath.Join(outside, "keep.txt")
	require.NoError(t, os.WriteFile(keep, []byte("keep"), 0o644))
	env.writeFile(t, "inside.txt", 3)

	items := []*SyncItem{
		{File: "../escaped.txt", Instruction: InstructionNew, Direction: DirectionDown, Type: journal.ItemTypeFile, ETag: "e1"},
		{File: "../keep.txt", Instruction: InstructionNew, Direction: DirectionUp, Type: journal.ItemTypeFile, ModTime: oldModTime},
		{File: "inside.txt", Instruction: InstructionRename, Direction: DirectionDown, RenameTarget: "../moved.txt"},
		dirItem("..", InstructionRemove, DirectionDown),
		dirItem(".", InstructionRemove, DirectionDown),
		dirItem("/tmp", InstructionNew, DirectionDown),
	}

	res, err := env.propagator(t).Propagate(context.Background(), items)
	require.NoError(t, err)
	assert.Len(t, res.Failed(), len(items))
	for _, it := range items {
		assert.Equal(t, StatusNormalError, it.Status, it.File)
		assert.Equal(t, msgOutsideSyncFolder, it.ErrorString, it.File)
	}

	assert.Empty(t, env.dav.Requests())
	assert.NoFileExists(t, filepath.Join(outside, "escaped.txt"))
	assert.NoFileExists(t, filepath.Join(outside, "moved.txt"))
	assert.FileExists(t, keep)
	assert.DirExists(t, env.localDir)
	assert.Equal(t, "xxx", env.readFile(t, "inside.txt"))
}

func TestPropagate_AbortBeforeStart(t *testing.T) {
	env := newTestEnv(t, okHandler)
	a := env.writeFile(t, "a.txt", 10)
	d := dirItem("dir", InstructionNew, DirectionUp)

	p := env.propagator(t)
	p.Abort()
	res, err := p.Propagate(context.Background(), []*SyncItem{a, d})
	require.NoError(t, err)

	assert.True(t, res.Aborted)
	assert.Equal(t, StatusNoStatus, a.Status)
	assert.Equal(t, StatusNoStatus, d.Status)
	assert.Empty(t, env.dav.Requests())
}

func TestPropagate_AbortWhileUploading(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		once.Do(func() { close(started) })
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
			w.WriteHeader(http.StatusCreated)
		}
	})
	env.opts.MaxParallel = 1
	a := env.writeFile(t, "a.txt", 10)
	b := env.writeFile(t, "b.txt", 10)

	p := env.propagator(t)
	go func() {
		<-started
		p.Abort()
	}()

	res, err := p.Propagate(context.Background(), []*SyncItem{a, b})
	require.NoError(t, err)

	assert.True(t, res.Aborted)
	assert.Equal(t, StatusNormalError, a.Status)
	assert.Equal(t, msgOperationCancelled, a.ErrorString)
	assert.Equal(t, StatusNoStatus, b.Status, "items that never started keep no status")
	assert.Len(t, env.dav.Requests(), 1)

	entry, err := env.journal.ErrorBlacklistEntry("a.txt")
	require.NoError(t, err)
	assert.Nil(t, entry, "aborted items are not blacklisted")
}

func TestPropagate_AlreadyRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		once.Do(func() { close(started) })
		<-release
		w.Header().Set(davsdk.HeaderETag, `"e"`)
		w.WriteHeader(http.StatusCreated)
	})
	item := env.writeFile(t, "a.txt", 10)
	p := env.propagator(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := p.Propagate(context.Background(), []*SyncItem{item})
		assert.NoError(t, err)
	}()

	<-started
	_, err := p.Propagate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, p.ActiveJobs())

	close(release)
	<-done
	assert.Equal(t, StatusSuccess, item.Status)
	assert.Equal(t, 0, p.ActiveJobs())
}

func TestPropagate_StatusEvents(t *testing.T) {
	env := newTestEnv(t, okHandler)
	item := env.writeFile(t, "a.txt", 10)
	p := env.propagator(t)
	events := p.Status().Subscribe()

	_, err := p.Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	p.Status().Close()

	var states []TransferState
	for ev := range events {
		assert.Equal(t, "a.txt", ev.Path)
		states = append(states, ev.Status.State)
	}
	require.NotEmpty(t, states)
	assert.Equal(t, TransferStateRunning, states[0])
	assert.Equal(t, TransferStateCompleted, states[len(states)-1])

	st, ok := p.Status().GetStatus("a.txt")
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, st.Result)
	assert.Equal(t, int64(10), st.BytesDone)
}

func TestBlacklist_RecordsAndSkips(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	item := env.writeFile(t, "a.txt", 10)

	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	require.Equal(t, StatusNormalError, item.Status)
	firstError := item.ErrorString

	entry, err := env.journal.ErrorBlacklistEntry("a.txt")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, blacklistMinIgnore, entry.IgnoreDuration)
	assert.Equal(t, firstError, entry.ErrorString)

	// unchanged and inside the ignore window
	again := env.writeFile(t, "a.txt", 10)
	_, err = env.propagator(t).Propagate(context.Background(), []*SyncItem{again})
	require.NoError(t, err)
	assert.Equal(t, StatusSoftError, again.Status)
	assert.True(t, strings.HasPrefix(again.ErrorString, "Skipped due to earlier error, trying again "), again.ErrorString)
	assert.True(t, strings.HasSuffix(again.ErrorString, ": "+firstError), again.ErrorString)
	assert.Len(t, env.dav.Requests(), 1)

	// a soft skip leaves the entry alone
	entry, err = env.journal.ErrorBlacklistEntry("a.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.RetryCount)
}

func TestBlacklist_ChangedFileIsRetried(t *testing.T) {
	env := newTestEnv(t, okHandler)
	require.NoError(t, env.journal.UpdateErrorBlacklistEntry(&journal.ErrorBlacklistRecord{
		File:           "a.txt",
		RetryCount:     2,
		ErrorString:    "boom",
		LastTryModTime: oldModTime.Add(-time.Hour),
		LastTryTime:    time.Now(),
		IgnoreDuration: time.Hour,
	}))
	item := env.writeFile(t, "a.txt", 10)

	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, item.Status)

	entry, err := env.journal.ErrorBlacklistEntry("a.txt")
	require.NoError(t, err)
	assert.Nil(t, entry, "success wipes the entry")
}

func TestBlacklist_ExpiredWindowIsRetried(t *testing.T) {
	env := newTestEnv(t, okHandler)
	require.NoError(t, env.journal.UpdateErrorBlacklistEntry(&journal.ErrorBlacklistRecord{
		File:           "a.txt",
		RetryCount:     1,
		ErrorString:    "boom",
		LastTryModTime: oldModTime,
		LastTryTime:    time.Now().Add(-time.Minute),
		IgnoreDuration: blacklistMinIgnore,
	}))
	item := env.writeFile(t, "a.txt", 10)

	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, item.Status)
}

func TestBlacklist_NotForLocalErrorsOrFullServer(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.WriteHeader(http.StatusInsufficientStorage)
	})
	full := env.writeFile(t, "full.txt", 10)
	bad := &SyncItem{File: "bad.txt", Instruction: InstructionError, ErrorString: "invalid"}

	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{full, bad})
	require.NoError(t, err)
	assert.Equal(t, StatusFatalError, full.Status)
	assert.Equal(t, StatusNormalError, bad.Status)

	for _, f := range []string{"full.txt", "bad.txt"} {
		entry, err := env.journal.ErrorBlacklistEntry(f)
		require.NoError(t, err)
		assert.Nil(t, entry, f)
	}
}

func TestNextBlacklistEntry(t *testing.T) {
	now := time.Now()
	item := &SyncItem{File: "a.txt", ErrorString: "boom", ETag: "e", ModTime: oldModTime, HTTPStatusCode: 500}

	entry := nextBlacklistEntry(nil, item, now)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, 25*time.Second, entry.IgnoreDuration)
	assert.Equal(t, "e", entry.LastTryEtag)
	assert.True(t, entry.LastTryTime.Equal(now))

	want := []time.Duration{125 * time.Second, 625 * time.Second, 3125 * time.Second, 15625 * time.Second, 78125 * time.Second, 24 * time.Hour, 24 * time.Hour}
	for i, w := range want {
		entry = nextBlacklistEntry(entry, item, now)
		assert.Equal(t, i+2, entry.RetryCount)
		assert.Equal(t, w, entry.IgnoreDuration, "retry %d", entry.RetryCount)
	}

	for _, code := range []int{403, 413, 415} {
		item.HTTPStatusCode = code
		entry = nextBlacklistEntry(nil, item, now)
		assert.Equal(t, 24*time.Hour, entry.IgnoreDuration, "status %d", code)
	}
}

func TestDownload_New(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.Header().Set(davsdk.HeaderETag, `"d1"`)
		w.Header().Set(davsdk.HeaderFileID, "00000011")
		io.WriteString(w, "hello world")
	})
	item := &SyncItem{File: "sub/f.txt", Instruction: InstructionNew, Direction: DirectionDown, Type: journal.ItemTypeFile, ModTime: oldModTime, ETag: "d1", Size: 11}

	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, item.Status, item.ErrorString)

	assert.Equal(t, "hello world", env.readFile(t, "sub/f.txt"))
	stat, err := os.Stat(filepath.Join(env.localDir, "sub", "f.txt"))
	require.NoError(t, err)
	assert.True(t, stat.ModTime().Equal(oldModTime))

	entries, err := os.ReadDir(filepath.Join(env.localDir, "sub"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must be gone")

	rec, err := env.journal.GetFileRecord("sub/f.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "d1", rec.ETag)
	assert.Equal(t, "00000011", rec.FileID)
	assert.Equal(t, int64(11), rec.Size)

	info, err := env.journal.GetDownloadInfo("sub/f.txt")
	require.NoError(t, err)
	assert.False(t, info.Valid)
}

func TestDownload_ResumesWithRange(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.Header().Set(davsdk.HeaderETag, `"d1"`)
		if r.Header.Get(davsdk.HeaderRange) == "bytes=6-" {
			w.WriteHeader(http.StatusPartialContent)
			io.WriteString(w, "world")
			return
		}
		io.WriteString(w, "hello world")
	})
	const tmp = ".f.txt.~abcd1234"
	require.NoError(t, os.WriteFile(filepath.Join(env.localDir, tmp), []byte("hello "), 0o644))
	require.NoError(t, env.journal.SetDownloadInfo("f.txt", journal.DownloadInfo{Valid: true, TmpFile: tmp, ETag: "d1"}))
	item := &SyncItem{File: "f.txt", Instruction: InstructionNew, Direction: DirectionDown, ModTime: oldModTime, ETag: "d1"}

	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, item.Status, item.ErrorString)

	gets := env.dav.RequestsWithMethod(http.MethodGet)
	require.Len(t, gets, 1)
	assert.Equal(t, "bytes=6-", gets[0].Header.Get(davsdk.HeaderRange))
	assert.Equal(t, "hello world", env.readFile(t, "f.txt"))
	assert.NoFileExists(t, filepath.Join(env.localDir, tmp))
}

func TestDownload_RangeIgnoredRestartsFile(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.Header().Set(davsdk.HeaderETag, `"d1"`)
		io.WriteString(w, "hello world")
	})
	const tmp = ".f.txt.~abcd1234"
	require.NoError(t, os.WriteFile(filepath.Join(env.localDir, tmp), []byte("hello "), 0o644))
	require.NoError(t, env.journal.SetDownloadInfo("f.txt", journal.DownloadInfo{Valid: true, TmpFile: tmp, ETag: "d1"}))
	item := &SyncItem{File: "f.txt", Instruction: InstructionNew, Direction: DirectionDown, ModTime: oldModTime, ETag: "d1"}

	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, item.Status, item.ErrorString)
	assert.Equal(t, "hello world", env.readFile(t, "f.txt"))
}

func TestDownload_ChangedEtagDropsPartialData(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.Header().Set(davsdk.HeaderETag, `"d2"`)
		io.WriteString(w, "fresh")
	})
	const tmp = ".f.txt.~abcd1234"
	require.NoError(t, os.WriteFile(filepath.Join(env.localDir, tmp), []byte("stale"), 0o644))
	require.NoError(t, env.journal.SetDownloadInfo("f.txt", journal.DownloadInfo{Valid: true, TmpFile: tmp, ETag: "d1"}))
	item := &SyncItem{File: "f.txt", Instruction: InstructionSync, Direction: DirectionDown, ModTime: oldModTime, ETag: "d2"}

	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, item.Status, item.ErrorString)

	assert.Empty(t, env.dav.RequestsWithMethod(http.MethodGet)[0].Header.Get(davsdk.HeaderRange))
	assert.Equal(t, "fresh", env.readFile(t, "f.txt"))
	assert.NoFileExists(t, filepath.Join(env.localDir, tmp))
}

func TestDownload_ErrorKeepsTemporaryFile(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	item := &SyncItem{File: "f.txt", Instruction: InstructionNew, Direction: DirectionDown, ModTime: oldModTime, ETag: "d1"}

	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	assert.Equal(t, StatusNormalError, item.Status)
	assert.Equal(t, http.StatusInternalServerError, item.HTTPStatusCode)

	info, err := env.journal.GetDownloadInfo("f.txt")
	require.NoError(t, err)
	assert.True(t, info.Valid)
	assert.Equal(t, 1, info.ErrorCount)
	assert.Equal(t, "d1", info.ETag)
	assert.NoFileExists(t, filepath.Join(env.localDir, "f.txt"))
}

func TestDownload_ConflictKeepsLocalCopy(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.Header().Set(davsdk.HeaderETag, `"d1"`)
		io.WriteString(w, "theirs")
	})
	local := env.writeFile(t, "report.txt", 4)
	now := time.Date(2024, 1, 2, 15, 4, 5, 0, time.Local)
	env.opts.Clock = clockwork.NewFakeClockAt(now)

	item := &SyncItem{File: local.File, Instruction: InstructionConflict, Direction: DirectionDown, ModTime: oldModTime, ETag: "d1"}
	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, item.Status, item.ErrorString)

	assert.Equal(t, "theirs", env.readFile(t, "report.txt"))
	assert.Equal(t, "xxxx", env.readFile(t, "report_conflict-20240102-150405.txt"))
}

func TestLocalOps(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "a.txt", 3)
	env.writeFile(t, "trash/inner.txt", 3)
	require.NoError(t, env.journal.SetFileRecord(&journal.FileRecord{Path: "a.txt", Type: journal.ItemTypeFile, ETag: "ea", ModTime: oldModTime}))
	require.NoError(t, env.journal.SetFileRecord(&journal.FileRecord{Path: "trash", Type: journal.ItemTypeDirectory, ETag: "et", ModTime: oldModTime}))
	require.NoError(t, env.journal.SetFileRecord(&journal.FileRecord{Path: "trash/inner.txt", Type: journal.ItemTypeFile, ETag: "ei", ModTime: oldModTime}))

	mkdir := dirItem("made/nested", InstructionNew, DirectionDown)
	rename := &SyncItem{File: "a.txt", RenameTarget: "moved/b.txt", Instruction: InstructionRename, Direction: DirectionDown, Type: journal.ItemTypeFile, ETag: "ea"}
	remove := dirItem("trash", InstructionRemove, DirectionDown)

	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{mkdir, rename, remove})
	require.NoError(t, err)
	for _, it := range []*SyncItem{mkdir, rename, remove} {
		assert.Equal(t, StatusSuccess, it.Status, it.String()+": "+it.ErrorString)
	}
	assert.Empty(t, env.dav.Requests())

	assert.DirExists(t, filepath.Join(env.localDir, "made", "nested"))
	assert.NoDirExists(t, filepath.Join(env.localDir, "trash"))
	assert.NoFileExists(t, filepath.Join(env.localDir, "a.txt"))
	assert.Equal(t, "xxx", env.readFile(t, "moved/b.txt"))

	for path, exists := range map[string]bool{
		"made/nested":     true,
		"a.txt":           false,
		"moved/b.txt":     true,
		"trash":           false,
		"trash/inner.txt": false,
	} {
		rec, err := env.journal.GetFileRecord(path)
		require.NoError(t, err)
		assert.Equal(t, exists, rec != nil, path)
	}

	rec, err := env.journal.GetFileRecord("moved/b.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Size)
	assert.True(t, rec.ModTime.Equal(oldModTime))
}

func TestLocalMkdir_FileInTheWay(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "taken", 1)
	item := dirItem("taken", InstructionNew, DirectionDown)

	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	assert.Equal(t, StatusNormalError, item.Status)
}

func TestRemoteMove_Directory(t *testing.T) {
	env := newTestEnv(t, okHandler)
	require.NoError(t, env.journal.SetFileRecord(&journal.FileRecord{Path: "dir", Type: journal.ItemTypeDirectory, ETag: "d", ModTime: oldModTime}))
	require.NoError(t, env.journal.SetFileRecord(&journal.FileRecord{Path: "dir/f.txt", Type: journal.ItemTypeFile, ETag: "f", ModTime: oldModTime}))
	item := dirItem("dir", InstructionRename, DirectionUp)
	item.RenameTarget = "renamed"
	item.ETag = "d"

	p := env.propagator(t)
	_, err := p.Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, item.Status, item.ErrorString)
	assert.True(t, p.AnotherSyncNeeded())

	move := env.dav.RequestsWithMethod(methodMove)[0]
	assert.Empty(t, move.Header.Get(davsdk.HeaderIfMatch), "directories are moved without If-Match")

	rec, err := env.journal.GetFileRecord("renamed")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, journal.InvalidEtag, rec.ETag)

	rec, err = env.journal.GetFileRecord("dir/f.txt")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRemoteMove_PreconditionFailed(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.WriteHeader(http.StatusPreconditionFailed)
	})
	require.NoError(t, env.journal.SetFileRecord(&journal.FileRecord{Path: "docs", Type: journal.ItemTypeDirectory, ETag: "d", ModTime: oldModTime}))
	item := &SyncItem{File: "docs/a.txt", RenameTarget: "docs/b.txt", Instruction: InstructionRename, Direction: DirectionUp, ETag: "stale"}

	p := env.propagator(t)
	_, err := p.Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	assert.Equal(t, StatusNormalError, item.Status)
	assert.True(t, p.AnotherSyncNeeded())

	rec, err := env.journal.GetFileRecord("docs")
	require.NoError(t, err)
	assert.Equal(t, journal.InvalidEtag, rec.ETag)
}

func TestRemoteDelete_AlreadyGone(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.WriteHeader(http.StatusNotFound)
	})
	require.NoError(t, env.journal.SetFileRecord(&journal.FileRecord{Path: "a.txt", Type: journal.ItemTypeFile, ETag: "e", ModTime: oldModTime}))
	item := &SyncItem{File: "a.txt", Instruction: InstructionRemove, Direction: DirectionUp}

	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, item.Status)

	rec, err := env.journal.GetFileRecord("a.txt")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRemoteMkdir_AlreadyExists(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	item := dirItem("dir", InstructionNew, DirectionUp)

	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, item.Status)
}

func TestRemoteFolderPrefix(t *testing.T) {
	env := newTestEnv(t, okHandler)
	env.opts.RemoteFolder = "/Shared/Team"
	item := dirItem("dir", InstructionNew, DirectionUp)

	_, err := env.propagator(t).Propagate(context.Background(), []*SyncItem{item})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, item.Status)
	assert.Equal(t, davPrefix+"Shared/Team/dir", env.dav.Requests()[0].Path)
}

func TestCleanupPolls(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		switch r.URL.Path {
		case "/poll/ok":
			io.WriteString(w, `{"fileid": "5", "etag": "\"pe\""}`)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	env.writeFile(t, "done.txt", 7)
	require.NoError(t, env.journal.SetPollInfo(journal.PollInfo{File: "done.txt", URL: "/poll/ok", ModTime: oldModTime}))
	require.NoError(t, env.journal.SetPollInfo(journal.PollInfo{File: "later.txt", URL: "/poll/busy", ModTime: oldModTime}))

	p := env.propagator(t)
	require.NoError(t, p.CleanupPolls(context.Background()))
	assert.True(t, p.AnotherSyncNeeded())

	rec, err := env.journal.GetFileRecord("done.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "pe", rec.ETag)
	assert.Equal(t, "5", rec.FileID)
	assert.Equal(t, int64(7), rec.Size)

	infos, err := env.journal.GetPollInfos()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "later.txt", infos[0].File)
}

func TestCleanupPolls_AbortStopsPolling(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request, body []byte) {
		io.WriteString(w, `{"unfinished": true}`)
	})
	require.NoError(t, env.journal.SetPollInfo(journal.PollInfo{File: "slow.bin", URL: "/poll/slow", ModTime: oldModTime}))
	require.NoError(t, env.journal.SetPollInfo(journal.PollInfo{File: "slower.bin", URL: "/poll/slower", ModTime: oldModTime}))

	p := env.propagator(t)
	done := make(chan error, 1)
	go func() { done <- p.CleanupPolls(context.Background()) }()

	require.Eventually(t, func() bool { return len(env.dav.Requests()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	p.Abort()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poll cleanup kept running after abort")
	}

	sent := len(env.dav.Requests())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, sent, len(env.dav.Requests()), "no polls after abort")
	for _, r := range env.dav.Requests() {
		assert.Equal(t, "/poll/slow", r.Path, "the second poll never starts")
	}

	// both stay queued for the next run
	infos, err := env.journal.GetPollInfos()
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		outcome davsdk.Outcome
		want    Status
	}{
		{davsdk.OutcomeSuccess, StatusSuccess},
		{davsdk.OutcomeAccepted, StatusSuccess},
		{davsdk.OutcomeSoftError, StatusSoftError},
		{davsdk.OutcomeFatalError, StatusFatalError},
		{davsdk.OutcomeNormalError, StatusNormalError},
		{davsdk.OutcomeTimeout, StatusNormalError},
		{davsdk.OutcomeCredentialsWrong, StatusNormalError},
		{davsdk.OutcomeUserCanceledCredentials, StatusNormalError},
	}
	for _, tt := range tests {
		t.Run(tt.outcome.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.outcome))
		})
	}
}

func TestFileNames(t *testing.T) {
	tmp := tmpFileName("docs/report.txt")
	assert.True(t, strings.HasPrefix(tmp, "docs/.report.txt.~"), tmp)
	assert.Len(t, strings.TrimPrefix(tmp, "docs/.report.txt.~"), 8)
	assert.NotEqual(t, tmp, tmpFileName("docs/report.txt"))

	now := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, "/data/report_conflict-20240102-150405.txt", conflictFileName("/data/report.txt", now))
	assert.Equal(t, "/data/Makefile_conflict-20240102-150405", conflictFileName("/data/Makefile", now))
}
