package propagator

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/swissdisk/swissdisk/internal/client/journal"
	"github.com/swissdisk/swissdisk/internal/davsdk"
)

const (
	methodMkcol = "MKCOL"
	methodMove  = "MOVE"
)

func (p *Propagator) remoteMkdir(ctx context.Context, item *SyncItem) (Status, string) {
	if p.aborted() {
		return StatusNoStatus, ""
	}

	reply := p.startJob(ctx, p.account.NewJob(methodMkcol, p.remotePath(item.File)))
	item.HTTPStatusCode = reply.StatusCode
	item.RequestDuration = reply.Duration

	// 405 means the collection is already there
	if reply.Err != nil && reply.StatusCode != http.StatusMethodNotAllowed {
		return replyError(reply)
	}

	if fid := reply.Header.Get(davsdk.HeaderFileID); fid != "" {
		item.FileID = fid
	}
	item.ResponseTimestamp = reply.ResponseTimestamp
	if err := p.journal.SetFileRecord(item.fileRecord()); err != nil {
		return StatusNormalError, err.Error()
	}
	p.commit("remote mkdir")
	return StatusSuccess, ""
}

func (p *Propagator) remoteDelete(ctx context.Context, item *SyncItem) (Status, string) {
	if p.aborted() {
		return StatusNoStatus, ""
	}

	reply := p.startJob(ctx, p.account.NewJob(http.MethodDelete, p.remotePath(item.File)))
	item.HTTPStatusCode = reply.StatusCode
	item.RequestDuration = reply.Duration

	// already gone is what we wanted
	if reply.Err != nil && reply.StatusCode != http.StatusNotFound {
		return replyError(reply)
	}

	if err := p.journal.DeleteFileRecord(item.File, item.IsDirectory()); err != nil {
		return StatusNormalError, err.Error()
	}
	p.commit("remote delete")
	return StatusSuccess, ""
}

func (p *Propagator) remoteMove(ctx context.Context, item *SyncItem) (Status, string) {
	if p.aborted() {
		return StatusNoStatus, ""
	}
	if item.RenameTarget == "" {
		return StatusNormalError, "rename without target"
	}

	job := p.account.NewJob(methodMove, p.remotePath(item.File))
	job.Header.Set(davsdk.HeaderDestination, p.account.FileURL(p.remotePath(item.RenameTarget)))
	job.Header.Set(davsdk.HeaderOverwrite, "F")
	if item.ETag != "" && item.ETag != davsdk.EmptyETagPlaceholder && !item.IsDirectory() {
		job.Header.Set(davsdk.HeaderIfMatch, `"`+item.ETag+`"`)
	}

	reply := p.startJob(ctx, job)
	item.HTTPStatusCode = reply.StatusCode
	item.RequestDuration = reply.Duration
	if reply.Err != nil {
		if reply.StatusCode == http.StatusPreconditionFailed {
			if err := p.journal.AvoidReadFromDbOnNextSync(item.File); err != nil {
				slog.Error("avoid read from db", "path", item.File, "error", err)
			}
			p.anotherSyncNeeded.Store(true)
		}
		return replyError(reply)
	}

	if etag := davsdk.ETagFromHeader(reply.Header); etag != "" {
		item.ETag = etag
	}
	if fid := reply.Header.Get(davsdk.HeaderFileID); fid != "" {
		item.FileID = fid
	}
	item.ResponseTimestamp = reply.ResponseTimestamp
	return p.recordRename(item)
}

// recordRename moves the journal record of item to its rename target.
func (p *Propagator) recordRename(item *SyncItem) (Status, string) {
	if err := p.journal.DeleteFileRecord(item.File, true); err != nil {
		return StatusNormalError, err.Error()
	}
	rec := item.fileRecord()
	rec.Path = item.RenameTarget
	if item.IsDirectory() {
		// children records went away with the old path, discovery has to list it again
		rec.ETag = journal.InvalidEtag
		p.anotherSyncNeeded.Store(true)
	}
	if err := p.journal.SetFileRecord(rec); err != nil {
		return StatusNormalError, err.Error()
	}
	p.commit("rename")
	return StatusSuccess, ""
}
