package propagator

import (
	"context"
	"log/slog"
)

const (
	msgRestoredReadOnlyShare = "The file was edited locally but is part of a read only share. It is restored and your edit is in the conflict file."
	msgRestoreFailed         = "A file or directory was removed from a read only share, but restoring failed: "
)

// restoreFromReadOnlyShare answers a 403 on an upload. The server copy is
// downloaded again and the local edit is kept as a conflict copy. ok is false
// for new files, which have no server copy to restore.
func (p *Propagator) restoreFromReadOnlyShare(ctx context.Context, item *SyncItem) (status Status, msg string, ok bool) {
	if item.Instruction == InstructionNew || item.IsDirectory() {
		return StatusNoStatus, "", false
	}

	restore := *item
	restore.Instruction = InstructionConflict
	restore.Direction = DirectionDown
	restore.HTTPStatusCode = 0
	// the server modtime is unknown until the next discovery
	restore.ModTime = p.opts.Clock.Now()

	slog.Info("restoring file of read only share", "path", item.File, "etag", item.ETag)
	status, msg = newDownloadFileJob(p, &restore).run(ctx)
	if status == StatusNoStatus {
		return StatusNormalError, msgOperationCancelled, true
	}
	if status != StatusSuccess {
		return status, msgRestoreFailed + msg, true
	}

	item.ETag = restore.ETag
	item.FileID = restore.FileID
	item.ModTime = restore.ModTime
	item.Size = restore.Size
	return StatusSoftError, msgRestoredReadOnlyShare, true
}
