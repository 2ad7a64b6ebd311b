package propagator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/swissdisk/swissdisk/internal/client/bandwidth"
	"github.com/swissdisk/swissdisk/internal/client/journal"
	"github.com/swissdisk/swissdisk/internal/davsdk"
	"github.com/swissdisk/swissdisk/internal/utils"
)

const (
	msgFileRemoved        = "File Removed"
	msgLocalFileChanged   = "Local file changed during sync."
	msgLocalFileRemoved   = "The local file was removed during sync."
	msgPollURLMissing     = "Poll URL missing"
	msgLastChunkNotAcked  = "The server did not acknowledge the last chunk. (No e-tag were present)"
	msgInvalidPollReply   = "Invalid JSON reply from the poll URL"
	msgOperationCancelled = "Operation canceled"
	msgOutsideSyncFolder  = "Path is outside the sync folder"
)

type chunkResult struct {
	chunk int // relative to startChunk
	reply *davsdk.Reply
}

// uploadFileJob uploads one file, in chunks when it is larger than the chunk size.
//
// Chunks go out in increasing order, several at a time, but the last chunk is
// only sent once no other chunk of the file is in flight. After every finished
// chunk the resume point is persisted so an interrupted upload continues where
// the server has everything before.
type uploadFileJob struct {
	p    *Propagator
	item *SyncItem

	startChunk   int
	chunkCount   int
	currentChunk int // dispatched so far, relative to startChunk
	transferID   uint32
	start        time.Time

	outstanding mapset.Set[int]
	results     chan chunkResult
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func newUploadFileJob(p *Propagator, item *SyncItem) *uploadFileJob {
	return &uploadFileJob{p: p, item: item}
}

func (j *uploadFileJob) run(ctx context.Context) (Status, string) {
	if j.p.aborted() {
		return StatusNoStatus, ""
	}
	item := j.item

	stat, err := utils.StatFile(j.p.localPath(item.File))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return StatusSoftError, msgFileRemoved
		}
		return StatusNormalError, err.Error()
	}

	// it might have changed since discovery
	item.ModTime = stat.ModTime
	item.Size = stat.Size

	// still being written to, or not fully copied yet
	if j.p.opts.Clock.Since(item.ModTime) < j.p.opts.MinFileAge {
		j.p.anotherSyncNeeded.Store(true)
		return StatusSoftError, msgLocalFileChanged
	}

	j.chunkCount = 1
	if item.Size > j.p.opts.ChunkSize {
		j.chunkCount = int((item.Size + j.p.opts.ChunkSize - 1) / j.p.opts.ChunkSize)
	}
	j.startChunk = 0
	j.transferID = rand.Uint32() ^ uint32(item.ModTime.Unix()) ^ uint32(item.Size<<16)

	progress, err := j.p.journal.GetUploadInfo(item.File)
	if err != nil {
		slog.Warn("upload info", "path", item.File, "error", err)
	}
	if progress.Valid && utils.SameModTime(progress.ModTime, item.ModTime) && progress.Chunk < j.chunkCount {
		j.startChunk = progress.Chunk
		j.transferID = progress.TransferID
		slog.Info("upload resume", "path", item.File, "chunk", j.startChunk, "of", j.chunkCount)
	}

	j.start = time.Now()
	j.outstanding = mapset.NewThreadUnsafeSet[int]()
	j.results = make(chan chunkResult, j.p.opts.MaxChunkParallel)

	chunkCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	defer j.abortChunks()

	slog.Debug("upload start",
		"path", item.File,
		"size", humanize.Bytes(uint64(item.Size)),
		"chunks", j.chunkCount,
		"transferId", j.transferID)

	for {
		j.startNextChunks(chunkCtx)
		if j.outstanding.IsEmpty() {
			// nothing could be dispatched, only happens on abort
			return StatusNormalError, msgOperationCancelled
		}

		res := <-j.results
		j.outstanding.Remove(res.chunk)

		status, msg, finished := j.chunkFinished(ctx, res)
		if finished {
			return status, msg
		}
	}
}

// startNextChunks dispatches chunks until the per-file limit is reached.
func (j *uploadFileJob) startNextChunks(ctx context.Context) {
	for j.outstanding.Cardinality() < j.p.opts.MaxChunkParallel {
		if j.p.aborted() || ctx.Err() != nil {
			return
		}
		if j.currentChunk+j.startChunk >= j.chunkCount {
			return
		}
		// the server cannot assemble a file while earlier chunks are still arriving
		if !j.outstanding.IsEmpty() && j.currentChunk+j.startChunk >= j.chunkCount-1 {
			return
		}

		// slots are taken in chunk order
		if err := j.p.acquire(ctx); err != nil {
			return
		}

		chunk := j.currentChunk
		j.outstanding.Add(chunk)
		j.currentChunk++

		job := j.putJob(chunk)
		j.wg.Add(1)
		go func() {
			defer j.wg.Done()
			reply := job.Start(ctx)
			j.p.release()
			j.results <- chunkResult{chunk: chunk, reply: reply}
		}()
	}
}

func (j *uploadFileJob) putJob(relChunk int) *davsdk.NetworkJob {
	item := j.item
	abs := relChunk + j.startChunk
	remote := j.p.remotePath(item.File)

	offset := int64(0)
	length := item.Size
	if j.chunkCount > 1 {
		remote = fmt.Sprintf("%s-chunking-%d-%d-%d", remote, j.transferID, j.chunkCount, abs)
		offset = int64(abs) * j.p.opts.ChunkSize
		length = min(j.p.opts.ChunkSize, item.Size-offset)
	}

	job := j.p.account.NewJob(http.MethodPut, remote)
	job.Header.Set(davsdk.HeaderContentType, davsdk.ContentTypeOctet)
	job.Header.Set(davsdk.HeaderMTime, strconv.FormatInt(item.ModTime.Unix(), 10))
	if item.ETag != "" && item.ETag != davsdk.EmptyETagPlaceholder && item.Instruction != InstructionNew {
		// the server quotes etags and the journal stores them without
		job.Header.Set(davsdk.HeaderIfMatch, `"`+item.ETag+`"`)
	}
	if j.chunkCount > 1 {
		job.Header.Set(davsdk.HeaderChunked, "1")
		job.Header.Set(davsdk.HeaderTotalLength, strconv.FormatInt(item.Size, 10))
	}

	localPath := j.p.localPath(item.File)
	bw := j.p.bandwidth
	job.Body = func() (io.ReadCloser, int64, error) {
		dev, err := bandwidth.OpenUploadDevice(bw, localPath, offset, length)
		if err != nil {
			return nil, 0, err
		}
		return dev, length, nil
	}
	return job
}

// chunkFinished handles one completed chunk. finished reports that the item has a result.
func (j *uploadFileJob) chunkFinished(ctx context.Context, res chunkResult) (Status, string, bool) {
	item := j.item
	reply := res.reply
	item.HTTPStatusCode = reply.StatusCode

	if reply.Err != nil {
		if reply.StatusCode == http.StatusPreconditionFailed {
			// the etag we sent is probably stale, make the next discovery ask the server
			if err := j.p.journal.AvoidReadFromDbOnNextSync(item.File); err != nil {
				slog.Error("avoid read from db", "path", item.File, "error", err)
			}
			j.p.anotherSyncNeeded.Store(true)
		}
		if ctx.Err() != nil {
			return j.abortWithError(StatusNormalError, msgOperationCancelled)
		}
		if reply.StatusCode == http.StatusForbidden {
			j.abortChunks()
			if status, msg, ok := j.p.restoreFromReadOnlyShare(ctx, item); ok {
				if err := j.p.journal.SetUploadInfo(item.File, journal.UploadInfo{}); err != nil {
					slog.Error("remove upload info", "path", item.File, "error", err)
				}
				return status, msg, true
			}
		}
		status, msg := replyError(reply)
		return j.abortWithError(status, msg)
	}

	// assembled asynchronously, the server hands out a poll url
	if reply.StatusCode == http.StatusAccepted {
		j.abortChunks()
		pollPath := reply.Header.Get(davsdk.HeaderFinishPoll)
		if pollPath == "" {
			return StatusNormalError, msgPollURLMissing, true
		}
		status, msg := j.startPollJob(ctx, pollPath)
		if status != StatusSuccess {
			return status, msg, true
		}
		return j.finalize()
	}

	finished := reply.Header.Get(davsdk.HeaderETag) != "" || reply.Header.Get(davsdk.HeaderOCETag) != ""

	stat, err := utils.StatFile(j.p.localPath(item.File))
	if err != nil {
		if !finished {
			return j.abortWithError(StatusSoftError, msgLocalFileRemoved)
		}
		j.p.anotherSyncNeeded.Store(true)
	} else if !utils.SameModTime(stat.ModTime, item.ModTime) || stat.Size != item.Size {
		slog.Info("local file changed during upload",
			"path", item.File,
			"mtime", item.ModTime.Unix(), "newMtime", stat.ModTime.Unix(),
			"size", item.Size, "newSize", stat.Size)
		j.p.anotherSyncNeeded.Store(true)
		if !finished {
			return j.abortWithError(StatusSoftError, msgLocalFileChanged)
		}
	}

	if !finished {
		if j.currentChunk+j.startChunk >= j.chunkCount {
			if !j.outstanding.IsEmpty() {
				// the remaining chunks will tell
				return StatusNoStatus, "", false
			}
			return StatusNormalError, msgLastChunkNotAcked, true
		}

		// resume after the lowest chunk that is known to be complete
		current := res.chunk
		j.outstanding.Each(func(c int) bool {
			current = min(current, c-1)
			return false
		})
		next := (current + j.startChunk + 1) % j.chunkCount

		err := j.p.journal.SetUploadInfo(item.File, journal.UploadInfo{
			Valid:      true,
			Chunk:      next,
			TransferID: j.transferID,
			ModTime:    item.ModTime,
			Size:       item.Size,
		})
		if err != nil {
			slog.Error("set upload info", "path", item.File, "error", err)
		}
		j.p.commit("Upload info")

		done := int64(j.currentChunk+j.startChunk-j.outstanding.Cardinality()) * j.p.opts.ChunkSize
		j.p.status.SetProgress(item.File, min(done, item.Size))
		return StatusNoStatus, "", false
	}

	if fid := reply.Header.Get(davsdk.HeaderFileID); fid != "" {
		if item.FileID != "" && item.FileID != fid {
			slog.Warn("file id changed", "path", item.File, "old", item.FileID, "new", fid)
		}
		item.FileID = fid
	}
	item.ETag = davsdk.ETagFromHeader(reply.Header)
	item.ResponseTimestamp = reply.ResponseTimestamp

	if mtime := reply.Header.Get(davsdk.HeaderMTime); mtime != davsdk.MTimeAccepted {
		slog.Warn("server does not support mtime header", "path", item.File, "reply", mtime)
	}

	return j.finalize()
}

func (j *uploadFileJob) startPollJob(ctx context.Context, pollPath string) (Status, string) {
	item := j.item
	err := j.p.journal.SetPollInfo(journal.PollInfo{File: item.File, URL: pollPath, ModTime: item.ModTime})
	if err != nil {
		slog.Error("set poll info", "path", item.File, "error", err)
	}
	j.p.commit("add poll info")

	return newPollJob(j.p, item, pollPath).run(ctx)
}

func (j *uploadFileJob) finalize() (Status, string, bool) {
	item := j.item
	item.RequestDuration = time.Since(j.start)

	if err := j.p.journal.SetFileRecord(item.fileRecord()); err != nil {
		return StatusNormalError, err.Error(), true
	}
	if err := j.p.journal.SetUploadInfo(item.File, journal.UploadInfo{}); err != nil {
		slog.Error("remove upload info", "path", item.File, "error", err)
	}
	j.p.commit("upload file start")

	return StatusSuccess, "", true
}

// abortWithError cancels the sibling chunks. A fatal error also forgets the resume point.
func (j *uploadFileJob) abortWithError(status Status, msg string) (Status, string, bool) {
	j.abortChunks()
	if status == StatusFatalError {
		if err := j.p.journal.SetUploadInfo(j.item.File, journal.UploadInfo{}); err != nil {
			slog.Error("remove upload info", "path", j.item.File, "error", err)
		}
		j.p.commit("upload aborted")
	}
	return status, msg, true
}

// abortChunks cancels in-flight chunk requests and waits for them to return.
func (j *uploadFileJob) abortChunks() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	// results is buffered to the chunk limit, so senders never block here
	j.wg.Wait()
	j.cancel = nil
}
