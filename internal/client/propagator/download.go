package propagator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/swissdisk/swissdisk/internal/client/bandwidth"
	"github.com/swissdisk/swissdisk/internal/client/journal"
	"github.com/swissdisk/swissdisk/internal/davsdk"
	"github.com/swissdisk/swissdisk/internal/utils"
)

const (
	msgIncompleteDownload = "The file could not be downloaded completely."
	maxDownloadErrors     = 3
)

var errIncompleteDownload = errors.New(msgIncompleteDownload)

// downloadFileJob fetches one file into a hidden temporary file next to its
// target and moves it into place once complete. An interrupted download is
// resumed with a Range request while the remote etag is unchanged.
type downloadFileJob struct {
	p    *Propagator
	item *SyncItem
}

func newDownloadFileJob(p *Propagator, item *SyncItem) *downloadFileJob {
	return &downloadFileJob{p: p, item: item}
}

func (j *downloadFileJob) run(ctx context.Context) (Status, string) {
	if j.p.aborted() {
		return StatusNoStatus, ""
	}
	item := j.item
	start := time.Now()
	target := j.p.localPath(item.File)

	if err := utils.EnsureParent(target); err != nil {
		return StatusNormalError, err.Error()
	}

	info, err := j.p.journal.GetDownloadInfo(item.File)
	if err != nil {
		slog.Warn("download info", "path", item.File, "error", err)
	}
	if info.Valid && (info.ETag != item.ETag || info.ErrorCount >= maxDownloadErrors) {
		// the remote file changed or the partial data keeps failing, start over
		os.Remove(j.p.localPath(info.TmpFile))
		info = journal.DownloadInfo{}
	}
	if !info.Valid {
		info = journal.DownloadInfo{
			Valid:   true,
			TmpFile: tmpFileName(item.File),
			ETag:    item.ETag,
		}
		if err := j.p.journal.SetDownloadInfo(item.File, info); err != nil {
			slog.Error("set download info", "path", item.File, "error", err)
		}
		j.p.commit("download file start")
	}

	tmpPath := j.p.localPath(info.TmpFile)
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return StatusNormalError, err.Error()
	}
	offset, err := tmp.Seek(0, io.SeekEnd)
	if err != nil {
		tmp.Close()
		return StatusNormalError, err.Error()
	}

	job := j.p.account.NewJob(http.MethodGet, j.p.remotePath(item.File))
	if offset > 0 {
		job.Header.Set(davsdk.HeaderRange, fmt.Sprintf("bytes=%d-", offset))
		slog.Info("download resume", "path", item.File, "offset", humanize.Bytes(uint64(offset)))
	}

	reply := j.p.streamJob(ctx, job, func(resp *http.Response) error {
		if offset > 0 && resp.StatusCode != http.StatusPartialContent {
			// server ignored the range
			if err := tmp.Truncate(0); err != nil {
				return err
			}
			if _, err := tmp.Seek(0, io.SeekStart); err != nil {
				return err
			}
			offset = 0
		}

		dev := bandwidth.NewDownloadDevice(j.p.bandwidth, resp.Body, resp.ContentLength)
		defer dev.Close()

		n, err := io.Copy(tmp, dev)
		if err != nil {
			return err
		}
		if resp.ContentLength >= 0 && n != resp.ContentLength {
			return errIncompleteDownload
		}
		return nil
	})
	closeErr := tmp.Close()
	item.HTTPStatusCode = reply.StatusCode

	if reply.Err == nil && closeErr != nil {
		reply.Err = closeErr
		reply.Outcome = davsdk.OutcomeNormalError
	}
	if reply.Err != nil {
		info.ErrorCount++
		if err := j.p.journal.SetDownloadInfo(item.File, info); err != nil {
			slog.Error("set download info", "path", item.File, "error", err)
		}
		j.p.commit("download file error")
		if ctx.Err() != nil {
			return StatusNormalError, msgOperationCancelled
		}
		if errors.Is(reply.Err, errIncompleteDownload) {
			return StatusSoftError, msgIncompleteDownload
		}
		return replyError(reply)
	}

	if etag := davsdk.ETagFromHeader(reply.Header); etag != "" {
		if item.ETag != "" && etag != item.ETag {
			slog.Warn("etag changed during download", "path", item.File, "expected", item.ETag, "got", etag)
		}
		item.ETag = etag
	}
	if fid := reply.Header.Get(davsdk.HeaderFileID); fid != "" {
		item.FileID = fid
	}
	item.ResponseTimestamp = reply.ResponseTimestamp

	if !item.ModTime.IsZero() {
		if err := os.Chtimes(tmpPath, item.ModTime, item.ModTime); err != nil {
			slog.Warn("set modtime", "path", item.File, "error", err)
		}
	}

	if item.Instruction == InstructionConflict && utils.FileExists(target) {
		conflict := conflictFileName(target, j.p.opts.Clock.Now())
		if err := os.Rename(target, conflict); err != nil {
			return StatusNormalError, err.Error()
		}
		slog.Info("conflict copy", "path", item.File, "copy", filepath.Base(conflict))
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return StatusNormalError, err.Error()
	}

	if stat, err := utils.StatFile(target); err == nil {
		item.Size = stat.Size
		item.ModTime = stat.ModTime
	}
	item.RequestDuration = time.Since(start)

	if err := j.p.journal.SetFileRecord(item.fileRecord()); err != nil {
		return StatusNormalError, err.Error()
	}
	if err := j.p.journal.SetDownloadInfo(item.File, journal.DownloadInfo{}); err != nil {
		slog.Error("remove download info", "path", item.File, "error", err)
	}
	j.p.commit("download file finish")
	return StatusSuccess, ""
}

// tmpFileName is a hidden sibling of rel, ".name.~1a2b3c4d".
func tmpFileName(rel string) string {
	dir, name := path.Split(rel)
	return dir + "." + name + ".~" + uuid.NewString()[:8]
}

// conflictFileName keeps the extension: "report_conflict-20240102-150405.txt".
func conflictFileName(p string, now time.Time) string {
	ext := filepath.Ext(p)
	base := strings.TrimSuffix(p, ext)
	return base + "_conflict-" + now.Format("20060102-150405") + ext
}
