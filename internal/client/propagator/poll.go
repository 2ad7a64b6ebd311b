package propagator

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/swissdisk/swissdisk/internal/client/journal"
	"github.com/swissdisk/swissdisk/internal/davsdk"
	"github.com/swissdisk/swissdisk/internal/utils"
)

// pollJob waits for the server to finish assembling an upload it accepted with 202.
type pollJob struct {
	p    *Propagator
	item *SyncItem
	url  string
}

func newPollJob(p *Propagator, item *SyncItem, url string) *pollJob {
	return &pollJob{p: p, item: item, url: url}
}

func (j *pollJob) run(ctx context.Context) (Status, string) {
	item := j.item
	target := j.p.account.AbsoluteURL(j.url)

	for {
		if j.p.aborted() || ctx.Err() != nil {
			return StatusNormalError, msgOperationCancelled
		}

		job := j.p.account.NewJobURL(http.MethodGet, target)
		job.Timeout = pollTimeout
		reply := j.p.startJob(ctx, job)

		if reply.Err != nil {
			if ctx.Err() != nil {
				return StatusNormalError, msgOperationCancelled
			}
			item.HTTPStatusCode = reply.StatusCode
			status, msg := replyError(reply)
			if status == StatusFatalError || reply.StatusCode >= 400 {
				// 503 is transient and a fatal transport error says nothing about the upload
				if status != StatusFatalError && reply.StatusCode != http.StatusServiceUnavailable {
					j.removePollInfo()
				}
				return status, msg
			}
			slog.Debug("poll retry", "path", item.File, "error", reply.Err)
			if !j.wait(ctx) {
				return StatusNormalError, msgOperationCancelled
			}
			continue
		}

		st, err := davsdk.ParsePollStatus(reply.Body)
		if err != nil {
			slog.Warn("poll reply", "path", item.File, "body", string(reply.Body), "error", err)
			j.removePollInfo()
			return StatusNormalError, msgInvalidPollReply
		}

		if st.IsUnfinished() {
			if !j.wait(ctx) {
				return StatusNormalError, msgOperationCancelled
			}
			continue
		}

		item.FileID = st.FileID
		item.ETag = davsdk.ParseETag(st.ETag)
		item.ResponseTimestamp = reply.ResponseTimestamp
		j.removePollInfo()

		if st.Error != "" {
			return StatusNormalError, st.Error
		}
		return StatusSuccess, ""
	}
}

func (j *pollJob) wait(ctx context.Context) bool {
	if j.p.aborted() {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-j.p.opts.Clock.After(j.p.opts.PollInterval):
		return true
	}
}

func (j *pollJob) removePollInfo() {
	// no url removes it
	if err := j.p.journal.SetPollInfo(journal.PollInfo{File: j.item.File}); err != nil {
		slog.Error("remove poll info", "path", j.item.File, "error", err)
	}
	j.p.commit("remove poll info")
}

// CleanupPolls resolves polls an earlier run left behind, before new jobs start.
// Failures only flag another sync; the returned error is for journal problems.
func (p *Propagator) CleanupPolls(ctx context.Context) error {
	infos, err := p.journal.GetPollInfos()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return nil
	}

	ctx, cancel := p.abortableContext(ctx)
	defer cancel()

	slog.Info("poll cleanup", "pending", len(infos))
	for _, info := range infos {
		if p.aborted() || ctx.Err() != nil {
			slog.Info("poll cleanup aborted", "pending", len(infos))
			return nil
		}

		item := &SyncItem{
			File:        info.File,
			Instruction: InstructionSync,
			Direction:   DirectionUp,
			Type:        journal.ItemTypeFile,
			ModTime:     info.ModTime,
		}
		status, msg := newPollJob(p, item, info.URL).run(ctx)
		if status != StatusSuccess {
			slog.Warn("poll cleanup failed", "path", info.File, "status", status, "error", msg)
			p.anotherSyncNeeded.Store(true)
			continue
		}

		if stat, err := utils.StatFile(p.localPath(info.File)); err == nil {
			item.Size = stat.Size
		}
		if err := p.journal.SetFileRecord(item.fileRecord()); err != nil {
			return err
		}
		p.commit("poll cleanup")
		slog.Info("poll cleanup resolved", "path", info.File, "etag", item.ETag)
	}
	return nil
}
