package propagator

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/swissdisk/swissdisk/internal/client/journal"
	"github.com/swissdisk/swissdisk/internal/utils"
)

const (
	blacklistMinIgnore  = 25 * time.Second
	blacklistMaxIgnore  = 24 * time.Hour
	blacklistGrowFactor = 5
)

// checkBlacklist skips items that failed recently and did not change since.
func (p *Propagator) checkBlacklist(item *SyncItem) (bool, string) {
	entry, err := p.journal.ErrorBlacklistEntry(item.File)
	if err != nil {
		slog.Warn("blacklist lookup", "path", item.File, "error", err)
		return false, ""
	}
	if entry == nil {
		return false, ""
	}

	// any change since the last try is worth another attempt
	if !utils.SameModTime(entry.LastTryModTime, item.ModTime) || entry.LastTryEtag != item.ETag {
		return false, ""
	}

	retryAt := entry.LastTryTime.Add(entry.IgnoreDuration)
	now := p.opts.Clock.Now()
	if !now.Before(retryAt) {
		return false, ""
	}

	slog.Debug("blacklisted", "path", item.File, "retries", entry.RetryCount, "until", retryAt)
	return true, fmt.Sprintf("Skipped due to earlier error, trying again %s: %s", humanize.RelTime(retryAt, now, "ago", "from now"), entry.ErrorString)
}

// updateBlacklist records a Normal or Fatal error and wipes the entry on success.
func (p *Propagator) updateBlacklist(item *SyncItem) {
	switch item.Status {
	case StatusSuccess:
		if err := p.journal.WipeErrorBlacklistEntry(item.File); err != nil {
			slog.Warn("blacklist wipe", "path", item.File, "error", err)
		}
	case StatusNormalError, StatusFatalError:
		// local problems and a full server are not the file's fault
		if item.HTTPStatusCode == 0 || item.HTTPStatusCode == http.StatusInsufficientStorage || p.aborted() {
			return
		}
		old, err := p.journal.ErrorBlacklistEntry(item.File)
		if err != nil {
			slog.Warn("blacklist lookup", "path", item.File, "error", err)
			return
		}
		entry := nextBlacklistEntry(old, item, p.opts.Clock.Now())
		if !entry.IsValid() {
			return
		}
		if err := p.journal.UpdateErrorBlacklistEntry(entry); err != nil {
			slog.Warn("blacklist update", "path", item.File, "error", err)
		}
	}
}

func nextBlacklistEntry(old *journal.ErrorBlacklistRecord, item *SyncItem, now time.Time) *journal.ErrorBlacklistRecord {
	entry := &journal.ErrorBlacklistRecord{
		File:           item.File,
		RetryCount:     1,
		ErrorString:    item.ErrorString,
		LastTryModTime: item.ModTime,
		LastTryEtag:    item.ETag,
		LastTryTime:    now,
		IgnoreDuration: blacklistMinIgnore,
	}
	if old != nil {
		entry.RetryCount = old.RetryCount + 1
		entry.IgnoreDuration = old.IgnoreDuration * blacklistGrowFactor
	}
	switch item.HTTPStatusCode {
	case http.StatusForbidden, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		// retrying will not help before the server side changes
		entry.IgnoreDuration = blacklistMaxIgnore
	}
	entry.IgnoreDuration = min(max(entry.IgnoreDuration, blacklistMinIgnore), blacklistMaxIgnore)
	return entry
}
