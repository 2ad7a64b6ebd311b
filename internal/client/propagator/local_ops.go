package propagator

import (
	"errors"
	"io/fs"
	"os"

	"github.com/swissdisk/swissdisk/internal/utils"
)

func (p *Propagator) localMkdir(item *SyncItem) (Status, string) {
	if p.aborted() {
		return StatusNoStatus, ""
	}

	target := p.localPath(item.File)
	if utils.FileExists(target) {
		return StatusNormalError, "a file with the same name exists: " + item.File
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return StatusNormalError, err.Error()
	}

	if err := p.journal.SetFileRecord(item.fileRecord()); err != nil {
		return StatusNormalError, err.Error()
	}
	p.commit("local mkdir")
	return StatusSuccess, ""
}

func (p *Propagator) localRemove(item *SyncItem) (Status, string) {
	if p.aborted() {
		return StatusNoStatus, ""
	}

	target := p.localPath(item.File)
	var err error
	if item.IsDirectory() {
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return StatusNormalError, err.Error()
	}

	if err := p.journal.DeleteFileRecord(item.File, item.IsDirectory()); err != nil {
		return StatusNormalError, err.Error()
	}
	p.commit("local remove")
	return StatusSuccess, ""
}

func (p *Propagator) localRename(item *SyncItem) (Status, string) {
	if p.aborted() {
		return StatusNoStatus, ""
	}
	if item.RenameTarget == "" {
		return StatusNormalError, "rename without target"
	}

	from := p.localPath(item.File)
	to := p.localPath(item.RenameTarget)
	if err := utils.EnsureParent(to); err != nil {
		return StatusNormalError, err.Error()
	}
	if err := os.Rename(from, to); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.anotherSyncNeeded.Store(true)
			return StatusSoftError, msgFileRemoved
		}
		return StatusNormalError, err.Error()
	}

	if stat, err := utils.StatFile(to); err == nil && !stat.IsDir {
		item.ModTime = stat.ModTime
		item.Size = stat.Size
	}
	return p.recordRename(item)
}
