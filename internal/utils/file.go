package utils

import (
	"os"
	"time"
)

// FileStat is the subset of local metadata the propagator compares across a transfer.
type FileStat struct {
	ModTime time.Time
	Size    int64
	IsDir   bool
}

// StatFile returns the modtime truncated to whole seconds, matching what the server stores.
func StatFile(p string) (*FileStat, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	return &FileStat{
		ModTime: info.ModTime().Truncate(time.Second),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
	}, nil
}

// SameModTime compares two timestamps at second precision.
func SameModTime(a, b time.Time) bool {
	return a.Unix() == b.Unix()
}
