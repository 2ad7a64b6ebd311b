package propagator

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/swissdisk/swissdisk/internal/client/journal"
	"github.com/swissdisk/swissdisk/internal/davsdk"
)

// Instruction is what discovery decided to do with an item.
type Instruction int

const (
	InstructionNone Instruction = iota
	InstructionNew
	InstructionSync
	InstructionRemove
	InstructionRename
	InstructionConflict
	InstructionIgnore
	InstructionError
)

var instructionNames = map[Instruction]string{
	InstructionNone:     "none",
	InstructionNew:      "new",
	InstructionSync:     "sync",
	InstructionRemove:   "remove",
	InstructionRename:   "rename",
	InstructionConflict: "conflict",
	InstructionIgnore:   "ignore",
	InstructionError:    "error",
}

func (i Instruction) String() string {
	if s, ok := instructionNames[i]; ok {
		return s
	}
	return "unknown"
}

func (i Instruction) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Instruction) UnmarshalText(b []byte) error {
	for k, v := range instructionNames {
		if v == strings.ToLower(string(b)) {
			*i = k
			return nil
		}
	}
	return fmt.Errorf("unknown instruction %q", string(b))
}

// Direction tells which side is the source of the change.
type Direction int

const (
	DirectionUp Direction = iota
	DirectionDown
)

func (d Direction) String() string {
	if d == DirectionDown {
		return "down"
	}
	return "up"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "up", "":
		*d = DirectionUp
	case "down":
		*d = DirectionDown
	default:
		return fmt.Errorf("unknown direction %q", string(b))
	}
	return nil
}

// Status is the final state of an item after propagation.
type Status int

const (
	StatusNoStatus Status = iota
	StatusSuccess
	StatusSoftError
	StatusNormalError
	StatusFatalError
)

var statusNames = map[Status]string{
	StatusNoStatus:    "none",
	StatusSuccess:     "success",
	StatusSoftError:   "soft_error",
	StatusNormalError: "normal_error",
	StatusFatalError:  "fatal_error",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(b))
}

// IsTerminal is true for every status but NoStatus.
func (s Status) IsTerminal() bool {
	return s != StatusNoStatus
}

// IsFailure is true for errors that should fail a sync run.
func (s Status) IsFailure() bool {
	return s == StatusNormalError || s == StatusFatalError
}

func statusFor(o davsdk.Outcome) Status {
	switch o {
	case davsdk.OutcomeSuccess, davsdk.OutcomeAccepted:
		return StatusSuccess
	case davsdk.OutcomeSoftError:
		return StatusSoftError
	case davsdk.OutcomeFatalError:
		return StatusFatalError
	default:
		return StatusNormalError
	}
}

// SyncItem is one difference found by discovery, and after propagation its result.
type SyncItem struct {
	File         string           `json:"file" yaml:"file"`
	RenameTarget string           `json:"rename_target,omitempty" yaml:"rename_target,omitempty"`
	Instruction  Instruction      `json:"instruction" yaml:"instruction"`
	Direction    Direction        `json:"direction" yaml:"direction"`
	Type         journal.ItemType `json:"type" yaml:"type"`
	ModTime      time.Time        `json:"modtime" yaml:"modtime"`
	Size         int64            `json:"size" yaml:"size"`
	ETag         string           `json:"etag,omitempty" yaml:"etag,omitempty"`
	FileID       string           `json:"fileid,omitempty" yaml:"fileid,omitempty"`

	HTTPStatusCode    int           `json:"http_status,omitempty" yaml:"http_status,omitempty"`
	Status            Status        `json:"status" yaml:"status"`
	ErrorString       string        `json:"error,omitempty" yaml:"error,omitempty"`
	ResponseTimestamp string        `json:"response_timestamp,omitempty" yaml:"response_timestamp,omitempty"`
	RequestDuration   time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

func (i *SyncItem) String() string {
	return fmt.Sprintf("%s %s %s %s", i.Direction, i.Instruction, i.Type, i.File)
}

func (i *SyncItem) IsDirectory() bool {
	return i.Type == journal.ItemTypeDirectory
}

// depth counts path segments, "a/b.txt" is 2.
func (i *SyncItem) depth() int {
	return strings.Count(path.Clean(i.File), "/") + 1
}

func (i *SyncItem) fileRecord() *journal.FileRecord {
	return &journal.FileRecord{
		Path:    i.File,
		Type:    i.Type,
		ModTime: i.ModTime,
		Size:    i.Size,
		ETag:    i.ETag,
		FileID:  i.FileID,
	}
}
