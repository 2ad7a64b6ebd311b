package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/swissdisk/swissdisk/internal/client/propagator"
	"github.com/swissdisk/swissdisk/internal/utils"
	"gopkg.in/yaml.v3"
)

// Manifest is the list of differences an external discovery step found.
type Manifest struct {
	Items []*propagator.SyncItem `json:"items" yaml:"items"`
}

// ManifestSource hands out the items of every propagation pass. Pass numbers
// start at 1. A nil slice without error means there is nothing more to run.
type ManifestSource interface {
	Next(ctx context.Context, pass int) ([]*propagator.SyncItem, error)
}

// FileManifest rereads a manifest file for every pass, so a discovery step
// that rewrites it between passes is picked up.
type FileManifest struct {
	Path string
}

func (f FileManifest) Next(ctx context.Context, pass int) ([]*propagator.SyncItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return LoadManifest(f.Path)
}

// StaticManifest runs its items once.
type StaticManifest []*propagator.SyncItem

func (s StaticManifest) Next(ctx context.Context, pass int) ([]*propagator.SyncItem, error) {
	if pass > 1 {
		return nil, nil
	}
	return s, nil
}

// LoadManifest reads a JSON or YAML manifest, chosen by file extension.
func LoadManifest(path string) ([]*propagator.SyncItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}

	items, err := DecodeManifest(data, format)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return items, nil
}

// DecodeManifest accepts either {"items": [...]} or a bare list of items.
func DecodeManifest(data []byte, format string) ([]*propagator.SyncItem, error) {
	unmarshal := json.Unmarshal
	if format == "yaml" {
		unmarshal = yaml.Unmarshal
	}

	var list []*propagator.SyncItem
	if err := unmarshal(data, &list); err == nil {
		return validateItems(list)
	}

	var m Manifest
	if err := unmarshal(data, &m); err != nil {
		return nil, err
	}
	return validateItems(m.Items)
}

func validateItems(items []*propagator.SyncItem) ([]*propagator.SyncItem, error) {
	for i, it := range items {
		if it == nil || it.File == "" {
			return nil, fmt.Errorf("item %d: missing file", i)
		}
		if !utils.IsSubPath(it.File) {
			return nil, fmt.Errorf("item %d (%s): path outside the sync folder", i, it.File)
		}
		if it.Instruction == propagator.InstructionRename && it.RenameTarget == "" {
			return nil, fmt.Errorf("item %d (%s): rename without target", i, it.File)
		}
		if it.RenameTarget != "" && !utils.IsSubPath(it.RenameTarget) {
			return nil, fmt.Errorf("item %d (%s): rename target %s outside the sync folder", i, it.File, it.RenameTarget)
		}
	}
	if items == nil {
		items = []*propagator.SyncItem{}
	}
	return items, nil
}
