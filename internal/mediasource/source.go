package mediasource

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrEnumeration indicates the media source could not be listed at all.
// Permission failures on a root fold into it; unreadable individual entries
// are skipped instead.
var ErrEnumeration = errors.New("media enumeration failed")

// Item is one entry yielded by a media source.
type Item struct {
	ID          int64
	URI         string
	DisplayName string
	DateAdded   int64 // epoch seconds
	DurationMs  int64 // videos only, 0 when unknown
}

// Source enumerates the device's media. Implementations yield stable ids so
// repeated scans upsert rather than duplicate.
type Source interface {
	Images(ctx context.Context) ([]Item, error)
	Videos(ctx context.Context) ([]Item, error)
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true, ".tif": true, ".tiff": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".avi": true, ".webm": true,
}

// FSSource walks configured directory roots and reports files with media
// extensions. Ids are derived from a hash of the path so they stay stable
// across scans of the same tree.
type FSSource struct {
	imageRoots []string
	videoRoots []string
}

func NewFSSource(imageRoots, videoRoots []string) *FSSource {
	return &FSSource{imageRoots: imageRoots, videoRoots: videoRoots}
}

func (s *FSSource) Images(ctx context.Context) ([]Item, error) {
	return s.walk(ctx, s.imageRoots, imageExts)
}

func (s *FSSource) Videos(ctx context.Context) ([]Item, error) {
	return s.walk(ctx, s.videoRoots, videoExts)
}

func (s *FSSource) walk(ctx context.Context, roots []string, exts map[string]bool) ([]Item, error) {
	var items []Item

	for _, root := range roots {
		if _, err := os.Stat(root); err != nil {
			return nil, fmt.Errorf("%w: root %s: %v", ErrEnumeration, root, err)
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable subtree; skip it rather than failing the scan.
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			if !exts[strings.ToLower(filepath.Ext(path))] {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}

			items = append(items, Item{
				ID:          pathID(path),
				URI:         path,
				DisplayName: filepath.Base(path),
				DateAdded:   info.ModTime().Unix(),
			})
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: walking %s: %v", ErrEnumeration, root, err)
		}
	}

	return items, nil
}

// pathID hashes a path into a stable positive id.
func pathID(path string) int64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	id := int64(h.Sum64() & 0x7fffffffffffffff)
	if id == 0 {
		id = 1
	}
	return id
}
