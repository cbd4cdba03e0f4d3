// Package util - Helpers for batch runs over image directories.
package util

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ImageExtensions are the file extensions LoadDirectoryImageFiles picks up.
var ImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
}

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
	// Frame is the number embedded in names like frame-12.jpg, or -1.
	Frame int
}

// Name returns the file name without its directory.
func (f ImageFile) Name() string {
	return filepath.Base(f.Path)
}

// LoadDirectoryImageFiles reads all image files from a directory, skipping
// subdirectories and other extensions.
//
// Files named frame-N sort by N ahead of the rest; everything else sorts by name.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: Slice of ImageFile, each containing the raw bytes of an image file.
// - error: Error if loading fails.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read image directory %s", dir)
	}

	var images []ImageFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !ImageExtensions[ext] {
			continue
		}

		imgPath := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(imgPath)
		if err != nil {
			return nil, errors.Wrapf(err, "read image %s", imgPath)
		}
		images = append(images, ImageFile{
			Path:  imgPath,
			Data:  data,
			Frame: frameNumber(entry.Name()),
		})
	}

	sort.SliceStable(images, func(i, j int) bool {
		a, b := images[i], images[j]
		switch {
		case a.Frame >= 0 && b.Frame >= 0:
			return a.Frame < b.Frame
		case a.Frame >= 0:
			return true
		case b.Frame >= 0:
			return false
		}
		return a.Name() < b.Name()
	})

	return images, nil
}

func frameNumber(name string) int {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if !strings.HasPrefix(base, "frame-") {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimPrefix(base, "frame-"))
	if err != nil || n < 0 {
		return -1
	}
	return n
}
