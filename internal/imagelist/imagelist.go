// Package imagelist is the in-process variant of the image listing stage. It
// scans an image directory, reads each image's dimensions, groups images of
// identical size under one camera intrinsic, and writes the OpenMVG
// sfm_data.json scene description consumed by the feature stage.
package imagelist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPattern matches the image types the tool chain accepts.
const DefaultPattern = "*.{jpg,jpeg,png}"

var (
	// ErrNoImages is returned when the directory yields no usable image.
	ErrNoImages = errors.New("no usable images")

	// ErrImagesDir is returned when the image directory cannot be read.
	ErrImagesDir = errors.New("image directory unreadable")
)

// Options configures one listing.
type Options struct {
	ImagesDir string
	OutputDir string

	// SensorDB, when set, must be a readable sensor width database. It
	// turns the EXIF focal length of each image into pixels.
	SensorDB string

	// FocalPixels, when positive, is the focal length used for every camera
	// and overrides EXIF. Views with neither get no intrinsic.
	FocalPixels float64

	// Pattern is matched case-insensitively against file names.
	Pattern string
}

// Result describes a written listing.
type Result struct {
	Path       string
	Views      int
	Skipped    int
	Intrinsics int
}

// List writes <OutputDir>/sfm_data.json for the images in ImagesDir. logf
// receives one human-readable line per notable event. ctx is checked before
// each image is read.
func List(ctx context.Context, opts Options, logf func(string)) (Result, error) {
	if logf == nil {
		logf = func(string) {}
	}
	pattern := strings.ToLower(opts.Pattern)
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return Result{}, fmt.Errorf("imagelist: invalid image pattern %q", opts.Pattern)
	}

	var db *SensorDB
	if opts.SensorDB != "" {
		var err error
		if db, err = LoadSensorDB(opts.SensorDB); err != nil {
			return Result{}, fmt.Errorf("imagelist: %w", err)
		}
		logf(fmt.Sprintf("Sensor database: %d camera models", db.Len()))
	}

	entries, err := os.ReadDir(opts.ImagesDir)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrImagesDir, opts.ImagesDir, err)
	}
	root, err := filepath.Abs(opts.ImagesDir)
	if err != nil {
		return Result{}, fmt.Errorf("imagelist: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ok, _ := doublestar.Match(pattern, strings.ToLower(e.Name())); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	b := newBuilder(root)
	unknown := make(map[string]bool)
	var skipped int
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		path := filepath.Join(opts.ImagesDir, name)
		w, h, err := dimensions(path)
		if err != nil {
			logf(fmt.Sprintf("Skipping %s: %v", name, err))
			skipped++
			continue
		}

		focal := opts.FocalPixels
		if focal <= 0 && db != nil {
			if cam, ok := readCamera(path); ok {
				if sensor, found := db.Width(cam.maker, cam.model); found {
					focal = focalFromSensor(w, h, cam.focalMM, sensor)
				} else if !unknown[cam.name()] {
					unknown[cam.name()] = true
					logf(fmt.Sprintf("Camera %q is not in the sensor database", cam.name()))
				}
			}
		}
		b.addView(name, w, h, focal)
	}

	if len(b.views) == 0 {
		return Result{Skipped: skipped}, fmt.Errorf("%w in %s", ErrNoImages, opts.ImagesDir)
	}

	out := filepath.Join(opts.OutputDir, "sfm_data.json")
	if err := writeJSON(out, b.document()); err != nil {
		return Result{}, fmt.Errorf("imagelist: write %s: %w", out, err)
	}
	logf(fmt.Sprintf("Listed %d images (%d skipped, %d intrinsics) into %s",
		len(b.views), skipped, len(b.intrinsics), out))

	return Result{Path: out, Views: len(b.views), Skipped: skipped, Intrinsics: len(b.intrinsics)}, nil
}

func dimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	return cfg.Width, cfg.Height, nil
}

// writeJSON writes v through a temp file so readers never see a partial file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
