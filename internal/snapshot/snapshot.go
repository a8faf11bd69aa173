// Package snapshot keeps the latest colour frame from the sensor bridge and
// writes it to disk as the alert attachment. Besides the most recent
// snapshot, only files whose alerts are still in flight stay on disk.
package snapshot

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/image/bmp"

	"github.com/banshee-data/fallwatch/internal/fsutil"
	"github.com/banshee-data/fallwatch/internal/monitoring"
)

// ErrNoFrame is returned by Capture before any colour frame has arrived.
var ErrNoFrame = errors.New("no colour frame available")

// MaxDimension bounds the width and height of an accepted colour frame.
const MaxDimension = 8192

// ColorFrame is a BGR32 image: four bytes per pixel, blue first, the
// fourth byte unused.
type ColorFrame struct {
	Width  int
	Height int
	Pixels []byte
}

// Validate checks that the pixel buffer matches the dimensions.
func (f ColorFrame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 || f.Width > MaxDimension || f.Height > MaxDimension {
		return fmt.Errorf("invalid frame size %dx%d (max %d per side)", f.Width, f.Height, MaxDimension)
	}
	// Both sides are bounded, so the product cannot overflow.
	if want := f.Width * f.Height * 4; len(f.Pixels) != want {
		return fmt.Errorf("pixel buffer is %d bytes, want %d for %dx%d BGR32", len(f.Pixels), want, f.Width, f.Height)
	}
	return nil
}

// Image converts the frame to an RGBA image.
func (f ColorFrame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i := 0; i < f.Width*f.Height; i++ {
		p := f.Pixels[i*4 : i*4+4]
		img.Set(i%f.Width, i/f.Width, color.RGBA{R: p[2], G: p[1], B: p[0], A: 0xff})
	}
	return img
}

// Store holds the latest colour frame and captures it on demand.
// Captured files stay on disk until released; the newest capture is kept
// even after release.
type Store struct {
	mu      sync.Mutex
	fs      fsutil.FileSystem
	dir     string
	latest  *ColorFrame
	current string
	held    map[string]struct{}
}

// NewStore creates a Store writing into dir.
func NewStore(fs fsutil.FileSystem, dir string) *Store {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &Store{fs: fs, dir: dir, held: make(map[string]struct{})}
}

// Update replaces the latest colour frame. Invalid frames are dropped.
func (s *Store) Update(f ColorFrame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &f
	return nil
}

// Capture writes the latest frame as a BMP file and returns its path. The
// previous capture is removed if it has already been released.
func (s *Store) Capture() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil {
		return "", ErrNoFrame
	}
	if err := s.latest.Validate(); err != nil {
		return "", fmt.Errorf("unusable colour frame: %w", err)
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	path := filepath.Join(s.dir, "fall-"+uuid.NewString()+".bmp")
	w, err := s.fs.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := bmp.Encode(w, s.latest.Image()); err != nil {
		w.Close()
		s.fs.Remove(path)
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}

	prev := s.current
	s.current = path
	s.held[path] = struct{}{}
	if _, busy := s.held[prev]; prev != "" && !busy {
		s.remove(prev)
	}
	return path, nil
}

// Release marks a captured file as no longer needed. It is removed now,
// or by the next Capture if it is still the newest.
func (s *Store) Release(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[path]; !ok {
		return
	}
	delete(s.held, path)
	if path != s.current {
		s.remove(path)
	}
}

// remove must be called with mu held.
func (s *Store) remove(path string) {
	if err := s.fs.Remove(path); err != nil {
		monitoring.Logf("snapshot: failed to remove %s: %v", path, err)
	}
}
