package snapshot

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/banshee-data/fallwatch/internal/fsutil"
)

func solidFrame(w, h int, b, g, r byte) ColorFrame {
	px := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		px[i*4], px[i*4+1], px[i*4+2] = b, g, r
	}
	return ColorFrame{Width: w, Height: h, Pixels: px}
}

func TestCaptureWithoutFrame(t *testing.T) {
	s := NewStore(fsutil.NewMemoryFileSystem(), "snaps")
	_, err := s.Capture()
	assert.True(t, errors.Is(err, ErrNoFrame))
}

func TestCaptureWritesBMP(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	s := NewStore(mem, "snaps")
	require.NoError(t, s.Update(solidFrame(4, 2, 10, 20, 30)))

	path, err := s.Capture()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, "snaps/fall-"))
	assert.True(t, strings.HasSuffix(path, ".bmp"))

	data, err := mem.ReadFile(path)
	require.NoError(t, err)
	img, err := bmp.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	r, g, b, _ := img.At(1, 1).RGBA()
	assert.Equal(t, []uint32{30, 20, 10}, []uint32{r >> 8, g >> 8, b >> 8})
}

func TestCaptureKeepsOnlyLatestReleased(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	s := NewStore(mem, "snaps")
	require.NoError(t, s.Update(solidFrame(2, 2, 0, 0, 0)))

	first, err := s.Capture()
	require.NoError(t, err)
	s.Release(first)
	assert.Equal(t, []string{first}, mem.Files(), "newest capture survives release")

	second, err := s.Capture()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, []string{second}, mem.Files())
}

func TestCaptureKeepsHeldFiles(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	s := NewStore(mem, "snaps")
	require.NoError(t, s.Update(solidFrame(2, 2, 0, 0, 0)))

	first, err := s.Capture()
	require.NoError(t, err)
	second, err := s.Capture()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first, second}, mem.Files(), "first alert still needs its file")

	s.Release(first)
	assert.Equal(t, []string{second}, mem.Files())

	s.Release(first)
	s.Release("snaps/unknown.bmp")
	assert.Equal(t, []string{second}, mem.Files())
}

func TestCaptureCreateFailure(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	mem.CreateErr = errors.New("read-only filesystem")
	s := NewStore(mem, "snaps")
	require.NoError(t, s.Update(solidFrame(1, 1, 0, 0, 0)))
	_, err := s.Capture()
	assert.ErrorContains(t, err, "read-only")
}

func TestUpdateRejectsBadFrame(t *testing.T) {
	s := NewStore(nil, t.TempDir())
	assert.Error(t, s.Update(ColorFrame{Width: 2, Height: 2, Pixels: make([]byte, 3)}))
	assert.Error(t, s.Update(ColorFrame{}))
	_, err := s.Capture()
	assert.True(t, errors.Is(err, ErrNoFrame))
}

func TestValidateBoundsDimensions(t *testing.T) {
	tests := []struct {
		name  string
		frame ColorFrame
	}{
		{"overflowing width", ColorFrame{Width: 1 << 62, Height: 1}},
		{"overflowing product", ColorFrame{Width: 1 << 31, Height: 1 << 31}},
		{"too wide", ColorFrame{Width: MaxDimension + 1, Height: 1, Pixels: make([]byte, (MaxDimension+1)*4)}},
		{"too tall", ColorFrame{Width: 1, Height: MaxDimension + 1, Pixels: make([]byte, (MaxDimension+1)*4)}},
		{"negative", ColorFrame{Width: -2, Height: -2, Pixels: make([]byte, 16)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.frame.Validate())
		})
	}
	assert.NoError(t, solidFrame(MaxDimension, 1, 0, 0, 0).Validate())
}

func TestOversizedFrameNeverReachesCapture(t *testing.T) {
	s := NewStore(fsutil.NewMemoryFileSystem(), "snaps")
	assert.Error(t, s.Update(ColorFrame{Width: 1 << 62, Height: 1}))

	_, err := s.Capture()
	assert.True(t, errors.Is(err, ErrNoFrame))
}
