// Package screen mirrors a character display in memory, so the rest of the program can be
// debugged without the display attached.
package screen

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log"
	"net/http"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/devices/v3/aip31068"
)

const (
	previewBorder = 6 // Pixels around the text area.
)

var (
	previewBackground = color.NRGBA{R: 0x20, G: 0x40, B: 0xc0, A: 0xff}
	previewText       = color.NRGBA{R: 0xf0, G: 0xf0, B: 0xf0, A: 0xff}
)

// Device is a character display: a periph display.TextDisplay that can also be halted.
type Device interface {
	String() string
	Rows() int
	Cols() int
	MinRow() int
	MinCol() int
	MoveTo(row, col int) error
	Write(p []byte) (int, error)
	Halt() error
}

// The waveshare1602 LCD.
var _ Device = (*aip31068.Dev)(nil)

// Screen is a text display, or a stand-in for one.  Everything written through it is also
// kept in a grid of characters that can be served as a PNG.
type Screen struct {
	dev            Device // nil when running without hardware
	rows, cols     int
	minRow, minCol int

	gridMu   sync.Mutex
	grid     [][]byte // must hold gridMu to read or write.
	row, col int      // cursor, zero-based; must hold gridMu.
}

// New returns a Screen that writes to dev.  If dev is nil, the screen only exists in memory and
// has the given geometry.
func New(dev Device, rows, cols int) (*Screen, error) {
	s := &Screen{dev: dev, rows: rows, cols: cols}
	if dev != nil {
		s.rows, s.cols = dev.Rows(), dev.Cols()
		s.minRow, s.minCol = dev.MinRow(), dev.MinCol()
	}
	if s.rows < 1 || s.cols < 1 {
		return nil, fmt.Errorf("screen: bad geometry %dx%d", s.rows, s.cols)
	}
	s.grid = make([][]byte, s.rows)
	for i := range s.grid {
		s.grid[i] = make([]byte, s.cols)
		for j := range s.grid[i] {
			s.grid[i][j] = ' '
		}
	}
	return s, nil
}

func (s *Screen) String() string {
	if s.dev == nil {
		return fmt.Sprintf("preview-only %dx%d", s.rows, s.cols)
	}
	return s.dev.String()
}

func (s *Screen) Rows() int   { return s.rows }
func (s *Screen) Cols() int   { return s.cols }
func (s *Screen) MinRow() int { return s.minRow }
func (s *Screen) MinCol() int { return s.minCol }

// MoveTo moves the cursor, using the device's row and column numbering.
func (s *Screen) MoveTo(row, col int) error {
	r, c := row-s.minRow, col-s.minCol
	if r < 0 || r >= s.rows || c < 0 || c >= s.cols {
		return fmt.Errorf("screen: position (%d, %d) out of range", row, col)
	}
	if s.dev != nil {
		if err := s.dev.MoveTo(row, col); err != nil {
			return fmt.Errorf("move cursor: %w", err)
		}
	}
	s.gridMu.Lock()
	defer s.gridMu.Unlock()
	s.row, s.col = r, c
	return nil
}

// Write writes p at the cursor.  Text past the end of the row is dropped from the preview.
func (s *Screen) Write(p []byte) (int, error) {
	n := len(p)
	if s.dev != nil {
		var err error
		if n, err = s.dev.Write(p); err != nil {
			return n, fmt.Errorf("write to display: %w", err)
		}
	}
	s.gridMu.Lock()
	defer s.gridMu.Unlock()
	s.col += copy(s.grid[s.row][s.col:], p[:n])
	return n, nil
}

// Text returns the current contents of each row.
func (s *Screen) Text() []string {
	s.gridMu.Lock()
	defer s.gridMu.Unlock()
	result := make([]string, len(s.grid))
	for i, row := range s.grid {
		result[i] = string(row)
	}
	return result
}

// Halt turns off the underlying display, if there is one.
func (s *Screen) Halt() error {
	if s.dev == nil {
		return nil
	}
	if err := s.dev.Halt(); err != nil {
		return fmt.Errorf("halt display: %w", err)
	}
	return nil
}

// Render draws the current grid the way an LCD would show it.
func (s *Screen) Render() *image.NRGBA {
	face := basicfont.Face7x13
	w := s.cols*face.Advance + 2*previewBorder
	h := s.rows*face.Height + 2*previewBorder
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(previewBackground), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(previewText),
		Face: face,
	}
	for i, row := range s.Text() {
		drawer.Dot = fixed.P(previewBorder, previewBorder+i*face.Height+face.Ascent)
		drawer.DrawString(row)
	}
	return img
}

// ServeHTTP serves the current grid as a PNG.
func (s *Screen) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Add("content-type", "image/png")
	w.WriteHeader(http.StatusOK)
	if err := png.Encode(w, s.Render()); err != nil {
		log.Printf("encoding image: %v", err)
	}
}
