// Package quality defines the stream quality presets and the controller that
// holds the active one.
package quality

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// ErrUnknownPreset is returned by Parse for names that are not a preset.
var ErrUnknownPreset = errors.New("unknown quality preset")

// Preset binds a target resolution to a JPEG quality.
type Preset struct {
	Name        string
	Width       int
	Height      int
	JPEGQuality int
}

var (
	Low    = Preset{Name: "LOW", Width: 640, Height: 480, JPEGQuality: 50}
	Medium = Preset{Name: "MEDIUM", Width: 1280, Height: 720, JPEGQuality: 70}
	High   = Preset{Name: "HIGH", Width: 1920, Height: 1080, JPEGQuality: 90}
)

// Presets returns all presets from lowest to highest.
func Presets() []Preset {
	return []Preset{Low, Medium, High}
}

// Label is the resolution shown to clients, e.g. "1280x720".
func (p Preset) Label() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

func (p Preset) String() string {
	return p.Name
}

// Parse looks up a preset by name, ignoring case.
func Parse(name string) (Preset, error) {
	for _, p := range Presets() {
		if strings.EqualFold(strings.TrimSpace(name), p.Name) {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
}

// Controller holds the active preset. Set is called by the operator, Current
// by the encoder before every frame.
type Controller struct {
	current atomic.Pointer[Preset]
}

func NewController(initial Preset) *Controller {
	c := &Controller{}
	c.Set(initial)
	return c
}

// Set swaps the active preset. Frames already encoded are not affected.
func (c *Controller) Set(p Preset) {
	c.current.Store(&p)
}

// Current returns the active preset.
func (c *Controller) Current() Preset {
	return *c.current.Load()
}
