package manager

import (
	"sync"
	"time"
)

// captchaTTL bounds how long a cached grid map stays usable; it must
// also be invalidated early on scroll or viewport resize regardless of
// age, since the grid's pixel coordinates no longer line up otherwise.
const captchaTTL = 120 * time.Second

// GridCell is one cell of a CAPTCHA grid map.
type GridCell struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Bounds Rect    `json:"bounds"`
}

// Rect is an axis-aligned pixel rectangle.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// CaptchaState is the most recent screenshot-derived grid map for a
// tab.
type CaptchaState struct {
	Type       string              `json:"type"`
	Bounds     Rect                `json:"bounds"`
	GridBounds Rect                `json:"gridBounds"`
	Rows       int                 `json:"rows"`
	Cols       int                 `json:"cols"`
	GridMap    map[string]GridCell `json:"gridMap"`
	Clip       Rect                `json:"clip"`
	Scroll     ScrollOffset        `json:"scroll"`
}

// ScrollOffset is the page scroll position the grid map was captured
// at; a later scroll or viewport resize invalidates the workbench
// since the grid's pixel coordinates no longer line up with the page.
type ScrollOffset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type captchaWorkbench struct {
	mu       sync.Mutex
	state    *CaptchaState
	setAt    time.Time
	viewport Rect
}

func newCaptchaWorkbench() *captchaWorkbench {
	return &captchaWorkbench{}
}

// set stores state, captured with the page at the given viewport size.
func (w *captchaWorkbench) set(state CaptchaState, viewport Rect) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = &state
	w.setAt = time.Now()
	w.viewport = viewport
}

// get returns the stored state if it is younger than maxAge (or the
// package default when maxAge <= 0), the scroll offset matches what it
// was captured at, and the viewport size hasn't changed.
func (w *captchaWorkbench) get(maxAge time.Duration, currentScroll ScrollOffset, currentViewport Rect) (CaptchaState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == nil {
		return CaptchaState{}, false
	}
	if maxAge <= 0 {
		maxAge = captchaTTL
	}
	if time.Since(w.setAt) > maxAge {
		return CaptchaState{}, false
	}
	if w.state.Scroll != currentScroll || w.viewport != currentViewport {
		return CaptchaState{}, false
	}
	return *w.state, true
}

func (w *captchaWorkbench) invalidate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = nil
}
