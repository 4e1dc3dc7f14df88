// Package browser drives Chrome through its DevTools protocol: it tracks
// targets and their flat sessions, numbers the interactable elements of each
// page so callers can act on stable integer indices, and executes pointer,
// keyboard and evaluation commands against those indices.
package browser

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

// TargetInfo describes one page target known to the registry.
type TargetInfo struct {
	ID       target.ID `json:"id"`
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Attached bool      `json:"attached"`
	Crashed  bool      `json:"crashed"`
	Current  bool      `json:"current"`
}

// ElementRef is a handle to an indexed element. It pins the snapshot
// generation it was minted in; using it after the page has renumbered its
// elements yields a stale index error rather than a click on the wrong node.
type ElementRef struct {
	Index      int    `json:"index"`
	Generation uint64 `json:"generation"`
}

// NodeRef is a direct protocol-level handle to a DOM node, minted by selector
// resolution without going through the element index. It carries no liveness
// guarantee: the node may be invisible, detached, or gone by the time the
// caller acts on it.
type NodeRef struct {
	BackendID cdp.BackendNodeID `json:"backendId"`
	// Tag is the lowercased element name, e.g. "button".
	Tag string `json:"tag"`
	// Ref is the node's indexed handle when the current snapshot generation
	// happens to cover it, nil otherwise. Interactions take ElementRefs, so
	// this is the bridge from a selector match to a click.
	Ref *ElementRef `json:"ref,omitempty"`
}

// Element is one entry of a page snapshot.
type Element struct {
	Index int `json:"index"`
	// Tag is the lowercased element name, e.g. "button".
	Tag string `json:"tag"`
	// Text is the element's trimmed visible text, truncated for listings.
	Text string `json:"text,omitempty"`
	// Attrs holds the attributes worth showing (id, name, type, href,
	// placeholder, aria-label, role, value, title, alt).
	Attrs map[string]string `json:"attrs,omitempty"`
	// Scope annotates elements that live inside an open shadow root or a
	// same-document iframe, e.g. "iframe[1] > shadow".
	Scope string `json:"scope,omitempty"`
	// Bounds is the element's document-space box when layout reported one.
	Bounds *Rect `json:"bounds,omitempty"`

	backendID cdp.BackendNodeID
}

// BackendNodeID exposes the protocol-level node identity of the element.
func (e Element) BackendNodeID() cdp.BackendNodeID { return e.backendID }

// Boundary is an opaque subtree the snapshot cannot see into: a closed
// shadow root or an out-of-process iframe.
type Boundary struct {
	// Kind is "closed-shadow" or "iframe".
	Kind string `json:"kind"`
	// Scope locates the boundary's host element in the snapshot.
	Scope string `json:"scope"`
	// URL is set for iframe boundaries when known.
	URL string `json:"url,omitempty"`
}

// Rect is an axis-aligned box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the box.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Snapshot is one generation of a page's indexed elements.
type Snapshot struct {
	TargetID   target.ID  `json:"targetId"`
	Generation uint64     `json:"generation"`
	URL        string     `json:"url"`
	Title      string     `json:"title"`
	Elements   []Element  `json:"elements"`
	Boundaries []Boundary `json:"boundaries,omitempty"`
	TakenAt    time.Time  `json:"takenAt"`
}

// Ref returns a handle to the snapshot's element at index, pinned to this
// snapshot's generation.
func (s *Snapshot) Ref(index int) ElementRef {
	return ElementRef{Index: index, Generation: s.Generation}
}

// MouseButton selects the button for pointer commands.
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonMiddle MouseButton = "middle"
	ButtonRight  MouseButton = "right"
)

// ClickOptions tunes Click.
type ClickOptions struct {
	Button     MouseButton
	ClickCount int
	// Modifiers are key names held during the click: "Control", "Shift",
	// "Alt", "Meta".
	Modifiers []string
}

// FillOptions tunes Fill.
type FillOptions struct {
	// PerChar types the text one key event at a time instead of inserting
	// it in a single IME-style commit. Some widgets only react to real
	// key events.
	PerChar bool
	// CharDelay spaces per-char key events; zero uses the configured
	// default.
	CharDelay time.Duration
	// NoClear keeps the control's existing content and appends instead of
	// replacing. The end value then depends on where the page put the
	// caret, so post-fill verification is skipped.
	NoClear bool
}

// Offset is a point in CSS pixels relative to an element's top-left corner.
type Offset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DragOptions tunes DragTo.
type DragOptions struct {
	// FromOffset and ToOffset pick the grab and drop points inside the
	// source and destination elements; nil aims at the centers.
	FromOffset *Offset
	ToOffset   *Offset
	// Steps is the number of intermediate pointer moves; zero uses the
	// configured default.
	Steps int
}

// ScrollDirection names a scroll axis and sign.
type ScrollDirection string

const (
	ScrollDown  ScrollDirection = "down"
	ScrollUp    ScrollDirection = "up"
	ScrollLeft  ScrollDirection = "left"
	ScrollRight ScrollDirection = "right"
)

// ScreenshotOptions tunes CaptureScreenshot.
type ScreenshotOptions struct {
	// Format is "png", "jpeg", or "webp".
	Format string
	// Quality applies to jpeg and webp, 0-100.
	Quality int
	// Clip restricts the capture to one indexed element.
	Clip *ElementRef
	// FullPage captures beyond the viewport.
	FullPage bool
}

// ConsoleEntry is one captured console message.
type ConsoleEntry struct {
	Level string    `json:"level"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// Cookie is the subset of a browser cookie this layer reports.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session"`
}

// CommandRecord is the flight-recorder view of one executed command.
type CommandRecord struct {
	RunID     string        `json:"runId"`
	CommandID string        `json:"commandId"`
	TargetID  string        `json:"targetId"`
	Action    string        `json:"action"`
	Detail    string        `json:"detail,omitempty"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// Recorder persists command records. Implementations must tolerate being
// called from the command path and should never block it for long.
type Recorder interface {
	RecordCommand(ctx context.Context, rec CommandRecord) error
}

// TargetEvent is a registry change published to an event sink.
type TargetEvent struct {
	Kind     string    `json:"kind"` // created, attached, detached, destroyed, crashed, navigated, console
	TargetID string    `json:"targetId"`
	URL      string    `json:"url,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// EventSink receives registry change notifications. Implementations must
// not block.
type EventSink interface {
	PublishTargetEvent(ev TargetEvent)
}

// PickFunc chooses an element index from a numbered listing in response to
// a natural-language prompt. The returned index must be one of the listed
// ones. Implementations typically delegate to a language model.
type PickFunc func(ctx context.Context, prompt, listing string) (int, error)
