package telemetry

import (
	"sync/atomic"
	"time"
)

// DefaultCapacity is the ring buffer size used for every category
// unless Config overrides it (each buffer is capped, typically in the
// 200-1000 entry range).
const DefaultCapacity = 500

// Config sizes each Tier-0 category independently.
type Config struct {
	ConsoleCap    int
	ErrorCap      int
	RejectionCap  int
	NetworkCap    int
	NavigationCap int
	DialogCap     int
}

func (c Config) capOrDefault(v int) int {
	if v <= 0 {
		return DefaultCapacity
	}
	return v
}

// Tier0 is the per-tab bundle of bounded telemetry buffers and the
// dialog_open flag gating eval_js and Tier-1 installation.
type Tier0 struct {
	seq int64 // atomic, shared across all categories on this tab

	console    *RingBuffer[ConsoleEntry]
	errors     *RingBuffer[ErrorEntry]
	rejections *RingBuffer[RejectionEntry]
	network    *RingBuffer[NetworkEntry]
	navigation *RingBuffer[NavigationEntry]
	dialogs    *RingBuffer[DialogEntry]

	dialogOpen atomic.Bool

	inFlight *networkTracker

	// lastDialogType remembers the type of the most recently opened
	// dialog, since Page.javascriptDialogClosed doesn't repeat it.
	lastDialogType string
}

// NewTier0 constructs an empty Tier-0 bundle for one tab.
func NewTier0(cfg Config) *Tier0 {
	return &Tier0{
		console:    NewRingBuffer[ConsoleEntry](cfg.capOrDefault(cfg.ConsoleCap)),
		errors:     NewRingBuffer[ErrorEntry](cfg.capOrDefault(cfg.ErrorCap)),
		rejections: NewRingBuffer[RejectionEntry](cfg.capOrDefault(cfg.RejectionCap)),
		network:    NewRingBuffer[NetworkEntry](cfg.capOrDefault(cfg.NetworkCap)),
		navigation: NewRingBuffer[NavigationEntry](cfg.capOrDefault(cfg.NavigationCap)),
		dialogs:    NewRingBuffer[DialogEntry](cfg.capOrDefault(cfg.DialogCap)),
		inFlight:   newNetworkTracker(),
	}
}

func (t *Tier0) nextSeq() int64 { return atomic.AddInt64(&t.seq, 1) }

// Cursor returns the highest sequence number assigned so far. It never
// decreases, including across Clear.
func (t *Tier0) Cursor() int64 { return atomic.LoadInt64(&t.seq) }

// DialogOpen reports whether a JavaScript dialog currently blocks
// eval_js and Tier-1 installation.
func (t *Tier0) DialogOpen() bool { return t.dialogOpen.Load() }

func (t *Tier0) entry() Entry { return Entry{Seq: t.nextSeq(), At: time.Now()} }

// AddConsole appends a console/Runtime.consoleAPICalled record.
func (t *Tier0) AddConsole(level string, args []string, stack string) {
	t.console.Append(ConsoleEntry{Entry: t.entry(), Level: level, Args: args, StackSummary: stack})
}

// AddError appends an uncaught exception or resource failure.
func (t *Tier0) AddError(kind ErrorKind, message, filename string, line, col int) {
	t.errors.Append(ErrorEntry{Entry: t.entry(), Type: kind, Message: message, Filename: filename, Line: line, Column: col})
}

// AddRejection appends an unhandled promise rejection.
func (t *Tier0) AddRejection(message string) {
	t.rejections.Append(RejectionEntry{Entry: t.entry(), Message: message})
}

// AddNavigation appends a Page.frameNavigated observation for the top
// frame.
func (t *Tier0) AddNavigation(url, title string) {
	t.navigation.Append(NavigationEntry{Entry: t.entry(), URL: url, Title: title})
}

// OpenDialog records a javascript dialog opening and sets dialog_open.
func (t *Tier0) OpenDialog(dialogType, message string) {
	t.dialogOpen.Store(true)
	t.dialogs.Append(DialogEntry{Entry: t.entry(), Event: DialogOpen, Type: dialogType, Message: message})
}

// CloseDialog records a javascript dialog closing and clears dialog_open.
func (t *Tier0) CloseDialog(dialogType string) {
	t.dialogOpen.Store(false)
	t.dialogs.Append(DialogEntry{Entry: t.entry(), Event: DialogClose, Type: dialogType})
}

// Clear resets every buffer but never the sequence cursor.
func (t *Tier0) Clear() {
	t.console.Clear()
	t.errors.Clear()
	t.rejections.Clear()
	t.network.Clear()
	t.navigation.Clear()
	t.dialogs.Clear()
}

// Snapshot is a paginated, cursor-stamped view over every Tier-0
// category, returned by Tier0.Snapshot and the manager's
// tier0_snapshot operation.
type Snapshot struct {
	Cursor     int64             `json:"cursor"`
	Console    []ConsoleEntry    `json:"console"`
	Errors     []ErrorEntry      `json:"errors"`
	Rejections []RejectionEntry  `json:"rejections"`
	Network    []NetworkEntry    `json:"network"`
	Navigation []NavigationEntry `json:"navigation"`
	Dialogs    []DialogEntry     `json:"dialogs"`
	Counts     map[string]int    `json:"counts,omitempty"`
}

// Snapshot returns entries with Seq > since, paginated by offset/limit
// within each category, sorted ascending or descending by Seq. A limit
// of 0 returns only category counts.
func (t *Tier0) Snapshot(since int64, offset, limit int, descending bool) Snapshot {
	s := Snapshot{Cursor: t.Cursor()}
	if limit == 0 {
		s.Counts = map[string]int{
			"console":    countAfter(t.console.Snapshot(), since),
			"errors":     countAfter(t.errors.Snapshot(), since),
			"rejections": countAfter(t.rejections.Snapshot(), since),
			"network":    countAfter(t.network.Snapshot(), since),
			"navigation": countAfter(t.navigation.Snapshot(), since),
			"dialogs":    countAfter(t.dialogs.Snapshot(), since),
		}
		return s
	}
	s.Console = page(filterAfter(t.console.Snapshot(), since), offset, limit, descending)
	s.Errors = page(filterAfter(t.errors.Snapshot(), since), offset, limit, descending)
	s.Rejections = page(filterAfter(t.rejections.Snapshot(), since), offset, limit, descending)
	s.Network = page(filterAfter(t.network.Snapshot(), since), offset, limit, descending)
	s.Navigation = page(filterAfter(t.navigation.Snapshot(), since), offset, limit, descending)
	s.Dialogs = page(filterAfter(t.dialogs.Snapshot(), since), offset, limit, descending)
	return s
}

func (e Entry) seqOf() int64 { return e.Seq }

func filterAfter[T interface{ seqOf() int64 }](in []T, since int64) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if v.seqOf() > since {
			out = append(out, v)
		}
	}
	return out
}

func countAfter[T interface{ seqOf() int64 }](in []T, since int64) int {
	n := 0
	for _, v := range in {
		if v.seqOf() > since {
			n++
		}
	}
	return n
}

func page[T any](in []T, offset, limit int, descending bool) []T {
	if descending {
		reversed := make([]T, len(in))
		for i, v := range in {
			reversed[len(in)-1-i] = v
		}
		in = reversed
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(in) {
		return []T{}
	}
	end := offset + limit
	if limit <= 0 || end > len(in) {
		end = len(in)
	}
	out := make([]T, end-offset)
	copy(out, in[offset:end])
	return out
}
