package cdp

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// TargetInfo mirrors the subset of CDP's Target.TargetInfo this core
// tracks for tab discovery.
type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

type targetInfoEvent struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

// TargetTracker keeps an in-memory view of a browser's targets in sync
// via Target.targetCreated/targetInfoChanged/targetDestroyed, and
// issues Target.getTargets/createTarget/closeTarget against a
// dispatcher dialed to the browser-level debugger endpoint (not a
// per-tab one).
type TargetTracker struct {
	d *Dispatcher

	mu      sync.RWMutex
	targets map[string]TargetInfo

	unsubs []func()
}

// NewTargetTracker subscribes to target lifecycle events on d and
// seeds its view with a Target.getTargets call.
func NewTargetTracker(ctx context.Context, d *Dispatcher) (*TargetTracker, error) {
	tt := &TargetTracker{d: d, targets: make(map[string]TargetInfo)}

	tt.unsubs = append(tt.unsubs,
		d.On("Target.targetCreated", tt.onCreatedOrChanged),
		d.On("Target.targetInfoChanged", tt.onCreatedOrChanged),
		d.On("Target.targetDestroyed", tt.onDestroyed),
	)

	if _, err := d.Send(ctx, "Target.setDiscoverTargets", map[string]any{"discover": true}, 0); err != nil {
		tt.Close()
		return nil, fmt.Errorf("cdp: Target.setDiscoverTargets: %w", err)
	}

	raw, err := d.Send(ctx, "Target.getTargets", nil, 0)
	if err != nil {
		tt.Close()
		return nil, fmt.Errorf("cdp: Target.getTargets: %w", err)
	}
	var got struct {
		TargetInfos []TargetInfo `json:"targetInfos"`
	}
	if err := unmarshal(raw, &got); err != nil {
		tt.Close()
		return nil, fmt.Errorf("cdp: unmarshal Target.getTargets: %w", err)
	}
	tt.mu.Lock()
	for _, ti := range got.TargetInfos {
		tt.targets[ti.TargetID] = ti
	}
	tt.mu.Unlock()

	return tt, nil
}

func (tt *TargetTracker) onCreatedOrChanged(ev Event) {
	var p targetInfoEvent
	if err := unmarshal(ev.Params, &p); err != nil || p.TargetInfo.TargetID == "" {
		return
	}
	tt.mu.Lock()
	tt.targets[p.TargetInfo.TargetID] = p.TargetInfo
	tt.mu.Unlock()
}

func (tt *TargetTracker) onDestroyed(ev Event) {
	var p struct {
		TargetID string `json:"targetId"`
	}
	if err := unmarshal(ev.Params, &p); err != nil {
		return
	}
	tt.mu.Lock()
	delete(tt.targets, p.TargetID)
	tt.mu.Unlock()
}

// List returns every known page target, sorted by target id so
// repeated calls are stable.
func (tt *TargetTracker) List() []TargetInfo {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	out := make([]TargetInfo, 0, len(tt.targets))
	for _, ti := range tt.targets {
		if ti.Type == "page" {
			out = append(out, ti)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// Get looks up one target by id.
func (tt *TargetTracker) Get(targetID string) (TargetInfo, bool) {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	ti, ok := tt.targets[targetID]
	return ti, ok
}

// Create opens a new page target at url via Target.createTarget,
// defaulting to a blank page.
func (tt *TargetTracker) Create(ctx context.Context, url string) (TargetInfo, error) {
	if url == "" {
		url = "about:blank"
	}
	raw, err := tt.d.Send(ctx, "Target.createTarget", map[string]any{"url": url}, 0)
	if err != nil {
		return TargetInfo{}, fmt.Errorf("cdp: Target.createTarget: %w", err)
	}
	var result struct {
		TargetID string `json:"targetId"`
	}
	if err := unmarshal(raw, &result); err != nil {
		return TargetInfo{}, fmt.Errorf("cdp: unmarshal Target.createTarget: %w", err)
	}
	ti := TargetInfo{TargetID: result.TargetID, Type: "page", URL: url}
	tt.mu.Lock()
	tt.targets[ti.TargetID] = ti
	tt.mu.Unlock()
	return ti, nil
}

// CloseTarget closes a target via Target.closeTarget and drops it from
// the tracked view; targetInfoChanged for a now-missing target is
// otherwise only observed after the fact via targetDestroyed.
func (tt *TargetTracker) CloseTarget(ctx context.Context, targetID string) error {
	_, err := tt.d.Send(ctx, "Target.closeTarget", map[string]any{"targetId": targetID}, 0)
	tt.mu.Lock()
	delete(tt.targets, targetID)
	tt.mu.Unlock()
	if err != nil {
		return fmt.Errorf("cdp: Target.closeTarget: %w", err)
	}
	return nil
}

// Close unsubscribes the tracker's event handlers. It does not close
// the underlying browser-level dispatcher, which the caller owns.
func (tt *TargetTracker) Close() {
	for _, unsub := range tt.unsubs {
		unsub()
	}
}
