package edge

import (
	"context"
	"sort"
	"sync"
)

// Tray is the system notification area. Showing a model with the tag of one
// already displayed replaces it.
type Tray interface {
	Show(ctx context.Context, d DisplayModel) error
	// Close removes the notification and returns it.
	Close(tag string) (DisplayModel, bool)
	List() []DisplayModel
}

// TraySubscriber is called for every notification shown.
type TraySubscriber func(DisplayModel)

// MemoryTray keeps displayed notifications in memory and mirrors every show
// to its subscribers (the page hub forwards them to connected pages).
type MemoryTray struct {
	mu          sync.Mutex
	items       map[string]DisplayModel
	subscribers []TraySubscriber
}

func NewMemoryTray() *MemoryTray {
	return &MemoryTray{items: map[string]DisplayModel{}}
}

func (t *MemoryTray) Subscribe(fn TraySubscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

func (t *MemoryTray) Show(_ context.Context, d DisplayModel) error {
	t.mu.Lock()
	t.items[d.Tag] = d
	subs := make([]TraySubscriber, len(t.subscribers))
	copy(subs, t.subscribers)
	t.mu.Unlock()

	for _, fn := range subs {
		fn(d)
	}
	return nil
}

func (t *MemoryTray) Close(tag string) (DisplayModel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.items[tag]
	delete(t.items, tag)
	return d, ok
}

// List returns the displayed notifications, newest first.
func (t *MemoryTray) List() []DisplayModel {
	t.mu.Lock()
	out := make([]DisplayModel, 0, len(t.items))
	for _, d := range t.items {
		out = append(out, d)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}
