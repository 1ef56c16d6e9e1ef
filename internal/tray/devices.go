package tray

import (
	"slices"
	"sync"
)

// menuItem is the part of *systray.MenuItem the device menus drive.
type menuItem interface {
	Check()
	Uncheck()
	Show()
	Hide()
}

// deviceMenu is a submenu listing device names. Items are added from the
// rescan handler and checked from click handlers, so the item map is
// guarded. systray cannot remove items; vanished devices are hidden.
type deviceMenu struct {
	add func(name string, checked bool) menuItem

	mu    sync.Mutex
	items map[string]menuItem
}

func newDeviceMenu(add func(name string, checked bool) menuItem) *deviceMenu {
	return &deviceMenu{
		add:   add,
		items: make(map[string]menuItem),
	}
}

// sync shows the items for names, adding any that are new, and hides the
// rest.
func (m *deviceMenu) sync(names []string, selected string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, item := range m.items {
		if !slices.Contains(names, name) {
			item.Hide()
		}
	}
	for _, name := range names {
		if item, ok := m.items[name]; ok {
			item.Show()
			continue
		}
		m.items[name] = m.add(name, name == selected)
	}
}

// check marks selected as the only checked device.
func (m *deviceMenu) check(selected string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	checkOnly(m.items, selected)
}
