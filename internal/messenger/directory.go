package messenger

import (
	"sort"
	"sync"
)

// Directory is the tenant → channels/roles enumeration, fed from settings.
type Directory struct {
	mu      sync.RWMutex
	tenants map[string]dirEntry
}

type dirEntry struct {
	channels []Channel
	roles    []Role
}

func NewDirectory() *Directory { return &Directory{tenants: map[string]dirEntry{}} }

// Set replaces a tenant's channels and roles.
func (d *Directory) Set(tenant string, channels []Channel, roles []Role) {
	d.mu.Lock()
	d.tenants[tenant] = dirEntry{
		channels: append([]Channel(nil), channels...),
		roles:    append([]Role(nil), roles...),
	}
	d.mu.Unlock()
}

func (d *Directory) Remove(tenant string) {
	d.mu.Lock()
	delete(d.tenants, tenant)
	d.mu.Unlock()
}

func (d *Directory) Channels(tenant string) []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Channel(nil), d.tenants[tenant].channels...)
}

func (d *Directory) Roles(tenant string) []Role {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Role(nil), d.tenants[tenant].roles...)
}

func (d *Directory) Tenants() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.tenants))
	for t := range d.tenants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
