package engine

import (
	"context"
	"sort"
)

// Snapshot is the resolved output of a graph handed to downstream tools.
type Snapshot struct {
	Sources  []SnapshotSource        `json:"sources"`
	Config   map[string]SnapshotItem `json:"config"`
	Settings SnapshotSettings        `json:"settings"`
}

// SnapshotSource describes one data source.
type SnapshotSource struct {
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// SnapshotItem is the resolved value of one item.
type SnapshotItem struct {
	Value       interface{} `json:"value"`
	IsSensitive bool        `json:"isSensitive"`
}

// SnapshotSettings are graph-wide output settings.
type SnapshotSettings struct {
	RedactLogs   bool `json:"redactLogs"`
	PreventLeaks bool `json:"preventLeaks"`
}

// Snapshot collects sources, item values and output settings. Items that are
// not resolved or invalid have a nil value.
func (g *Graph) Snapshot(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Config: make(map[string]SnapshotItem),
		Settings: SnapshotSettings{
			RedactLogs:   g.rootSetting(ctx, "redactLogs", true),
			PreventLeaks: g.rootSetting(ctx, "preventLeaks", true),
		},
	}

	for _, s := range g.Sources() {
		snap.Sources = append(snap.Sources, SnapshotSource{
			Label:   s.Label,
			Enabled: !g.IsDisabled(s.ID),
			Path:    s.Path,
		})
	}

	for _, it := range g.Items() {
		entry := SnapshotItem{IsSensitive: it.IsSensitive()}
		if it.IsResolved() && it.State() != StateError {
			entry.Value = it.Value()
		}
		snap.Config[it.Key] = entry
	}
	return snap
}

// rootSetting returns the value of the first enabled root decorator named
// name in precedence order, or def.
func (g *Graph) rootSetting(ctx context.Context, name string, def bool) bool {
	for _, s := range g.Sources() {
		if g.IsDisabled(s.ID) {
			continue
		}
		d := findDecorator(s.Decorators, name)
		if d == nil {
			continue
		}
		v, err := d.Resolve(ctx, &scope{g: g, source: s.ID})
		if err != nil {
			continue
		}
		return truthy(v)
	}
	return def
}

// SensitiveValues returns the string form of every non-empty sensitive value,
// longest first.
func (s *Snapshot) SensitiveValues() []string {
	var out []string
	for _, it := range s.Config {
		if !it.IsSensitive || isEmpty(it.Value) {
			continue
		}
		out = append(out, valueString(it.Value))
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

// Keys returns item keys in sorted order.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Config))
	for k := range s.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
