package charts

import (
	"sync"

	"pollster-audit/internal/coordinator"
	"pollster-audit/internal/models"
)

// Layout is everything the page needs to draw the dashboard
type Layout struct {
	Charts []*Chart    `json:"charts"`
	Firms  []FirmPanel `json:"firms"`
	Window *Range      `json:"window,omitempty"`
}

// Board holds the chart instances currently on screen. Charts are replaced
// wholesale on redraw; a stored chart is never mutated, range changes swap
// in a copy.
type Board struct {
	publisher coordinator.Publisher

	mu     sync.RWMutex
	groups map[Group][]*Chart
	panels []FirmPanel
}

// groupOrder is the display order of chart groups
var groupOrder = []Group{GroupGeneral, GroupBias}

// NewBoard creates an empty board. publisher may be nil.
func NewBoard(publisher coordinator.Publisher) *Board {
	return &Board{
		publisher: publisher,
		groups:    make(map[Group][]*Chart),
	}
}

// Replace destroys every chart of group and installs charts in its place
func (b *Board) Replace(group Group, charts []*Chart) {
	b.mu.Lock()
	old := b.groups[group]
	b.groups[group] = charts
	b.mu.Unlock()

	for _, c := range old {
		b.publish(models.Event{Type: models.EventDestroy, ChartID: c.ID})
	}
	for _, c := range charts {
		b.publish(models.Event{Type: models.EventRedraw, ChartID: c.ID})
	}
}

// ReplaceBias installs a new bias analysis: the firm panels and their charts
func (b *Board) ReplaceBias(panels []FirmPanel, charts []*Chart) {
	b.mu.Lock()
	b.panels = panels
	b.mu.Unlock()
	b.Replace(GroupBias, charts)
}

// Destroy removes one chart. It reports whether the chart existed.
func (b *Board) Destroy(id string) bool {
	b.mu.Lock()
	found := false
	for group, charts := range b.groups {
		for i, c := range charts {
			if c.ID == id {
				b.groups[group] = append(charts[:i:i], charts[i+1:]...)
				found = true
				break
			}
		}
	}
	b.mu.Unlock()

	if found {
		b.publish(models.Event{Type: models.EventDestroy, ChartID: id})
	}
	return found
}

// SetVisibleRange moves one chart's x axis to w and tells the page
func (b *Board) SetVisibleRange(id string, w models.Window) bool {
	visible := &Range{Min: w.Min(), Max: w.Max()}

	b.mu.Lock()
	found := b.setVisibleLocked(id, visible)
	b.mu.Unlock()

	if found {
		b.publish(models.Event{Type: models.EventRange, ChartID: id, Min: visible.Min, Max: visible.Max})
	}
	return found
}

// RecordVisibleRange stores w as one chart's visible range without telling
// the page. Used for the chart that reported the range itself.
func (b *Board) RecordVisibleRange(id string, w models.Window) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setVisibleLocked(id, &Range{Min: w.Min(), Max: w.Max()})
}

// Chart returns the chart with id
func (b *Board) Chart(id string) (*Chart, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, charts := range b.groups {
		for _, c := range charts {
			if c.ID == id {
				return c, true
			}
		}
	}
	return nil, false
}

// Views returns every chart with a time axis as a coordinator view. Box
// plots have no time axis and are left out.
func (b *Board) Views() []coordinator.View {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var views []coordinator.View
	for _, g := range groupOrder {
		for _, c := range b.groups[g] {
			if c.Type == TypeBoxplot {
				continue
			}
			views = append(views, view{board: b, id: c.ID})
		}
	}
	return views
}

// Snapshot returns the charts in display order with the firm panels
func (b *Board) Snapshot() Layout {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var layout Layout
	for _, g := range groupOrder {
		layout.Charts = append(layout.Charts, b.groups[g]...)
	}
	layout.Firms = append([]FirmPanel(nil), b.panels...)
	return layout
}

// setVisibleLocked swaps in a copy of chart id showing visible. Callers hold mu.
func (b *Board) setVisibleLocked(id string, visible *Range) bool {
	found := false
	for _, charts := range b.groups {
		for i, c := range charts {
			if c.ID != id {
				continue
			}
			next := *c
			next.Visible = visible
			charts[i] = &next
			found = true
		}
	}
	return found
}

func (b *Board) publish(e models.Event) {
	if b.publisher != nil {
		b.publisher.Publish(e)
	}
}

// view adapts one board chart to coordinator.View
type view struct {
	board *Board
	id    string
}

func (v view) ID() string { return v.id }

func (v view) SetVisibleRange(w models.Window) {
	v.board.SetVisibleRange(v.id, w)
}

func (v view) RecordVisibleRange(w models.Window) {
	v.board.RecordVisibleRange(v.id, w)
}
