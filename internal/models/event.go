package models

// EventType names a push event sent to the chart views of a session
type EventType string

const (
	EventRange   EventType = "range"
	EventRedraw  EventType = "redraw"
	EventLabel   EventType = "label"
	EventURL     EventType = "url"
	EventDestroy EventType = "destroy"
)

// Event is one instruction for the browser-side chart layer
type Event struct {
	Type    EventType `json:"type"`
	ChartID string    `json:"chart_id,omitempty"`
	Min     int64     `json:"min,omitempty"`
	Max     int64     `json:"max,omitempty"`
	Label   string    `json:"label,omitempty"`
	URL     string    `json:"url,omitempty"`
}
