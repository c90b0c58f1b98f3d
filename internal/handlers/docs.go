package handlers

import (
	"encoding/json"
	"net/http"

	"pollster-audit/internal/coordinator"
)

type object = map[string]interface{}

func jsonBody(schema object) object {
	return object{"application/json": object{"schema": schema}}
}

func ref(name string) object {
	return object{"$ref": "#/components/schemas/" + name}
}

var sessionIDParam = object{
	"name":        "id",
	"in":          "path",
	"description": "Session ID returned by POST /api/sessions",
	"required":    true,
	"schema":      object{"type": "string", "format": "uuid"},
}

// sessionOp describes an operation on an existing session
func sessionOp(summary, request, response string) object {
	op := object{
		"summary":    summary,
		"parameters": []object{sessionIDParam},
		"responses": object{
			"200": object{"description": "OK", "content": jsonBody(ref(response))},
			"400": object{"description": "Invalid request", "content": jsonBody(ref("Error"))},
			"404": object{"description": "Unknown session or firm", "content": jsonBody(ref("Error"))},
			"502": object{"description": "Polling data source unavailable", "content": jsonBody(ref("Error"))},
		},
	}
	if request != "" {
		op["requestBody"] = object{"required": true, "content": jsonBody(ref(request))}
	}
	return op
}

func presetNames() []string {
	names := make([]string, 0, len(coordinator.Presets))
	for _, p := range coordinator.Presets {
		names = append(names, string(p))
	}
	return names
}

func props(fields ...string) object {
	p := object{}
	for i := 0; i+1 < len(fields); i += 2 {
		p[fields[i]] = object{"type": fields[i+1]}
	}
	return p
}

// OpenAPISpec returns the OpenAPI 3.0 specification for the session API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	spec := object{
		"openapi": "3.0.0",
		"info": object{
			"title":       "Pollster Audit API",
			"description": "Polling-firm bias dashboard: date-range sessions, chart layouts and per-firm house effects",
			"version":     "1.0.0",
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": object{
			"/api/sessions": object{
				"post": object{
					"summary":     "Open a dashboard session",
					"description": "Loads the period manifest and draws the range named by the page URL query",
					"requestBody": object{"required": true, "content": jsonBody(ref("CreateSession"))},
					"responses": object{
						"201": object{"description": "Session ready", "content": jsonBody(ref("Session"))},
						"400": object{"description": "Invalid request", "content": jsonBody(ref("Error"))},
						"502": object{"description": "Polling data source unavailable", "content": jsonBody(ref("Error"))},
						"503": object{"description": "Session limit reached", "content": jsonBody(ref("Error"))},
					},
				},
			},
			"/api/sessions/{id}": object{
				"get": sessionOp("Session state", "", "Session"),
				"delete": object{
					"summary":    "Close a session",
					"parameters": []object{sessionIDParam},
					"responses":  object{"204": object{"description": "Closed"}},
				},
			},
			"/api/sessions/{id}/charts":       object{"get": sessionOp("Charts on screen", "", "Layout")},
			"/api/sessions/{id}/analysis":     object{"get": sessionOp("Per-firm bias analysis", "", "Analysis")},
			"/api/sessions/{id}/range/preset": object{"post": sessionOp("Apply a named range", "Preset", "Session")},
			"/api/sessions/{id}/range/custom": object{"post": sessionOp("Apply a custom date range", "CustomRange", "Session")},
			"/api/sessions/{id}/zoom":         object{"post": sessionOp("Report a chart zoom or pan", "Zoom", "ZoomResult")},
			"/api/sessions/{id}/firm":         object{"post": sessionOp("Highlight a polling firm", "Firm", "Session")},
			"/api/sessions/{id}/ws": object{
				"get": object{
					"summary":     "Session event stream",
					"description": "WebSocket of range, redraw, label, url and destroy events. Accepts zoom, firm and heartbeat messages.",
					"parameters":  []object{sessionIDParam},
					"responses":   object{"101": object{"description": "Switching protocols"}},
				},
			},
			"/health": object{
				"get": object{
					"summary": "Health check",
					"responses": object{
						"200": object{"description": "Healthy", "content": jsonBody(object{"type": "object", "properties": props("status", "string", "sessions", "integer", "cached_periods", "integer")})},
						"503": object{"description": "Period cache unavailable"},
					},
				},
			},
			"/metrics": object{
				"get": object{
					"summary": "Prometheus metrics",
					"responses": object{
						"200": object{"description": "Prometheus metrics in text format", "content": object{"text/plain": object{"schema": object{"type": "string"}}}},
					},
				},
			},
		},
		"components": object{
			"schemas": object{
				"Error": object{"type": "object", "properties": props("error", "string", "message", "string", "code", "integer")},
				"CreateSession": object{
					"type":       "object",
					"required":   []string{"url"},
					"properties": props("url", "string", "lang", "string"),
				},
				"Preset": object{
					"type":       "object",
					"required":   []string{"preset"},
					"properties": object{"preset": object{"type": "string", "enum": presetNames()}},
				},
				"CustomRange": object{"type": "object", "required": []string{"start", "end"}, "properties": props("start", "string", "end", "string")},
				"Zoom":        object{"type": "object", "required": []string{"chart_id", "min", "max"}, "properties": props("chart_id", "string", "min", "integer", "max", "integer")},
				"Firm":        object{"type": "object", "properties": props("firm", "string")},
				"ZoomResult":  object{"type": "object", "properties": object{"applied": object{"type": "boolean"}, "session": ref("Session")}},
				"Session": object{
					"type":       "object",
					"properties": props("id", "string", "language", "string", "state", "object", "firm", "string", "firms", "array", "rows", "integer", "extent", "object", "fetch", "object", "labels", "object", "presets", "array", "created_at", "string"),
				},
				"Layout":   object{"type": "object", "properties": props("charts", "array", "firms", "array", "window", "object")},
				"Analysis": object{"type": "object", "properties": props("parties", "array", "overallAverages", "object", "firms", "array")},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}
