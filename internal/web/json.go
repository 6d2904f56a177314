package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/sweeney/tiltbot/internal/logic"
	"github.com/sweeney/tiltbot/internal/robot"
	"github.com/sweeney/tiltbot/internal/sensor"
)

// DriveRequest sets both momentary wheel levels.
type DriveRequest struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

// Bind accepts any levels; the robot clamps them.
func (d *DriveRequest) Bind(r *http.Request) error {
	return nil
}

// TiltRequest either sets the held tilt level or steps it by one.
type TiltRequest struct {
	Level *int   `json:"level,omitempty"`
	Step  string `json:"step,omitempty"` // "up" or "down"
}

// Bind requires exactly one of level or step.
func (t *TiltRequest) Bind(r *http.Request) error {
	if t.Level == nil && t.Step == "" {
		return errors.New("level or step is required")
	}
	if t.Level != nil && t.Step != "" {
		return errors.New("level and step are exclusive")
	}
	if t.Step != "" && t.Step != "up" && t.Step != "down" {
		return errors.New(`step must be "up" or "down"`)
	}
	return nil
}

// SwitchRequest sets a named switch.
type SwitchRequest struct {
	On *bool `json:"on"`
}

// Bind requires the on field.
func (s *SwitchRequest) Bind(r *http.Request) error {
	if s.On == nil {
		return errors.New("on is required")
	}
	return nil
}

// ThresholdRequest replaces tilt threshold detection. Mask is one of
// "rising", "falling", "both" or "none".
type ThresholdRequest struct {
	Value float64 `json:"value"`
	Mask  string  `json:"mask"`

	mask logic.EdgeMask
}

// Bind parses the edge mask.
func (t *ThresholdRequest) Bind(r *http.Request) error {
	mask, err := logic.ParseEdgeMask(t.Mask)
	if err != nil {
		return err
	}
	t.mask = mask
	return nil
}

// TiltResponse reports the held tilt level after a command.
type TiltResponse struct {
	Tilt int `json:"tilt"`
}

// OKResponse acknowledges a command.
type OKResponse struct {
	OK bool `json:"ok"`
}

// EventJSON is a tilt event streamed over the websocket.
type EventJSON struct {
	Channel   string  `json:"channel"`
	Kind      string  `json:"kind"`
	Value     float64 `json:"value"`
	Edge      string  `json:"edge,omitempty"`
	Timestamp string  `json:"timestamp"`
}

func eventJSON(e sensor.Event) EventJSON {
	ej := EventJSON{
		Channel:   e.Channel,
		Kind:      e.Kind.String(),
		Value:     e.Value,
		Timestamp: e.Time.UTC().Format(time.RFC3339Nano),
	}
	if e.Edge != logic.EdgeNone {
		ej.Edge = e.Edge.String()
	}
	return ej
}

// ErrResponse renders an API error.
type ErrResponse struct {
	Err            error  `json:"-"`
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	ErrorText      string `json:"error,omitempty"`
}

// Render sets the response status code.
func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

// ErrInvalidRequest is returned for a body that does not bind.
func ErrInvalidRequest(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusBadRequest,
		StatusText:     "Invalid request.",
		ErrorText:      err.Error(),
	}
}

// ErrCommand maps a robot command error to a response.
func ErrCommand(err error) render.Renderer {
	resp := &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusInternalServerError,
		StatusText:     "Command failed.",
		ErrorText:      err.Error(),
	}
	switch {
	case errors.Is(err, robot.ErrDisconnected):
		resp.HTTPStatusCode = http.StatusServiceUnavailable
		resp.StatusText = "Robot not connected."
	case errors.Is(err, robot.ErrUnknownSwitch):
		resp.HTTPStatusCode = http.StatusNotFound
		resp.StatusText = "Unknown switch."
	case errors.Is(err, sensor.ErrInvalidThreshold), errors.Is(err, sensor.ErrInvalidPeriod):
		resp.HTTPStatusCode = http.StatusBadRequest
		resp.StatusText = "Invalid request."
	}
	return resp
}
