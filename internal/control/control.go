// Package control serves the local HTTP control surface of earshot.
//
// Routes:
//
//   - GET  /healthz  liveness, always 200
//   - GET  /readyz   readiness, 200 only when every [Checker] passes
//   - GET  /status   current session status
//   - POST /start    start a session (no-op when one is running)
//   - POST /stop     stop the session (no-op when idle)
//   - POST /toggle   start when idle or errored, stop otherwise
//   - GET  /devices  input devices currently reported by the platform
//
// Session commands answer with the controller status after the command ran.
// A failed start answers 502 with the status and the error.
package control

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/streaming"
	"github.com/MrWong99/earshot/pkg/audio"
)

// Commander executes session commands one at a time.
// [*app.Commander] implements it.
type Commander interface {
	Start(ctx context.Context) (streaming.Status, error)
	Stop(ctx context.Context) (streaming.Status, error)
	Toggle(ctx context.Context) (streaming.Status, error)
	Status() streaming.Status
}

// DeviceEnumerator lists input devices. [*audio.Catalog] implements it.
type DeviceEnumerator interface {
	Enumerate() ([]audio.Device, error)
}

// Handler is the control surface. It is safe for concurrent use; the checker
// list is fixed at construction time.
type Handler struct {
	cmds     Commander
	devices  DeviceEnumerator
	checkers []Checker
	mux      *http.ServeMux
}

// New creates a Handler.
func New(cmds Commander, devices DeviceEnumerator, checkers ...Checker) *Handler {
	h := &Handler{
		cmds:     cmds,
		devices:  devices,
		checkers: append([]Checker(nil), checkers...),
		mux:      http.NewServeMux(),
	}
	h.Register(h.mux)
	return h
}

// Register adds all control routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("POST /start", h.command(h.cmds.Start))
	mux.HandleFunc("POST /stop", h.command(h.cmds.Stop))
	mux.HandleFunc("POST /toggle", h.command(h.cmds.Toggle))
	mux.HandleFunc("GET /devices", h.listDevices)
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}


type commandResponse struct {
	streaming.Status
	Error string `json:"error,omitempty"`
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.cmds.Status())
}

func (h *Handler) command(run func(context.Context) (streaming.Status, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := run(r.Context())
		if err == nil {
			writeJSON(w, http.StatusOK, commandResponse{Status: st})
			return
		}

		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, streaming.ErrBusy):
			code = http.StatusConflict
		case errors.Is(err, streaming.ErrStartFailed):
			code = http.StatusBadGateway
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			code = http.StatusServiceUnavailable
		}
		observe.Logger(r.Context()).Warn("control: command failed", "path", r.URL.Path, "err", err)
		if st.StateName == "" {
			st = h.cmds.Status()
		}
		writeJSON(w, code, commandResponse{Status: st, Error: err.Error()})
	}
}

type deviceView struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels,omitempty"`
	DefaultSampleRate float64 `json:"default_sample_rate,omitempty"`
}

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.Enumerate()
	if err != nil {
		observe.Logger(r.Context()).Warn("control: enumerate devices", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{
			ID:                d.ID,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views})
}
