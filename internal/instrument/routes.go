package instrument

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sort"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/lightsheet/internal/devices"
	"github.com/banshee-data/lightsheet/internal/httputil"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// RouteOptions selects the optional admin routes.
type RouteOptions struct {
	// Tail, when set, backs the /debug/tail event stream.
	Tail *Tail
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
}

// DeviceInfo is one row of the /debug/devices listing.
type DeviceInfo struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	Commander bool   `json:"commander"`
}

// Devices lists every open device.
func (in *Instrument) Devices() []DeviceInfo {
	in.mu.Lock()
	defer in.mu.Unlock()
	infos := make([]DeviceInfo, 0, len(in.devices))
	for name, e := range in.devices {
		_, raw := e.device.(devices.Commander)
		infos = append(infos, DeviceInfo{Name: name, Kind: e.kind, ID: e.device.ID(), Commander: raw})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Status returns the status snapshot of the named device.
func (in *Instrument) Status(name string) (map[string]any, error) {
	d, err := in.Device(name)
	if err != nil {
		return nil, err
	}
	s, ok := d.(devices.Statuser)
	if !ok {
		return map[string]any{"id": d.ID()}, nil
	}
	return s.Status()
}

// ErrNotCommander is returned by RawCommand for devices without an ASCII
// command line.
var ErrNotCommander = errors.New("device does not accept raw commands")

// RawCommand sends cmd to the named ASCII device and returns its reply.
func (in *Instrument) RawCommand(name, cmd string) (string, error) {
	d, err := in.Device(name)
	if err != nil {
		return "", err
	}
	c, ok := d.(devices.Commander)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotCommander, name)
	}
	return c.RawCommand(cmd)
}

// AttachAdminRoutes attaches the device debugging endpoints to mux under
// /debug/. tsweb limits them to localhost and the tailnet.
func (in *Instrument) AttachAdminRoutes(mux *http.ServeMux, opts RouteOptions) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("devices", "Open devices (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, in.Devices())
	})

	debug.HandleSilentFunc("device-status", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSpace(r.URL.Query().Get("name"))
		if name == "" {
			httputil.BadRequest(w, "missing name")
			return
		}
		status, err := in.Status(name)
		switch {
		case errors.Is(err, ErrUnknownDevice):
			httputil.NotFound(w, err.Error())
			return
		case err != nil:
			httputil.WriteDeviceError(w, err)
			return
		}
		httputil.WriteJSONOK(w, status)
	})

	debug.HandleFunc("send-command", "Send a raw command to an ASCII device", func(w http.ResponseWriter, r *http.Request) {
		var names []string
		for _, d := range in.Devices() {
			if d.Commander {
				names = append(names, d.Name)
			}
		}
		buf := bytes.NewBuffer(nil)
		data := struct {
			Instrument string
			Devices    []string
		}{in.name, names}
		if err := sendCommandTemplate.Execute(buf, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		device := strings.TrimSpace(r.FormValue("device"))
		command := strings.TrimSpace(r.FormValue("command"))
		if device == "" || command == "" {
			httputil.BadRequest(w, "missing device or command")
			return
		}
		reply, err := in.RawCommand(device, command)
		switch {
		case errors.Is(err, ErrUnknownDevice):
			httputil.NotFound(w, err.Error())
			return
		case errors.Is(err, ErrNotCommander):
			httputil.BadRequest(w, err.Error())
			return
		case err != nil:
			httputil.WriteDeviceError(w, fmt.Errorf("command %q: %w", command, err))
			return
		}
		io.WriteString(w, reply)
	})

	if opts.Tail != nil {
		tail := opts.Tail
		// Server-Sent Events, one per serial transaction on any device.
		debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			flusher, ok := w.(http.Flusher)
			if !ok {
				http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
				return
			}

			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

			id, c := tail.Subscribe()
			defer tail.Unsubscribe(id)

			w.Write([]byte(": ping\n\n"))
			flusher.Flush()

			for {
				select {
				case line, ok := <-c:
					if !ok {
						return
					}
					if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
						return
					}
					flusher.Flush()
				case <-r.Context().Done():
					return
				}
			}
		})
	}

	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
}
