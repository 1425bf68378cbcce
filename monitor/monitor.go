// Package monitor exposes a running technique program over HTTP: execution
// status, instantaneous channel values, and a CSV snapshot of the data
// accumulated so far.
package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.jpl.nasa.gov/bdube/biologic/ecl"
	"github.jpl.nasa.gov/bdube/biologic/program"
	"github.jpl.nasa.gov/bdube/biologic/server"
	"github.jpl.nasa.gov/bdube/biologic/technique"
	"goji.io/pat"
)

// ChannelStatus describes one channel of a monitored program
type ChannelStatus struct {
	// Channel is the zero-based channel number
	Channel int `json:"channel"`

	// State is the last known run state, as text
	State string `json:"state"`

	// Rows is the number of records accumulated so far
	Rows int `json:"rows"`
}

// Status describes a monitored program
type Status struct {
	// Technique is the short technique name, e.g. "ocv"
	Technique string `json:"technique"`

	// Channels holds per-channel detail
	Channels []ChannelStatus `json:"channels"`
}

// HTTPWrapper provides HTTP bindings on top of a program and its transport.
// Bind must be called on the route table to attach it to a mux.
type HTTPWrapper struct {
	// Program is the program being observed
	Program *program.Program

	// Transport is the session the program runs over, used for
	// instantaneous value snapshots
	Transport ecl.Transport

	// SaveDir, when set, lets clients download saved CSV artifacts
	// from it
	SaveDir string

	// RouteTable maps goji patterns to http handlers
	RouteTable server.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(p *program.Program, tr ecl.Transport) *HTTPWrapper {
	w := &HTTPWrapper{Program: p, Transport: tr}
	rt := server.RouteTable{
		pat.Get("/status"):         w.Status,
		pat.Get("/values/:ch"):     w.Values,
		pat.Get("/data.csv"):       w.CSV,
		pat.Get("/saved/:name"):    w.Saved,
		pat.Post("/stop"):          w.Stop,
		pat.Get("/list-of-routes"): w.Routes,
	}
	w.RouteTable = rt
	return w
}

// RT satisfies server.HTTPer
func (h *HTTPWrapper) RT() server.RouteTable {
	return h.RouteTable
}

// Status responds with the technique name and per-channel state and row counts
func (h *HTTPWrapper) Status(w http.ResponseWriter, r *http.Request) {
	s := Status{Technique: h.Program.Technique().Name}
	for _, ch := range h.Program.Channels() {
		cs := ChannelStatus{Channel: ch, Rows: len(h.Program.Data(ch))}
		values, err := h.Transport.GetValues(ch)
		if err != nil {
			cs.State = "unknown"
		} else {
			cs.State = values.ChannelState().String()
		}
		s.Channels = append(s.Channels, cs)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Values responds with an instantaneous snapshot of one channel
func (h *HTTPWrapper) Values(w http.ResponseWriter, r *http.Request) {
	ch, err := strconv.Atoi(pat.Param(r, "ch"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	values, err := h.Transport.GetValues(ch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(values); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// CSV responds with all data accumulated so far in the side-by-side layout,
// one column group per channel
func (h *HTTPWrapper) CSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=data.csv")
	if err := writeCSV(w, h.Program); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Stop halts execution on all of the program's channels
func (h *HTTPWrapper) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.Program.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Saved serves a saved CSV artifact from SaveDir by name
func (h *HTTPWrapper) Saved(w http.ResponseWriter, r *http.Request) {
	if h.SaveDir == "" {
		http.Error(w, "no save directory configured", http.StatusNotFound)
		return
	}
	name := filepath.Base(pat.Param(r, "name"))
	server.ReplyWithFile(w, r, name, h.SaveDir)
}

// Routes responds with the list of bound endpoints
func (h *HTTPWrapper) Routes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.RouteTable.Endpoints()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeCSV renders the full accumulated data set.  Row one labels the
// channel each column group belongs to, row two carries the column titles,
// short channels pad with empty cells.
func writeCSV(w io.Writer, p *program.Program) error {
	channels := p.Channels()
	titles := p.Technique().Titles
	data := make(map[int][]technique.Record, len(channels))
	most := 0
	for _, ch := range channels {
		data[ch] = p.Data(ch)
		if n := len(data[ch]); n > most {
			most = n
		}
	}

	var sb strings.Builder
	for i, ch := range channels {
		if i > 0 {
			sb.WriteByte(',')
		}
		label := strconv.Itoa(ch)
		cells := make([]string, len(titles))
		for j := range cells {
			cells[j] = label
		}
		sb.WriteString(strings.Join(cells, ","))
	}
	sb.WriteByte('\n')
	for i := range channels {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strings.Join(titles, ","))
	}
	sb.WriteByte('\n')

	for row := 0; row < most; row++ {
		for i, ch := range channels {
			if i > 0 {
				sb.WriteByte(',')
			}
			if row >= len(data[ch]) {
				sb.WriteString(strings.Repeat(",", len(titles)-1))
				continue
			}
			rec := data[ch][row]
			cells := make([]string, len(rec))
			for j, v := range rec {
				cells[j] = strconv.FormatFloat(v, 'g', -1, 64)
			}
			sb.WriteString(strings.Join(cells, ","))
		}
		sb.WriteByte('\n')
	}

	_, err := fmt.Fprint(w, sb.String())
	return err
}
