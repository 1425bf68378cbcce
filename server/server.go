// Package server contains shared plumbing for the HTTP surfaces: a route
// table bound to goji patterns, and small JSON payload types for scalar
// request and response bodies.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"goji.io"
	"goji.io/pat"
)

// RouteTable maps goji patterns to http handlers
type RouteTable map[goji.Pattern]http.HandlerFunc

// Bind attaches each route in the table to the mux
func (rt RouteTable) Bind(m *goji.Mux) {
	for p, h := range rt {
		m.Handle(p, h)
	}
}

// Endpoints lists the patterns in the table as strings
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for p := range rt {
		if pp, ok := p.(*pat.Pattern); ok {
			routes = append(routes, pp.String())
		}
	}
	return routes
}

// HTTPer is a type which can yield a route table of its HTTP handlers
type HTTPer interface {
	// RT returns the route table for the object
	RT() RouteTable
}

// HumanPayload is a struct containing the basic types and their values,
// used to reply to clients with scalar data
type HumanPayload struct {
	// T holds the type of the data
	T types.BasicKind

	// Bool holds a bool
	Bool bool

	// Int holds an int
	Int int

	// Float holds a float64
	Float float64

	// String holds a string
	String string
}

// EncodeAndRespond converts the payload to a json {<typefield>: value}
// message and writes it to w
func (hp *HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var err error
	switch hp.T {
	case types.Bool:
		err = json.NewEncoder(w).Encode(BoolT{Bool: hp.Bool})
	case types.Int:
		err = json.NewEncoder(w).Encode(IntT{Int: hp.Int})
	case types.Float64:
		err = json.NewEncoder(w).Encode(FloatT{F64: hp.Float})
	case types.String:
		err = json.NewEncoder(w).Encode(StrT{Str: hp.String})
	default:
		err = fmt.Errorf("unknown payload type %v", hp.T)
	}
	if err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// FloatT is a struct with a single field F64, used for json (un)marshaling
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single field Int, used for json (un)marshaling
type IntT struct {
	Int int `json:"int"`
}

// BoolT is a struct with a single field Bool, used for json (un)marshaling
type BoolT struct {
	Bool bool `json:"bool"`
}

// StrT is a struct with a single field Str, used for json (un)marshaling
type StrT struct {
	Str string `json:"str"`
}

// ReplyWithFile replies to the client request by serving the given file name
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	filePath, err := filepath.Abs(filepath.Join(fldr, fn))
	if err != nil {
		fstr := fmt.Sprintf("unable to compute abspath of file %s %s %s", fldr, fn, err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}

	f, err := os.Open(filePath)
	if err != nil {
		fstr := fmt.Sprintf("source file missing %s", filePath)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		fstr := fmt.Sprintf("error retrieving source file stats %s", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, fn, stat.ModTime(), f)
}
