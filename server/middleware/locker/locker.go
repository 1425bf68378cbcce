// Package locker provides an HTTP middleware that can lock out mutating
// requests, returning 423 (locked).  It is used to protect run control of
// an instrument while an experiment is in progress.
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"

	"github.jpl.nasa.gov/bdube/biologic/server"
	"goji.io/pat"
)

// Inject adds lock manipulation routes to an HTTPer's route table
func Inject(other server.HTTPer, l *Locker) {
	rt := other.RT()
	rt[pat.Get("/lock")] = l.HTTPGet
	rt[pat.Post("/lock")] = l.HTTPSet
}

// Locker behaves like a sync.Mutex without the blocking and holds a list
// of route substrings the lock does not apply to
type Locker struct {
	locked bool

	// DoNotProtect is a list of path fragments the lock is not applied to
	DoNotProtect []string
}

// New returns a Locker with DoNotProtect prepopulated so the lock itself
// and read-only observation stay reachable while locked
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock", "status", "values", "data", "saved"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.locked = true
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.locked = false
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	return l.locked
}

// Check is a middleware that bounces requests to protected routes with
// http.StatusLocked while the locker is locked
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && l.protects(r.URL.Path) {
			w.WriteHeader(http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Locker) protects(url string) bool {
	for _, str := range l.DoNotProtect {
		if strings.Contains(url, str) {
			return false
		}
	}
	return true
}

// HTTPSet calls Lock or Unlock based on json:bool in the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := server.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
