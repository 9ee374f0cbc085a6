// Package pprof mounts the runtime profiling endpoints under a prefix of
// the API router.
package pprof

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gorilla/mux"
)

const DefaultPrefix = "/debug/pprof/"

// Mount registers the profiling handlers on r under prefix.
func Mount(r *mux.Router, prefix string) {
	prefix = NormalizePrefix(prefix)
	base := strings.TrimSuffix(prefix, "/")

	r.HandleFunc(base+"/cmdline", hpprof.Cmdline)
	r.HandleFunc(base+"/profile", hpprof.Profile)
	r.HandleFunc(base+"/symbol", hpprof.Symbol)
	r.HandleFunc(base+"/trace", hpprof.Trace)
	r.Handle(base, http.RedirectHandler(prefix, http.StatusPermanentRedirect))
	r.PathPrefix(prefix).HandlerFunc(indexAt(prefix))
}

func NormalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return DefaultPrefix
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// hpprof.Index only understands paths rooted at /debug/pprof/.
func indexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = DefaultPrefix + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}
