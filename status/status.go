// Package status exposes a small operational HTTP endpoint ("/varz") that
// reports connection counters for a listener and its active chains, the
// ambient observability surface spec §4.O calls for without
// pulling in a full metrics pipeline.
package status

import (
	"encoding/json"
	"net/http"

	"github.com/jpillora/requestlog"

	"github.com/austinhartzheim/trixy/connstats"
	"github.com/austinhartzheim/trixy/trixylog"
)

// Source is anything status can report counters for (typically a
// listener.Listener or a front-end's Stats field).
type Source struct {
	Name  string
	Stats *connstats.Stats
}

type varzEntry struct {
	Name    string `json:"name"`
	Open    int32  `json:"open"`
	Total   int32  `json:"total"`
	Read    int64  `json:"bytes_read"`
	Written int64  `json:"bytes_written"`
}

// Handler builds an http.Handler serving "/varz" as a JSON array of
// counters: one entry per fixed source, plus one entry per currently active
// chain returned by each of chainSources at request time (spec §4.O:
// "the /varz endpoint exposes each active chain's identity"). chainSources
// is called fresh on every request since chains come and go; a nil
// chainSources is fine for a deployment with nothing dynamic to report.
//
// When verbose is true (spec: "debug-level logging enables request logging
// on the status endpoint the same way it does for the tunnel's control
// plane"), every request is additionally logged via requestlog, matching
// the teacher's own verbosity gate.
func Handler(logger trixylog.Logger, verbose bool, sources []Source, chainSources ...func() []Source) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/varz", func(w http.ResponseWriter, r *http.Request) {
		entries := make([]varzEntry, 0, len(sources))
		for _, s := range sources {
			entries = append(entries, varzEntry{
				Name:    s.Name,
				Open:    s.Stats.Open(),
				Total:   s.Stats.Total(),
				Read:    s.Stats.Read(),
				Written: s.Stats.Written(),
			})
		}
		for _, cs := range chainSources {
			for _, s := range cs() {
				entries = append(entries, varzEntry{
					Name:    s.Name,
					Open:    s.Stats.Open(),
					Total:   s.Stats.Total(),
					Read:    s.Stats.Read(),
					Written: s.Stats.Written(),
				})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			logger.WLogf("status: encode /varz response: %s", err)
		}
	})

	var h http.Handler = mux
	if verbose {
		h = requestlog.Wrap(h)
	}
	return h
}
