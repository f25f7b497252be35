// Package api exposes the live simulation state over HTTP for inspection.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/topology"
)

// StateSource gives the latest solved state. grid.Coordinator implements it.
type StateSource interface {
	State() *model.GridState
	ResourceStates() []model.ResourceState
}

// NewStateHandler serves GET /api/grid/state.
func NewStateHandler(src StateSource) http.Handler {
	return getJSON(func() (any, bool) {
		s := src.State()
		return s, s != nil
	})
}

// NewResourcesHandler serves GET /api/resources.
func NewResourcesHandler(src StateSource) http.Handler {
	return getJSON(func() (any, bool) { return src.ResourceStates(), true })
}

// NewPlanHandler serves GET /api/plan with the host addressing.
func NewPlanHandler(plan *topology.Plan) http.Handler {
	return getJSON(func() (any, bool) { return plan.Hosts, true })
}

// NewMux routes every handler of the package.
func NewMux(src StateSource, plan *topology.Plan) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/grid/state", NewStateHandler(src))
	mux.Handle("/api/resources", NewResourcesHandler(src))
	mux.Handle("/api/plan", NewPlanHandler(plan))
	return mux
}

func getJSON(load func() (any, bool)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		v, ok := load()
		if !ok {
			http.Error(w, "no state yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}
