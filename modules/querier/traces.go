package querier

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/vantagedb"
)

// TracesHandler lists recent traces, optionally filtered to one service.
func (q *Querier) TracesHandler(w http.ResponseWriter, r *http.Request) {
	defer track("traces", time.Now())

	limit, err := listLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var traces []model.Trace
	if service := r.URL.Query().Get("service"); service != "" {
		traces, err = q.store.SearchTraces(r.Context(), vantagedb.TraceSearch{ServiceName: service, Limit: limit})
	} else {
		traces, err = q.store.ListTraces(r.Context(), limit)
	}
	if err != nil {
		q.storeError(w, "traces", err)
		return
	}
	writeJSON(w, http.StatusOK, traces)
}

// TraceHandler returns one trace and its span tree with derived depths.
func (q *Querier) TraceHandler(w http.ResponseWriter, r *http.Request) {
	defer track("trace", time.Now())

	trace, spans, err := q.store.GetTrace(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		q.storeError(w, "trace", err)
		return
	}
	if trace == nil {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}

	assignDepths(spans)
	writeJSON(w, http.StatusOK, map[string]any{
		"trace": trace,
		"spans": spans,
	})
}

// TraceSearchHandler filters traces by service, duration bounds and error
// state.
func (q *Querier) TraceSearchHandler(w http.ResponseWriter, r *http.Request) {
	defer track("trace_search", time.Now())

	limit, err := listLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	params := r.URL.Query()
	search := vantagedb.TraceSearch{
		ServiceName: params.Get("service"),
		Limit:       limit,
	}
	if raw := params.Get("min_duration"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "min_duration must be a number")
			return
		}
		search.MinDurationMs = &v
	}
	if raw := params.Get("max_duration"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "max_duration must be a number")
			return
		}
		search.MaxDurationMs = &v
	}
	if raw := params.Get("error"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "error must be true or false")
			return
		}
		search.HasError = &v
	}

	traces, err := q.store.SearchTraces(r.Context(), search)
	if err != nil {
		q.storeError(w, "trace_search", err)
		return
	}
	writeJSON(w, http.StatusOK, traces)
}

// assignDepths walks the parent links and stamps each span's depth. Roots are
// spans with no parent or a parent outside the trace; orphan cycles stay at
// depth zero.
func assignDepths(spans []model.Span) {
	byID := make(map[string]int, len(spans))
	for i := range spans {
		byID[spans[i].SpanID] = i
	}

	children := make(map[string][]int, len(spans))
	var roots []int
	for i := range spans {
		parent := spans[i].ParentSpanID
		if parent == nil {
			roots = append(roots, i)
			continue
		}
		if _, ok := byID[*parent]; !ok {
			roots = append(roots, i)
			continue
		}
		children[*parent] = append(children[*parent], i)
	}

	type frame struct {
		idx   int
		depth int
	}
	stack := make([]frame, 0, len(spans))
	for _, root := range roots {
		stack = append(stack, frame{idx: root})
	}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		spans[f.idx].Depth = f.depth
		for _, child := range children[spans[f.idx].SpanID] {
			stack = append(stack, frame{idx: child, depth: f.depth + 1})
		}
	}
}
