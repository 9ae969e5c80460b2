package querier

import (
	"net/http"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/vantagedb"
)

func strptr(s string) *string { return &s }

func TestTraceNotFound(t *testing.T) {
	q := New(testConfig(), &fakeStore{}, log.NewNopLogger())

	w := doRequest(q, http.MethodGet, "/traces/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTraceSpanDepths(t *testing.T) {
	store := &fakeStore{
		trace: &model.Trace{TraceID: "t1", ServiceName: "checkout", SpanCount: 4},
		spans: []model.Span{
			{SpanID: "a", TraceID: "t1"},
			{SpanID: "b", TraceID: "t1", ParentSpanID: strptr("a")},
			{SpanID: "c", TraceID: "t1", ParentSpanID: strptr("b")},
			{SpanID: "orphan", TraceID: "t1", ParentSpanID: strptr("missing")},
		},
	}
	q := New(testConfig(), store, log.NewNopLogger())

	w := doRequest(q, http.MethodGet, "/traces/t1", "")
	require.Equal(t, http.StatusOK, w.Code)

	// depths were stamped onto the spans the handler rendered
	require.Equal(t, 0, store.spans[0].Depth)
	require.Equal(t, 1, store.spans[1].Depth)
	require.Equal(t, 2, store.spans[2].Depth)
	require.Equal(t, 0, store.spans[3].Depth, "span with unknown parent is a root")
}

func TestTraceSearchFilters(t *testing.T) {
	store := &fakeStore{}
	q := New(testConfig(), store, log.NewNopLogger())

	w := doRequest(q, http.MethodGet, "/traces/search?service=checkout&min_duration=10&max_duration=500&error=true&limit=20", "")
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, "checkout", store.traceSearch.ServiceName)
	require.NotNil(t, store.traceSearch.MinDurationMs)
	require.Equal(t, 10.0, *store.traceSearch.MinDurationMs)
	require.NotNil(t, store.traceSearch.MaxDurationMs)
	require.Equal(t, 500.0, *store.traceSearch.MaxDurationMs)
	require.NotNil(t, store.traceSearch.HasError)
	require.True(t, *store.traceSearch.HasError)
	require.Equal(t, 20, store.traceSearch.Limit)

	w = doRequest(q, http.MethodGet, "/traces/search?min_duration=abc", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTracesListUsesSearchWhenFiltered(t *testing.T) {
	store := &fakeStore{traces: []model.Trace{{TraceID: "t1"}}}
	q := New(testConfig(), store, log.NewNopLogger())

	w := doRequest(q, http.MethodGet, "/traces?service=checkout&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, vantagedb.TraceSearch{ServiceName: "checkout", Limit: 10}, store.traceSearch)
	require.Contains(t, w.Body.String(), `"trace_id":"t1"`)
}

func TestAssignDepthsEmpty(t *testing.T) {
	assignDepths(nil)
	assignDepths([]model.Span{})
}
