package worker

import (
	"github.com/vantage-obs/vantage/pkg/model"
)

// spanFromMetric converts a span-typed payload into its span record. The
// "root" parent sentinel becomes a null parent.
func spanFromMetric(m *model.Metric) *model.Span {
	sp := &model.Span{
		SpanID:      m.SpanID,
		TraceID:     m.TraceID,
		ServiceName: m.ServiceName,
		Operation:   m.MetricName,
		StartTime:   m.Timestamp,
		StatusCode:  m.StatusCode,
		Error:       m.Error,
		Tags:        m.Tags,
	}
	if m.DurationMs != nil {
		sp.DurationMs = *m.DurationMs
	} else {
		sp.DurationMs = m.Value
	}
	if op, ok := m.Tags["operation"]; ok && op != "" {
		sp.Operation = op
	}
	if parent, ok := m.Tags["parent_span_id"]; ok && parent != "" && parent != model.ParentSpanRoot {
		p := parent
		sp.ParentSpanID = &p
	}
	return sp
}

// splitRecords partitions decoded payloads into metric rows and diverted
// spans. Span payloads missing their ids degrade to plain metric rows.
func splitRecords(metrics []*model.Metric) ([]*model.Metric, []*model.Span) {
	rows := make([]*model.Metric, 0, len(metrics))
	var spans []*model.Span
	for _, m := range metrics {
		if m.MetricType == model.KindSpan && m.TraceID != "" && m.SpanID != "" {
			spans = append(spans, spanFromMetric(m))
			continue
		}
		rows = append(rows, m)
	}
	return rows, spans
}
