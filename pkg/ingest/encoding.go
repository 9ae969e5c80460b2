package ingest

import (
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/vantage-obs/vantage/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode turns one batch into per-metric records keyed by the batch's
// service name so all of a service's samples land on one partition. Every
// record carries the same batch_id so consumers can correlate siblings.
func Encode(topic string, batch *model.Batch) ([]*kgo.Record, error) {
	records := make([]*kgo.Record, 0, len(batch.Metrics))
	key := []byte(batch.ServiceName)
	batchID := []byte(uuid.NewString())
	for i := range batch.Metrics {
		b, err := json.Marshal(&batch.Metrics[i])
		if err != nil {
			return nil, errors.Wrap(err, "marshaling metric")
		}
		records = append(records, &kgo.Record{
			Key:   key,
			Value: b,
			Topic: topic,
			Headers: []kgo.RecordHeader{
				{Key: "batch_id", Value: batchID},
			},
		})
	}
	return records, nil
}

// Decode parses a single record back into a metric.
func Decode(rec *kgo.Record) (*model.Metric, error) {
	var m model.Metric
	if err := json.Unmarshal(rec.Value, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshaling metric record")
	}
	return &m, nil
}
