package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "hearth/pkg/platform/audit"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var results kgo.ProduceResults
	for _, r := range rs {
		p.records = append(p.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return results
}

func TestAppendProducesKeyedRecord(t *testing.T) {
	producer := &fakeProducer{}
	store := New(producer, "hearth.audit")

	event := audit.Event{
		Category:  audit.CategorySecurity,
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Room:      "household",
		Subject:   "203.0.113.7",
		Action:    string(audit.EventAuthLockoutTriggered),
	}
	require.NoError(t, store.Append(context.Background(), event))

	require.Len(t, producer.records, 1)
	rec := producer.records[0]
	assert.Equal(t, "hearth.audit", rec.Topic)
	assert.Equal(t, []byte("household"), rec.Key)

	var decoded audit.Event
	require.NoError(t, json.Unmarshal(rec.Value, &decoded))
	assert.Equal(t, event, decoded)
}

func TestAppendSurfacesProduceError(t *testing.T) {
	store := New(&fakeProducer{err: errors.New("broker down")}, "t")
	err := store.Append(context.Background(), audit.Event{Action: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}
