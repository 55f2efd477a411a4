package ingest

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/pulse/internal/dispatch"
	"github.com/parleyhq/pulse/internal/metrics"
)

type recordingBroadcaster struct {
	calls []dispatch.Request
}

func (r *recordingBroadcaster) Broadcast(channel, event string, data any) (dispatch.Result, error) {
	r.calls = append(r.calls, dispatch.Request{Channel: channel, Event: event})
	if channel == "" || event == "" {
		return dispatch.Result{}, dispatch.ErrInvalidBroadcast
	}
	return dispatch.Result{Channel: channel, Event: event, Recipients: 2, Success: true}, nil
}

func TestDeliverDispatchesValidPayload(t *testing.T) {
	b := &recordingBroadcaster{}
	col := metrics.NewCollector(nil, time.Second)

	deliver("nats", []byte(`{"channel":"public.news","event":"post.created","data":{"id":7}}`),
		b, col, zerolog.Nop())

	require.Len(t, b.calls, 1)
	assert.Equal(t, "public.news", b.calls[0].Channel)
	assert.Equal(t, "post.created", b.calls[0].Event)

	snap := col.Snapshot()
	assert.EqualValues(t, 1, snap.Ingest.Messages)
	assert.EqualValues(t, 0, snap.Ingest.Errors)
}

func TestDeliverRejectsMalformedJSON(t *testing.T) {
	b := &recordingBroadcaster{}
	col := metrics.NewCollector(nil, time.Second)

	deliver("kafka", []byte(`{not json`), b, col, zerolog.Nop())

	assert.Empty(t, b.calls)
	snap := col.Snapshot()
	assert.EqualValues(t, 1, snap.Ingest.Errors)
}

func TestDeliverRejectsIncompletePayload(t *testing.T) {
	b := &recordingBroadcaster{}
	col := metrics.NewCollector(nil, time.Second)

	deliver("kafka", []byte(`{"channel":"public.news"}`), b, col, zerolog.Nop())
	deliver("kafka", []byte(`{"event":"post.created"}`), b, col, zerolog.Nop())

	assert.Empty(t, b.calls)
	snap := col.Snapshot()
	assert.EqualValues(t, 2, snap.Ingest.Errors)
}

func TestKafkaBridgeRequiresBrokersAndTopics(t *testing.T) {
	_, err := NewKafkaBridge(KafkaConfig{}, &recordingBroadcaster{},
		metrics.NewCollector(nil, time.Second), zerolog.Nop())
	require.Error(t, err)
}
