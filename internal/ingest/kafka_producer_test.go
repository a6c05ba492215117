package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (r *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	r.msgs = append(r.msgs, msgs...)
	return r.err
}

func (r *recordingWriter) Close() error { return nil }

func TestPublishRoutesByTopicAndKey(t *testing.T) {
	w := &recordingWriter{}
	k := &KafkaProducer{writer: w, locationTopic: "locs", rideTopic: "rides", logger: logging.Discard()}

	k.PublishLocation(models.DriverLocationEvent{DriverID: "D1", Loc: models.Coord{Lat: 1, Lng: 2}, Online: true, At: time.Now()})
	k.PublishRide(models.RideEvent{RideID: "R1", Status: models.RideAccepted, DriverID: "D1"})

	if len(w.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(w.msgs))
	}
	if w.msgs[0].Topic != "locs" || string(w.msgs[0].Key) != "D1" {
		t.Fatalf("unexpected location message %+v", w.msgs[0])
	}
	if w.msgs[1].Topic != "rides" || string(w.msgs[1].Key) != "R1" {
		t.Fatalf("unexpected ride message %+v", w.msgs[1])
	}
	var ev models.RideEvent
	if err := json.Unmarshal(w.msgs[1].Value, &ev); err != nil || ev.Status != models.RideAccepted {
		t.Fatalf("bad payload %s err=%v", w.msgs[1].Value, err)
	}
}

func TestPublishCountsEnqueueErrors(t *testing.T) {
	before := testutil.ToFloat64(observability.PublishErrors.WithLabelValues("rides-err"))
	k := &KafkaProducer{writer: &recordingWriter{err: errors.New("closed")}, rideTopic: "rides-err", logger: logging.Discard()}
	k.PublishRide(models.RideEvent{RideID: "R1"})
	if got := testutil.ToFloat64(observability.PublishErrors.WithLabelValues("rides-err")) - before; got != 1 {
		t.Fatalf("expected one publish error, got %f", got)
	}
}
