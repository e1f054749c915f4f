package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-geo-points/pkg/models"
)

type mockStream struct {
	mock.Mock
}

func (m *mockStream) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	args := m.Called(subject, data)
	ack, _ := args.Get(0).(*jetstream.PubAck)
	return ack, args.Error(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNatsPublisherPublish(t *testing.T) {
	stream := new(mockStream)
	p := &NatsPublisher{js: stream, prefix: "geopoints", log: discardLogger()}

	ev := New(PointCreated, 42)
	ev.PointID = 7
	ev.Location = &models.Location{Lat: 52.37, Lon: 4.89}

	stream.On("Publish", "geopoints.point.created", mock.MatchedBy(func(data []byte) bool {
		var got Event
		if err := json.Unmarshal(data, &got); err != nil {
			return false
		}
		return got.ID == ev.ID && got.PointID == 7 && got.ActorID == 42 && got.Location.Lat == 52.37
	})).Return(&jetstream.PubAck{Stream: "GEOPOINTS", Sequence: 1}, nil).Once()

	p.Publish(context.Background(), ev)
	stream.AssertExpectations(t)
}

func TestNatsPublisherSwallowsFailures(t *testing.T) {
	stream := new(mockStream)
	p := &NatsPublisher{js: stream, prefix: "audit", log: discardLogger()}

	stream.On("Publish", "audit.message.deleted", mock.Anything).Return(nil, assert.AnError).Once()

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), New(MessageDeleted, 1))
	})
	stream.AssertExpectations(t)
}

func TestNewEvent(t *testing.T) {
	a := New(PointDeleted, 3)
	b := New(PointDeleted, 3)

	require.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, PointDeleted, a.Type)
	assert.Equal(t, int64(3), a.ActorID)
	assert.False(t, a.OccurredAt.IsZero())

	var nop Publisher = Nop{}
	nop.Publish(context.Background(), a)
	nop.Close()
}
