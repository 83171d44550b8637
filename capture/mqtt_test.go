package capture

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func newTestMQTTSource() *MQTTSource {
	return NewMQTTSource(MQTTConfig{Broker: "tcp://127.0.0.1:1", TopicPrefix: "test/device/"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMQTTSource_PermissionTopic(t *testing.T) {
	s := newTestMQTTSource()
	assert.False(t, s.PermissionGranted())

	s.route(nil, fakeMessage{topic: "test/device/permission", payload: []byte("granted")})
	assert.True(t, s.PermissionGranted())

	s.mu.Lock()
	s.listening = true
	s.mu.Unlock()

	s.route(nil, fakeMessage{topic: "test/device/permission", payload: []byte("denied")})
	assert.False(t, s.PermissionGranted())
	assert.False(t, s.IsListening(), "revoking permission stops listening")
}

func TestMQTTSource_EventsOnlyWhileListening(t *testing.T) {
	s := newTestMQTTSource()
	payload := []byte(`{"id":"7","key":"0|com.kakao.talk|7|abc","packageName":"com.kakao.talk","postTime":1700000000000,"title":"010-1111-2222","text":"대출 안내"}`)

	s.route(nil, fakeMessage{topic: "test/device/posted", payload: payload})
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event while not listening: %+v", ev)
	default:
	}

	s.mu.Lock()
	s.listening = true
	s.mu.Unlock()

	s.route(nil, fakeMessage{topic: "test/device/posted", payload: payload})
	select {
	case ev := <-s.Events():
		assert.Equal(t, KindPosted, ev.Kind)
		assert.Equal(t, "com.kakao.talk", ev.PackageName)
		assert.Equal(t, "010-1111-2222", ev.Sender())
		assert.Equal(t, "대출 안내", ev.Body())
		assert.Equal(t, int64(1700000000000), ev.PostTime)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}

	s.route(nil, fakeMessage{topic: "test/device/removed", payload: payload})
	ev := <-s.Events()
	assert.Equal(t, KindRemoved, ev.Kind)
}

func TestMQTTSource_InvalidPayloadIgnored(t *testing.T) {
	s := newTestMQTTSource()
	s.mu.Lock()
	s.listening = true
	s.mu.Unlock()

	s.route(nil, fakeMessage{topic: "test/device/posted", payload: []byte("{not json")})
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
}

func TestMQTTSource_ActiveSnapshot(t *testing.T) {
	s := newTestMQTTSource()
	s.route(nil, fakeMessage{topic: "test/device/active", payload: []byte(`[{"key":"a","packageName":"com.kakao.talk"},{"key":"b","packageName":"com.samsung.android.messaging"}]`)})

	active, err := s.ActiveNotifications(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, KindActive, active[0].Kind)
	assert.Equal(t, "b", active[1].Key)
}

func TestMQTTSource_CommandsNeedConnection(t *testing.T) {
	s := newTestMQTTSource()
	ctx := context.Background()
	assert.ErrorIs(t, s.Dismiss(ctx, "k"), errMQTTNotConnected)
	assert.ErrorIs(t, s.RequestPermission(ctx), errMQTTNotConnected)

	s.route(nil, fakeMessage{topic: "test/device/permission", payload: []byte("granted")})
	assert.ErrorIs(t, s.Start(ctx), errMQTTNotConnected)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
