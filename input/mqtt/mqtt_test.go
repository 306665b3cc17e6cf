package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oberacda/dblogd/message"
)

type fakePipeline struct {
	mu       sync.Mutex
	ids      map[string]int64
	next     int64
	persists int
	failWith error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{ids: make(map[string]int64)}
}

func (f *fakePipeline) Resolve(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.ids[name]; ok {
		return id, nil
	}
	f.next++
	f.ids[name] = f.next
	return f.next, nil
}

func (f *fakePipeline) Persist(_ context.Context, _ int64, _ *message.Reading) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.persists++
	return int64(f.persists), nil
}

func (f *fakePipeline) persistCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persists
}

func validDeps() InputDeps {
	pipeline := newFakePipeline()
	return InputDeps{
		Config: Config{
			Host:  "broker.internal",
			Port:  8883,
			Topic: "sensors/environment",
			QoS:   1,
		},
		Resolver:  pipeline,
		Persister: pipeline,
	}
}

func TestInitialize_Valid(t *testing.T) {
	assert.NoError(t, NewInput(validDeps()).Initialize())
}

func TestInitialize_Validation(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*InputDeps)
	}{
		{"empty host", func(d *InputDeps) { d.Config.Host = "" }},
		{"zero port", func(d *InputDeps) { d.Config.Port = 0 }},
		{"empty topic", func(d *InputDeps) { d.Config.Topic = "" }},
		{"qos out of range", func(d *InputDeps) { d.Config.QoS = 3 }},
		{"nil resolver", func(d *InputDeps) { d.Resolver = nil }},
		{"nil persister", func(d *InputDeps) { d.Persister = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := validDeps()
			tt.setup(&deps)
			assert.Error(t, NewInput(deps).Initialize())
		})
	}
}

func TestHandleMessage_PersistsValidReading(t *testing.T) {
	pipeline := newFakePipeline()
	deps := validDeps()
	deps.Resolver = pipeline
	deps.Persister = pipeline
	in := NewInput(deps)

	in.handleMessage(context.Background(),
		[]byte(`{"sensor_name":"porch-1","timestamp":"2024-01-01T00:00:00Z","humidity":40.2}`))

	assert.Equal(t, 1, pipeline.persistCount())
	assert.Equal(t, int64(1), in.messagesReceived.Load())
	assert.Zero(t, in.errorCount.Load())
}

func TestHandleMessage_DiscardsMalformed(t *testing.T) {
	pipeline := newFakePipeline()
	deps := validDeps()
	deps.Resolver = pipeline
	deps.Persister = pipeline
	in := NewInput(deps)

	in.handleMessage(context.Background(), []byte("not json"))
	in.handleMessage(context.Background(), []byte(`{"timestamp":"2024-01-01T00:00:00Z"}`))

	assert.Zero(t, pipeline.persistCount())
	assert.Equal(t, int64(2), in.errorCount.Load())
}

func TestHandleMessage_PersistFailureDoesNotPanic(t *testing.T) {
	pipeline := newFakePipeline()
	pipeline.failWith = assert.AnError
	deps := validDeps()
	deps.Resolver = pipeline
	deps.Persister = pipeline
	in := NewInput(deps)

	in.handleMessage(context.Background(),
		[]byte(`{"sensor_name":"porch-1","timestamp":"2024-01-01T00:00:00Z","humidity":40.2}`))

	assert.Equal(t, int64(1), in.errorCount.Load())
	assert.Zero(t, pipeline.persistCount())
}

func TestStop_BeforeStartIsNoop(t *testing.T) {
	in := NewInput(validDeps())
	require.NoError(t, in.Stop(time.Second))
}

func TestHealth_NotRunning(t *testing.T) {
	in := NewInput(validDeps())
	assert.False(t, in.Health().Healthy)
}
