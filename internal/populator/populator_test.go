package populator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"apollonia/internal/broker"
	"apollonia/internal/graph"
	apperrors "apollonia/pkg/errors"
)

// memoryStore mirrors the repository's MERGE semantics in memory
type memoryStore struct {
	mu          sync.Mutex
	files       map[string]graph.FileNode
	edges       map[[2]string]struct{}
	verifyErr   error
	failUpserts int
	alwaysFail  bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		files: make(map[string]graph.FileNode),
		edges: make(map[[2]string]struct{}),
	}
}

func (s *memoryStore) VerifyConnectivity(context.Context) error { return s.verifyErr }

func (s *memoryStore) UpsertFile(_ context.Context, f graph.FileNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alwaysFail || s.failUpserts > 0 {
		if s.failUpserts > 0 {
			s.failUpserts--
		}
		return apperrors.NewGraphQueryFailed("upsert file", f.Path, errors.New("neo4j unavailable"))
	}
	s.files[f.Path] = f
	return nil
}

func (s *memoryStore) UpsertNeighbor(_ context.Context, from, neighbor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[neighbor]; !ok {
		s.files[neighbor] = graph.FileNode{Path: neighbor}
	}
	if _, ok := s.files[from]; ok {
		s.edges[[2]string{from, neighbor}] = struct{}{}
	}
	return nil
}

func (s *memoryStore) file(path string) (graph.FileNode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path]
	return f, ok
}

func (s *memoryStore) hasEdge(from, to string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.edges[[2]string{from, to}]
	return ok
}

func (s *memoryStore) counts() (files, edges int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files), len(s.edges)
}

// fakeSource hands out a channel the test feeds
type fakeSource struct {
	deliveries chan broker.Delivery
	pingErr    error
	mu         sync.Mutex
	closed     bool
	consumed   bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{deliveries: make(chan broker.Delivery, 16)}
}

func (s *fakeSource) Ping(context.Context) error { return s.pingErr }

func (s *fakeSource) Consume(context.Context) (<-chan broker.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed = true
	return s.deliveries, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// settlements records how each delivery was settled
type settlements struct {
	mu   sync.Mutex
	seen []string
}

func (s *settlements) record(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, kind)
}

func (s *settlements) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

type recordingAcker struct {
	log *settlements
}

func (a recordingAcker) Ack() error { a.log.record("ack"); return nil }

func (a recordingAcker) Nack(requeue bool) error {
	if requeue {
		a.log.record("requeue")
	} else {
		a.log.record("dead-letter")
	}
	return nil
}

func body(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

func delivery(log *settlements, id string, b []byte) broker.Delivery {
	return broker.Delivery{Body: b, MessageID: id, Acknowledger: recordingAcker{log: log}}
}

func newPopulator(t *testing.T, cfg Config, store Store, source Source) *Populator {
	t.Helper()
	p, err := New(cfg, store, source, zap.NewNop())
	require.NoError(t, err)
	return p
}

func runPopulator(t *testing.T, p *Populator) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	require.Eventually(t, func() bool { return p.State() == StateConsuming }, 5*time.Second, 5*time.Millisecond)
	return cancelFn, errc
}

func TestProcess_AppliesFileAndNeighbors(t *testing.T) {
	store := newMemoryStore()
	p := newPopulator(t, Config{}, store, newFakeSource())

	payload := body(t, map[string]any{
		"file_path":   "/data/a.mp4",
		"sha256_hash": "abc",
		"size":        10,
		"timestamp":   "2024-01-01T00:00:00Z",
		"event_type":  "created",
		"neighbors":   []string{"/data/a.srt", "/data/a.nfo"},
	})

	outcome, err := p.Process(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	f, ok := store.file("/data/a.mp4")
	require.True(t, ok)
	assert.Equal(t, "abc", f.SHA256)
	assert.Equal(t, int64(10), *f.Size)
	require.NotNil(t, f.DiscoveredAt)
	assert.True(t, f.DiscoveredAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	assert.True(t, store.hasEdge("/data/a.mp4", "/data/a.srt"))
	assert.True(t, store.hasEdge("/data/a.mp4", "/data/a.nfo"))

	// Applying the same message again changes nothing
	outcome, err = p.Process(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	files, edges := store.counts()
	assert.Equal(t, 3, files)
	assert.Equal(t, 2, edges)
	assert.Equal(t, int64(2), p.Stats().Applied)
}

func TestProcess_NaiveTimestampsAreApplied(t *testing.T) {
	store := newMemoryStore()
	p := newPopulator(t, Config{}, store, newFakeSource())

	outcome, err := p.Process(context.Background(), body(t, map[string]any{
		"file_path":     "/data/a.mp4",
		"modified_time": "2024-01-01T00:00:00",
		"changed_time":  "not a time",
		"timestamp":     "2024-01-02 08:00:00+0000",
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	f, ok := store.file("/data/a.mp4")
	require.True(t, ok)
	require.NotNil(t, f.ModifiedTime)
	assert.True(t, f.ModifiedTime.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, f.ChangedTime)
	require.NotNil(t, f.DiscoveredAt)
	assert.True(t, f.DiscoveredAt.Equal(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)))
}

func TestProcess_SkipsSelfAndDuplicateNeighbors(t *testing.T) {
	store := newMemoryStore()
	p := newPopulator(t, Config{}, store, newFakeSource())

	outcome, err := p.Process(context.Background(), body(t, map[string]any{
		"file_path": "/data/a.mp4",
		"neighbors": []string{"/data/a.mp4", "/data/a.srt", "/data/a.srt"},
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	assert.False(t, store.hasEdge("/data/a.mp4", "/data/a.mp4"))
	_, edges := store.counts()
	assert.Equal(t, 1, edges)
}

func TestProcess_DropsBadMessages(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		errType apperrors.ErrorType
	}{
		{"not json", []byte("{not json"), apperrors.ErrorTypeMessage},
		{"invalid utf-8", []byte{0xff, 0xfe}, apperrors.ErrorTypeMessage},
		{"missing path", []byte(`{"sha256_hash":"abc"}`), apperrors.ErrorTypeMessage},
		{"relative path", []byte(`{"file_path":"data/a.mp4"}`), apperrors.ErrorTypeMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			p := newPopulator(t, Config{}, store, newFakeSource())

			outcome, err := p.Process(context.Background(), tt.payload)
			assert.Equal(t, OutcomeDropped, outcome)
			assert.True(t, apperrors.IsErrorType(err, tt.errType))

			files, _ := store.counts()
			assert.Zero(t, files)
		})
	}
}

func TestProcess_StoreFailure(t *testing.T) {
	store := newMemoryStore()
	store.failUpserts = 1
	p := newPopulator(t, Config{}, store, newFakeSource())

	outcome, err := p.Process(context.Background(), body(t, map[string]any{"file_path": "/data/a.mp4"}))
	assert.Equal(t, OutcomeFailed, outcome)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestRun_AcksAppliedAndDroppedMessages(t *testing.T) {
	store := newMemoryStore()
	source := newFakeSource()
	log := &settlements{}
	p := newPopulator(t, Config{}, store, source)

	cancel, done := runPopulator(t, p)
	source.deliveries <- delivery(log, "1", body(t, map[string]any{"file_path": "/data/a.mp4"}))
	source.deliveries <- delivery(log, "2", []byte("garbage"))

	require.Eventually(t, func() bool { return len(log.list()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ack", "ack"}, log.list())
	assert.True(t, p.Healthy(context.Background()))

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, p.State())
	assert.True(t, source.isClosed())

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Applied)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestRun_RequeuesOnStoreFailure(t *testing.T) {
	store := newMemoryStore()
	store.failUpserts = 1
	source := newFakeSource()
	log := &settlements{}
	p := newPopulator(t, Config{}, store, source)

	cancel, done := runPopulator(t, p)
	defer func() { cancel(); <-done }()

	msg := body(t, map[string]any{"file_path": "/data/a.mp4"})
	source.deliveries <- delivery(log, "1", msg)
	require.Eventually(t, func() bool { return len(log.list()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "requeue", log.list()[0])

	// Broker redelivers; the store has recovered
	source.deliveries <- delivery(log, "1", msg)
	require.Eventually(t, func() bool { return len(log.list()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"requeue", "ack"}, log.list())

	_, ok := store.file("/data/a.mp4")
	assert.True(t, ok)
}

func TestRun_DeadLettersAfterMaxAttempts(t *testing.T) {
	store := newMemoryStore()
	store.alwaysFail = true
	source := newFakeSource()
	log := &settlements{}
	p := newPopulator(t, Config{MaxDeliveryAttempts: 3}, store, source)

	cancel, done := runPopulator(t, p)
	defer func() { cancel(); <-done }()

	msg := body(t, map[string]any{"file_path": "/data/a.mp4"})
	for i := 0; i < 3; i++ {
		source.deliveries <- delivery(log, "poison", msg)
	}

	require.Eventually(t, func() bool { return len(log.list()) == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"requeue", "requeue", "dead-letter"}, log.list())
	assert.Equal(t, int64(1), p.Stats().DeadLettered)
}

func TestRun_DeadLetterUsesBrokerDeliveryCount(t *testing.T) {
	store := newMemoryStore()
	store.alwaysFail = true
	source := newFakeSource()
	log := &settlements{}
	p := newPopulator(t, Config{MaxDeliveryAttempts: 3}, store, source)

	cancel, done := runPopulator(t, p)
	defer func() { cancel(); <-done }()

	d := delivery(log, "seen-elsewhere", body(t, map[string]any{"file_path": "/data/a.mp4"}))
	d.DeliveryCount = 2
	source.deliveries <- d

	require.Eventually(t, func() bool { return len(log.list()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "dead-letter", log.list()[0])
}

func TestRun_RequeueDelayInterruptedByStop(t *testing.T) {
	store := newMemoryStore()
	store.alwaysFail = true
	source := newFakeSource()
	log := &settlements{}
	p := newPopulator(t, Config{RequeueDelay: time.Hour}, store, source)

	cancel, done := runPopulator(t, p)
	source.deliveries <- delivery(log, "1", body(t, map[string]any{"file_path": "/data/a.mp4"}))
	require.Eventually(t, func() bool { return p.Stats().Failed == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("populator did not stop during requeue delay")
	}
	assert.Equal(t, []string{"requeue"}, log.list())
}

func TestRun_ConnectFailure(t *testing.T) {
	t.Run("graph store", func(t *testing.T) {
		store := newMemoryStore()
		store.verifyErr = apperrors.NewGraphConnectionFailed("bolt://nowhere:7687", errors.New("connection refused"))
		source := newFakeSource()
		p := newPopulator(t, Config{}, store, source)

		err := p.Run(context.Background())
		require.Error(t, err)
		assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeGraph))
		assert.Equal(t, StateDisconnected, p.State())
		assert.False(t, source.consumed)
	})

	t.Run("broker", func(t *testing.T) {
		source := newFakeSource()
		source.pingErr = apperrors.NewBrokerTopology("queue apollonia.graph", errors.New("NOT_FOUND"))
		p := newPopulator(t, Config{}, newMemoryStore(), source)

		err := p.Run(context.Background())
		require.Error(t, err)
		assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeBroker))
		assert.Equal(t, StateDisconnected, p.State())
		assert.False(t, source.consumed)
	})
}

func TestRun_DeliveryStreamLost(t *testing.T) {
	source := newFakeSource()
	p := newPopulator(t, Config{}, newMemoryStore(), source)

	_, done := runPopulator(t, p)
	close(source.deliveries)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, apperrors.ErrDeliveriesClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("populator did not notice the closed stream")
	}
	assert.Equal(t, StateDisconnected, p.State())
	assert.True(t, source.isClosed())
}

func TestAttemptTracker(t *testing.T) {
	tracker, err := newAttemptTracker(2)
	require.NoError(t, err)

	assert.Equal(t, int64(1), tracker.Fail("a", 0))
	assert.Equal(t, int64(2), tracker.Fail("a", 0))
	assert.Equal(t, int64(5), tracker.Fail("a", 4))

	tracker.Forget("a")
	assert.Equal(t, int64(1), tracker.Fail("a", 0))

	// Oldest entry is evicted past capacity
	tracker.Fail("b", 0)
	tracker.Fail("c", 0)
	assert.Equal(t, int64(1), tracker.Fail("a", 0))
}

func TestAttemptKey(t *testing.T) {
	assert.Equal(t, "id:m-1", attemptKey("m-1", []byte("x")))
	assert.Equal(t, attemptKey("", []byte("x")), attemptKey("", []byte("x")))
	assert.NotEqual(t, attemptKey("", []byte("x")), attemptKey("", []byte("y")))
}

func TestStateAndOutcomeStrings(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "consuming", StateConsuming.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "applied", OutcomeApplied.String())
	assert.Equal(t, "dropped", OutcomeDropped.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
}

// stallingStore blocks every write until its context ends
type stallingStore struct{ memoryStore }

func (s *stallingStore) UpsertFile(ctx context.Context, _ graph.FileNode) error {
	<-ctx.Done()
	return apperrors.NewGraphQueryFailed("upsert file", "", ctx.Err())
}

func TestProcess_WriteTimeoutIsReported(t *testing.T) {
	p := newPopulator(t, Config{WriteTimeout: 20 * time.Millisecond}, &stallingStore{}, newFakeSource())

	outcome, err := p.Process(context.Background(), body(t, map[string]any{"file_path": "/data/a.mp4"}))
	assert.Equal(t, OutcomeFailed, outcome)

	var timeout *apperrors.ErrContextTimeout
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "graph write", timeout.Operation)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeGraph))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
