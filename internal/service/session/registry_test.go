package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/observability/metrics"
	"realtime-transcription-service/internal/service/stt/mock"
	"realtime-transcription-service/internal/store"
)

// recordingSink captures outputs in delivery order.
type recordingSink struct {
	mu  sync.Mutex
	out []Output
}

func (s *recordingSink) Emit(ctx context.Context, out Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, out)
}

func (s *recordingSink) outputs(connectionID string) []Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Output
	for _, o := range s.out {
		if o.ConnectionID == connectionID {
			res = append(res, o)
		}
	}
	return res
}

// flakyStore fails the first n realtime session writes.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	err      error
}

func (f *flakyStore) CreateRealtimeSession(ctx context.Context, rec models.RealtimeSessionRecord) (models.RealtimeSessionRecord, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return models.RealtimeSessionRecord{}, f.err
	}
	f.mu.Unlock()
	return f.Store.CreateRealtimeSession(ctx, rec)
}

// blockingStore holds realtime session writes until release is closed.
type blockingStore struct {
	store.Store
	started chan struct{}
	release chan struct{}
}

func (b *blockingStore) CreateRealtimeSession(ctx context.Context, rec models.RealtimeSessionRecord) (models.RealtimeSessionRecord, error) {
	close(b.started)
	<-b.release
	return b.Store.CreateRealtimeSession(ctx, rec)
}

func newTestRegistry(st store.Store, sink Sink) (*Registry, *metrics.Metrics) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(st, mock.DefaultVocabulary, sink,
		WithMetrics(m),
		WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return t0 }),
	)
	return r, m
}

func listSessions(t *testing.T, st store.Store) []models.RealtimeSessionRecord {
	t.Helper()
	recs, err := st.ListRealtimeSessions(context.Background(), store.DefaultHistoryWindow, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	return recs
}

func TestRegistry_ConnectChunksTerminate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sink := &recordingSink{}
	r, m := newTestRegistry(st, sink)

	if err := r.OnConnect(ctx, "c1", t0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := r.OnChunk(ctx, "c1"); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
	}

	rec, err := r.OnTerminate(ctx, "c1", t0.Add(3*time.Second))
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if rec.ID == "" || rec.ChunkCount != 3 || rec.Text != "hello this is" {
		t.Errorf("unexpected record %+v", rec)
	}

	out := sink.outputs("c1")
	wantKinds := []OutputKind{OutputPartial, OutputPartial, OutputPartial, OutputFinal, OutputClose}
	if len(out) != len(wantKinds) {
		t.Fatalf("expected %d outputs, got %d: %+v", len(wantKinds), len(out), out)
	}
	for i, k := range wantKinds {
		if out[i].Kind != k {
			t.Errorf("output %d: expected %s, got %s", i, k, out[i].Kind)
		}
	}
	if out[2].Text != "hello this is" {
		t.Errorf("expected third partial 'hello this is', got %q", out[2].Text)
	}
	if out[3].Text != "hello this is" || out[3].ChunkCount != 3 {
		t.Errorf("unexpected final %+v", out[3])
	}

	recs := listSessions(t, st)
	if len(recs) != 1 || recs[0].ConnectionID != "c1" || recs[0].ChunkCount != 3 {
		t.Errorf("unexpected persisted sessions %+v", recs)
	}
	if r.Len() != 0 {
		t.Errorf("expected registry to be empty, got %d", r.Len())
	}
	if got := testutil.ToFloat64(m.SessionsFinalized); got != 1 {
		t.Errorf("expected 1 finalized session metric, got %v", got)
	}
}

func TestRegistry_DisconnectDiscardsSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sink := &recordingSink{}
	r, m := newTestRegistry(st, sink)

	r.OnConnect(ctx, "c1", t0)
	r.OnChunk(ctx, "c1")
	r.OnChunk(ctx, "c1")

	if !r.OnDisconnect(ctx, "c1") {
		t.Fatal("expected disconnect to remove the session")
	}
	if recs := listSessions(t, st); len(recs) != 0 {
		t.Errorf("expected nothing persisted, got %+v", recs)
	}
	for _, o := range sink.outputs("c1") {
		if o.Kind != OutputPartial {
			t.Errorf("unexpected output after disconnect: %+v", o)
		}
	}
	if _, err := r.OnChunk(ctx, "c1"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession after disconnect, got %v", err)
	}
	if r.OnDisconnect(ctx, "c1") {
		t.Error("expected second disconnect to be a no-op")
	}
	if got := testutil.ToFloat64(m.SessionsDiscarded); got != 1 {
		t.Errorf("expected 1 discarded session metric, got %v", got)
	}
}

func TestRegistry_DuplicateConnect(t *testing.T) {
	ctx := context.Background()
	r, m := newTestRegistry(store.NewMemoryStore(), nil)

	if err := r.OnConnect(ctx, "c1", t0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	r.OnChunk(ctx, "c1")

	err := r.OnConnect(ctx, "c1", t0)
	if !errors.Is(err, ErrDuplicateConnection) || !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected duplicate connection violation, got %v", err)
	}

	// The original session is untouched.
	partial, err := r.OnChunk(ctx, "c1")
	if err != nil || partial != "hello this" {
		t.Errorf("expected 'hello this', got %q (%v)", partial, err)
	}
	if got := testutil.ToFloat64(m.ProtocolViolations.WithLabelValues("connect", "duplicate_connection")); got != 1 {
		t.Errorf("expected 1 duplicate violation metric, got %v", got)
	}
}

func TestRegistry_EmptyConnectionID(t *testing.T) {
	r, _ := newTestRegistry(store.NewMemoryStore(), nil)

	if err := r.OnConnect(context.Background(), "", t0); !errors.Is(err, ErrEmptyConnectionID) {
		t.Errorf("expected ErrEmptyConnectionID, got %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistry_UnknownSession(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(store.NewMemoryStore(), nil)

	if _, err := r.OnChunk(ctx, "nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("chunk: expected ErrUnknownSession, got %v", err)
	}
	if _, err := r.OnTerminate(ctx, "nope", t0); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("terminate: expected ErrUnknownSession, got %v", err)
	}
	if r.OnDisconnect(ctx, "nope") {
		t.Error("disconnect: expected false for unknown connection")
	}
}

func TestRegistry_TerminateTwice(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r, _ := newTestRegistry(st, nil)

	r.OnConnect(ctx, "c1", t0)
	r.OnChunk(ctx, "c1")
	if _, err := r.OnTerminate(ctx, "c1", t0); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	if _, err := r.OnTerminate(ctx, "c1", t0); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected protocol violation on second terminate, got %v", err)
	}
	if recs := listSessions(t, st); len(recs) != 1 {
		t.Errorf("expected exactly 1 persisted session, got %d", len(recs))
	}
}

func TestRegistry_PersistenceFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	diskFull := errors.New("disk full")
	st := &flakyStore{Store: store.NewMemoryStore(), failures: 1, err: diskFull}
	sink := &recordingSink{}
	r, m := newTestRegistry(st, sink)

	r.OnConnect(ctx, "c1", t0)
	r.OnChunk(ctx, "c1")
	r.OnChunk(ctx, "c1")

	_, err := r.OnTerminate(ctx, "c1", t0.Add(time.Second))
	var pErr *PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected *PersistenceError, got %v", err)
	}
	if pErr.ConnectionID != "c1" || !errors.Is(err, diskFull) {
		t.Errorf("unexpected persistence error %v", pErr)
	}
	if errors.Is(err, ErrProtocolViolation) {
		t.Error("persistence failure must not be a protocol violation")
	}
	if r.Len() != 1 {
		t.Fatalf("expected session to stay registered, got %d", r.Len())
	}
	for _, o := range sink.outputs("c1") {
		if o.Kind != OutputPartial {
			t.Errorf("no final or close may be emitted before persistence, got %+v", o)
		}
	}
	if got := testutil.ToFloat64(m.PersistenceFailures); got != 1 {
		t.Errorf("expected 1 persistence failure metric, got %v", got)
	}

	// The session still accepts chunks and a retried terminate succeeds.
	if _, err := r.OnChunk(ctx, "c1"); err != nil {
		t.Fatalf("chunk after failed terminate: %v", err)
	}
	rec, err := r.OnTerminate(ctx, "c1", t0.Add(2*time.Second))
	if err != nil {
		t.Fatalf("retried terminate: %v", err)
	}
	if rec.ChunkCount != 3 || rec.Text != "hello this is" {
		t.Errorf("unexpected record %+v", rec)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistry_DisconnectWaitsForTerminate(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	st := &blockingStore{Store: mem, started: make(chan struct{}), release: make(chan struct{})}
	r, _ := newTestRegistry(st, nil)

	r.OnConnect(ctx, "c1", t0)
	r.OnChunk(ctx, "c1")

	termErr := make(chan error, 1)
	go func() {
		_, err := r.OnTerminate(ctx, "c1", t0.Add(time.Second))
		termErr <- err
	}()
	<-st.started

	removed := make(chan bool, 1)
	go func() {
		removed <- r.OnDisconnect(ctx, "c1")
	}()

	select {
	case <-removed:
		t.Fatal("disconnect returned while terminate was persisting")
	case <-time.After(50 * time.Millisecond):
	}

	close(st.release)
	if err := <-termErr; err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if <-removed {
		t.Error("expected disconnect to find the session already finalized")
	}
	if recs := listSessions(t, mem); len(recs) != 1 {
		t.Errorf("expected the in-flight write to complete, got %d records", len(recs))
	}
}

func TestRegistry_TerminatePersistsAfterContextCancel(t *testing.T) {
	mem := store.NewMemoryStore()
	st := &blockingStore{Store: mem, started: make(chan struct{}), release: make(chan struct{})}
	r, _ := newTestRegistry(st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.OnConnect(ctx, "c1", t0)

	done := make(chan error, 1)
	go func() {
		_, err := r.OnTerminate(ctx, "c1", t0)
		done <- err
	}()
	<-st.started
	cancel()
	close(st.release)

	if err := <-done; err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if recs := listSessions(t, mem); len(recs) != 1 {
		t.Errorf("expected 1 persisted session, got %d", len(recs))
	}
}

func TestRegistry_Handle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sink := &recordingSink{}
	r, _ := newTestRegistry(st, sink)

	events := []Event{
		{Kind: EventConnect, ConnectionID: "c1"},
		{Kind: EventChunk, ConnectionID: "c1"},
		{Kind: EventTerminate, ConnectionID: "c1", At: t0.Add(time.Second)},
		{Kind: EventDisconnect, ConnectionID: "c1"},
	}
	for _, ev := range events {
		if err := r.Handle(ctx, ev); err != nil {
			t.Fatalf("%s: %v", ev.Kind, err)
		}
	}

	recs := listSessions(t, st)
	if len(recs) != 1 {
		t.Fatalf("expected 1 persisted session, got %d", len(recs))
	}
	if !recs[0].StartedAt.Equal(t0) || !recs[0].EndedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("unexpected timestamps %+v", recs[0])
	}

	if err := r.Handle(ctx, Event{Kind: EventKind(42), ConnectionID: "c1"}); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected protocol violation for unknown event, got %v", err)
	}
}

func TestRegistry_IndependentConnections(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sink := &recordingSink{}
	r, _ := newTestRegistry(st, sink)

	const conns = 20
	const chunks = 5

	var wg sync.WaitGroup
	errs := make(chan error, conns)
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.OnConnect(ctx, id, t0); err != nil {
				errs <- err
				return
			}
			for j := 0; j < chunks; j++ {
				if _, err := r.OnChunk(ctx, id); err != nil {
					errs <- err
					return
				}
			}
			if _, err := r.OnTerminate(ctx, id, t0.Add(time.Second)); err != nil {
				errs <- err
			}
		}(fmt.Sprintf("c%d", i))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	recs := listSessions(t, st)
	if len(recs) != conns {
		t.Fatalf("expected %d sessions, got %d", conns, len(recs))
	}
	for _, rec := range recs {
		if rec.ChunkCount != chunks || rec.Text != "hello this is a realtime" {
			t.Errorf("unexpected record %+v", rec)
		}
		if n := len(sink.outputs(rec.ConnectionID)); n != chunks+2 {
			t.Errorf("%s: expected %d outputs, got %d", rec.ConnectionID, chunks+2, n)
		}
	}
}

func TestRegistry_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(store.NewMemoryStore(), nil)

	r.OnConnect(ctx, "good", t0)
	r.OnConnect(ctx, "bad", t0)
	r.OnTerminate(ctx, "bad", t0)
	r.OnChunk(ctx, "bad")

	partial, err := r.OnChunk(ctx, "good")
	if err != nil || partial != "hello" {
		t.Errorf("expected 'hello', got %q (%v)", partial, err)
	}
}

func TestRegistry_ActiveAndShutdown(t *testing.T) {
	ctx := context.Background()
	r, m := newTestRegistry(store.NewMemoryStore(), nil)

	r.OnConnect(ctx, "b", t0)
	r.OnConnect(ctx, "a", t0)

	active := r.Active()
	if len(active) != 2 || active[0] != "a" || active[1] != "b" {
		t.Errorf("unexpected active sessions %v", active)
	}
	if n := r.Shutdown(ctx); n != 2 {
		t.Errorf("expected 2 sessions discarded, got %d", n)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
	if got := testutil.ToFloat64(m.SessionsActive); got != 0 {
		t.Errorf("expected 0 active sessions metric, got %v", got)
	}
}

func TestFanout(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	var calls int
	f := Fanout{a, nil, b, SinkFunc(func(ctx context.Context, out Output) { calls++ })}

	f.Emit(context.Background(), Output{Kind: OutputFinal, ConnectionID: "c1", Text: "hi"})

	if len(a.outputs("c1")) != 1 || len(b.outputs("c1")) != 1 || calls != 1 {
		t.Error("expected every sink to receive the output")
	}
}
