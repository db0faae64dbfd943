package tiercache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/tiercache/internal/codec/zstdcodec"
	"github.com/discochess/tiercache/internal/lrustore"
	"github.com/discochess/tiercache/internal/remote"
	"github.com/discochess/tiercache/internal/remote/breaker"
	"github.com/discochess/tiercache/internal/remote/diskremote"
	"github.com/discochess/tiercache/internal/remote/memremote"
	"github.com/discochess/tiercache/internal/stats"
	statslogger "github.com/discochess/tiercache/internal/stats/logger"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingLoader returns value and counts its invocations.
type countingLoader struct {
	calls atomic.Int64
	value string
	err   error
	delay time.Duration
}

func (l *countingLoader) Load(ctx context.Context) ([]byte, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.err != nil {
		return nil, l.err
	}
	return []byte(l.value), nil
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestNew_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"zero capacity", []Option{WithCapacity(0)}},
		{"negative capacity", []Option{WithCapacity(-3)}},
		{"negative L1 TTL", []Option{WithDefaultL1TTL(-time.Second)}},
		{"negative L2 TTL", []Option{WithDefaultL2TTL(-time.Second)}},
		{"negative negative TTL", []Option{WithNegativeTTL(-time.Second)}},
		{"zero max refreshes", []Option{WithMaxRefreshes(0)}},
		{"negative sweep interval", []Option{WithSweepInterval(-time.Second)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts...)
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("New() error = %v, want ErrInvalidConfiguration", err)
			}
		})
	}
}

func TestNew_ZeroCapacityWrapsStoreError(t *testing.T) {
	_, err := New(WithCapacity(0))
	if !errors.Is(err, lrustore.ErrInvalidCapacity) {
		t.Errorf("New() error = %v, want wrapped lrustore.ErrInvalidCapacity", err)
	}
}

func TestEngine_InvalidItemOptions(t *testing.T) {
	e := newEngine(t)
	loader := (&countingLoader{value: "v"}).Load
	ctx := context.Background()

	tests := []struct {
		name string
		opt  ItemOption
	}{
		{"negative L1 TTL", WithL1TTL(-time.Second)},
		{"negative L2 TTL", WithL2TTL(-time.Second)},
		{"negative TTL", WithTTL(-time.Second)},
		{"fraction above one", WithEarlyRefresh(1.5)},
		{"negative fraction", WithEarlyRefresh(-0.1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.GetOrLoad(ctx, "k", loader, tt.opt); !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("GetOrLoad() error = %v, want ErrInvalidConfiguration", err)
			}
			if err := e.Set(ctx, "k", []byte("v"), tt.opt); !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("Set() error = %v, want ErrInvalidConfiguration", err)
			}
		})
	}

	if _, err := e.GetOrLoad(ctx, "k", nil); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("GetOrLoad(nil loader) error = %v, want ErrInvalidConfiguration", err)
	}
}

func TestEngine_GetOrLoad_Tiers(t *testing.T) {
	rc := memremote.New()
	e := newEngine(t, WithRemote(rc))
	ctx := context.Background()
	loader := &countingLoader{value: "v1"}

	// Miss: loader runs, both tiers populated.
	got, err := e.GetOrLoad(ctx, "k", loader.Load)
	if err != nil || string(got) != "v1" {
		t.Fatalf("GetOrLoad() = %q, %v", got, err)
	}
	if !rc.Contains("k") {
		t.Error("load did not populate L2")
	}

	// L1 hit.
	if _, err := e.GetOrLoad(ctx, "k", loader.Load); err != nil {
		t.Fatal(err)
	}

	// A second engine sharing the remote starts with an empty L1.
	other := newEngine(t, WithRemote(rc))
	got, err = other.GetOrLoad(ctx, "k", loader.Load)
	if err != nil || string(got) != "v1" {
		t.Fatalf("other.GetOrLoad() = %q, %v", got, err)
	}
	if _, err := other.GetOrLoad(ctx, "k", loader.Load); err != nil {
		t.Fatal(err)
	}

	if n := loader.calls.Load(); n != 1 {
		t.Errorf("loader calls = %d, want 1", n)
	}

	m := e.Metrics()
	if m.L1Hits != 1 || m.L2Hits != 0 || m.Misses != 1 || m.Loads != 1 {
		t.Errorf("engine metrics = %+v", m)
	}
	om := other.Metrics()
	if om.L1Hits != 1 || om.L2Hits != 1 || om.Misses != 0 {
		t.Errorf("other metrics = %+v", om)
	}
	if hr := om.HitRate(); hr != 1 {
		t.Errorf("other HitRate() = %v, want 1", hr)
	}
}

func TestEngine_StampedePrevention(t *testing.T) {
	const callers = 50

	e := newEngine(t, WithRemote(memremote.New()))
	loader := &countingLoader{value: "hot", delay: 50 * time.Millisecond}

	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := e.GetOrLoad(context.Background(), "hot-key", loader.Load)
			results[i], errs[i] = string(v), err
		}(i)
	}
	wg.Wait()

	if n := loader.calls.Load(); n != 1 {
		t.Errorf("loader calls = %d, want 1", n)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil || results[i] != "hot" {
			t.Errorf("caller %d got %q, %v", i, results[i], errs[i])
		}
	}
	if e.locks.Len() != 0 {
		t.Errorf("lock registry holds %d entries after all callers returned", e.locks.Len())
	}
}

func TestEngine_DeleteByTag(t *testing.T) {
	rc := memremote.New()
	e := newEngine(t, WithRemote(rc))
	ctx := context.Background()

	for _, key := range []string{"k1", "k2"} {
		if err := e.Set(ctx, key, []byte(key), WithTags("T")); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Set(ctx, "k3", []byte("k3")); err != nil {
		t.Fatal(err)
	}

	n, err := e.DeleteByTag(ctx, "T")
	if err != nil || n != 2 {
		t.Fatalf("DeleteByTag() = %d, %v; want 2, nil", n, err)
	}

	for _, key := range []string{"k1", "k2"} {
		if _, ok := e.l1.Get(key); ok {
			t.Errorf("%s still in L1", key)
		}
		if rc.Contains(key) {
			t.Errorf("%s still in L2", key)
		}
	}
	if _, ok := e.l1.Get("k3"); !ok {
		t.Error("k3 removed from L1")
	}
	if !rc.Contains("k3") {
		t.Error("k3 removed from L2")
	}

	if n, err := e.DeleteByTag(ctx, "T"); n != 0 || err != nil {
		t.Errorf("second DeleteByTag() = %d, %v; want 0, nil", n, err)
	}
}

func TestEngine_DeleteRemovesTags(t *testing.T) {
	e := newEngine(t, WithRemote(memremote.New()))
	ctx := context.Background()

	e.Set(ctx, "k", []byte("v"), WithTags("a", "b"))
	if err := e.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if e.tags.Len() != 0 {
		t.Errorf("tag index holds %d tags after Delete", e.tags.Len())
	}
	if err := e.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete() of absent key error = %v", err)
	}
}

func TestEngine_WriteThrough(t *testing.T) {
	rc := memremote.New()
	e := newEngine(t, WithRemote(rc))
	ctx := context.Background()

	if err := e.Set(ctx, "k", []byte("written")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	loader := &countingLoader{value: "loaded"}
	got, err := e.GetOrLoad(ctx, "k", loader.Load)
	if err != nil || string(got) != "written" {
		t.Errorf("GetOrLoad() = %q, %v; want written", got, err)
	}
	if loader.calls.Load() != 0 {
		t.Error("loader called after Set")
	}
	if !rc.Contains("k") {
		t.Error("Set did not write L2")
	}
}

func TestEngine_FailuresNotMemoized(t *testing.T) {
	e := newEngine(t, WithRemote(memremote.New()))
	ctx := context.Background()
	boom := errors.New("source down")

	var calls int
	loader := func(ctx context.Context) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return []byte("ok"), nil
	}

	if _, err := e.GetOrLoad(ctx, "k", loader); err != boom {
		t.Fatalf("first GetOrLoad() error = %v, want the loader's error unchanged", err)
	}
	got, err := e.GetOrLoad(ctx, "k", loader)
	if err != nil || string(got) != "ok" {
		t.Fatalf("second GetOrLoad() = %q, %v", got, err)
	}
	if calls != 2 {
		t.Errorf("loader calls = %d, want 2", calls)
	}
	if _, ok := e.l1.Get("k"); !ok {
		t.Error("successful retry did not populate L1")
	}
	if m := e.Metrics(); m.LoadErrors != 1 || m.Loads != 2 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestEngine_NegativeCache(t *testing.T) {
	e := newEngine(t, WithNegativeTTL(time.Minute))
	ctx := context.Background()
	loader := &countingLoader{err: errors.New("source down")}

	for i := 0; i < 3; i++ {
		if _, err := e.GetOrLoad(ctx, "k", loader.Load); !errors.Is(err, loader.err) {
			t.Fatalf("GetOrLoad() #%d error = %v", i, err)
		}
	}
	if n := loader.calls.Load(); n != 1 {
		t.Errorf("loader calls = %d, want 1", n)
	}

	// An explicit write clears the remembered failure.
	e.Set(ctx, "k", []byte("v"))
	e.l1.Delete("k")
	fresh := &countingLoader{value: "fresh"}
	if got, err := e.GetOrLoad(ctx, "k", fresh.Load); err != nil || string(got) != "fresh" {
		t.Errorf("GetOrLoad() after Set = %q, %v", got, err)
	}
}

func TestEngine_RoundTripThroughDisk(t *testing.T) {
	rc, err := diskremote.New(t.TempDir(), zstdcodec.New())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	value := []byte(strings.Repeat("\x00\x01binary\xff", 64))

	writer := newEngine(t, WithRemote(rc))
	if err := writer.Set(ctx, "blob", value, WithTTL(time.Hour)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	reader := newEngine(t, WithRemote(rc))
	got, err := reader.GetOrLoad(ctx, "blob", (&countingLoader{value: "wrong"}).Load)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(value) {
		t.Errorf("round trip changed the value: got %d bytes, want %d", len(got), len(value))
	}
	if reader.Metrics().L2Hits != 1 {
		t.Errorf("L2Hits = %d, want 1", reader.Metrics().L2Hits)
	}
}

func TestEngine_CapacityOne(t *testing.T) {
	e := newEngine(t, WithCapacity(1))
	ctx := context.Background()

	e.Set(ctx, "a", []byte("a"), WithTags("t"))
	e.Set(ctx, "b", []byte("b"))

	if _, ok := e.l1.Get("a"); ok {
		t.Error("a should have been evicted")
	}
	if _, ok := e.l1.Get("b"); !ok {
		t.Error("b missing")
	}
	if m := e.Metrics(); m.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", m.Evictions)
	}

	// Without a remote an evicted key is gone, so are its tags.
	if n, _ := e.DeleteByTag(ctx, "t"); n != 0 {
		t.Errorf("DeleteByTag() = %d, want 0", n)
	}
}

func TestEngine_EvictionKeepsTagsWithRemote(t *testing.T) {
	rc := memremote.New()
	e := newEngine(t, WithCapacity(1), WithRemote(rc))
	ctx := context.Background()

	e.Set(ctx, "a", []byte("a"), WithTags("t"))
	e.Set(ctx, "b", []byte("b"))

	n, err := e.DeleteByTag(ctx, "t")
	if n != 1 || err != nil {
		t.Errorf("DeleteByTag() = %d, %v; want 1, nil", n, err)
	}
	if rc.Contains("a") {
		t.Error("a still in L2")
	}
}

func TestEngine_CancelWhileWaitingOnLock(t *testing.T) {
	e := newEngine(t, WithRemote(memremote.New()))
	release := make(chan struct{})
	started := make(chan struct{})

	slow := func(ctx context.Context) ([]byte, error) {
		close(started)
		<-release
		return []byte("slow"), nil
	}
	holderErr := make(chan error, 1)
	go func() {
		_, err := e.GetOrLoad(context.Background(), "k", slow)
		holderErr <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	waiter := &countingLoader{value: "waiter"}
	if _, err := e.GetOrLoad(ctx, "k", waiter.Load); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waiting GetOrLoad() error = %v, want DeadlineExceeded", err)
	}

	close(release)
	if err := <-holderErr; err != nil {
		t.Fatalf("holder GetOrLoad() error = %v", err)
	}
	if waiter.calls.Load() != 0 {
		t.Error("cancelled waiter ran its loader")
	}
}

func TestEngine_LoadContinuesAfterCallerCancels(t *testing.T) {
	rc := memremote.New()
	e := newEngine(t, WithRemote(rc))
	release := make(chan struct{})
	started := make(chan struct{})

	loader := func(ctx context.Context) ([]byte, error) {
		close(started)
		<-release
		return []byte("late"), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := e.GetOrLoad(ctx, "k", loader)
		errc <- err
	}()
	<-started
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("GetOrLoad() error = %v, want context.Canceled", err)
	}

	close(release)

	// The next caller waits on the key lock and is served by the first load.
	next := &countingLoader{value: "next"}
	got, err := e.GetOrLoad(context.Background(), "k", next.Load)
	if err != nil || string(got) != "late" {
		t.Errorf("GetOrLoad() = %q, %v; want late", got, err)
	}
	if next.calls.Load() != 0 {
		t.Error("second loader ran although the first load completed")
	}
	if !rc.Contains("k") {
		t.Error("abandoned load did not populate L2")
	}
}

// ctxLoader blocks until its context ends and returns the context's error.
func ctxLoader(started chan<- struct{}) Loader {
	return func(ctx context.Context) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestEngine_ContextAwareLoaderStopsWithHolder(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"plain", nil},
		{"negative cache", []Option{WithNegativeTTL(time.Minute)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := memremote.New()
			e := newEngine(t, append([]Option{WithRemote(rc)}, tt.opts...)...)

			started := make(chan struct{})
			ctx, cancel := context.WithCancel(context.Background())
			errc := make(chan error, 1)
			go func() {
				_, err := e.GetOrLoad(ctx, "k", ctxLoader(started))
				errc <- err
			}()
			<-started
			cancel()
			if err := <-errc; !errors.Is(err, context.Canceled) {
				t.Fatalf("GetOrLoad() error = %v, want context.Canceled", err)
			}

			// The cancellation belongs to the first caller only. The next
			// caller waits for the key lock and then loads for itself.
			next := &countingLoader{value: "v"}
			got, err := e.GetOrLoad(context.Background(), "k", next.Load)
			if err != nil || string(got) != "v" {
				t.Fatalf("GetOrLoad() = %q, %v; want v", got, err)
			}
			if next.calls.Load() != 1 {
				t.Errorf("loader calls = %d, want 1", next.calls.Load())
			}
			if !rc.Contains("k") {
				t.Error("second load did not populate L2")
			}
		})
	}
}

func TestEngine_L2HitRegistersTags(t *testing.T) {
	rc := memremote.New()
	writer := newEngine(t, WithRemote(rc))
	reader := newEngine(t, WithRemote(rc))
	ctx := context.Background()

	if err := writer.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	loader := &countingLoader{value: "unused"}
	got, err := reader.GetOrLoad(ctx, "k", loader.Load, WithTags("t"))
	if err != nil || string(got) != "v" {
		t.Fatalf("GetOrLoad() = %q, %v; want v", got, err)
	}
	if loader.calls.Load() != 0 {
		t.Fatal("value was not served from L2")
	}

	n, err := reader.DeleteByTag(ctx, "t")
	if err != nil || n != 1 {
		t.Fatalf("DeleteByTag() = %d, %v; want 1", n, err)
	}
	if reader.Len() != 0 {
		t.Error("key still in L1 after DeleteByTag")
	}
	if rc.Contains("k") {
		t.Error("key still in L2 after DeleteByTag")
	}
}

func TestEngine_RefreshAhead(t *testing.T) {
	clock := newFakeClock()
	rc := memremote.New(memremote.WithClock(clock.Now))
	e := newEngine(t, WithRemote(rc), WithClock(clock.Now))
	ctx := context.Background()

	if err := e.Set(ctx, "k", []byte("v1"), WithL1TTL(time.Hour), WithL2TTL(10*time.Minute)); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	var calls atomic.Int64
	loader := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("v2"), nil
	}
	opts := []ItemOption{WithL1TTL(time.Hour), WithL2TTL(10 * time.Minute), WithEarlyRefresh(0.2)}

	// Plenty of TTL left: no refresh.
	clock.Advance(time.Minute)
	if got, _ := e.GetOrLoad(ctx, "k", loader, opts...); string(got) != "v1" {
		t.Fatalf("GetOrLoad() = %q, want v1", got)
	}

	// Under 20% left: every read serves v1, one background load runs.
	clock.Advance(8 * time.Minute)
	for i := 0; i < 10; i++ {
		got, err := e.GetOrLoad(ctx, "k", loader, opts...)
		if err != nil || string(got) != "v1" {
			t.Fatalf("GetOrLoad() #%d = %q, %v; want v1", i, got, err)
		}
	}
	close(release)
	e.Close()

	if n := calls.Load(); n != 1 {
		t.Errorf("refresh loads = %d, want 1", n)
	}
	if m := e.Metrics(); m.Refreshes != 1 || m.Misses != 0 {
		t.Errorf("metrics = %+v", m)
	}
	got, _, _ := rc.Get(ctx, "k")
	if string(got) != "v2" {
		t.Errorf("L2 value after refresh = %q, want v2", got)
	}
}

func TestEngine_RefreshAheadL1Only(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(t, WithClock(clock.Now))
	ctx := context.Background()

	e.Set(ctx, "k", []byte("v1"), WithL1TTL(time.Minute))
	clock.Advance(55 * time.Second)

	loader := &countingLoader{value: "v2"}
	if got, _ := e.GetOrLoad(ctx, "k", loader.Load, WithL1TTL(time.Minute), WithEarlyRefresh(0.5)); string(got) != "v1" {
		t.Fatalf("GetOrLoad() = %q, want v1", got)
	}
	e.Close()

	if loader.calls.Load() != 1 {
		t.Errorf("refresh loads = %d, want 1", loader.calls.Load())
	}
	if got, _ := e.l1.Get("k"); string(got) != "v2" {
		t.Errorf("L1 after refresh = %q, want v2", got)
	}
}

func TestEngine_RemoteFailureIsAMiss(t *testing.T) {
	rc := memremote.New()
	e := newEngine(t, WithRemote(rc))
	ctx := context.Background()
	rc.Fail()

	got, err := e.GetOrLoad(ctx, "k", (&countingLoader{value: "v"}).Load)
	if err != nil || string(got) != "v" {
		t.Fatalf("GetOrLoad() = %q, %v; want v, nil", got, err)
	}
	if m := e.Metrics(); m.BackendErrors == 0 {
		t.Error("BackendErrors not counted")
	}

	if err := e.Set(ctx, "k", []byte("v")); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Set() error = %v, want ErrBackendUnavailable", err)
	}
	if err := e.Delete(ctx, "k"); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Delete() error = %v, want ErrBackendUnavailable", err)
	}
	if _, ok := e.l1.Get("k"); ok {
		t.Error("Delete left the key in L1 after a remote failure")
	}
}

func TestEngine_DeleteByTagPartialFailure(t *testing.T) {
	rc := memremote.New()
	e := newEngine(t, WithRemote(rc))
	ctx := context.Background()

	e.Set(ctx, "k1", []byte("1"), WithTags("T"))
	e.Set(ctx, "k2", []byte("2"), WithTags("T"))
	rc.Fail()

	n, err := e.DeleteByTag(ctx, "T")
	if n != 2 {
		t.Errorf("DeleteByTag() count = %d, want 2", n)
	}
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("DeleteByTag() error = %v, want ErrBackendUnavailable", err)
	}
	if e.l1.Len() != 0 {
		t.Errorf("L1 holds %d entries, want 0", e.l1.Len())
	}
}

func TestEngine_BreakerOpen(t *testing.T) {
	rc := memremote.New()
	guarded := breaker.New(rc, breaker.WithConsecutiveFailures(2), breaker.WithOpenTimeout(time.Hour))
	e := newEngine(t, WithRemote(guarded))
	ctx := context.Background()
	rc.Fail()

	for _, key := range []string{"a", "b"} {
		e.GetOrLoad(ctx, key, (&countingLoader{value: key}).Load)
	}

	gets, _ := rc.Calls()
	got, err := e.GetOrLoad(ctx, "c", (&countingLoader{value: "c"}).Load)
	if err != nil || string(got) != "c" {
		t.Fatalf("GetOrLoad() with open breaker = %q, %v", got, err)
	}
	if after, _ := rc.Calls(); after != gets {
		t.Errorf("open breaker forwarded %d gets", after-gets)
	}

	err = e.Delete(ctx, "c")
	if !errors.Is(err, ErrBackendUnavailable) || !errors.Is(err, remote.ErrUnavailable) {
		t.Errorf("Delete() error = %v, want ErrBackendUnavailable wrapping remote.ErrUnavailable", err)
	}
}

func TestEngine_LoaderPanicReachesCaller(t *testing.T) {
	e := newEngine(t)

	defer func() {
		if r := recover(); r != "kaboom" {
			t.Errorf("recover() = %v, want kaboom", r)
		}
		if e.locks.Len() != 0 {
			t.Error("key lock not released after panic")
		}
	}()
	e.GetOrLoad(context.Background(), "k", func(context.Context) ([]byte, error) {
		panic("kaboom")
	})
	t.Error("GetOrLoad() returned normally")
}

func TestEngine_SweepInterval(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(t, WithClock(clock.Now), WithSweepInterval(5*time.Millisecond))
	ctx := context.Background()

	e.Set(ctx, "short", []byte("v"), WithL1TTL(time.Second), WithTags("t"))
	e.Set(ctx, "long", []byte("v"), WithL1TTL(time.Hour))
	clock.Advance(time.Minute)

	deadline := time.Now().Add(time.Second)
	for e.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.Len() != 1 {
		t.Fatalf("Len() = %d after sweep, want 1", e.Len())
	}
	if n, _ := e.DeleteByTag(ctx, "t"); n != 0 {
		t.Errorf("swept key still tagged")
	}
}

func TestEngine_Close(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := e.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := e.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() error = %v, want ErrClosed", err)
	}

	if _, err := e.GetOrLoad(ctx, "k", (&countingLoader{}).Load); !errors.Is(err, ErrClosed) {
		t.Errorf("GetOrLoad() after Close error = %v", err)
	}
	if err := e.Set(ctx, "k", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Set() after Close error = %v", err)
	}
	if err := e.Delete(ctx, "k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Delete() after Close error = %v", err)
	}
	if _, err := e.DeleteByTag(ctx, "t"); !errors.Is(err, ErrClosed) {
		t.Errorf("DeleteByTag() after Close error = %v", err)
	}
}

func TestEngine_StatsMirrored(t *testing.T) {
	collector := statslogger.New(zap.NewNop())
	e := newEngine(t, WithStats(collector), WithRemote(memremote.New()))
	ctx := context.Background()
	loader := (&countingLoader{value: "v"}).Load

	e.GetOrLoad(ctx, "k", loader)
	e.GetOrLoad(ctx, "k", loader)

	tests := []struct {
		metric string
		want   int64
	}{
		{stats.MetricMisses, 1},
		{stats.MetricLoads, 1},
		{stats.MetricL1Hits, 1},
		{stats.MetricL2Hits, 0},
	}
	for _, tt := range tests {
		if got := collector.Total(tt.metric); got != tt.want {
			t.Errorf("Total(%s) = %d, want %d", tt.metric, got, tt.want)
		}
	}
}

func TestMetrics_HitRate(t *testing.T) {
	tests := []struct {
		name string
		m    Metrics
		want float64
	}{
		{"empty", Metrics{}, 0},
		{"all hits", Metrics{L1Hits: 3, L2Hits: 1}, 1},
		{"half", Metrics{L1Hits: 1, L2Hits: 1, Misses: 2}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.HitRate(); got != tt.want {
				t.Errorf("HitRate() = %v, want %v", got, tt.want)
			}
		})
	}
}
