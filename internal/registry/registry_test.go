package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mewp-telemetry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubVerifier struct {
	identity models.Identity
	err      error
	block    chan struct{}
}

func (s *stubVerifier) Verify(ctx context.Context, creds models.Credentials) (models.Identity, error) {
	if s.block != nil {
		<-s.block
	}
	return s.identity, s.err
}

func newTestRegistry(v Verifier) *Registry {
	return NewRegistry(Options{SendBuffer: 4, HealthCheckInterval: time.Second}, v, zap.NewNop())
}

func TestRegistry_RegisterIdempotent(t *testing.T) {
	r := newTestRegistry(nil)

	o1 := r.Register("conn-1")
	o2 := r.Register("conn-1")
	o3 := r.Register("conn-2")

	assert.Same(t, o1, o2)
	assert.NotEqual(t, o1.ID, o3.ID)
	assert.Equal(t, 2, r.Stats().TotalConnections)
	assert.Empty(t, r.Subscriptions(o1.ID))
}

func TestRegistry_DeregisterIdempotent(t *testing.T) {
	r := newTestRegistry(nil)
	o := r.Register("conn-1")
	_, err := r.Subscribe(o.ID, []string{"telemetry", "alerts"})
	require.NoError(t, err)

	assert.True(t, r.Deregister(o.ID))
	assert.False(t, r.Deregister(o.ID))
	assert.True(t, o.Closed())
	assert.Empty(t, r.Match([]string{"telemetry", "alerts"}))

	// 同一连接重新注册得到新的 observer
	o2 := r.Register("conn-1")
	assert.NotEqual(t, o.ID, o2.ID)
}

func TestRegistry_SubscribeUnionAndDifference(t *testing.T) {
	r := newTestRegistry(nil)
	o := r.Register("conn-1")

	subs, err := r.Subscribe(o.ID, []string{"telemetry", "alerts"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alerts", "telemetry"}, subs)

	subs, err = r.Subscribe(o.ID, []string{"telemetry", "status"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alerts", "status", "telemetry"}, subs)

	subs, err = r.Unsubscribe(o.ID, []string{"alerts", "never-subscribed"})
	require.NoError(t, err)
	assert.Equal(t, []string{"status", "telemetry"}, subs)

	matches := r.Match([]string{"alerts"})
	assert.Empty(t, matches)
	matches = r.Match([]string{"status"})
	require.Len(t, matches, 1)
	assert.Equal(t, o.ID, matches[0].Observer.ID)
}

func TestRegistry_SubscribeValidation(t *testing.T) {
	r := newTestRegistry(nil)
	o := r.Register("conn-1")

	_, err := r.Subscribe(o.ID, nil)
	assert.True(t, errors.Is(err, models.ErrValidation))
	_, err = r.Subscribe(o.ID, []string{"telemetry", " "})
	assert.True(t, errors.Is(err, models.ErrValidation))
	assert.Empty(t, r.Subscriptions(o.ID))

	_, err = r.Subscribe("missing", []string{"telemetry"})
	assert.True(t, errors.Is(err, ErrObserverNotFound))
}

func TestRegistry_MatchDeduplicates(t *testing.T) {
	r := newTestRegistry(nil)
	a := r.Register("a")
	b := r.Register("b")
	_, err := r.Subscribe(a.ID, []string{"telemetry", "vehicle-data"})
	require.NoError(t, err)
	_, err = r.Subscribe(b.ID, []string{"vehicle-data"})
	require.NoError(t, err)

	matches := r.Match([]string{"telemetry", "dingli/mewp/MEWP-001/telemetry", "vehicle-data"})
	require.Len(t, matches, 2)

	byID := map[string]string{}
	for _, m := range matches {
		byID[m.Observer.ID] = m.Topic
	}
	assert.Equal(t, "telemetry", byID[a.ID])
	assert.Equal(t, "vehicle-data", byID[b.ID])
}

func TestRegistry_Authenticate(t *testing.T) {
	v := &stubVerifier{identity: models.Identity{UserID: "u1", Username: "alice", Role: "operator"}}
	r := newTestRegistry(v)
	o := r.Register("conn-1")

	identity, err := r.Authenticate(context.Background(), o.ID, models.Credentials{Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Username)

	stored, ok := r.Identity(o.ID)
	require.True(t, ok)
	assert.Equal(t, "u1", stored.UserID)
	assert.Equal(t, 1, r.Stats().AuthenticatedUsers)
	assert.Len(t, r.WithRole("operator"), 1)
	assert.Empty(t, r.WithRole("admin"))
}

func TestRegistry_AuthenticateFailureKeepsConnection(t *testing.T) {
	v := &stubVerifier{err: errors.New("invalid token")}
	r := newTestRegistry(v)
	o := r.Register("conn-1")

	_, err := r.Authenticate(context.Background(), o.ID, models.Credentials{Token: "bad"})
	assert.True(t, errors.Is(err, ErrAuthenticationFailed))

	_, ok := r.Identity(o.ID)
	assert.False(t, ok)
	_, ok = r.Get(o.ID)
	assert.True(t, ok)
	assert.Equal(t, 0, r.Stats().AuthenticatedUsers)
}

func TestRegistry_AuthenticateDoesNotHoldLock(t *testing.T) {
	v := &stubVerifier{identity: models.Identity{UserID: "u1"}, block: make(chan struct{})}
	r := newTestRegistry(v)
	o := r.Register("conn-1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.Authenticate(context.Background(), o.ID, models.Credentials{Token: "t"})
	}()

	// 认证阻塞期间仍可修改订阅
	done := make(chan struct{})
	go func() {
		_, _ = r.Subscribe(o.ID, []string{"telemetry"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscribe blocked while authentication in flight")
	}

	close(v.block)
	wg.Wait()
}

func TestRegistry_AuthenticateAfterDeregister(t *testing.T) {
	v := &stubVerifier{identity: models.Identity{UserID: "u1"}, block: make(chan struct{})}
	r := newTestRegistry(v)
	o := r.Register("conn-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Authenticate(context.Background(), o.ID, models.Credentials{Token: "t"})
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	r.Deregister(o.ID)
	close(v.block)

	assert.True(t, errors.Is(<-errCh, ErrObserverNotFound))
}

func TestRegistry_CheckHealth(t *testing.T) {
	var evicted []string
	r := NewRegistry(Options{
		SendBuffer:          4,
		HealthCheckInterval: 30 * time.Second,
		OnEvict:             func(id string) { evicted = append(evicted, id) },
	}, nil, zap.NewNop())

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	silent := r.Register("silent")
	healthy := r.Register("healthy")
	_, err := r.Subscribe(silent.ID, []string{"telemetry"})
	require.NoError(t, err)

	now = now.Add(45 * time.Second)
	r.Touch(healthy.ID)
	assert.Empty(t, r.CheckHealth())

	// 两个 observer 都收到探测帧
	f := <-healthy.Outbox()
	assert.True(t, f.Probe)
	f = <-silent.Outbox()
	assert.True(t, f.Probe)

	now = now.Add(30 * time.Second)
	stale := r.CheckHealth()
	assert.Equal(t, []string{silent.ID}, stale)
	assert.Equal(t, []string{silent.ID}, evicted)
	assert.True(t, silent.Closed())
	assert.Empty(t, r.Match([]string{"telemetry"}))

	_, ok := r.Get(healthy.ID)
	assert.True(t, ok)
}

func TestRegistry_Observers(t *testing.T) {
	r := newTestRegistry(&stubVerifier{identity: models.Identity{UserID: "u1", Username: "bob"}})
	o := r.Register("conn-1")
	_, err := r.Subscribe(o.ID, []string{"telemetry"})
	require.NoError(t, err)
	_, err = r.Authenticate(context.Background(), o.ID, models.Credentials{})
	require.NoError(t, err)

	infos := r.Observers()
	require.Len(t, infos, 1)
	assert.Equal(t, o.ID, infos[0].ID)
	assert.Equal(t, []string{"telemetry"}, infos[0].Subscriptions)
	require.NotNil(t, infos[0].User)
	assert.Equal(t, "bob", infos[0].User.Username)
}

func TestRegistry_Shutdown(t *testing.T) {
	r := newTestRegistry(nil)
	a := r.Register("a")
	b := r.Register("b")

	r.Shutdown()
	assert.Equal(t, 0, r.Stats().TotalConnections)
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
}

func TestObserver_Enqueue(t *testing.T) {
	o := newObserver("o1", "c", 1, time.Now())

	require.NoError(t, o.Enqueue(Frame{Message: models.Message{Event: "a"}}, time.Millisecond))
	err := o.Enqueue(Frame{Message: models.Message{Event: "b"}}, 5*time.Millisecond)
	assert.True(t, errors.Is(err, ErrDeliveryTimeout))
	assert.False(t, o.TryEnqueue(Frame{}))

	go func() {
		time.Sleep(5 * time.Millisecond)
		o.close()
	}()
	err = o.Enqueue(Frame{}, time.Second)
	assert.True(t, errors.Is(err, ErrObserverGone))

	assert.False(t, o.TryEnqueue(Frame{}))
}
