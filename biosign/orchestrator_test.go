package biosign

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/tee-biometric-signer/custodian"
	"github.com/ruteri/tee-biometric-signer/interfaces"
	"github.com/ruteri/tee-biometric-signer/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testPrompt = interfaces.PromptContext{Title: "Sign in", Subtitle: "Confirm it's you"}

// fakeGate records ceremonies and lets tests drive their callbacks.
type fakeGate struct {
	mu         sync.Mutex
	available  bool
	sink       interfaces.AuthorizationSink
	startErr   error
	ceremonies []*fakeCeremony
	cancelled  map[interfaces.CeremonyHandle]int
}

type fakeCeremony struct {
	req    interfaces.CeremonyRequest
	cb     interfaces.CeremonyCallbacks
	handle interfaces.CeremonyHandle
}

func newFakeGate(sink interfaces.AuthorizationSink) *fakeGate {
	return &fakeGate{
		available: true,
		sink:      sink,
		cancelled: make(map[interfaces.CeremonyHandle]int),
	}
}

func (g *fakeGate) IsStrongAuthAvailable(ctx context.Context, prompt interfaces.PromptContext) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.available
}

func (g *fakeGate) StartCeremony(ctx context.Context, req interfaces.CeremonyRequest, cb interfaces.CeremonyCallbacks) (interfaces.CeremonyHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.startErr != nil {
		return "", g.startErr
	}
	c := &fakeCeremony{req: req, cb: cb, handle: interfaces.CeremonyHandle(fmt.Sprintf("ceremony-%d", req.Token))}
	g.ceremonies = append(g.ceremonies, c)
	return c.handle, nil
}

func (g *fakeGate) Cancel(handle interfaces.CeremonyHandle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled[handle]++
}

func (g *fakeGate) ceremony(t *testing.T, i int) *fakeCeremony {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.Greater(t, len(g.ceremonies), i)
	return g.ceremonies[i]
}

func (g *fakeGate) wasCancelled(handle interfaces.CeremonyHandle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled[handle] > 0
}

// succeed authorizes the alias like a real gate and reports success.
func (g *fakeGate) succeed(c *fakeCeremony) {
	if g.sink != nil {
		g.sink.Authorize(c.req.Alias)
	}
	c.cb.OnSuccess()
}

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *custodian.SoftwareCustodian, *fakeGate) {
	t.Helper()
	store := custodian.NewSoftwareCustodian(testLogger())
	gate := newFakeGate(store)
	o, err := New("login-key", store, gate, append([]Option{WithLogger(testLogger())}, opts...)...)
	require.NoError(t, err)
	return o, store, gate
}

func requireResolved(t *testing.T, p *Pending) (*interfaces.SignedResult, error) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pending request did not resolve")
	}
	return p.Result()
}

func requireUnresolved(t *testing.T, p *Pending) {
	t.Helper()
	select {
	case <-p.Done():
		_, err := p.Result()
		t.Fatalf("request resolved unexpectedly: %v", err)
	default:
	}
}

func TestLoginKeyScenario(t *testing.T) {
	ctx := context.Background()
	o, _, gate := newTestOrchestrator(t)

	existence, err := o.Exists(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ExistenceAbsent, existence)

	handle, err := o.CreateKeyPair(ctx, testPrompt)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyAlias("login-key"), handle.Alias)

	existence, err = o.Exists(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ExistencePresent, existence)

	pub, err := o.EncodePublicKey(handle)
	require.NoError(t, err)

	pending := o.RequestSignature(ctx, []byte("hello"), testPrompt)
	assert.Equal(t, uint64(1), pending.Token())
	assert.Equal(t, PhaseWaitingAuth, o.State().Phase)
	requireUnresolved(t, pending)

	gate.succeed(gate.ceremony(t, 0))

	result, err := requireResolved(t, pending)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), result.Payload())
	assert.Equal(t, uint64(1), result.Token())
	assert.Equal(t, interfaces.SchemeECDSAP256SHA256, result.Scheme())
	assert.True(t, o.Verify(pub, []byte("hello"), result.Signature()))

	decoded, err := base64.StdEncoding.DecodeString(result.EncodedSignature())
	require.NoError(t, err)
	assert.Equal(t, result.Signature(), decoded)

	assert.Equal(t, PhaseDone, o.State().Phase)

	deleted, err := o.DeleteKeyPair(ctx)
	require.NoError(t, err)
	assert.True(t, deleted)

	existence, err = o.Exists(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ExistenceAbsent, existence)

	deleted, err = o.DeleteKeyPair(ctx)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestVerifyRejectsTampering(t *testing.T) {
	ctx := context.Background()
	o, _, gate := newTestOrchestrator(t)

	handle, err := o.CreateKeyPair(ctx, testPrompt)
	require.NoError(t, err)
	pub, err := o.EncodePublicKey(handle)
	require.NoError(t, err)

	pending := o.RequestSignature(ctx, []byte("hello"), testPrompt)
	gate.succeed(gate.ceremony(t, 0))
	result, err := requireResolved(t, pending)
	require.NoError(t, err)

	sig := result.Signature()
	assert.True(t, o.Verify(pub, []byte("hello"), sig))
	assert.False(t, o.Verify(pub, []byte("hello!"), sig))

	tampered := result.Signature()
	tampered[len(tampered)-1] ^= 0x01
	assert.False(t, o.Verify(pub, []byte("hello"), tampered))

	// A key from another orchestrator does not verify this signature.
	other, _, _ := newTestOrchestrator(t)
	otherHandle, err := other.CreateKeyPair(ctx, testPrompt)
	require.NoError(t, err)
	otherPub, err := other.EncodePublicKey(otherHandle)
	require.NoError(t, err)
	assert.False(t, o.Verify(otherPub, []byte("hello"), sig))

	assert.False(t, o.Verify("not base64!", []byte("hello"), sig))
}

func TestSignedResultIsImmutable(t *testing.T) {
	ctx := context.Background()
	o, _, gate := newTestOrchestrator(t)
	_, err := o.CreateKeyPair(ctx, testPrompt)
	require.NoError(t, err)

	payload := []byte("hello")
	pending := o.RequestSignature(ctx, payload, testPrompt)
	payload[0] = 'j'
	gate.succeed(gate.ceremony(t, 0))

	result, err := requireResolved(t, pending)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), result.Payload())

	result.Payload()[0] = 'x'
	assert.Equal(t, []byte("hello"), result.Payload())
}

func TestFailureLimitClosesCeremony(t *testing.T) {
	ctx := context.Background()
	o, _, gate := newTestOrchestrator(t)
	_, err := o.CreateKeyPair(ctx, testPrompt)
	require.NoError(t, err)

	pending := o.RequestSignature(ctx, []byte("hello"), testPrompt)
	c := gate.ceremony(t, 0)

	for i := 1; i < DefaultFailureLimit; i++ {
		c.cb.OnFailedAttempt()
		assert.Equal(t, i, o.State().Failures)
		requireUnresolved(t, pending)
		assert.False(t, gate.wasCancelled(c.handle))
	}

	c.cb.OnFailedAttempt()
	_, err = requireResolved(t, pending)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationAborted)
	assert.NotErrorIs(t, err, interfaces.ErrCeremonySuperseded)
	assert.True(t, gate.wasCancelled(c.handle))

	state := o.State()
	assert.Equal(t, PhaseClosed, state.Phase)
	assert.Equal(t, DefaultFailureLimit, state.Failures)

	// Late callbacks from the closed ceremony change nothing.
	c.cb.OnFailedAttempt()
	gate.succeed(c)
	assert.Equal(t, DefaultFailureLimit, o.State().Failures)
	assert.Equal(t, PhaseClosed, o.State().Phase)
}

func TestThreeFailuresThenSuccessSigns(t *testing.T) {
	ctx := context.Background()
	o, _, gate := newTestOrchestrator(t)
	handle, err := o.CreateKeyPair(ctx, testPrompt)
	require.NoError(t, err)
	pub, err := o.EncodePublicKey(handle)
	require.NoError(t, err)

	pending := o.RequestSignature(ctx, []byte("hello"), testPrompt)
	c := gate.ceremony(t, 0)
	for i := 0; i < DefaultFailureLimit-1; i++ {
		c.cb.OnFailedAttempt()
	}
	assert.Equal(t, DefaultFailureLimit-1, o.State().Failures)

	gate.succeed(c)
	result, err := requireResolved(t, pending)
	require.NoError(t, err)
	assert.True(t, o.Verify(pub, []byte("hello"), result.Signature()))
	assert.False(t, gate.wasCancelled(c.handle))
}

func TestCustomFailureLimit(t *testing.T) {
	ctx := context.Background()
	o, _, gate := newTestOrchestrator(t, WithFailureLimit(2))
	_, err := o.CreateKeyPair(ctx, testPrompt)
	require.NoError(t, err)

	pending := o.RequestSignature(ctx, []byte("hello"), testPrompt)
	c := gate.ceremony(t, 0)
	c.cb.OnFailedAttempt()
	requireUnresolved(t, pending)
	c.cb.OnFailedAttempt()

	_, err = requireResolved(t, pending)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationAborted)
}

func TestNewRequestSupersedesPrevious(t *testing.T) {
	ctx := context.Background()
	o, _, gate := newTestOrchestrator(t)
	handle, err := o.CreateKeyPair(ctx, testPrompt)
	require.NoError(t, err)
	pub, err := o.EncodePublicKey(handle)
	require.NoError(t, err)

	first := o.RequestSignature(ctx, []byte("first"), testPrompt)
	firstCeremony := gate.ceremony(t, 0)
	firstCeremony.cb.OnFailedAttempt()
	firstCeremony.cb.OnFailedAttempt()
	assert.Equal(t, 2, o.State().Failures)

	second := o.RequestSignature(ctx, []byte("second"), testPrompt)
	assert.Greater(t, second.Token(), first.Token())

	_, err = requireResolved(t, first)
	assert.ErrorIs(t, err, interfaces.ErrCeremonySuperseded)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationAborted)
	assert.True(t, gate.wasCancelled(firstCeremony.handle))

	state := o.State()
	assert.Equal(t, 0, state.Failures)
	assert.Equal(t, second.Token(), state.Token)
	assert.Equal(t, PhaseWaitingAuth, state.Phase)

	// Stale callbacks of the first ceremony neither count nor sign.
	firstCeremony.cb.OnFailedAttempt()
	firstCeremony.cb.OnFailedAttempt()
	firstCeremony.cb.OnError(errors.New("late"))
	firstCeremony.cb.OnSuccess()
	assert.Equal(t, 0, o.State().Failures)
	requireUnresolved(t, second)

	secondCeremony := gate.ceremony(t, 1)
	assert.Equal(t, second.Token(), secondCeremony.req.Token)
	for i := 0; i < DefaultFailureLimit-1; i++ {
		secondCeremony.cb.OnFailedAttempt()
	}
	requireUnresolved(t, second)

	gate.succeed(secondCeremony)
	result, err := requireResolved(t, second)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), result.Payload())
	assert.True(t, o.Verify(pub, []byte("second"), result.Signature()))
}

func TestCreateKeyPairWithoutCapability(t *testing.T) {
	store := &custodian.MockCustodian{}
	gate := newFakeGate(store)
	gate.available = false

	o, err := New("login-key", store, gate, WithLogger(testLogger()))
	require.NoError(t, err)

	handle, err := o.CreateKeyPair(context.Background(), testPrompt)
	assert.Nil(t, handle)
	assert.ErrorIs(t, err, interfaces.ErrCapabilityUnavailable)
	store.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateKeyPairGenerationFailure(t *testing.T) {
	store := &custodian.MockCustodian{}
	store.On("Generate", mock.Anything, interfaces.KeyAlias("login-key"), interfaces.KeyGenOptions{
		RequireAuthPerUse: true,
		Scheme:            interfaces.SchemeECDSAP256SHA256,
	}).Return(nil, errors.New("hsm offline"))

	o, err := New("login-key", store, newFakeGate(store), WithLogger(testLogger()))
	require.NoError(t, err)

	_, err = o.CreateKeyPair(context.Background(), testPrompt)
	assert.ErrorIs(t, err, interfaces.ErrKeyGenerationFailed)
	assert.ErrorContains(t, err, "hsm offline")
	store.AssertNumberOfCalls(t, "Generate", 1)
}

func TestExistsUnknownPassesThrough(t *testing.T) {
	store := &custodian.MockCustodian{}
	storeErr := fmt.Errorf("%w: disk unreadable", interfaces.ErrStoreUnavailable)
	store.On("Exists", mock.Anything, interfaces.KeyAlias("login-key")).Return(interfaces.ExistenceUnknown, storeErr)

	o, err := New("login-key", store, newFakeGate(store), WithLogger(testLogger()))
	require.NoError(t, err)

	existence, err := o.Exists(context.Background())
	assert.Equal(t, interfaces.ExistenceUnknown, existence)
	assert.ErrorIs(t, err, interfaces.ErrStoreUnavailable)
}

func TestLoadKeyPairAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := custodian.NewSoftwareCustodian(testLogger())
	gate := newFakeGate(store)

	creator, err := New("login-key", store, gate, WithLogger(testLogger()), WithScheme(interfaces.SchemeSecp256k1Keccak256))
	require.NoError(t, err)
	created, err := creator.CreateKeyPair(ctx, testPrompt)
	require.NoError(t, err)

	restarted, err := New("login-key", store, gate, WithLogger(testLogger()))
	require.NoError(t, err)

	// The scheme of the stored key wins over the configured default.
	pending := restarted.RequestSignature(ctx, []byte("hello"), testPrompt)
	gate.succeed(gate.ceremony(t, 0))
	result, err := requireResolved(t, pending)
	require.NoError(t, err)
	assert.Equal(t, interfaces.SchemeSecp256k1Keccak256, result.Scheme())

	pub, err := restarted.EncodePublicKey(created)
	require.NoError(t, err)
	assert.True(t, restarted.Verify(pub, []byte("hello"), result.Signature()))
}

func TestSigningWithoutKeyFails(t *testing.T) {
	o, _, gate := newTestOrchestrator(t)

	pending := o.RequestSignature(context.Background(), []byte("hello"), testPrompt)
	gate.succeed(gate.ceremony(t, 0))

	_, err := requireResolved(t, pending)
	assert.ErrorIs(t, err, interfaces.ErrSigningFailed)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	assert.Equal(t, PhaseDone, o.State().Phase)
}

func TestCustodianRejectsUnauthorizedSuccess(t *testing.T) {
	ctx := context.Background()
	o, _, gate := newTestOrchestrator(t)
	_, err := o.CreateKeyPair(ctx, testPrompt)
	require.NoError(t, err)

	pending := o.RequestSignature(ctx, []byte("hello"), testPrompt)
	// A success callback without a recorded authorization.
	gate.ceremony(t, 0).cb.OnSuccess()

	_, err = requireResolved(t, pending)
	assert.ErrorIs(t, err, interfaces.ErrSigningFailed)
	assert.ErrorIs(t, err, interfaces.ErrAuthorizationStale)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	o, _, gate := newTestOrchestrator(t)
	_, err := o.CreateKeyPair(ctx, testPrompt)
	require.NoError(t, err)

	pending := o.RequestSignature(ctx, []byte("hello"), testPrompt)
	c := gate.ceremony(t, 0)
	o.Cancel()
	o.Cancel()

	_, err = requireResolved(t, pending)
	assert.ErrorIs(t, err, interfaces.ErrCeremonyCancelled)
	assert.True(t, gate.wasCancelled(c.handle))
	assert.Equal(t, PhaseClosed, o.State().Phase)

	gate.succeed(c)
	assert.Equal(t, PhaseClosed, o.State().Phase)
}

func TestContextCancellation(t *testing.T) {
	o, _, gate := newTestOrchestrator(t)
	_, err := o.CreateKeyPair(context.Background(), testPrompt)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pending := o.RequestSignature(ctx, []byte("hello"), testPrompt)
	c := gate.ceremony(t, 0)
	cancel()

	_, err = requireResolved(t, pending)
	assert.ErrorIs(t, err, interfaces.ErrCeremonyCancelled)
	assert.Eventually(t, func() bool { return gate.wasCancelled(c.handle) }, time.Second, 10*time.Millisecond)
}

func TestGateErrorAborts(t *testing.T) {
	ctx := context.Background()
	o, _, gate := newTestOrchestrator(t)
	_, err := o.CreateKeyPair(ctx, testPrompt)
	require.NoError(t, err)

	sensorErr := errors.New("sensor unplugged")
	pending := o.RequestSignature(ctx, []byte("hello"), testPrompt)
	gate.ceremony(t, 0).cb.OnError(sensorErr)

	_, err = requireResolved(t, pending)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationAborted)
	assert.ErrorIs(t, err, sensorErr)
}

func TestStartCeremonyFailure(t *testing.T) {
	o, _, gate := newTestOrchestrator(t)
	gate.startErr = interfaces.ErrCapabilityUnavailable

	pending := o.RequestSignature(context.Background(), []byte("hello"), testPrompt)
	_, err := requireResolved(t, pending)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationAborted)
	assert.ErrorIs(t, err, interfaces.ErrCapabilityUnavailable)
}

func TestRequestSignatureFunc(t *testing.T) {
	ctx := context.Background()
	o, _, gate := newTestOrchestrator(t)
	_, err := o.CreateKeyPair(ctx, testPrompt)
	require.NoError(t, err)

	var calls int
	var got *interfaces.SignedResult
	done := make(chan struct{})
	o.RequestSignatureFunc(ctx, []byte("hello"), testPrompt, func(result *interfaces.SignedResult, err error) {
		calls++
		got = result
		assert.NoError(t, err)
		close(done)
	})

	c := gate.ceremony(t, 0)
	gate.succeed(c)
	<-done

	// Further callbacks and cancellation do not complete again.
	gate.succeed(c)
	o.Cancel()
	assert.Equal(t, 1, calls)
	assert.Equal(t, []byte("hello"), got.Payload())
}

func TestMetricsRecordOutcomes(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.NewCeremonyMetrics("biosign", reg)
	o, _, gate := newTestOrchestrator(t, WithMetrics(m))
	_, err := o.CreateKeyPair(ctx, testPrompt)
	require.NoError(t, err)

	first := o.RequestSignature(ctx, []byte("a"), testPrompt)
	second := o.RequestSignature(ctx, []byte("b"), testPrompt)
	_, _ = requireResolved(t, first)

	c := gate.ceremony(t, 1)
	c.cb.OnFailedAttempt()
	gate.succeed(c)
	_, err = requireResolved(t, second)
	require.NoError(t, err)

	expected := `
# HELP biosign_ceremonies_total Signature requests by final outcome.
# TYPE biosign_ceremonies_total counter
biosign_ceremonies_total{outcome="signed"} 1
biosign_ceremonies_total{outcome="superseded"} 1
# HELP biosign_failed_attempts_total Rejected biometric samples.
# TYPE biosign_failed_attempts_total counter
biosign_failed_attempts_total 1
# HELP biosign_inflight_ceremonies Signature requests waiting for authentication or signing.
# TYPE biosign_inflight_ceremonies gauge
biosign_inflight_ceremonies 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}

func TestNewValidation(t *testing.T) {
	store := custodian.NewSoftwareCustodian(testLogger())
	gate := newFakeGate(store)

	_, err := New("", store, gate)
	assert.Error(t, err)

	_, err = New("a/b", store, gate)
	assert.Error(t, err)

	_, err = New("k", nil, gate)
	assert.Error(t, err)

	_, err = New("k", store, nil)
	assert.Error(t, err)

	_, err = New("k", store, gate, WithScheme("rsa-pss"))
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedScheme)

	o, err := New("k", store, gate)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyAlias("k"), o.Alias())
	assert.Equal(t, Snapshot{Phase: PhaseIdle}, o.State())
}
