package coordinator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/wallet-provisioning-backend/interfaces"
	"github.com/ruteri/wallet-provisioning-backend/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	mu       sync.Mutex
	started  int
	issued   int
	resolved []string
}

func (o *countingObserver) SessionStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) ChallengeIssued(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.issued++
}

func (o *countingObserver) SessionResolved(code string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolved = append(o.resolved, code)
}

func (o *countingObserver) resolutions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.resolved...)
}

type harness struct {
	t         *testing.T
	c         *Coordinator
	subsystem *wallet.MockSubsystem
	observer  *countingObserver
}

func newHarness(t *testing.T, cfg Config) *harness {
	observer := &countingObserver{}
	cfg.Observer = observer
	if cfg.AppVersion == "" {
		cfg.AppVersion = "test-1.0"
	}
	subsystem := &wallet.MockSubsystem{}
	return &harness{
		t:         t,
		c:         New(subsystem, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))),
		subsystem: subsystem,
		observer:  observer,
	}
}

var janeDoe = BeginRequest{CardholderName: "Jane Doe", LastFour: "4242", AccountReferenceID: "acct-1"}

// begin starts a session whose flow does nothing until the test drives the
// returned delegate.
func (h *harness) begin(req BeginRequest) (*Session, interfaces.ProvisioningDelegate, *wallet.MockFlow) {
	h.t.Helper()

	flow := &wallet.MockFlow{}
	flow.On("Dismiss").Return().Maybe()

	var delegate interfaces.ProvisioningDelegate
	h.subsystem.On("StartProvisioning", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			delegate = args.Get(2).(interfaces.ProvisioningDelegate)
		}).
		Return(flow, nil).Once()

	s, err := h.c.BeginProvisioning(context.Background(), req)
	require.NoError(h.t, err)
	require.NotNil(h.t, delegate)
	return s, delegate, flow
}

type completionRecorder struct {
	mu    sync.Mutex
	calls []interfaces.AddPassRequest
}

func (r *completionRecorder) handler(req interfaces.AddPassRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
}

func (r *completionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testBundle() interfaces.ChallengeBundle {
	return interfaces.ChallengeBundle{
		Certificates:   [][]byte{[]byte("leaf-cert"), []byte("root-cert")},
		Nonce:          []byte{0x01, 0x02, 0x03},
		NonceSignature: []byte("signature"),
	}
}

func validIssuerData() interfaces.IssuerData {
	return interfaces.IssuerData{
		EncryptedPassData:  base64.StdEncoding.EncodeToString([]byte("sealed")),
		ActivationData:     base64.StdEncoding.EncodeToString([]byte("activation")),
		EphemeralPublicKey: base64.StdEncoding.EncodeToString([]byte("ephemeral")),
	}
}

func waitResult(t *testing.T, s *Session) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestCheckEligibility(t *testing.T) {
	tests := []struct {
		name         string
		canProvision bool
		hasPass      bool
		expected     interfaces.Eligibility
	}{
		{name: "can add", canProvision: true, hasPass: false, expected: interfaces.EligibilityCanAdd},
		{name: "already added", canProvision: true, hasPass: true, expected: interfaces.EligibilityAlreadyAdded},
		{name: "blocked", canProvision: false, expected: interfaces.EligibilityBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.subsystem.On("CanProvision", mock.Anything).Return(tt.canProvision)
			h.subsystem.On("HasExistingPass", mock.Anything, "acct-1").Return(tt.hasPass).Maybe()

			assert.Equal(t, tt.expected, h.c.CheckEligibility(context.Background(), "acct-1"))
			assert.Equal(t, "CAN_ADD", string(interfaces.EligibilityCanAdd))
		})
	}
}

func TestBeginProvisioning_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  BeginRequest
	}{
		{name: "empty name", req: BeginRequest{CardholderName: "  ", LastFour: "4242"}},
		{name: "short suffix", req: BeginRequest{CardholderName: "Jane", LastFour: "424"}},
		{name: "non-digit suffix", req: BeginRequest{CardholderName: "Jane", LastFour: "42a4"}},
		{name: "unknown scheme", req: BeginRequest{CardholderName: "Jane", LastFour: "4242", EncryptionScheme: "AES_V1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			s, err := h.c.BeginProvisioning(context.Background(), tt.req)
			assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)
			assert.Nil(t, s)
			assert.Equal(t, StateIdle, h.c.State())
			h.subsystem.AssertNotCalled(t, "StartProvisioning", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestBeginProvisioning_ForwardsConfiguration(t *testing.T) {
	h := newHarness(t, Config{})
	expected := interfaces.ProvisioningConfig{
		CardholderName:       "Jane Doe",
		PrimaryAccountSuffix: "4242",
		AccountReferenceID:   "",
		EncryptionScheme:     interfaces.EncryptionSchemeECCV2,
	}
	h.subsystem.On("StartProvisioning", mock.Anything, expected, mock.Anything).Return(&wallet.MockFlow{}, nil).Once()

	s, err := h.c.BeginProvisioning(context.Background(), BeginRequest{CardholderName: " Jane Doe ", LastFour: "4242"})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingChallenge, s.Snapshot().State)
	assert.NotEmpty(t, s.ID)
	h.subsystem.AssertExpectations(t)
}

func TestBeginProvisioning_SingleFlight(t *testing.T) {
	h := newHarness(t, Config{})
	first, _, _ := h.begin(janeDoe)

	second, err := h.c.BeginProvisioning(context.Background(), BeginRequest{CardholderName: "John", LastFour: "1111"})
	assert.ErrorIs(t, err, interfaces.ErrAlreadyInProgress)
	assert.Nil(t, second)

	assert.Equal(t, StateAwaitingChallenge, first.Snapshot().State)
	active, ok := h.c.Session(first.ID)
	require.True(t, ok)
	assert.Same(t, first, active)
	h.subsystem.AssertNumberOfCalls(t, "StartProvisioning", 1)
}

func TestBeginProvisioning_ConcurrentCallers(t *testing.T) {
	h := newHarness(t, Config{})
	h.subsystem.On("StartProvisioning", mock.Anything, mock.Anything, mock.Anything).Return(&wallet.MockFlow{}, nil)

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	started, rejected := 0, 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.c.BeginProvisioning(context.Background(), janeDoe)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				started++
			} else if errors.Is(err, interfaces.ErrAlreadyInProgress) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, callers-1, rejected)
}

func TestChallengePayload(t *testing.T) {
	h := newHarness(t, Config{AppVersion: "wallet-2.3"})
	s, delegate, _ := h.begin(janeDoe)

	bundle := testBundle()
	recorder := &completionRecorder{}
	delegate.OnChallengeRequested(bundle, recorder.handler)

	payload, err := s.Challenge(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		base64.StdEncoding.EncodeToString([]byte("leaf-cert")),
		base64.StdEncoding.EncodeToString([]byte("root-cert")),
	}, payload.Certificates)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03}), payload.Nonce)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("signature")), payload.NonceSignature)
	assert.Equal(t, interfaces.DeviceTypeMobilePhone, payload.DeviceType)
	assert.Equal(t, "wallet-2.3", payload.ProvisioningAppVersion)

	decoded, err := payload.Bundle()
	require.NoError(t, err)
	assert.Equal(t, testBundle(), decoded)

	// The stored challenge does not alias the subsystem's buffers.
	bundle.Certificates[0][0] = 'X'
	bundle.Nonce[0] = 0xff
	again, err := s.Challenge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payload, again)

	// Callers get their own copy.
	again.Certificates[0] = "tampered"
	third, err := s.Challenge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payload.Certificates, third.Certificates)

	assert.Equal(t, StateAwaitingIssuerResponse, h.c.State())
	assert.Equal(t, 1, h.observer.issued)
}

func TestChallengePayload_RoundTrip(t *testing.T) {
	chains := [][][]byte{
		{{0x00}},
		{[]byte("a"), []byte("bb"), []byte("ccc")},
		{make([]byte, 2048), {0xff, 0xfe, 0xfd}},
	}

	for _, chain := range chains {
		h := newHarness(t, Config{})
		s, delegate, _ := h.begin(janeDoe)
		delegate.OnChallengeRequested(interfaces.ChallengeBundle{Certificates: chain, Nonce: []byte{1}}, func(interfaces.AddPassRequest) {})

		payload, err := s.Challenge(context.Background())
		require.NoError(t, err)
		require.Len(t, payload.Certificates, len(chain))
		for i, cert := range payload.Certificates {
			raw, err := base64.StdEncoding.DecodeString(cert)
			require.NoError(t, err)
			assert.Equal(t, chain[i], raw)
		}
	}
}

func TestSupplyIssuerData_BeforeChallenge(t *testing.T) {
	h := newHarness(t, Config{})
	s, _, _ := h.begin(janeDoe)

	err := h.c.SupplyIssuerData(context.Background(), s.ID, validIssuerData())
	assert.ErrorIs(t, err, interfaces.ErrNoPendingChallenge)
	assert.Equal(t, StateAwaitingChallenge, s.Snapshot().State)

	err = h.c.SupplyIssuerData(context.Background(), "unknown", validIssuerData())
	assert.ErrorIs(t, err, interfaces.ErrNoPendingChallenge)
}

func TestSupplyIssuerData_Twice(t *testing.T) {
	h := newHarness(t, Config{})
	s, delegate, _ := h.begin(janeDoe)
	recorder := &completionRecorder{}
	delegate.OnChallengeRequested(testBundle(), recorder.handler)

	require.NoError(t, h.c.SupplyIssuerData(context.Background(), s.ID, validIssuerData()))
	assert.Equal(t, StateFinalizing, s.Snapshot().State)

	err := h.c.SupplyIssuerData(context.Background(), s.ID, validIssuerData())
	assert.ErrorIs(t, err, interfaces.ErrNoPendingChallenge)

	require.Equal(t, 1, recorder.count())
	assert.Equal(t, interfaces.AddPassRequest{
		EncryptedPassData:  []byte("sealed"),
		ActivationData:     []byte("activation"),
		EphemeralPublicKey: []byte("ephemeral"),
	}, recorder.calls[0])
}

func TestSupplyIssuerData_CrossSession(t *testing.T) {
	h := newHarness(t, Config{})
	first, _, _ := h.begin(janeDoe)
	require.NoError(t, h.c.Cancel(context.Background(), first.ID))

	second, delegate, _ := h.begin(janeDoe)
	recorder := &completionRecorder{}
	delegate.OnChallengeRequested(testBundle(), recorder.handler)

	err := h.c.SupplyIssuerData(context.Background(), first.ID, validIssuerData())
	assert.ErrorIs(t, err, interfaces.ErrNoPendingChallenge)
	assert.Equal(t, 0, recorder.count())
	assert.Equal(t, StateAwaitingIssuerResponse, second.Snapshot().State)
}

func TestSuccessfulProvisioning(t *testing.T) {
	h := newHarness(t, Config{})
	s, delegate, flow := h.begin(janeDoe)

	delegate.OnChallengeRequested(testBundle(), func(req interfaces.AddPassRequest) {
		// The subsystem finishes from its own goroutine.
		go delegate.OnProvisioningFinished(nil)
	})

	_, err := s.Challenge(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.c.SupplyIssuerData(context.Background(), s.ID, validIssuerData()))

	res := waitResult(t, s)
	assert.True(t, res.Succeeded())
	assert.NoError(t, res.Err)
	assert.Equal(t, "", res.Code())
	assert.Equal(t, s.ID, res.SessionID)

	assert.Equal(t, StateIdle, h.c.State())
	assert.Equal(t, StateSucceeded, s.Snapshot().State)
	flow.AssertNumberOfCalls(t, "Dismiss", 1)
	assert.Equal(t, []string{""}, h.observer.resolutions())

	// The slot is free for a new attempt.
	h.begin(janeDoe)
}

func TestSubsystemFailure_AfterChallenge(t *testing.T) {
	h := newHarness(t, Config{})
	s, delegate, flow := h.begin(janeDoe)
	delegate.OnChallengeRequested(testBundle(), func(interfaces.AddPassRequest) {})

	delegate.OnProvisioningFinished(errors.New("sig mismatch"))

	res := waitResult(t, s)
	assert.False(t, res.Succeeded())
	assert.ErrorIs(t, res.Err, interfaces.ErrSubsystem)
	assert.Contains(t, res.Err.Error(), "sig mismatch")
	assert.Equal(t, interfaces.CodeSubsystemError, res.Code())

	// The challenge stays readable; later calls report no pending challenge.
	_, err := s.Challenge(context.Background())
	assert.NoError(t, err)
	assert.ErrorIs(t, h.c.SupplyIssuerData(context.Background(), s.ID, validIssuerData()), interfaces.ErrNoPendingChallenge)

	assert.Equal(t, StateIdle, h.c.State())
	flow.AssertNumberOfCalls(t, "Dismiss", 1)
}

func TestSubsystemFailure_BeforeChallenge(t *testing.T) {
	h := newHarness(t, Config{})
	s, delegate, _ := h.begin(janeDoe)

	delegate.OnProvisioningFinished(errors.New("sig mismatch"))

	_, challengeErr := s.Challenge(context.Background())
	require.Error(t, challengeErr)
	assert.Contains(t, challengeErr.Error(), "sig mismatch")

	res := waitResult(t, s)
	assert.Contains(t, res.Err.Error(), "sig mismatch")
	assert.Equal(t, challengeErr, res.Err)
	assert.Equal(t, StateIdle, h.c.State())
}

func TestFinishedWithoutError_BeforeFinalizing(t *testing.T) {
	h := newHarness(t, Config{})
	s, delegate, _ := h.begin(janeDoe)
	delegate.OnChallengeRequested(testBundle(), func(interfaces.AddPassRequest) {})

	delegate.OnProvisioningFinished(nil)

	res := waitResult(t, s)
	assert.ErrorIs(t, res.Err, interfaces.ErrCancelled)
	assert.Equal(t, interfaces.CodeCancelled, res.Code())
}

func TestFinishedWithCancellation(t *testing.T) {
	h := newHarness(t, Config{})
	s, delegate, _ := h.begin(janeDoe)

	delegate.OnProvisioningFinished(wallet.ErrUserCancelled)

	res := waitResult(t, s)
	assert.Equal(t, interfaces.CodeCancelled, res.Code())
}

func TestExactlyOnceResolution(t *testing.T) {
	h := newHarness(t, Config{})
	s, delegate, flow := h.begin(janeDoe)
	recorder := &completionRecorder{}

	delegate.OnProvisioningFinished(errors.New("first"))
	delegate.OnProvisioningFinished(nil)
	delegate.OnProvisioningFinished(errors.New("third"))
	delegate.OnChallengeRequested(testBundle(), recorder.handler)
	assert.ErrorIs(t, h.c.Cancel(context.Background(), s.ID), interfaces.ErrSessionNotFound)

	res := waitResult(t, s)
	assert.Contains(t, res.Err.Error(), "first")
	assert.Equal(t, []string{interfaces.CodeSubsystemError}, h.observer.resolutions())
	assert.Equal(t, 0, recorder.count())
	flow.AssertNumberOfCalls(t, "Dismiss", 1)
}

func TestExactlyOnceResolution_Concurrent(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, Config{})
		s, delegate, _ := h.begin(janeDoe)
		delegate.OnChallengeRequested(testBundle(), func(interfaces.AddPassRequest) {})

		var wg sync.WaitGroup
		wg.Add(4)
		go func() { defer wg.Done(); delegate.OnProvisioningFinished(errors.New("boom")) }()
		go func() { defer wg.Done(); delegate.OnProvisioningFinished(nil) }()
		go func() { defer wg.Done(); _ = h.c.Cancel(context.Background(), s.ID) }()
		go func() { defer wg.Done(); _ = h.c.SupplyIssuerData(context.Background(), s.ID, validIssuerData()) }()
		wg.Wait()

		waitResult(t, s)
		assert.Len(t, h.observer.resolutions(), 1)
		assert.Equal(t, StateIdle, h.c.State())
	}
}

func TestConfigurationRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.subsystem.On("StartProvisioning", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &interfaces.RejectionError{Reason: "unsupported encryption scheme RSA_V2"}).Once()

	s, err := h.c.BeginProvisioning(context.Background(), BeginRequest{CardholderName: "Jane", LastFour: "4242", EncryptionScheme: "RSA_V2"})
	require.NoError(t, err)

	_, err = s.Challenge(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrConfigurationRejected)

	res := waitResult(t, s)
	assert.Equal(t, interfaces.CodeConfigurationRejected, res.Code())
	assert.Equal(t, StateIdle, h.c.State())
}

func TestStartProvisioningFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.subsystem.On("StartProvisioning", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("secure element offline")).Once()

	s, err := h.c.BeginProvisioning(context.Background(), janeDoe)
	require.NoError(t, err)

	res := waitResult(t, s)
	assert.ErrorIs(t, res.Err, interfaces.ErrSubsystem)
	assert.Contains(t, res.Err.Error(), "secure element offline")
}

func TestSynchronousCallbacks(t *testing.T) {
	t.Run("challenge during start", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.subsystem.On("StartProvisioning", mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				args.Get(2).(interfaces.ProvisioningDelegate).OnChallengeRequested(testBundle(), func(interfaces.AddPassRequest) {})
			}).
			Return(&wallet.MockFlow{}, nil).Once()

		s, err := h.c.BeginProvisioning(context.Background(), janeDoe)
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingIssuerResponse, s.Snapshot().State)
	})

	t.Run("finish during start dismisses the returned flow", func(t *testing.T) {
		h := newHarness(t, Config{})
		flow := &wallet.MockFlow{}
		flow.On("Dismiss").Return().Once()
		h.subsystem.On("StartProvisioning", mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				args.Get(2).(interfaces.ProvisioningDelegate).OnProvisioningFinished(errors.New("no secure element"))
			}).
			Return(flow, nil).Once()

		s, err := h.c.BeginProvisioning(context.Background(), janeDoe)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, s.Snapshot().State)
		flow.AssertExpectations(t)
	})
}

func TestIncompleteChallenge(t *testing.T) {
	h := newHarness(t, Config{})
	s, delegate, flow := h.begin(janeDoe)

	delegate.OnChallengeRequested(interfaces.ChallengeBundle{Nonce: []byte{1}}, func(interfaces.AddPassRequest) {})

	_, err := s.Challenge(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrSubsystem)
	flow.AssertNumberOfCalls(t, "Dismiss", 1)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Config{})
	s, delegate, flow := h.begin(janeDoe)

	assert.ErrorIs(t, h.c.Cancel(context.Background(), "other"), interfaces.ErrSessionNotFound)
	require.NoError(t, h.c.Cancel(context.Background(), s.ID))

	_, err := s.Challenge(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrCancelled)
	res := waitResult(t, s)
	assert.Equal(t, interfaces.CodeCancelled, res.Code())
	flow.AssertNumberOfCalls(t, "Dismiss", 1)

	// The abandoned flow's late report changes nothing.
	delegate.OnProvisioningFinished(errors.New("late"))
	assert.Equal(t, interfaces.CodeCancelled, waitResult(t, s).Code())
	assert.ErrorIs(t, h.c.Cancel(context.Background(), s.ID), interfaces.ErrSessionNotFound)
}

func TestStaleCallbacksIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	first, staleDelegate, _ := h.begin(janeDoe)
	require.NoError(t, h.c.Cancel(context.Background(), first.ID))

	second, _, _ := h.begin(janeDoe)
	recorder := &completionRecorder{}

	staleDelegate.OnChallengeRequested(testBundle(), recorder.handler)
	staleDelegate.OnProvisioningFinished(nil)

	assert.Equal(t, StateAwaitingChallenge, second.Snapshot().State)
	select {
	case <-second.Done():
		t.Fatal("second session must not be resolved by a stale callback")
	default:
	}
	assert.Equal(t, interfaces.CodeCancelled, waitResult(t, first).Code())
}

func TestDecodeFailure_Strict(t *testing.T) {
	h := newHarness(t, Config{})
	s, delegate, flow := h.begin(janeDoe)
	recorder := &completionRecorder{}
	delegate.OnChallengeRequested(testBundle(), recorder.handler)

	data := validIssuerData()
	data.ActivationData = "not base64!"
	data.EphemeralPublicKey = "%%%"

	err := h.c.SupplyIssuerData(context.Background(), s.ID, data)
	assert.ErrorIs(t, err, interfaces.ErrDecodeFailure)
	assert.Contains(t, err.Error(), "activation_data, ephemeral_public_key")

	res := waitResult(t, s)
	assert.Equal(t, interfaces.CodeDecodeFailure, res.Code())
	assert.Equal(t, 0, recorder.count())
	flow.AssertNumberOfCalls(t, "Dismiss", 1)
	assert.Equal(t, StateIdle, h.c.State())
}

func TestDecodeFailure_Lenient(t *testing.T) {
	h := newHarness(t, Config{LenientDecode: true})
	s, delegate, _ := h.begin(janeDoe)
	recorder := &completionRecorder{}
	delegate.OnChallengeRequested(testBundle(), recorder.handler)

	data := validIssuerData()
	data.ActivationData = "not base64!"

	require.NoError(t, h.c.SupplyIssuerData(context.Background(), s.ID, data))
	require.Equal(t, 1, recorder.count())
	assert.Nil(t, recorder.calls[0].ActivationData)
	assert.Equal(t, []byte("sealed"), recorder.calls[0].EncryptedPassData)
	assert.Equal(t, StateFinalizing, s.Snapshot().State)
}

func TestRemoveCard(t *testing.T) {
	passes := []interfaces.ProvisionedPass{
		{SerialNumber: "s1", AccountReferenceID: "acct-1"},
		{SerialNumber: "s2", AccountReferenceID: "acct-2"},
		{SerialNumber: "s3", AccountReferenceID: "acct-1", Remote: true},
	}

	t.Run("removes local and remote passes", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.subsystem.On("ListProvisionedPasses", mock.Anything).Return(passes, nil)
		h.subsystem.On("RemovePass", mock.Anything, passes[0]).Return(nil).Once()
		h.subsystem.On("RemovePass", mock.Anything, passes[2]).Return(nil).Once()

		removed, err := h.c.RemoveCard(context.Background(), "acct-1")
		require.NoError(t, err)
		assert.Equal(t, 2, removed)
		h.subsystem.AssertExpectations(t)
	})

	t.Run("no matching passes", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.subsystem.On("ListProvisionedPasses", mock.Anything).Return(passes, nil)

		removed, err := h.c.RemoveCard(context.Background(), "acct-9")
		require.NoError(t, err)
		assert.Equal(t, 0, removed)
		h.subsystem.AssertNotCalled(t, "RemovePass", mock.Anything, mock.Anything)
	})

	t.Run("blank account", func(t *testing.T) {
		h := newHarness(t, Config{})
		_, err := h.c.RemoveCard(context.Background(), " ")
		assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)
	})

	t.Run("list failure", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.subsystem.On("ListProvisionedPasses", mock.Anything).Return(nil, interfaces.ErrBackendUnavailable)

		_, err := h.c.RemoveCard(context.Background(), "acct-1")
		assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
	})

	t.Run("remove failure stops", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.subsystem.On("ListProvisionedPasses", mock.Anything).Return(passes, nil)
		h.subsystem.On("RemovePass", mock.Anything, passes[0]).Return(errors.New("locked")).Once()

		removed, err := h.c.RemoveCard(context.Background(), "acct-1")
		assert.Error(t, err)
		assert.Equal(t, 0, removed)
	})

	t.Run("vanished pass is skipped", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.subsystem.On("ListProvisionedPasses", mock.Anything).Return(passes, nil)
		h.subsystem.On("RemovePass", mock.Anything, passes[0]).Return(fmt.Errorf("%w: s1", interfaces.ErrPassNotFound)).Once()
		h.subsystem.On("RemovePass", mock.Anything, passes[2]).Return(nil).Once()

		removed, err := h.c.RemoveCard(context.Background(), "acct-1")
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		h.subsystem.AssertExpectations(t)
	})

	t.Run("allowed during an active session", func(t *testing.T) {
		h := newHarness(t, Config{})
		s, _, _ := h.begin(janeDoe)
		h.subsystem.On("ListProvisionedPasses", mock.Anything).Return([]interfaces.ProvisionedPass{}, nil)

		_, err := h.c.RemoveCard(context.Background(), "acct-1")
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingChallenge, s.Snapshot().State)
	})
}

func TestSessionHistory(t *testing.T) {
	h := newHarness(t, Config{HistorySize: 2})

	var ids []string
	for i := 0; i < 3; i++ {
		s, _, _ := h.begin(janeDoe)
		require.NoError(t, h.c.Cancel(context.Background(), s.ID))
		ids = append(ids, s.ID)
	}

	_, ok := h.c.Session(ids[0])
	assert.False(t, ok)
	for _, id := range ids[1:] {
		s, ok := h.c.Session(id)
		require.True(t, ok)
		assert.Equal(t, StateFailed, s.Snapshot().State)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	h := newHarness(t, Config{})
	s, _, _ := h.begin(janeDoe)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = s.Challenge(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateAwaitingChallenge, s.Snapshot().State)
}

func TestStateNames(t *testing.T) {
	text, err := StateAwaitingIssuerResponse.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "AWAITING_ISSUER_RESPONSE", string(text))
	assert.Equal(t, "STATE(42)", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateFinalizing.Terminal())
}
