package wallet

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/wallet-provisioning-backend/interfaces"
	"github.com/ruteri/wallet-provisioning-backend/issuer"
	"github.com/ruteri/wallet-provisioning-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingDelegate struct {
	challenges chan challengeCall
	finished   chan error
}

type challengeCall struct {
	bundle     interfaces.ChallengeBundle
	completion interfaces.CompletionHandler
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		challenges: make(chan challengeCall, 4),
		finished:   make(chan error, 4),
	}
}

func (d *recordingDelegate) OnChallengeRequested(challenge interfaces.ChallengeBundle, completion interfaces.CompletionHandler) {
	d.challenges <- challengeCall{bundle: challenge, completion: completion}
}

func (d *recordingDelegate) OnProvisioningFinished(err error) {
	d.finished <- err
}

func (d *recordingDelegate) nextChallenge(t *testing.T) challengeCall {
	t.Helper()
	select {
	case c := <-d.challenges:
		return c
	case <-time.After(time.Second):
		t.Fatal("no challenge delivered")
		return challengeCall{}
	}
}

func (d *recordingDelegate) nextFinish(t *testing.T) error {
	t.Helper()
	select {
	case err := <-d.finished:
		return err
	case <-time.After(time.Second):
		t.Fatal("flow did not finish")
		return nil
	}
}

func (d *recordingDelegate) assertNoFinish(t *testing.T) {
	t.Helper()
	select {
	case err := <-d.finished:
		t.Fatalf("unexpected second finish: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestSecureElement(t *testing.T) (*SecureElement, *storage.MemoryPassStore, *storage.MemoryPassStore) {
	local := storage.NewMemoryPassStore("local")
	remote := storage.NewMemoryPassStore("remote")
	se, err := NewSecureElement(Config{DeviceName: "test-device", Local: local, Remote: remote}, testLogger)
	require.NoError(t, err)
	return se, local, remote
}

var testConfig = interfaces.ProvisioningConfig{
	CardholderName:       "Jane Doe",
	PrimaryAccountSuffix: "4242",
	AccountReferenceID:   "acct-1",
	EncryptionScheme:     interfaces.EncryptionSchemeECCV2,
}

func decodeIssuerData(t *testing.T, data *interfaces.IssuerData) interfaces.AddPassRequest {
	t.Helper()
	var req interfaces.AddPassRequest
	var err error
	req.EncryptedPassData, err = base64.StdEncoding.DecodeString(data.EncryptedPassData)
	require.NoError(t, err)
	req.ActivationData, err = base64.StdEncoding.DecodeString(data.ActivationData)
	require.NoError(t, err)
	req.EphemeralPublicKey, err = base64.StdEncoding.DecodeString(data.EphemeralPublicKey)
	require.NoError(t, err)
	return req
}

func TestNewSecureElement_RequiresLocalStore(t *testing.T) {
	_, err := NewSecureElement(Config{}, testLogger)
	assert.Error(t, err)
}

func TestSecureElement_ProvisionWithIssuer(t *testing.T) {
	se, local, _ := newTestSecureElement(t)
	delegate := newRecordingDelegate()

	flow, err := se.StartProvisioning(context.Background(), testConfig, delegate)
	require.NoError(t, err)
	require.NotNil(t, flow)
	assert.Equal(t, 1, se.ActiveFlows())

	call := delegate.nextChallenge(t)
	assert.Len(t, call.bundle.Certificates, 2)
	assert.Equal(t, se.CertificateChain(), call.bundle.Certificates)

	iss := issuer.New(nil, testLogger)
	data, err := iss.Respond(interfaces.NewChallengePayload(call.bundle, "test"), issuer.Card{
		AccountReferenceID:   "acct-1",
		PrimaryAccountSuffix: "4242",
		CardholderName:       "Jane Doe",
	})
	require.NoError(t, err)

	call.completion(decodeIssuerData(t, data))
	require.NoError(t, delegate.nextFinish(t))
	assert.Equal(t, 0, se.ActiveFlows())

	passes, err := local.List(context.Background())
	require.NoError(t, err)
	require.Len(t, passes, 1)
	assert.Equal(t, "acct-1", passes[0].AccountReferenceID)
	assert.Equal(t, "4242", passes[0].PrimaryAccountSuffix)
	assert.True(t, passes[0].Activated)
	assert.True(t, se.HasExistingPass(context.Background(), "acct-1"))

	// Dismissing a finished flow reports nothing further.
	flow.Dismiss()
	delegate.assertNoFinish(t)
}

func TestSecureElement_RejectsForeignPassData(t *testing.T) {
	se, local, _ := newTestSecureElement(t)
	other, _, _ := newTestSecureElement(t)
	iss := issuer.New(nil, testLogger)
	card := issuer.Card{AccountReferenceID: "acct-1", PrimaryAccountSuffix: "4242"}

	tests := []struct {
		name  string
		build func(t *testing.T, bundle interfaces.ChallengeBundle) interfaces.AddPassRequest
	}{
		{
			name: "sealed for another device",
			build: func(t *testing.T, bundle interfaces.ChallengeBundle) interfaces.AddPassRequest {
				foreign := bundle
				foreign.Certificates = other.CertificateChain()
				sig, err := other.identity.SignNonce(bundle.Nonce)
				require.NoError(t, err)
				foreign.NonceSignature = sig
				data, err := iss.Respond(interfaces.NewChallengePayload(foreign, "test"), card)
				require.NoError(t, err)
				return decodeIssuerData(t, data)
			},
		},
		{
			name: "replayed from another challenge",
			build: func(t *testing.T, bundle interfaces.ChallengeBundle) interfaces.AddPassRequest {
				replay := bundle
				replay.Nonce = []byte("some-older-nonce")
				sig, err := se.identity.SignNonce(replay.Nonce)
				require.NoError(t, err)
				replay.NonceSignature = sig
				data, err := iss.Respond(interfaces.NewChallengePayload(replay, "test"), card)
				require.NoError(t, err)
				return decodeIssuerData(t, data)
			},
		},
		{
			name: "missing activation data",
			build: func(t *testing.T, bundle interfaces.ChallengeBundle) interfaces.AddPassRequest {
				data, err := iss.Respond(interfaces.NewChallengePayload(bundle, "test"), card)
				require.NoError(t, err)
				req := decodeIssuerData(t, data)
				req.ActivationData = nil
				return req
			},
		},
		{
			name: "garbage",
			build: func(t *testing.T, bundle interfaces.ChallengeBundle) interfaces.AddPassRequest {
				return interfaces.AddPassRequest{
					EncryptedPassData:  []byte("garbage"),
					ActivationData:     []byte("x"),
					EphemeralPublicKey: []byte("y"),
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delegate := newRecordingDelegate()
			_, err := se.StartProvisioning(context.Background(), testConfig, delegate)
			require.NoError(t, err)

			call := delegate.nextChallenge(t)
			call.completion(tt.build(t, call.bundle))

			finishErr := delegate.nextFinish(t)
			assert.ErrorIs(t, finishErr, interfaces.ErrSubsystem)

			passes, err := local.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, passes)
		})
	}
}

func TestSecureElement_Rejections(t *testing.T) {
	se, _, _ := newTestSecureElement(t)

	rsa := testConfig
	rsa.EncryptionScheme = interfaces.EncryptionSchemeRSAV2
	_, err := se.StartProvisioning(context.Background(), rsa, newRecordingDelegate())
	assert.ErrorIs(t, err, interfaces.ErrConfigurationRejected)

	se.SetBlocked(true)
	assert.False(t, se.CanProvision(context.Background()))
	_, err = se.StartProvisioning(context.Background(), testConfig, newRecordingDelegate())
	assert.ErrorIs(t, err, interfaces.ErrConfigurationRejected)

	se.SetBlocked(false)
	assert.True(t, se.CanProvision(context.Background()))
	assert.Equal(t, 0, se.ActiveFlows())
}

func TestSecureElement_Dismiss(t *testing.T) {
	se, _, _ := newTestSecureElement(t)
	delegate := newRecordingDelegate()

	flow, err := se.StartProvisioning(context.Background(), testConfig, delegate)
	require.NoError(t, err)
	call := delegate.nextChallenge(t)

	flow.Dismiss()
	flow.Dismiss()

	finishErr := delegate.nextFinish(t)
	assert.True(t, errors.Is(finishErr, ErrUserCancelled))
	assert.ErrorIs(t, finishErr, interfaces.ErrCancelled)

	// Completing after dismissal cannot produce a second terminal report.
	call.completion(interfaces.AddPassRequest{})
	delegate.assertNoFinish(t)
	assert.Equal(t, 0, se.ActiveFlows())
}

// blockingPassStore holds Put until released.
type blockingPassStore struct {
	*storage.MemoryPassStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPassStore) Put(ctx context.Context, pass interfaces.ProvisionedPass) error {
	close(b.entered)
	<-b.release
	return b.MemoryPassStore.Put(ctx, pass)
}

func TestSecureElement_DismissDuringInstall(t *testing.T) {
	local := &blockingPassStore{
		MemoryPassStore: storage.NewMemoryPassStore("local"),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	se, err := NewSecureElement(Config{DeviceName: "test-device", Local: local}, testLogger)
	require.NoError(t, err)
	delegate := newRecordingDelegate()

	flow, err := se.StartProvisioning(context.Background(), testConfig, delegate)
	require.NoError(t, err)
	call := delegate.nextChallenge(t)

	data, err := issuer.New(nil, testLogger).Respond(interfaces.NewChallengePayload(call.bundle, "test"), issuer.Card{
		AccountReferenceID:   "acct-1",
		PrimaryAccountSuffix: "4242",
		CardholderName:       "Jane Doe",
	})
	require.NoError(t, err)
	call.completion(decodeIssuerData(t, data))

	select {
	case <-local.entered:
	case <-time.After(time.Second):
		t.Fatal("install did not reach the pass store")
	}

	flow.Dismiss()
	delegate.assertNoFinish(t)
	close(local.release)

	assert.ErrorIs(t, delegate.nextFinish(t), ErrUserCancelled)
	delegate.assertNoFinish(t)

	passes, err := local.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, passes)
	assert.False(t, se.HasExistingPass(context.Background(), "acct-1"))
	assert.Equal(t, 0, se.ActiveFlows())
}

func TestSecureElement_CompletionOnce(t *testing.T) {
	se, _, _ := newTestSecureElement(t)
	delegate := newRecordingDelegate()

	_, err := se.StartProvisioning(context.Background(), testConfig, delegate)
	require.NoError(t, err)
	call := delegate.nextChallenge(t)

	call.completion(interfaces.AddPassRequest{})
	call.completion(interfaces.AddPassRequest{})

	assert.ErrorIs(t, delegate.nextFinish(t), interfaces.ErrSubsystem)
	delegate.assertNoFinish(t)
}

func TestSecureElement_LocalAndRemotePasses(t *testing.T) {
	se, local, remote := newTestSecureElement(t)
	ctx := context.Background()

	require.NoError(t, local.Put(ctx, interfaces.ProvisionedPass{SerialNumber: "l1", AccountReferenceID: "acct-1"}))
	require.NoError(t, remote.Put(ctx, interfaces.ProvisionedPass{SerialNumber: "r1", AccountReferenceID: "acct-1"}))

	passes, err := se.ListProvisionedPasses(ctx)
	require.NoError(t, err)
	require.Len(t, passes, 2)

	var remotePass interfaces.ProvisionedPass
	for _, p := range passes {
		if p.SerialNumber == "r1" {
			remotePass = p
		}
	}
	assert.True(t, remotePass.Remote)

	require.NoError(t, se.RemovePass(ctx, remotePass))
	remaining, err := remote.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	localPasses, err := local.List(ctx)
	require.NoError(t, err)
	assert.Len(t, localPasses, 1)

	assert.ErrorIs(t, se.RemovePass(ctx, remotePass), interfaces.ErrPassNotFound)
	assert.False(t, se.HasExistingPass(ctx, ""))
}
