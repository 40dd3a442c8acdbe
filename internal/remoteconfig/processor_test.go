package remoteconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/values"
)

func testAgentID(t *testing.T) agenttype.AgentID {
	t.Helper()
	id, err := agenttype.NewSubAgentID("nr-infra")
	require.NoError(t, err)
	return id
}

func testStores(t *testing.T) (*values.FileStore, *FileHashStore) {
	t.Helper()
	store := values.NewFileStore(t.TempDir(), t.TempDir())
	hashes := NewFileHashStore(store.AgentDir)
	return store, hashes
}

func testProcessor(store values.RemoteStore, hashes HashStore, validator Validator) *Processor {
	return NewProcessor(store, hashes, nil,
		func(agenttype.AgentID) Validator { return validator },
		logrus.NewEntry(logrus.New()),
	)
}

func remoteConfigMsg(hash string, body string) *protobufs.AgentRemoteConfig {
	return &protobufs.AgentRemoteConfig{
		ConfigHash: []byte(hash),
		Config: &protobufs.AgentConfigMap{
			ConfigMap: map[string]*protobufs.AgentConfigFile{
				"": {Body: []byte(body)},
			},
		},
	}
}

func TestProcessApply(t *testing.T) {
	store, hashes := testStores(t)
	p := testProcessor(store, hashes, nil)
	id := testAgentID(t)

	result := p.Process(id, remoteConfigMsg("hash-1", "license_key: abc\n"), nil)
	assert.Equal(t, DecisionApply, result.Decision)
	assert.Equal(t, Entry{Hash: "hash-1", State: StateApplied}, result.Entry)
	assert.Equal(t, values.Doc{"license_key": "abc"}, result.Values)

	stored, err := store.LoadRemote(id)
	require.NoError(t, err)
	assert.Equal(t, values.Doc{"license_key": "abc"}, stored)

	entry, err := hashes.Load(id)
	require.NoError(t, err)
	assert.Equal(t, Entry{Hash: "hash-1", State: StateApplied}, *entry)
}

func TestProcessApplyIsIdempotent(t *testing.T) {
	store, hashes := testStores(t)
	p := testProcessor(store, hashes, nil)
	id := testAgentID(t)

	first := p.Process(id, remoteConfigMsg("hash-1", "a: 1\n"), nil)
	second := p.Process(id, remoteConfigMsg("hash-1", "a: 1\n"), nil)
	assert.Equal(t, first.Entry, second.Entry)
	assert.Equal(t, first.Decision, second.Decision)

	stored, err := store.LoadRemote(id)
	require.NoError(t, err)
	assert.Equal(t, values.Doc{"a": float64(1)}, stored)
}

func TestProcessInvalidHash(t *testing.T) {
	store, hashes := testStores(t)
	p := testProcessor(store, hashes, nil)
	id := testAgentID(t)

	for _, msg := range []*protobufs.AgentRemoteConfig{
		{ConfigHash: nil},
		{ConfigHash: []byte{0xff, 0xfe}},
	} {
		result := p.Process(id, msg, nil)
		assert.Equal(t, DecisionReject, result.Decision)
		assert.Equal(t, StateFailed, result.Entry.State)
		assert.Equal(t, "Invalid hash", result.Entry.ErrorMessage)
	}
}

func TestProcessInvalidShape(t *testing.T) {
	store, hashes := testStores(t)
	p := testProcessor(store, hashes, nil)
	id := testAgentID(t)

	tests := []struct {
		name string
		msg  *protobufs.AgentRemoteConfig
	}{
		{
			name: "no entries",
			msg:  &protobufs.AgentRemoteConfig{ConfigHash: []byte("h"), Config: &protobufs.AgentConfigMap{}},
		},
		{
			name: "two entries",
			msg: &protobufs.AgentRemoteConfig{
				ConfigHash: []byte("h"),
				Config: &protobufs.AgentConfigMap{ConfigMap: map[string]*protobufs.AgentConfigFile{
					"":  {Body: []byte("a: 1")},
					"x": {Body: []byte("b: 2")},
				}},
			},
		},
		{
			name: "non-empty key",
			msg: &protobufs.AgentRemoteConfig{
				ConfigHash: []byte("h"),
				Config: &protobufs.AgentConfigMap{ConfigMap: map[string]*protobufs.AgentConfigFile{
					"named": {Body: []byte("a: 1")},
				}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := p.Process(id, tt.msg, nil)
			assert.Equal(t, DecisionReject, result.Decision)
			assert.Equal(t, StateFailed, result.Entry.State)
		})
	}
}

func TestProcessEmptyBodyClears(t *testing.T) {
	store, hashes := testStores(t)
	p := testProcessor(store, hashes, nil)
	id := testAgentID(t)

	// seed remote state
	result := p.Process(id, remoteConfigMsg("hash-1", "a: 1\n"), nil)
	require.Equal(t, DecisionApply, result.Decision)

	result = p.Process(id, remoteConfigMsg("hash-2", ""), nil)
	assert.Equal(t, DecisionClear, result.Decision)
	assert.Equal(t, StateApplied, result.Entry.State)

	stored, err := store.LoadRemote(id)
	require.NoError(t, err)
	assert.Nil(t, stored)

	entry, err := hashes.Load(id)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestProcessMalformedYAML(t *testing.T) {
	store, hashes := testStores(t)
	p := testProcessor(store, hashes, nil)
	id := testAgentID(t)

	// previous state survives a rejected config
	require.Equal(t, DecisionApply, p.Process(id, remoteConfigMsg("hash-1", "a: 1\n"), nil).Decision)

	result := p.Process(id, remoteConfigMsg("hash-2", "a: [unclosed\n"), nil)
	assert.Equal(t, DecisionReject, result.Decision)
	assert.Equal(t, StateFailed, result.Entry.State)
	assert.NotEmpty(t, result.Entry.ErrorMessage)

	stored, err := store.LoadRemote(id)
	require.NoError(t, err)
	assert.Equal(t, values.Doc{"a": float64(1)}, stored)
}

func TestProcessValidatorRejects(t *testing.T) {
	store, hashes := testStores(t)
	validator := ValidatorFunc(func(agenttype.AgentID, values.Doc) error {
		return errors.New("missing required variable var:license_key")
	})
	p := testProcessor(store, hashes, validator)
	id := testAgentID(t)

	result := p.Process(id, remoteConfigMsg("hash-1", "a: 1\n"), nil)
	assert.Equal(t, DecisionReject, result.Decision)
	assert.Contains(t, result.Entry.ErrorMessage, "var:license_key")

	stored, err := store.LoadRemote(id)
	require.NoError(t, err)
	assert.Nil(t, stored)

	entry, err := hashes.Load(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, entry.State)
}

func TestProcessSignature(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "fleet-signing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(der)
	}))
	defer server.Close()

	store, hashes := testStores(t)
	signer := NewSignatureValidator(NewCertificateFetcher(server.URL, time.Minute))
	p := NewProcessor(store, hashes, signer,
		func(agenttype.AgentID) Validator { return nil },
		logrus.NewEntry(logrus.New()),
	)
	id := testAgentID(t)

	body := "license_key: signed\n"
	digest := sha256.Sum256([]byte(body))
	signature, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)

	result := p.Process(id, remoteConfigMsg("hash-1", body), signature)
	assert.Equal(t, DecisionApply, result.Decision)

	// missing signature
	result = p.Process(id, remoteConfigMsg("hash-2", body), nil)
	assert.Equal(t, DecisionReject, result.Decision)
	assert.Contains(t, result.Entry.ErrorMessage, "not signed")

	// tampered body
	result = p.Process(id, remoteConfigMsg("hash-3", "license_key: tampered\n"), signature)
	assert.Equal(t, DecisionReject, result.Decision)
}

func TestHashStateMachine(t *testing.T) {
	applying := NewApplying("h1")
	assert.False(t, applying.IsTerminal())

	applied, err := applying.Applied()
	require.NoError(t, err)
	assert.True(t, applied.IsTerminal())

	_, err = applied.Applied()
	assert.Error(t, err)
	_, err = applied.Failed("x")
	assert.Error(t, err)

	failed, err := applying.Failed("boom")
	require.NoError(t, err)
	assert.True(t, failed.IsTerminal())
	assert.Equal(t, "boom", failed.ErrorMessage)
}

func TestReconcileStartup(t *testing.T) {
	id := func(t *testing.T) agenttype.AgentID { return testAgentID(t) }(t)

	t.Run("orphan value is discarded", func(t *testing.T) {
		store, hashes := testStores(t)
		p := testProcessor(store, hashes, nil)
		require.NoError(t, store.StoreRemote(id, values.Doc{"a": "1"}))

		require.NoError(t, p.ReconcileStartup(id))
		stored, err := store.LoadRemote(id)
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("applying hash drops both sides", func(t *testing.T) {
		store, hashes := testStores(t)
		p := testProcessor(store, hashes, nil)
		require.NoError(t, store.StoreRemote(id, values.Doc{"a": "1"}))
		require.NoError(t, hashes.Store(id, NewApplying("h1")))

		require.NoError(t, p.ReconcileStartup(id))
		entry, err := hashes.Load(id)
		require.NoError(t, err)
		assert.Nil(t, entry)
		stored, err := store.LoadRemote(id)
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("orphan applied hash is discarded", func(t *testing.T) {
		store, hashes := testStores(t)
		p := testProcessor(store, hashes, nil)
		require.NoError(t, hashes.Store(id, Entry{Hash: "h1", State: StateApplied}))

		require.NoError(t, p.ReconcileStartup(id))
		entry, err := hashes.Load(id)
		require.NoError(t, err)
		assert.Nil(t, entry)
	})

	t.Run("failed hash without value survives", func(t *testing.T) {
		store, hashes := testStores(t)
		p := testProcessor(store, hashes, nil)
		failed := Entry{Hash: "h1", State: StateFailed, ErrorMessage: "rejected"}
		require.NoError(t, hashes.Store(id, failed))

		require.NoError(t, p.ReconcileStartup(id))
		entry, err := hashes.Load(id)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, failed, *entry)
	})

	t.Run("consistent pair survives", func(t *testing.T) {
		store, hashes := testStores(t)
		p := testProcessor(store, hashes, nil)
		require.NoError(t, store.StoreRemote(id, values.Doc{"a": "1"}))
		require.NoError(t, hashes.Store(id, Entry{Hash: "h1", State: StateApplied}))

		require.NoError(t, p.ReconcileStartup(id))
		stored, err := store.LoadRemote(id)
		require.NoError(t, err)
		assert.NotNil(t, stored)
		entry, err := hashes.Load(id)
		require.NoError(t, err)
		assert.NotNil(t, entry)
	})
}
