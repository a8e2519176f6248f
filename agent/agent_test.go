// SPDX-License-Identifier: Apache-2.0

package agent_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ptest "polycry.pt/poly-go/test"

	"perun.network/perun-icp-agent/agent"
	"perun.network/perun-icp-agent/agent/test"
	"perun.network/perun-icp-agent/certificate"
	"perun.network/perun-icp-agent/envelope"
	"perun.network/perun-icp-agent/identity"
	"perun.network/perun-icp-agent/poll"
	"perun.network/perun-icp-agent/principal"
)

var ledger = principal.MustDecode("ryjl3-tyaaa-aaaaa-aaaba-cai")

func echo(arg []byte) ([]byte, error) { return arg, nil }

func reject(arg []byte) ([]byte, error) {
	return nil, &envelope.RejectError{Code: envelope.CanisterReject, Message: "not allowed"}
}

type setup struct {
	replica *test.Replica
	agent   *agent.Agent
}

func newSetup(t *testing.T, opts ...agent.Option) *setup {
	t.Helper()
	rng := ptest.Prng(t)
	replica, err := test.NewReplica(rng)
	require.NoError(t, err)
	replica.AddCanister(ledger,
		test.Method{Name: "echo", Handler: echo},
		test.Method{Name: "reject", Handler: reject},
	)
	server := replica.Start()
	t.Cleanup(server.Close)

	cfg := agent.DefaultConfig()
	cfg.Host = server.URL
	cfg.Poll = poll.Policy{Backoff: poll.Backoff{Initial: time.Millisecond, Multiplier: 1}, Timeout: 5 * time.Second}

	id, err := identity.NewRandomEd25519Identity(rng)
	require.NoError(t, err)
	opts = append([]agent.Option{agent.WithIdentity(id), agent.WithRootKey(replica.RootKey())}, opts...)
	a, err := agent.New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	return &setup{replica: replica, agent: a}
}

func TestQuery(t *testing.T) {
	s := newSetup(t)
	reply, err := s.agent.Query(context.Background(), ledger, "echo", []byte("DIDL\x00\x00"))
	require.NoError(t, err)
	assert.Equal(t, []byte("DIDL\x00\x00"), reply)

	_, err = s.agent.Query(context.Background(), ledger, "reject", nil)
	var rejectErr *envelope.RejectError
	require.ErrorAs(t, err, &rejectErr)
	assert.Equal(t, envelope.CanisterReject, rejectErr.Code)
	assert.Equal(t, "not allowed", rejectErr.Message)

	received := s.replica.Received()
	require.Len(t, received, 2)
	assert.Equal(t, envelope.Query, received[0].Content.Type)
	assert.True(t, s.agent.Identity().Sender().Equal(received[0].Content.Sender))
	assert.Nil(t, received[0].Content.Nonce, "queries carry no nonce")
}

func TestCallAndPoll(t *testing.T) {
	s := newSetup(t)
	s.replica.Script(poll.Received, poll.Processing)

	id, meta, err := s.agent.Call(context.Background(), ledger, "echo", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, meta.StatusCode)

	reply, err := s.agent.Poller().Poll(context.Background(), ledger, id)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, reply)

	received := s.replica.Received()
	require.Len(t, received, 4, "one call and three read_state requests")
	assert.Len(t, received[0].Content.Nonce, 16)
	got, err := received[0].Content.ID()
	require.NoError(t, err)
	assert.Equal(t, id, got, "request id is computed client side")
}

func TestCallRejected(t *testing.T) {
	s := newSetup(t)
	id, _, err := s.agent.Call(context.Background(), ledger, "reject", nil)
	require.NoError(t, err)
	_, err = s.agent.Poller().Poll(context.Background(), ledger, id)
	var rejectErr *envelope.RejectError
	require.ErrorAs(t, err, &rejectErr)
	assert.Equal(t, envelope.CanisterReject, rejectErr.Code)
}

func TestCallsHaveDistinctIDs(t *testing.T) {
	s := newSetup(t)
	a, _, err := s.agent.Call(context.Background(), ledger, "echo", nil)
	require.NoError(t, err)
	b, _, err := s.agent.Call(context.Background(), ledger, "echo", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTransportError(t *testing.T) {
	s := newSetup(t)
	s.replica.FailNext(http.StatusServiceUnavailable)

	_, err := s.agent.Query(context.Background(), ledger, "echo", nil)
	var terr *agent.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusServiceUnavailable, terr.StatusCode)
	assert.Equal(t, "echo", terr.Method)
	assert.True(t, ledger.Equal(terr.CanisterID))

	_, err = s.agent.Query(context.Background(), ledger, "echo", nil)
	require.NoError(t, err, "the agent does not retry but the next request succeeds")
}

type failingTransport struct{}

func (failingTransport) Do(context.Context, string, string, http.Header, []byte) (*agent.Response, error) {
	return nil, errors.New("connection refused")
}

func TestNetworkError(t *testing.T) {
	s := newSetup(t, agent.WithTransport(failingTransport{}))
	_, _, err := s.agent.Call(context.Background(), ledger, "echo", nil)
	var terr *agent.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "call", terr.Endpoint)
	assert.Zero(t, terr.StatusCode)
}

func TestResponseTooLarge(t *testing.T) {
	s := newSetup(t, agent.WithTransport(&agent.HTTPTransport{Client: http.DefaultClient, MaxResponseSize: 16}))
	_, err := s.agent.Query(context.Background(), ledger, "echo", []byte("DIDL\x00\x00"))
	require.ErrorIs(t, err, agent.ErrResponseTooLarge)
	var terr *agent.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "query", terr.Endpoint)
}

func TestHTTPTransportLimit(t *testing.T) {
	body := make([]byte, 32)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)

	exact := &agent.HTTPTransport{MaxResponseSize: int64(len(body))}
	resp, err := exact.Do(context.Background(), http.MethodGet, server.URL, nil, nil)
	require.NoError(t, err)
	assert.Len(t, resp.Body, len(body))

	short := &agent.HTTPTransport{MaxResponseSize: int64(len(body) - 1)}
	_, err = short.Do(context.Background(), http.MethodGet, server.URL, nil, nil)
	require.ErrorIs(t, err, agent.ErrResponseTooLarge)
}

func TestUntrustedRootKey(t *testing.T) {
	s := newSetup(t, agent.WithRootKey(agent.MainnetRootKey))
	id, _, err := s.agent.Call(context.Background(), ledger, "echo", nil)
	require.NoError(t, err)

	_, err = s.agent.Poller().Poll(context.Background(), ledger, id)
	require.ErrorIs(t, err, certificate.ErrBadSignature)
	var verr *certificate.VerificationError
	require.ErrorAs(t, err, &verr)
}

func TestFetchRootKey(t *testing.T) {
	s := newSetup(t, agent.WithRootKey(agent.MainnetRootKey))
	assert.Equal(t, agent.MainnetRootKey, s.agent.RootKey(), "the root key is never replaced implicitly")
	require.NoError(t, s.agent.FetchRootKey(context.Background()))
	assert.Equal(t, s.replica.RootKey(), s.agent.RootKey())

	status, err := s.agent.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.ReplicaHealthStatus)
}

func TestAnonymousAndInvalidatedIdentity(t *testing.T) {
	s := newSetup(t)
	s.agent.ReplaceIdentity(identity.Anonymous{})
	_, err := s.agent.Query(context.Background(), ledger, "echo", nil)
	require.NoError(t, err)
	received := s.replica.Received()
	assert.Nil(t, received[len(received)-1].SenderSig)

	id, err := identity.NewRandomSecp256k1Identity()
	require.NoError(t, err)
	s.agent.ReplaceIdentity(id)
	_, err = s.agent.Query(context.Background(), ledger, "echo", nil)
	require.NoError(t, err)

	s.agent.InvalidateIdentity()
	_, err = s.agent.Query(context.Background(), ledger, "echo", nil)
	require.ErrorIs(t, err, identity.ErrIdentityInvalid)
	_, err = id.Sign([]byte("msg"))
	require.ErrorIs(t, err, identity.ErrIdentityInvalid)
}

func TestConcurrentCalls(t *testing.T) {
	s := newSetup(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := s.agent.Call(context.Background(), ledger, "echo", []byte{byte(i)})
			if !assert.NoError(t, err) {
				return
			}
			reply, err := s.agent.Poller().Poll(context.Background(), ledger, id)
			if assert.NoError(t, err) {
				assert.Equal(t, []byte{byte(i)}, reply)
			}
		}(i)
	}
	wg.Wait()
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: http://127.0.0.1:4943
fetch_root_key: true
ingress_expiry: 2m
poll:
  timeout: 30s
  backoff:
    multiplier: 1.5
`), 0600))

	cfg, err := agent.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:4943", cfg.Host)
	assert.True(t, cfg.FetchRootKey)
	assert.Equal(t, 2*time.Minute, cfg.IngressExpiry)
	assert.Equal(t, agent.DefaultClockDrift, cfg.ClockDrift)
	assert.Equal(t, 30*time.Second, cfg.Poll.Timeout)
	assert.Equal(t, 1.5, cfg.Poll.Backoff.Multiplier)
	assert.Equal(t, poll.DefaultBackoffInitial, cfg.Poll.Backoff.Initial)

	_, err = agent.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	level, err := agent.ParseLevel("debug")
	require.NoError(t, err)
	agent.SetupLogging(level)

	_, err = agent.ParseLevel("loud")
	require.Error(t, err)
}
