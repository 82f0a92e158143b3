package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/axiomesh/treasury/core"
	"github.com/axiomesh/treasury/proposal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

type fakeApplier struct {
	mu     sync.Mutex
	events []proposal.ChainEvent
	err    error
}

func (f *fakeApplier) ApplyChainEvent(_ context.Context, ev proposal.ChainEvent) (core.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if f.err != nil {
		return core.Outcome{}, f.err
	}
	return core.Outcome{ProposalID: "p1", From: proposal.StatusOnChainPending, To: proposal.StatusActive, Changed: true}, nil
}

func (f *fakeApplier) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func send(h http.Handler, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/chain", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestVerify(t *testing.T) {
	body := []byte(`{"kind":"executed"}`)
	sig := Sign(secret, body)

	assert.NoError(t, Verify(secret, body, sig))
	assert.NoError(t, Verify(secret, body, strings.TrimPrefix(sig, "sha256=")), "prefix is optional")
	assert.ErrorIs(t, Verify(secret, body, ""), ErrUnauthorized)
	assert.ErrorIs(t, Verify(secret, body, "sha256=zz"), ErrUnauthorized)
	assert.ErrorIs(t, Verify(secret, []byte(`{"kind":"rejectedOnChain"}`), sig), ErrUnauthorized)
	assert.ErrorIs(t, Verify("", body, sig), ErrSecretNotConfigured)
}

func TestHandlerApplies(t *testing.T) {
	applier := &fakeApplier{}
	h := NewHandler(Config{Secret: secret}, applier, prometheus.NewRegistry(), logrus.New())

	body := []byte(`{"kind":"voteTallyMet","chainProposalId":"7","txRef":"0xabc","payload":{"forVotes":60}}`)
	rec := send(h, body, Sign(secret, body))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "voteTallyMet", resp.Kind)
	assert.True(t, resp.Outcome.Changed)
	assert.NotEmpty(t, resp.RequestID)

	require.Equal(t, 1, applier.calls())
	ev := applier.events[0]
	assert.Equal(t, proposal.EventVoteTallyMet, ev.Kind)
	assert.Equal(t, big.NewInt(7), ev.ChainProposalID)
	assert.Equal(t, proposal.SourceWebhook, ev.Source)
	assert.JSONEq(t, `{"forVotes":60}`, string(ev.Payload))
}

func TestHandlerNumericChainIDAndAlias(t *testing.T) {
	applier := &fakeApplier{}
	h := NewHandler(Config{Secret: secret}, applier, nil, logrus.New())

	body := []byte(`{"kind":"ProposalCreated","chainProposalId":12,"proposalId":"p1"}`)
	rec := send(h, body, Sign(secret, body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, proposal.EventRegistered, applier.events[0].Kind)
	assert.Equal(t, big.NewInt(12), applier.events[0].ChainProposalID)
	assert.Equal(t, "p1", applier.events[0].ProposalID)
}

func TestHandlerUnknownKindForwarded(t *testing.T) {
	applier := &fakeApplier{}
	h := NewHandler(Config{Secret: secret}, applier, nil, logrus.New())

	body := []byte(`{"kind":"somethingNew","chainProposalId":"1"}`)
	rec := send(h, body, Sign(secret, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, proposal.EventUnknown, applier.events[0].Kind)
	assert.Equal(t, "somethingNew", applier.events[0].RawKind)
}

func TestHandlerRejections(t *testing.T) {
	body := []byte(`{"kind":"executed","chainProposalId":"1"}`)

	t.Run("no secret", func(t *testing.T) {
		applier := &fakeApplier{}
		h := NewHandler(Config{}, applier, nil, logrus.New())
		rec := send(h, body, Sign(secret, body))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, 0, applier.calls())
	})

	t.Run("missing signature", func(t *testing.T) {
		applier := &fakeApplier{}
		h := NewHandler(Config{Secret: secret}, applier, nil, logrus.New())
		rec := send(h, body, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, 0, applier.calls())
	})

	t.Run("bad signature", func(t *testing.T) {
		applier := &fakeApplier{}
		reg := prometheus.NewRegistry()
		h := NewHandler(Config{Secret: secret}, applier, reg, logrus.New())
		rec := send(h, body, Sign("other", body))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, 0, applier.calls())
		assert.Equal(t, float64(1), testutil.ToFloat64(h.deliveries.WithLabelValues("unauthorized")))
	})

	t.Run("malformed json", func(t *testing.T) {
		applier := &fakeApplier{}
		h := NewHandler(Config{Secret: secret}, applier, nil, logrus.New())
		bad := []byte(`{"kind":`)
		rec := send(h, bad, Sign(secret, bad))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, 0, applier.calls())
	})

	t.Run("negative chain id", func(t *testing.T) {
		applier := &fakeApplier{}
		h := NewHandler(Config{Secret: secret}, applier, nil, logrus.New())
		bad := []byte(`{"kind":"executed","chainProposalId":"-4"}`)
		rec := send(h, bad, Sign(secret, bad))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("body too large", func(t *testing.T) {
		applier := &fakeApplier{}
		h := NewHandler(Config{Secret: secret, MaxBodyBytes: 16}, applier, nil, logrus.New())
		rec := send(h, body, Sign(secret, body))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, 0, applier.calls())
	})

	t.Run("store failure asks for redelivery", func(t *testing.T) {
		applier := &fakeApplier{err: errors.New("database is locked")}
		h := NewHandler(Config{Secret: secret}, applier, nil, logrus.New())
		rec := send(h, body, Sign(secret, body))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
