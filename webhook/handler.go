// Package webhook authenticates chain event deliveries and hands them to the
// lifecycle. There is no deduplication here: a repeated delivery is resolved
// by the state machine.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/axiomesh/treasury/core"
	"github.com/axiomesh/treasury/httpx"
	"github.com/axiomesh/treasury/proposal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const DefaultMaxBodyBytes = 64 << 10

type Applier interface {
	ApplyChainEvent(ctx context.Context, ev proposal.ChainEvent) (core.Outcome, error)
}

type Config struct {
	Secret       string
	MaxBodyBytes int64
}

type Handler struct {
	secret     string
	maxBody    int64
	applier    Applier
	logger     logrus.FieldLogger
	deliveries *prometheus.CounterVec
}

// delivery is the wire form of one chain event.
type delivery struct {
	Kind            string          `json:"kind"`
	ChainProposalID json.Number     `json:"chainProposalId"`
	ProposalID      string          `json:"proposalId"`
	TxRef           string          `json:"txRef"`
	Payload         json.RawMessage `json:"payload"`
}

type response struct {
	RequestID string       `json:"request_id"`
	Kind      string       `json:"kind"`
	Outcome   core.Outcome `json:"outcome"`
}

func NewHandler(cfg Config, applier Applier, reg prometheus.Registerer, logger logrus.FieldLogger) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{
		secret:  cfg.Secret,
		maxBody: cfg.MaxBodyBytes,
		applier: applier,
		logger:  logger,
		deliveries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "treasury_webhook_deliveries_total",
			Help: "Chain webhook deliveries by result",
		}, []string{"result"}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.secret) == "" {
		h.reject(w, r, http.StatusServiceUnavailable, "WEBHOOK_DISABLED", ErrSecretNotConfigured.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, r, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
			return
		}
		h.reject(w, r, http.StatusBadRequest, "BAD_REQUEST", "read body failed")
		return
	}

	if err := Verify(h.secret, body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.WithField("remote", r.RemoteAddr).Warn("webhook signature rejected")
		h.reject(w, r, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return
	}

	ev, err := decode(body)
	if err != nil {
		h.reject(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	outcome, err := h.applier.ApplyChainEvent(r.Context(), ev)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"kind":     ev.RawKind,
			"chain_id": ev.ChainProposalID,
		}).Errorf("apply chain event: %s", err)
		h.reject(w, r, http.StatusInternalServerError, "INTERNAL", "event not applied, redeliver")
		return
	}

	h.deliveries.WithLabelValues("applied").Inc()
	httpx.WriteJSON(w, http.StatusOK, response{
		RequestID: httpx.RequestID(r),
		Kind:      ev.Kind.String(),
		Outcome:   outcome,
	})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	h.deliveries.WithLabelValues(strings.ToLower(code)).Inc()
	httpx.WriteError(w, r, status, code, msg, nil)
}

func decode(body []byte) (proposal.ChainEvent, error) {
	var d delivery
	if err := json.Unmarshal(body, &d); err != nil {
		return proposal.ChainEvent{}, errors.New("malformed event JSON")
	}
	ev := proposal.ChainEvent{
		Kind:       proposal.ParseEventKind(d.Kind),
		RawKind:    d.Kind,
		ProposalID: strings.TrimSpace(d.ProposalID),
		TxRef:      strings.TrimSpace(d.TxRef),
		Payload:    d.Payload,
		Source:     proposal.SourceWebhook,
	}
	if d.ChainProposalID != "" {
		id, ok := new(big.Int).SetString(d.ChainProposalID.String(), 10)
		if !ok || id.Sign() < 0 {
			return proposal.ChainEvent{}, errors.New("chainProposalId must be a non-negative integer")
		}
		ev.ChainProposalID = id
	}
	return ev, nil
}
