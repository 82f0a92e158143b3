// Package notify announces lifecycle transitions to other services.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/axiomesh/treasury/proposal"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const DefaultSubjectPrefix = "treasury"

// Transition is the published message body.
type Transition struct {
	ProposalID string          `json:"proposal_id"`
	From       proposal.Status `json:"from"`
	To         proposal.Status `json:"to"`
	Source     proposal.Source `json:"source"`
	OnChainID  string          `json:"on_chain_id,omitempty"`
	At         time.Time       `json:"at"`
}

type Publisher interface {
	PublishTransition(ctx context.Context, t Transition) error
	Close()
}

type Nop struct{}

func (Nop) PublishTransition(context.Context, Transition) error { return nil }
func (Nop) Close()                                              {}

// conn is the part of *nats.Conn the publisher needs.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

type NATS struct {
	conn   conn
	prefix string
	logger logrus.FieldLogger
}

func Connect(url, prefix string, logger logrus.FieldLogger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("treasury"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("nats disconnected: %s", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return newNATS(nc, prefix, logger), nil
}

func newNATS(c conn, prefix string, logger logrus.FieldLogger) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{conn: c, prefix: prefix, logger: logger}
}

// Subject returns <prefix>.proposal.<status>.
func (n *NATS) Subject(status proposal.Status) string {
	return n.prefix + ".proposal." + string(status)
}

func (n *NATS) PublishTransition(_ context.Context, t Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.Subject(t.To), data); err != nil {
		return fmt.Errorf("publish %s: %w", n.Subject(t.To), err)
	}
	return nil
}

func (n *NATS) Close() {
	if err := n.conn.Drain(); err != nil {
		n.logger.Warnf("drain nats connection: %s", err)
	}
}
