// Package reviewer turns an upstream model's assessment of a proposal into a
// validated verdict. Review never fails: anything short of a well formed
// verdict becomes a rejection whose rationale names the problem.
package reviewer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/axiomesh/treasury/proposal"
	"github.com/sirupsen/logrus"
)

// Input is what the reviewer sees of a proposal.
type Input struct {
	Title     string
	Body      string
	Recipient string
	Amount    *big.Int
	// Pool and Remaining describe the treasury the grant would come from.
	Pool      *big.Int
	Remaining *big.Int
}

// ParseError explains why model output was not a usable verdict.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return "unusable reviewer output: " + e.Reason
}

// Result is either a verdict or the parse error that prevented one.
type Result struct {
	Verdict *proposal.Verdict
	Err     *ParseError
}

func (r Result) OK() bool {
	return r.Err == nil && r.Verdict != nil
}

type Reviewer struct {
	client  Completer
	logger  logrus.FieldLogger
	timeout time.Duration
}

func New(client Completer, timeout time.Duration, logger logrus.FieldLogger) *Reviewer {
	return &Reviewer{client: client, logger: logger, timeout: timeout}
}

// Review asks the upstream for a verdict on in.
func (r *Reviewer) Review(ctx context.Context, in Input) proposal.Verdict {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	text, err := r.client.Complete(ctx, systemPrompt, userPrompt(in))
	if err != nil {
		r.logger.Errorf("reviewer call failed: %s", err)
		return proposal.Reject(fmt.Sprintf("automated review unavailable: %s", err))
	}

	res := Parse(text)
	if !res.OK() {
		r.logger.WithField("raw", truncate(res.Err.Raw, 500)).Warnf("reviewer output rejected: %s", res.Err.Reason)
		return proposal.Reject(fmt.Sprintf("automated review output unusable: %s", res.Err.Reason))
	}
	return *res.Verdict
}

type wireVerdict struct {
	Decision          string        `json:"decision"`
	Scores            []json.Number `json:"scores"`
	AllocationPercent *json.Number  `json:"allocationPercent"`
	Rationale         string        `json:"rationale"`
}

// Parse extracts and strictly validates a verdict from model output.
func Parse(text string) Result {
	fail := func(format string, args ...any) Result {
		return Result{Err: &ParseError{Reason: fmt.Sprintf(format, args...), Raw: text}}
	}

	raw := extractJSON(text)
	if raw == "" {
		return fail("no JSON object found")
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var w wireVerdict
	if err := dec.Decode(&w); err != nil {
		return fail("invalid JSON: %s", err)
	}

	v := proposal.Verdict{
		Decision:  proposal.Decision(strings.ToLower(strings.TrimSpace(w.Decision))),
		Rationale: strings.TrimSpace(w.Rationale),
	}
	if len(w.Scores) != proposal.ScoreCount {
		return fail("expected %d scores, got %d", proposal.ScoreCount, len(w.Scores))
	}
	for i, n := range w.Scores {
		s, err := n.Int64()
		if err != nil {
			return fail("score %s is not an integer: %s", proposal.Criteria[i], n)
		}
		v.Scores[i] = int(s)
	}
	if w.AllocationPercent != nil {
		p, err := w.AllocationPercent.Int64()
		if err != nil {
			return fail("allocationPercent is not an integer: %s", *w.AllocationPercent)
		}
		percent := int(p)
		v.AllocationPercent = &percent
	}
	if err := v.Validate(); err != nil {
		return fail("%s", err)
	}
	return Result{Verdict: &v}
}

const systemPrompt = `You review treasury grant proposals for a decentralized community.
Score the proposal from 0 to 10 on each criterion, in this order: ` +
	`impact, feasibility, clarity, community_benefit, budget_fit, team_capability.
Approve only proposals that clearly benefit the community and are realistic.
When approving, choose allocationPercent, an integer from 1 to 40, as the share
of the treasury pool to grant. Omit allocationPercent when rejecting.
Reply with one JSON object and nothing else:
{"decision":"approved"|"rejected","scores":[6 integers],"allocationPercent":int,"rationale":"..."}`

func userPrompt(in Input) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\n", in.Title)
	fmt.Fprintf(&sb, "Recipient: %s\n", in.Recipient)
	if in.Amount != nil {
		fmt.Fprintf(&sb, "Requested amount: %s\n", in.Amount)
	}
	if in.Pool != nil {
		fmt.Fprintf(&sb, "Treasury pool: %s\n", in.Pool)
	}
	if in.Remaining != nil {
		fmt.Fprintf(&sb, "Unallocated pool: %s\n", in.Remaining)
	}
	sb.WriteString("\n")
	sb.WriteString(in.Body)
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
