package proposal

import (
	"errors"
	"fmt"
	"strings"
)

type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

const (
	ScoreCount = 6
	MinScore   = 0
	MaxScore   = 10

	MinAllocationPercent = 1
	MaxAllocationPercent = 40

	MaxReviewLevel = 4
)

// Criteria names the scored dimensions, in Scores order.
var Criteria = [ScoreCount]string{
	"impact",
	"feasibility",
	"clarity",
	"community_benefit",
	"budget_fit",
	"team_capability",
}

type Verdict struct {
	Decision          Decision        `json:"decision"`
	Scores            [ScoreCount]int `json:"scores"`
	AllocationPercent *int            `json:"allocation_percent,omitempty"`
	Rationale         string          `json:"rationale"`
}

func (v Verdict) Approved() bool {
	return v.Decision == DecisionApproved
}

// Validate checks the structural rules of a verdict.
func (v Verdict) Validate() error {
	switch v.Decision {
	case DecisionApproved:
		if v.AllocationPercent == nil {
			return errors.New("approved verdict requires an allocation percent")
		}
		if p := *v.AllocationPercent; p < MinAllocationPercent || p > MaxAllocationPercent {
			return fmt.Errorf("allocation percent %d outside [%d,%d]", p, MinAllocationPercent, MaxAllocationPercent)
		}
	case DecisionRejected:
		if v.AllocationPercent != nil {
			return errors.New("rejected verdict must not carry an allocation percent")
		}
	default:
		return fmt.Errorf("unknown decision %q", v.Decision)
	}
	for i, s := range v.Scores {
		if s < MinScore || s > MaxScore {
			return fmt.Errorf("score %s=%d outside [%d,%d]", Criteria[i], s, MinScore, MaxScore)
		}
	}
	if strings.TrimSpace(v.Rationale) == "" {
		return errors.New("rationale is empty")
	}
	return nil
}

// Level maps the allocation percent onto the contract's review level:
// ceil(percent/10), 0 for rejections.
func (v Verdict) Level() uint8 {
	if !v.Approved() || v.AllocationPercent == nil {
		return 0
	}
	return uint8((*v.AllocationPercent + 9) / 10)
}

// Reject builds the default-reject verdict used when review cannot complete.
func Reject(rationale string) Verdict {
	return Verdict{
		Decision:  DecisionRejected,
		Rationale: rationale,
	}
}
