package proposal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func percent(p int) *int { return &p }

func TestVerdictValidate(t *testing.T) {
	scores := [ScoreCount]int{7, 8, 6, 9, 5, 7}

	tests := []struct {
		name    string
		verdict Verdict
		wantErr bool
	}{
		{"approved", Verdict{Decision: DecisionApproved, Scores: scores, AllocationPercent: percent(25), Rationale: "solid"}, false},
		{"approved lower bound", Verdict{Decision: DecisionApproved, Scores: scores, AllocationPercent: percent(1), Rationale: "ok"}, false},
		{"approved upper bound", Verdict{Decision: DecisionApproved, Scores: scores, AllocationPercent: percent(40), Rationale: "ok"}, false},
		{"approved without percent", Verdict{Decision: DecisionApproved, Scores: scores, Rationale: "ok"}, true},
		{"percent zero", Verdict{Decision: DecisionApproved, Scores: scores, AllocationPercent: percent(0), Rationale: "ok"}, true},
		{"percent above max", Verdict{Decision: DecisionApproved, Scores: scores, AllocationPercent: percent(41), Rationale: "ok"}, true},
		{"rejected", Verdict{Decision: DecisionRejected, Scores: scores, Rationale: "weak"}, false},
		{"rejected with percent", Verdict{Decision: DecisionRejected, Scores: scores, AllocationPercent: percent(10), Rationale: "weak"}, true},
		{"unknown decision", Verdict{Decision: "maybe", Scores: scores, Rationale: "?"}, true},
		{"score out of range", Verdict{Decision: DecisionRejected, Scores: [ScoreCount]int{11}, Rationale: "weak"}, true},
		{"empty rationale", Verdict{Decision: DecisionRejected, Scores: scores, Rationale: "  "}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.verdict.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerdictLevel(t *testing.T) {
	cases := map[int]uint8{1: 1, 9: 1, 10: 1, 11: 2, 25: 3, 30: 3, 31: 4, 40: 4}
	for p, want := range cases {
		v := Verdict{Decision: DecisionApproved, AllocationPercent: percent(p)}
		assert.Equal(t, want, v.Level(), "percent %d", p)
	}
	assert.Equal(t, uint8(0), Reject("no").Level())
}

func TestParseEventKind(t *testing.T) {
	assert.Equal(t, EventRegistered, ParseEventKind("registered"))
	assert.Equal(t, EventVoteTallyMet, ParseEventKind("voteTallyMet"))
	assert.Equal(t, EventExecuted, ParseEventKind("executed"))
	assert.Equal(t, EventRejectedOnChain, ParseEventKind("rejectedOnChain"))
	assert.Equal(t, EventRegistered, ParseEventKind("ProposalCreated"))
	assert.Equal(t, EventExecuted, ParseEventKind("ProposalExecuted"))
	assert.Equal(t, EventUnknown, ParseEventKind("VoteCast"))
	assert.Equal(t, EventUnknown, ParseEventKind("unknown"))
	assert.Equal(t, EventUnknown, ParseEventKind(""))

	target, ok := EventVoteTallyMet.Target()
	assert.True(t, ok)
	assert.Equal(t, StatusActive, target)
	_, ok = EventUnknown.Target()
	assert.False(t, ok)
}
