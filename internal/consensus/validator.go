package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ValidatorConfig controls the dual-agent consensus round.
type ValidatorConfig struct {
	// AgentTimeout bounds each individual agent call.
	AgentTimeout time.Duration `json:"agent_timeout"`
	// OverallTimeout bounds the whole round. The round never waits longer
	// than this even if an agent hangs.
	OverallTimeout time.Duration `json:"overall_timeout"`
	// RequireDualConsensus demands two configured agents per round. When
	// false a single configured agent's approval suffices; every agent
	// present must still approve.
	RequireDualConsensus bool `json:"require_dual_consensus"`
}

// DefaultValidatorConfig returns the shipped consensus settings.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		AgentTimeout:         8 * time.Second,
		OverallTimeout:       10 * time.Second,
		RequireDualConsensus: true,
	}
}

// Validator runs the consensus gate. Every configured agent must approve for
// the hypothesis to pass; a timeout, transport failure or explicit rejection
// from any agent fails the round. There are no retries: a failed round means
// the trade is skipped, and the next decision cycle starts fresh. With
// RequireDualConsensus set, rounds with fewer than two configured agents are
// rejected outright.
type Validator struct {
	cfg    ValidatorConfig
	agents []Agent
	logger zerolog.Logger
}

// NewValidator builds a validator over the configured agents.
func NewValidator(cfg ValidatorConfig, agents ...Agent) (*Validator, error) {
	if len(agents) == 0 {
		return nil, errors.New("consensus requires at least one agent")
	}
	seen := make(map[string]bool, len(agents))
	for _, agent := range agents {
		if agent == nil {
			return nil, errors.New("consensus agents must be non-nil")
		}
		if seen[agent.ID()] {
			return nil, fmt.Errorf("consensus agents must be distinct, %q appears twice", agent.ID())
		}
		seen[agent.ID()] = true
	}
	if cfg.AgentTimeout <= 0 || cfg.OverallTimeout <= 0 {
		return nil, errors.New("consensus timeouts must be positive")
	}
	return &Validator{
		cfg:    cfg,
		agents: agents,
		logger: log.With().Str("component", "consensus").Logger(),
	}, nil
}

// Validate runs one consensus round over the hypothesis. It always returns a
// usable verdict; errors are folded into the verdict's reason so callers have
// a single code path.
func (v *Validator) Validate(ctx context.Context, hyp TradeHypothesis) Verdict {
	start := time.Now()

	if v.cfg.RequireDualConsensus && len(v.agents) < 2 {
		return Verdict{
			Reason:  ReasonUnavailable,
			Detail:  "dual consensus requires two configured agents",
			Elapsed: time.Since(start),
		}
	}

	roundCtx, cancel := context.WithTimeout(ctx, v.cfg.OverallTimeout)
	defer cancel()

	results := make(chan AgentVerdict, len(v.agents))
	for _, agent := range v.agents {
		go v.query(roundCtx, agent, hyp, results)
	}

	votes := make([]AgentVerdict, 0, len(v.agents))
	for range v.agents {
		select {
		case verdict := <-results:
			votes = append(votes, verdict)
		case <-roundCtx.Done():
			// An agent outlived the round budget. Whatever it would have
			// said, consensus is impossible now.
			verdict := Verdict{
				Approved: false,
				Reason:   ReasonTimeout,
				Detail:   fmt.Sprintf("consensus round exceeded %s", v.cfg.OverallTimeout),
				Votes:    votes,
				Elapsed:  time.Since(start),
			}
			v.logVerdict(hyp, verdict)
			return verdict
		}
	}

	verdict := v.combine(votes)
	verdict.Elapsed = time.Since(start)
	v.logVerdict(hyp, verdict)
	return verdict
}

// query runs one agent under its own timeout and always delivers a verdict.
func (v *Validator) query(ctx context.Context, agent Agent, hyp TradeHypothesis, out chan<- AgentVerdict) {
	agentCtx, cancel := context.WithTimeout(ctx, v.cfg.AgentTimeout)
	defer cancel()

	start := time.Now()
	verdict, err := agent.Review(agentCtx, hyp)
	verdict.AgentID = agent.ID()
	verdict.Latency = time.Since(start)
	if err != nil {
		verdict.Approve = false
		verdict.Err = err
		if agentCtx.Err() == context.DeadlineExceeded {
			verdict.Err = fmt.Errorf("agent %s timed out after %s: %w", agent.ID(), v.cfg.AgentTimeout, context.DeadlineExceeded)
		}
	}
	out <- verdict
}

// combine folds both votes into the round verdict. Rejections outrank
// transport failures in the reported reason so operators see intent over
// plumbing.
func (v *Validator) combine(votes []AgentVerdict) Verdict {
	verdict := Verdict{Votes: votes}

	approvals := 0
	var rejection, failure *AgentVerdict
	for i := range votes {
		vote := &votes[i]
		switch {
		case vote.Err != nil:
			failure = vote
		case vote.Approve:
			approvals++
		default:
			rejection = vote
		}
	}

	switch {
	case approvals == len(votes):
		verdict.Approved = true
		verdict.Reason = ReasonApproved
		verdict.Detail = "all agents approved"
	case rejection != nil:
		verdict.Reason = ReasonRejection
		verdict.Detail = fmt.Sprintf("agent %s rejected: %s", rejection.AgentID, rejection.Rationale)
	case failure != nil && errorIsTimeout(failure.Err):
		verdict.Reason = ReasonTimeout
		verdict.Detail = fmt.Sprintf("agent %s timed out", failure.AgentID)
	case failure != nil:
		verdict.Reason = ReasonTransport
		verdict.Detail = fmt.Sprintf("agent %s failed: %v", failure.AgentID, failure.Err)
	default:
		verdict.Reason = ReasonUnavailable
		verdict.Detail = "consensus unavailable"
	}
	return verdict
}

func errorIsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func (v *Validator) logVerdict(hyp TradeHypothesis, verdict Verdict) {
	event := v.logger.Info()
	if !verdict.Approved {
		event = v.logger.Warn()
	}
	event.
		Str("pair", hyp.Pair).
		Str("action", hyp.Action).
		Int("layer", hyp.LayerIndex).
		Bool("approved", verdict.Approved).
		Str("reason", string(verdict.Reason)).
		Dur("elapsed", verdict.Elapsed).
		Msg("Consensus round finished")
}
