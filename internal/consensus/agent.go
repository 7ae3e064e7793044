package consensus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Agent is one independent validator consulted about a trade hypothesis.
type Agent interface {
	ID() string
	Review(ctx context.Context, hyp TradeHypothesis) (AgentVerdict, error)
}

// ===== LLM AGENT =====

// LLMAgent wraps a chat-completion client as a validation agent. Each agent
// answers three YES/NO questions about the hypothesis; any NO is a rejection.
type LLMAgent struct {
	id     string
	client *Client
}

// NewLLMAgent creates an agent backed by the given client config.
func NewLLMAgent(id string, cfg ClientConfig) *LLMAgent {
	return &LLMAgent{
		id:     id,
		client: NewClient(cfg),
	}
}

func (a *LLMAgent) ID() string {
	return a.id
}

// Review asks the model to vet the hypothesis and parses its verdict.
func (a *LLMAgent) Review(ctx context.Context, hyp TradeHypothesis) (AgentVerdict, error) {
	raw, err := a.client.Complete(ctx, validatorSystemPrompt, buildReviewPrompt(hyp))
	if err != nil {
		return AgentVerdict{AgentID: a.id}, err
	}
	verdict := parseVerdict(raw)
	verdict.AgentID = a.id
	return verdict, nil
}

const validatorSystemPrompt = `You are a conservative cryptocurrency trading risk reviewer.
You vet proposed DCA grid entries before capital is committed. You never
propose trades yourself. Answer exactly in the requested format. When in
doubt, answer NO.`

// buildReviewPrompt renders the hypothesis and the three gate questions.
func buildReviewPrompt(hyp TradeHypothesis) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Proposed action: %s %s on %s at price %.8f (layer %d, %.2f USD)\n\n",
		hyp.Action, hyp.Direction, hyp.Pair, hyp.Price, hyp.LayerIndex, hyp.NotionalUSD)

	b.WriteString("Market context:\n")
	fmt.Fprintf(&b, "- Market condition: %s\n", hyp.Condition)
	fmt.Fprintf(&b, "- Indicator signal: %s (confidence %.2f)\n", hyp.OverallSignal, hyp.Confidence)
	fmt.Fprintf(&b, "- RSI(14): %.1f\n", hyp.RSI)
	fmt.Fprintf(&b, "- MACD histogram: %.6f\n", hyp.MACDHistogram)
	fmt.Fprintf(&b, "- ATR: %.2f%% of price\n", hyp.ATRPercent)
	fmt.Fprintf(&b, "- ADX: %.1f\n", hyp.ADX)
	fmt.Fprintf(&b, "- Fear & Greed index: %d (%s)\n", hyp.FearGreedIndex, hyp.FearGreedLabel)
	fmt.Fprintf(&b, "- Open positions: %d, daily PnL: %.2f USD\n", hyp.OpenPositions, hyp.DailyPnLUSD)
	fmt.Fprintf(&b, "- Planned exits: take profit %.2f%%, stop loss %.2f%%\n\n", hyp.TargetProfitPct, hyp.StopLossPct)

	b.WriteString(`Answer these three questions:
1. Is this entry reasonable given the indicator readings and market condition?
2. Is the risk acceptable given current sentiment and open exposure?
3. Would you commit real capital to this trade right now?

Reply in exactly this format:
ANSWER_1: YES or NO
ANSWER_2: YES or NO
ANSWER_3: YES or NO
CONFIDENCE: <number between 0 and 1>
REASON: <one sentence>`)

	return b.String()
}

// parseVerdict extracts the three answers, confidence and reason from the
// model output. Approval requires all three answers to be YES. Anything
// unparseable counts as a rejection, never an approval.
func parseVerdict(raw string) AgentVerdict {
	text := stripMarkdownCodeBlock(raw)

	verdict := AgentVerdict{Confidence: 0.5}
	answers := 0
	yes := 0

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "ANSWER_1:"),
			strings.HasPrefix(upper, "ANSWER_2:"),
			strings.HasPrefix(upper, "ANSWER_3:"):
			answers++
			if strings.Contains(upper, "YES") && !strings.Contains(upper, "NO") {
				yes++
			}
		case strings.HasPrefix(upper, "CONFIDENCE:"):
			value := strings.TrimSpace(line[len("CONFIDENCE:"):])
			if f, err := strconv.ParseFloat(value, 64); err == nil && f >= 0 && f <= 1 {
				verdict.Confidence = f
			}
		case strings.HasPrefix(upper, "REASON:"):
			verdict.Rationale = strings.TrimSpace(line[len("REASON:"):])
		}
	}

	verdict.Approve = answers == 3 && yes == 3
	if verdict.Rationale == "" {
		verdict.Rationale = firstLine(text)
	}
	return verdict
}

// stripMarkdownCodeBlock removes ``` fences some models wrap answers in.
func stripMarkdownCodeBlock(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func firstLine(s string) string {
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return strings.TrimSpace(s)
}
