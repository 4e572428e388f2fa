package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// #region config

// ModelConfig points the model-backed source at an OpenAI-compatible endpoint.
type ModelConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"-"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultModelConfig targets the Hugging Face router.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		BaseURL: "https://router.huggingface.co/v1",
		Model:   "Qwen/Qwen2.5-Coder-32B-Instruct",
		Timeout: 30 * time.Second,
	}
}

// #endregion config

// #region source

// ModelSource asks a chat model for a single parameter change and falls back
// to another source whenever the model is unreachable or answers garbage.
type ModelSource struct {
	config    ModelConfig
	rules     HeuristicConfig
	client    *openai.Client
	artifacts Artifacts
	cooldown  cooldown
	fallback  Source
	logger    *zap.Logger
	now       func() time.Time
}

// NewModelSource creates a model-backed source. fallback must not be nil and
// should share the hysteresis store.
func NewModelSource(config ModelConfig, rules HeuristicConfig, artifacts Artifacts, hysteresis HysteresisStore, fallback Source, logger *zap.Logger) *ModelSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("model")
	clientCfg := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	return &ModelSource{
		config:    config,
		rules:     rules,
		client:    openai.NewClientWithConfig(clientCfg),
		artifacts: artifacts,
		cooldown:  cooldown{store: hysteresis, cycles: rules.Cooldown, logger: logger},
		fallback:  fallback,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Propose queries the model. Transport and parse errors fall back; a valid
// answer that names an unknown parameter or an out-of-range value yields no
// proposal. Answers go through the same cooldown as the heuristic rules.
func (s *ModelSource) Propose(ctx context.Context, metrics Metrics) ([]Proposal, error) {
	if len(metrics) == 0 {
		return s.fallback.Propose(ctx, metrics)
	}
	content, err := s.artifacts.Read(s.rules.Target)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", s.rules.Target, err)
	}

	ans, err := s.ask(ctx, metrics, content)
	if err != nil {
		s.logger.Warn("model proposal failed, using fallback", zap.Error(err))
		return s.fallback.Propose(ctx, metrics)
	}
	return s.cooldown.cycle(ctx, func(h Hysteresis) (*Proposal, error) {
		if !ans.ShouldChange {
			s.logger.Info("model proposed no change")
			return nil, nil
		}
		p, err := s.build(ans, content)
		if err != nil {
			s.logger.Warn("model answer rejected", zap.Error(err))
			return nil, nil
		}
		if s.cooldown.suppressed(p.Kind, h) {
			return nil, nil
		}
		return &p, nil
	})
}

// #endregion source

// #region ask

type modelAnswer struct {
	ShouldChange   bool               `json:"should_change"`
	Parameter      string             `json:"parameter"`
	CurrentValue   *float64           `json:"current_value"`
	NewValue       float64            `json:"new_value"`
	Justification  string             `json:"justification"`
	ExpectedImpact map[string]float64 `json:"expected_impact"`
}

const systemPrompt = `You tune parameters of a trading labeler. ` +
	`Answer with a single JSON object: {"should_change": bool, "parameter": string, ` +
	`"current_value": number, "new_value": number, "justification": string, ` +
	`"expected_impact": {"metric": fraction}}. Change at most one parameter and stay inside its range.`

func (s *ModelSource) ask(ctx context.Context, metrics Metrics, content []byte) (modelAnswer, error) {
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.config.Model,
		Temperature: 0.2,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: s.prompt(metrics, content)},
		},
	})
	if err != nil {
		return modelAnswer{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return modelAnswer{}, errors.New("chat completion: no choices")
	}
	return parseAnswer(resp.Choices[0].Message.Content)
}

func (s *ModelSource) prompt(metrics Metrics, content []byte) string {
	var b strings.Builder
	b.WriteString("Current metrics:\n")
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %.4f\n", name, metrics[name])
	}
	b.WriteString("\nTunable parameters:\n")
	for _, p := range s.rules.Params {
		fmt.Fprintf(&b, "- %s (%s): range [%s, %s], step %s\n",
			p.Name, p.Role, FormatValue(p.Min), FormatValue(p.Max), FormatValue(p.Step))
	}
	fmt.Fprintf(&b, "\nArtifact %s:\n%s\n", s.rules.Target, content)
	return b.String()
}

func parseAnswer(raw string) (modelAnswer, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	var ans modelAnswer
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &ans); err != nil {
		return modelAnswer{}, fmt.Errorf("decode answer: %w", err)
	}
	return ans, nil
}

// #endregion ask

// #region build

func (s *ModelSource) build(ans modelAnswer, content []byte) (Proposal, error) {
	spec, ok := FindParamByName(s.rules.Params, ans.Parameter)
	if !ok {
		return Proposal{}, fmt.Errorf("unknown parameter %q", ans.Parameter)
	}
	next := Round(ans.NewValue)
	if !spec.InBounds(next) {
		return Proposal{}, fmt.Errorf("%s=%s outside [%s, %s]", spec.Name, FormatValue(next), FormatValue(spec.Min), FormatValue(spec.Max))
	}
	current, err := LookupParam(content, spec.Name)
	if err != nil {
		return Proposal{}, err
	}
	if ans.CurrentValue != nil && Round(*ans.CurrentValue) != current {
		s.logger.Info("model saw a stale value",
			zap.String("param", spec.Name), zap.Float64("model", *ans.CurrentValue), zap.Float64("artifact", current))
	}
	if next == current {
		return Proposal{}, fmt.Errorf("%s already at %s", spec.Name, FormatValue(current))
	}

	rel, err := s.artifacts.Rel(s.rules.Target)
	if err != nil {
		return Proposal{}, err
	}
	unified, err := RewriteParam(content, rel, spec.Name, next)
	if err != nil {
		return Proposal{}, err
	}

	impact := ans.ExpectedImpact
	if len(impact) == 0 {
		impact = map[string]float64{MetricWinRate: 0.03}
	}
	return Proposal{
		ID:               uuid.New().String(),
		Title:            fmt.Sprintf("model %s %s -> %s", spec.Name, FormatValue(current), FormatValue(next)),
		Target:           s.rules.Target,
		Justification:    ans.Justification,
		Difficulty:       DifficultySimple,
		Diff:             unified,
		VerificationPlan: "bounds:" + s.rules.Target,
		ExpectedImpact:   impact,
		Priority:         PriorityNormal,
		Kind:             classify(spec.Role, current, next),
		Parameter:        spec.Name,
		OldValue:         current,
		NewValue:         next,
		Source:           "model",
		CreatedAt:        s.now(),
	}, nil
}

// classify maps a model change onto the heuristic families when it moves a
// parameter the same way a rule would.
func classify(role Role, current, next float64) Kind {
	switch {
	case role == RoleSensitivity && next < current:
		return KindLoosen
	case role == RoleRisk && next < current:
		return KindTighten
	case role == RoleReward && next > current:
		return KindStabilize
	}
	return KindModel
}

// #endregion build
