// Package ai wraps the assistant model behind an eino chat chain: therapist
// system prompt, bounded conversation history, single-shot generation.
package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/motus-dao/psychat-backend/internal/analysis/sentiment"
	"github.com/motus-dao/psychat-backend/internal/config"
	"github.com/motus-dao/psychat-backend/internal/model/chat"
	"github.com/motus-dao/psychat-backend/internal/model/therapist"
)

// Service generates assistant replies for therapy sessions.
type Service struct {
	chatModel model.ChatModel
	profiles  therapist.Store
	chain     compose.Runnable[map[string]any, *schema.Message]
	log       *zap.Logger
}

// NewService compiles the chat chain against the configured model.
func NewService(ctx context.Context, profiles therapist.Store, cfg config.AIConfig, log *zap.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		profiles:  profiles,
		chain:     runnable,
		log:       log,
	}, nil
}

// Reply holds one generated assistant turn.
type Reply struct {
	Text      string
	Sentiment sentiment.Decision
}

// Generate produces the assistant reply for the latest user message, given
// the session transcript so far.
func (s *Service) Generate(ctx context.Context, profile therapist.Profile, history []chat.Message, userMessage string) (Reply, error) {
	input := map[string]any{
		"system":  s.buildSystemPrompt(profile, userMessage),
		"history": buildHistoryMessages(history),
		"query":   userMessage,
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to run assistant chain: %w", err)
	}

	decision := sentiment.Analyze(userMessage, response.Content)
	s.log.Info("assistant reply generated",
		zap.String("profile", profile.ID),
		zap.Int("length", len(response.Content)),
		zap.String("sentiment", string(decision.Sentiment)))

	return Reply{Text: response.Content, Sentiment: decision}, nil
}

func (s *Service) buildSystemPrompt(profile therapist.Profile, userMessage string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a supportive conversational companion practicing %s.\n", profile.Name, profile.Approach)
	fmt.Fprintf(&b, "Tone: %s.\n", profile.Tone)
	if profile.PromptHint != "" {
		b.WriteString(profile.PromptHint)
		b.WriteString("\n")
	}
	if len(profile.Techniques) > 0 {
		fmt.Fprintf(&b, "Techniques you may draw on: %s.\n", strings.Join(profile.Techniques, ", "))
	}
	b.WriteString("You are not a medical professional and never diagnose or prescribe. ")
	b.WriteString("If the user appears to be in danger, gently encourage them to contact local emergency services or a crisis line.")

	if decision := sentiment.Analyze(userMessage, ""); decision.Sentiment != sentiment.Neutral {
		fmt.Fprintf(&b, "\n\nThe user currently reads as %s. Acknowledge that state before anything else.", decision.Sentiment)
	}

	return b.String()
}

func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	const historyLimit = 10

	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Text))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Text, nil))
		}
	}

	return history
}
