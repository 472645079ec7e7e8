package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"xiaorui/internal/models"
)

const titleSystemPrompt = "你是对话标题生成器。根据用户与助手的对话，生成一个简洁准确的中文标题，" +
	"不超过10个字，概括对话的主要话题。只输出标题本身，不要包含引号或其他内容。"

const titleMaxTokens = 32

// GenerateTitle asks the model for a short title summarising the messages.
func (s *Service) GenerateTitle(ctx context.Context, messages []models.Message) (string, error) {
	var conversationText strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			fmt.Fprintf(&conversationText, "用户: %s\n", msg.Content)
		case models.RoleAssistant:
			fmt.Fprintf(&conversationText, "助手: %s\n", msg.Content)
		}
	}
	if conversationText.Len() == 0 {
		return "", &Error{Kind: KindMalformed, Err: errors.New("no messages to title")}
	}

	input := []*schema.Message{
		{Role: schema.System, Content: titleSystemPrompt},
		{Role: schema.User, Content: "请为以下对话生成标题：\n\n" + conversationText.String()},
	}
	title, err := s.generate(ctx, input, 0.3, titleMaxTokens)
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title = cleanTitle(title)
	if title == "" {
		return "", &Error{Kind: KindMalformed, Err: errors.New("empty title")}
	}
	return title, nil
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(strings.SplitN(raw, "\n", 2)[0])
	title = strings.Trim(title, "\"'“”‘’「」《》 ")
	title = strings.TrimPrefix(title, "标题：")
	runes := []rune(title)
	if len(runes) > models.MaxTitleRunes {
		title = string(runes[:models.MaxTitleRunes])
	}
	return strings.TrimSpace(title)
}
