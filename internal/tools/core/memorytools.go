package core

import (
	"context"
	"encoding/json"
	"fmt"

	"selfforge/internal/memory"
	"selfforge/internal/tools"
)

func registerMemorySearch(reg *tools.Registry, deps Deps) error {
	return reg.Register(&tools.Tool{
		Name:        "memory_search",
		Description: "Search stored conversations and indexed code. Returns ranked snippets as JSON.",
		Category:    tools.CategorySearch,
		Priority:    60,
		Schema: tools.Schema{
			Required: []string{"query"},
			Properties: map[string]tools.Property{
				"query":  {Type: "string", Description: "Free-text search query"},
				"source": {Type: "string", Description: "Restrict to one index", Enum: []any{"conversation", "code"}},
				"limit":  {Type: "integer", Description: "Maximum number of results"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			query := stringArg(args, "query", "")
			source := stringArg(args, "source", "")
			limit := intArg(args, "limit", 10)

			resp, err := deps.Memory.Search(ctx, query, memory.SearchOptions{Source: source, Limit: limit})
			if err != nil {
				return "", fmt.Errorf("search failed: %w", err)
			}

			out, err := json.Marshal(resp)
			if err != nil {
				return "", fmt.Errorf("failed to encode results: %w", err)
			}
			return string(out), nil
		},
	})
}

func registerMemoryRecall(reg *tools.Registry, deps Deps) error {
	return reg.Register(&tools.Tool{
		Name:        "memory_recall",
		Description: "Recall the most recent messages of a stored conversation.",
		Category:    tools.CategorySearch,
		Schema: tools.Schema{
			Required: []string{"conversation_id"},
			Properties: map[string]tools.Property{
				"conversation_id": {Type: "string", Description: "Conversation to recall"},
				"limit":           {Type: "integer", Description: "Maximum number of trailing messages"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			conversationID := stringArg(args, "conversation_id", "")
			limit := intArg(args, "limit", 20)

			_, messages, err := deps.Memory.GetConversation(conversationID)
			if err != nil {
				return "", fmt.Errorf("recall failed: %w", err)
			}
			if limit > 0 && len(messages) > limit {
				messages = messages[len(messages)-limit:]
			}

			type recalled struct {
				Role      string `json:"role"`
				Content   string `json:"content"`
				Timestamp string `json:"timestamp"`
			}
			out := make([]recalled, 0, len(messages))
			for _, msg := range messages {
				out = append(out, recalled{
					Role:      msg.Role,
					Content:   msg.Content,
					Timestamp: msg.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
				})
			}
			data, err := json.Marshal(out)
			if err != nil {
				return "", fmt.Errorf("failed to encode messages: %w", err)
			}
			return string(data), nil
		},
	})
}
