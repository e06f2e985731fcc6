// Package llm answers questions about an uploaded contract. Answers are
// grounded in the contract chunks retrieved for the question and streamed
// to the caller as they are generated.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/lexon/clausecheck/internal/domain"
	"github.com/lexon/clausecheck/internal/logging"
	"github.com/lexon/clausecheck/internal/store"
)

const systemPrompt = `You are a contract review assistant. You answer questions about a specific
contract using only the contract excerpts provided in the conversation.

Rules:
- Base every statement on the provided excerpts. If the excerpts do not
  contain the answer, say so plainly instead of guessing.
- Quote the relevant contract language when it supports your answer.
- Be precise about obligations, deadlines, amounts and parties.
- You are not a lawyer and must not present answers as legal advice.`

// DefaultHistoryDepth is how many prior turns are replayed into the prompt.
const DefaultHistoryDepth = 10

// Assistant answers contract questions over a chat model.
type Assistant struct {
	// model is the underlying chat backend.
	model model.BaseChatModel
	// history persists conversation turns per contract. Optional.
	history store.ChatStore
	// historyDepth bounds how many prior messages are injected.
	historyDepth int
}

// New creates an Assistant. history may be nil to disable persistence.
func New(chatModel model.BaseChatModel, history store.ChatStore, historyDepth int) *Assistant {
	if historyDepth <= 0 {
		historyDepth = DefaultHistoryDepth
	}
	return &Assistant{model: chatModel, history: history, historyDepth: historyDepth}
}

// Answer streams the model's response to w and returns the full answer once
// the stream completes. contextChunks are the contract excerpts retrieved
// for the question; they are injected as a system message so the model only
// reasons over actual contract text.
func (a *Assistant) Answer(ctx context.Context, contractID, question string, contextChunks []domain.Chunk, w io.Writer) (string, error) {
	messages, err := a.buildMessages(ctx, contractID, question, contextChunks)
	if err != nil {
		return "", err
	}

	sr, err := a.model.Stream(ctx, messages)
	if err != nil {
		return "", &domain.UpstreamError{Service: "llm", Transient: true, Err: err}
	}
	defer sr.Close()

	var answer strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", &domain.UpstreamError{Service: "llm", Transient: true, Err: err}
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		answer.WriteString(msg.Content)
		if _, err := io.WriteString(w, msg.Content); err != nil {
			return "", fmt.Errorf("llm: write answer: %w", err)
		}
	}

	// Persist the turn (non-fatal on error).
	if a.history != nil {
		log := logging.FromContext(ctx)
		if err := a.history.Append(ctx, contractID, store.RoleUser, question); err != nil {
			log.WarnContext(ctx, "chat history: failed to persist question", slog.Any("error", err))
		}
		if err := a.history.Append(ctx, contractID, store.RoleAssistant, answer.String()); err != nil {
			log.WarnContext(ctx, "chat history: failed to persist answer", slog.Any("error", err))
		}
	}
	return answer.String(), nil
}

// buildMessages assembles system prompt, contract excerpts, prior turns and
// the new question, in that order.
func (a *Assistant) buildMessages(ctx context.Context, contractID, question string, contextChunks []domain.Chunk) ([]*schema.Message, error) {
	messages := []*schema.Message{schema.SystemMessage(systemPrompt)}

	if len(contextChunks) > 0 {
		var b strings.Builder
		b.WriteString("Contract excerpts relevant to the question:\n")
		for _, ch := range contextChunks {
			fmt.Fprintf(&b, "\n--- excerpt %d (chunk %s) ---\n%s\n", ch.SequenceIndex, ch.ID, ch.Text)
		}
		messages = append(messages, schema.SystemMessage(b.String()))
	}

	if a.history != nil {
		prior, err := a.history.Recent(ctx, contractID, a.historyDepth)
		if err != nil {
			return nil, fmt.Errorf("llm: load chat history: %w", err)
		}
		for _, m := range prior {
			switch m.Role {
			case store.RoleUser:
				messages = append(messages, schema.UserMessage(m.Content))
			case store.RoleAssistant:
				messages = append(messages, schema.AssistantMessage(m.Content, nil))
			}
		}
	}

	return append(messages, schema.UserMessage(question)), nil
}
