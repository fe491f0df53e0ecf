// Package assistant answers first-aid chat questions, from a hosted
// language model when one is configured and from a scripted guide otherwise.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultAPIURL = "https://api.openai.com/v1/chat/completions"
	DefaultModel  = "gpt-4o-mini"

	SourceModel    = "model"
	SourceFallback = "fallback"

	maxMessages = 20
)

var ErrValidation = errors.New("invalid chat request")

const systemPrompt = "You are ResQLink's emergency first-aid assistant. Give short, calm, step-by-step " +
	"guidance while help is on the way. Always tell the user to call local emergency services " +
	"for life-threatening situations. Do not diagnose."

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Reply struct {
	Message string `json:"message"`
	Source  string `json:"source"`
}

type Config struct {
	APIURL string
	APIKey string
	Model  string
}

type Service struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewService(cfg Config, logger zerolog.Logger) *Service {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Service{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		logger:     logger,
	}
}

// SetHTTPClient replaces the client used for model calls.
func (s *Service) SetHTTPClient(c *http.Client) {
	s.httpClient = c
}

// Reply answers the conversation. Model failures are logged and answered
// from the fallback guide, so Reply only errors on invalid input.
func (s *Service) Reply(ctx context.Context, messages []Message) (*Reply, error) {
	last, err := lastUserMessage(messages)
	if err != nil {
		return nil, err
	}
	if len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
	}

	if s.cfg.APIKey != "" {
		text, err := s.complete(ctx, messages)
		if err == nil {
			return &Reply{Message: text, Source: SourceModel}, nil
		}
		s.logger.Warn().Err(err).Msg("assistant model call failed, using fallback")
	}
	return &Reply{Message: Fallback(last), Source: SourceFallback}, nil
}

func lastUserMessage(messages []Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != "user" && m.Role != "assistant" {
			return "", fmt.Errorf("%w: unknown role %q", ErrValidation, m.Role)
		}
	}
	if len(messages) == 0 || messages[len(messages)-1].Role != "user" {
		return "", fmt.Errorf("%w: the last message must come from the user", ErrValidation)
	}
	text := strings.TrimSpace(messages[len(messages)-1].Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty message", ErrValidation)
	}
	return text, nil
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

func (s *Service) complete(ctx context.Context, messages []Message) (string, error) {
	payload, err := json.Marshal(completionRequest{
		Model:    s.cfg.Model,
		Messages: append([]Message{{Role: "system", Content: systemPrompt}}, messages...),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}

	var out completionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", errors.New("empty completion")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
