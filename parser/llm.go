// Copyright 2025 The tossbot Authors
// This file is part of the tossbot library.
//
// The tossbot library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The tossbot library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the tossbot library. If not, see <http://www.gnu.org/licenses/>.

package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/grouptoss/tossbot/toss"
)

const defaultLLMTimeout = 15 * time.Second

// llmSystemPrompt pins the model to a strict JSON contract. Everything not
// named in the reply schema is rejected by the decoder.
const llmSystemPrompt = `You extract wager details from a chat message.
Reply with a single JSON object, no prose: {"topic": string, "options": [string, string], "stake": string}.
"topic" is the subject of the wager, taken from the message.
"options" are the two possible outcomes; use ["yes", "no"] if the message names none.
"stake" is the wager amount as a decimal string in stablecoin units; use "0.1" if the message names none. The maximum is "10".
Never invent a topic. If the message is not a wager, reply {"error": "<one line reason>"}.`

// LLMConfig configures the hosted-model parser.
type LLMConfig struct {
	// URL is the chat-completions endpoint.
	URL string

	// APIKey is sent as a bearer token.
	APIKey string

	// Model names the model to query.
	Model string

	// Timeout bounds each completion round trip. Zero means fifteen seconds.
	Timeout time.Duration
}

// LLMParser asks a hosted language model to extract the wager. The model is
// held to a strict JSON reply; anything off-contract becomes a *ParseError
// rather than a guessed toss.
type LLMParser struct {
	cfg    LLMConfig
	client *http.Client
}

// NewLLMParser validates the config and builds the parser.
func NewLLMParser(cfg LLMConfig) (*LLMParser, error) {
	if cfg.URL == "" {
		return nil, errors.New("parser: model endpoint URL missing")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("parser: model API key missing")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultLLMTimeout
	}
	return &LLMParser{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmRequest struct {
	Model          string       `json:"model"`
	Messages       []llmMessage `json:"messages"`
	Temperature    float64      `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type llmResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// llmReply is the JSON contract the model must honor.
type llmReply struct {
	Topic   string   `json:"topic"`
	Options []string `json:"options"`
	Stake   string   `json:"stake"`
	Error   string   `json:"error"`
}

// Parse implements TossParser.
func (p *LLMParser) Parse(ctx context.Context, prompt, sender string) (*toss.Parsed, error) {
	req := llmRequest{
		Model: p.cfg.Model,
		Messages: []llmMessage{
			{Role: "system", Content: llmSystemPrompt},
			{Role: "user", Content: prompt},
		},
	}
	req.ResponseFormat.Type = "json_object"

	content, err := p.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	var reply llmReply
	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&reply); err != nil {
		log.Debug("Model reply off contract", "sender", sender, "err", err)
		return nil, parseErrorf("model reply was not the expected JSON")
	}
	if reply.Error != "" {
		return nil, parseErrorf("%s", reply.Error)
	}
	if reply.Stake == "" {
		return nil, parseErrorf("model reply missing the stake")
	}
	stake, err := toss.ParseAmount(reply.Stake)
	if err != nil {
		return nil, parseErrorf("model returned unusable stake %q", reply.Stake)
	}
	parsed := &toss.Parsed{
		Topic:   reply.Topic,
		Options: reply.Options,
		Stake:   stake,
	}
	if err := validate(parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// complete runs one chat-completion round trip and returns the first
// choice's content.
func (p *LLMParser) complete(ctx context.Context, body llmRequest) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("parser: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parser: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("parser: model request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("parser: model returned HTTP %d: %s", resp.StatusCode, raw)
	}
	var out llmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parser: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("parser: model returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}
