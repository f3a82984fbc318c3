package deepseek

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/llm-governor/internal/provider"
)

type DeepSeekProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type dsRequest struct {
	Model         string          `json:"model"`
	Messages      []dsMessage     `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *dsStreamOption `json:"stream_options,omitempty"`
}

type dsStreamOption struct {
	IncludeUsage bool `json:"include_usage"`
}

type dsMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type dsResponse struct {
	ID      string     `json:"id"`
	Choices []dsChoice `json:"choices"`
	Usage   *dsUsage   `json:"usage"`
	Model   string     `json:"model"`
}

type dsChoice struct {
	Message      dsMessage `json:"message"`
	Delta        dsDelta   `json:"delta"`
	FinishReason string    `json:"finish_reason"`
}

type dsDelta struct {
	Content string `json:"content"`
}

type dsUsage struct {
	PromptTokens          int                 `json:"prompt_tokens"`
	CompletionTokens      int                 `json:"completion_tokens"`
	CompletionTokensExtra *dsCompletionDetail `json:"completion_tokens_details"`
}

type dsCompletionDetail struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

func New(apiKey string) provider.Provider {
	return &DeepSeekProvider{
		apiKey:  apiKey,
		baseURL: "https://api.deepseek.com/v1",
		// No overall client timeout: stall detection is the caller's job
		// and applies per phase, not per call.
		client: http.DefaultClient,
	}
}

func (p *DeepSeekProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	dsReq := p.mapRequest(req)
	body, err := json.Marshal(dsReq)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &provider.APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var dsResp dsResponse
	if err := json.NewDecoder(resp.Body).Decode(&dsResp); err != nil {
		return nil, err
	}

	if len(dsResp.Choices) == 0 {
		return nil, fmt.Errorf("deepseek api returned no choices")
	}

	choice := dsResp.Choices[0]
	return &provider.Response{
		ID:           dsResp.ID,
		Content:      choice.Message.Content,
		Usage:        mapUsage(dsResp.Usage),
		Model:        dsResp.Model,
		FinishReason: choice.FinishReason,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *DeepSeekProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	dsReq := p.mapRequest(req)
	dsReq.Stream = true
	dsReq.StreamOptions = &dsStreamOption{IncludeUsage: true}
	body, err := json.Marshal(dsReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			select {
			case ch <- &provider.Chunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			select {
			case ch <- &provider.Chunk{Err: &provider.APIError{Status: resp.StatusCode, Body: string(respBody)}}:
			case <-ctx.Done():
			}
			return
		}

		reader := bufio.NewReader(resp.Body)
		var finishReason string
		var usage *provider.Usage

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					select {
					case ch <- &provider.Chunk{Done: true, FinishReason: finishReason, Usage: usage}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case ch <- &provider.Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				select {
				case ch <- &provider.Chunk{Done: true, FinishReason: finishReason, Usage: usage}:
				case <-ctx.Done():
				}
				return
			}

			var dsResp dsResponse
			if err := json.Unmarshal([]byte(data), &dsResp); err != nil {
				select {
				case ch <- &provider.Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			if dsResp.Usage != nil {
				u := mapUsage(dsResp.Usage)
				usage = &u
			}

			if len(dsResp.Choices) > 0 {
				choice := dsResp.Choices[0]
				if choice.FinishReason != "" {
					finishReason = choice.FinishReason
				}
				if choice.Delta.Content != "" {
					select {
					case ch <- &provider.Chunk{Delta: choice.Delta.Content}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func (p *DeepSeekProvider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	return httpReq, nil
}

func (p *DeepSeekProvider) mapRequest(req *provider.Request) dsRequest {
	messages := make([]dsMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = dsMessage{Role: m.Role, Content: m.Content}
	}
	return dsRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    req.Stream,
	}
}

func mapUsage(u *dsUsage) provider.Usage {
	if u == nil {
		return provider.Usage{}
	}
	usage := provider.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.CompletionTokensExtra != nil {
		usage.ReasoningTokens = u.CompletionTokensExtra.ReasoningTokens
	}
	return usage
}

func (p *DeepSeekProvider) Name() string {
	return "deepseek"
}
