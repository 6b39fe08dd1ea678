// Package llm generates commit messages and pull request bodies from task
// context via the Anthropic API. All callers must tolerate a nil client and
// fall back to templated text.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Client wraps the Anthropic API for text generation.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

const commitSystem = `You write git commit messages. Given a task description and the list of changed files, return ONLY the commit message text: a concise imperative subject line under 72 characters, optionally followed by a blank line and a short body. No markdown fencing, no explanation.`

// CommitMessage generates a commit message for the given task and changed files.
func (c *Client) CommitMessage(ctx context.Context, taskID, prompt string, files []string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s: %s\n\nChanged files:\n", taskID, prompt)
	for _, f := range files {
		fmt.Fprintf(&sb, "- %s\n", f)
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: commitSystem},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(sb.String())),
		},
	})
	if err != nil {
		return "", fmt.Errorf("generate commit message: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", fmt.Errorf("empty commit message from model")
	}
	return text, nil
}

const prBodySystem = `You write pull request descriptions. Given a task description, the branch, and the list of changed files, return ONLY the PR body in plain markdown: one short paragraph summarizing the change, then a "## Changes" bullet list. No preamble.`

// PRBody generates a pull request body for the given task.
func (c *Client) PRBody(ctx context.Context, taskID, prompt, branch string, files []string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s on branch %s: %s\n\nChanged files:\n", taskID, branch, prompt)
	for _, f := range files {
		fmt.Fprintf(&sb, "- %s\n", f)
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: prBodySystem},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(sb.String())),
		},
	})
	if err != nil {
		return "", fmt.Errorf("generate PR body: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(out.String()), nil
}
