// Package generate is the content-generation unit of work. The real model
// call lives behind the platform boundary; this handler renders a draft
// article from the request and simulates generation latency, which is enough
// to exercise the scheduler end to end.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"genflow/internal/domain"
)

// Request mirrors the platform's generation parameters.
type Request struct {
	Topic        string `json:"topic"`
	Type         string `json:"type"` // "blog" or "news"
	Tone         string `json:"tone,omitempty"`
	Audience     string `json:"audience,omitempty"`
	TargetLength int    `json:"target_length,omitempty"`
	// LatencyMs and Fail drive demos and tests.
	LatencyMs int  `json:"latency_ms,omitempty"`
	Fail      bool `json:"fail,omitempty"`
}

// Post is the generated draft.
type Post struct {
	Title     string    `json:"title"`
	Slug      string    `json:"slug"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	WordCount int       `json:"word_count"`
	TaskID    string    `json:"task_id"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

type Generator struct{}

func (Generator) Handle(ctx context.Context, payload json.RawMessage, ec domain.ExecContext) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid generate payload: %w", err)
	}
	if req.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if req.Type == "" {
		req.Type = "blog"
	}
	if req.TargetLength <= 0 {
		req.TargetLength = 300
	}

	if req.LatencyMs > 0 {
		select {
		case <-time.After(time.Duration(req.LatencyMs) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if req.Fail {
		return nil, fmt.Errorf("generation backend refused topic %q", req.Topic)
	}

	post := Post{
		Title:     titleFor(req),
		Slug:      slugify(req.Topic),
		Category:  req.Type,
		Content:   draftContent(req),
		TaskID:    ec.TaskID,
		Attempt:   ec.Attempt,
		CreatedAt: time.Now().UTC(),
	}
	post.WordCount = len(strings.Fields(post.Content))
	return json.Marshal(post)
}

func titleFor(req Request) string {
	r, size := utf8.DecodeRuneInString(req.Topic)
	t := string(unicode.ToUpper(r)) + req.Topic[size:]
	if req.Type == "news" {
		return t + ": What Changed Today"
	}
	return "Understanding " + t
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func draftContent(req Request) string {
	para := fmt.Sprintf("An overview of %s for %s readers.", req.Topic, audience(req))
	words := strings.Fields(para)
	var b strings.Builder
	for b.Len() < req.TargetLength*6 { // rough chars-per-word budget
		for _, w := range words {
			b.WriteString(w)
			b.WriteByte(' ')
		}
	}
	return strings.TrimSpace(b.String())
}

func audience(req Request) string {
	if req.Audience != "" {
		return req.Audience
	}
	return "general"
}
