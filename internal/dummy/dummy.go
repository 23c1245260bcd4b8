// Package dummy provides a scripted completion provider for local runs
// and tests. A script is a comma separated list of actions consumed one
// per call; the last action repeats once the script is exhausted.
//
//	ok            reply "dummy-ok"
//	echo          reply with the last user turn
//	err:<msg>     fail with msg
//	sleep:<ms>    wait ms (or until the context ends), then reply
//	msg:<text>    reply text
//	msgb64:<b64>  reply the base64-decoded text
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stupiduntilnot/promptrelay/internal/conversation"
	"github.com/stupiduntilnot/promptrelay/internal/model"
)

type action struct {
	kind string
	arg  string
}

var prefixed = []string{"err", "sleep", "msg", "msgb64"}

func parseScript(script string) ([]action, error) {
	var actions []action
	for _, p := range strings.Split(script, ",") {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" || token == "echo" {
			actions = append(actions, action{kind: token})
			continue
		}
		kind, arg, found := strings.Cut(token, ":")
		if !found || !contains(prefixed, kind) {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
		if kind == "sleep" {
			if _, err := strconv.Atoi(arg); err != nil {
				return nil, fmt.Errorf("invalid dummy sleep %q: %w", arg, err)
			}
		}
		actions = append(actions, action{kind: kind, arg: arg})
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Provider replays a script of canned completions.
type Provider struct {
	mu       sync.Mutex
	model    string
	actions  []action
	index    int
	requests []model.Request
}

func NewProvider(modelName, script string) (*Provider, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: modelName, actions: actions}, nil
}

func (p *Provider) next() action {
	if p.index >= len(p.actions) {
		return p.actions[len(p.actions)-1]
	}
	a := p.actions[p.index]
	p.index++
	return a
}

// Requests returns copies of every request received so far.
func (p *Provider) Requests() []model.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Request, len(p.requests))
	for i, r := range p.requests {
		r.Messages = conversation.Clone(r.Messages)
		out[i] = r
	}
	return out
}

func (p *Provider) ChatCompletion(ctx context.Context, req model.Request) (model.CompletionResponse, error) {
	p.mu.Lock()
	req.Messages = conversation.Clone(req.Messages)
	p.requests = append(p.requests, req)
	a := p.next()
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return model.CompletionResponse{}, err
	}

	content := "dummy-ok"
	switch a.kind {
	case "err":
		return model.CompletionResponse{}, fmt.Errorf("dummy provider error: %s", emptyAs(a.arg, "provider_api"))
	case "sleep":
		ms, _ := strconv.Atoi(a.arg)
		select {
		case <-ctx.Done():
			return model.CompletionResponse{}, ctx.Err()
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
		content = "dummy-after-sleep"
	case "msg":
		content = a.arg
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return model.CompletionResponse{}, fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		content = string(raw)
	case "echo":
		content = lastUserTurn(req.Messages)
	}
	return model.CompletionResponse{
		Content:      content,
		InputTokens:  len(req.Messages),
		OutputTokens: 1,
	}, nil
}

func lastUserTurn(msgs []conversation.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == conversation.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
