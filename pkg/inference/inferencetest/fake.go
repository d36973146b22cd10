// Package inferencetest provides a scripted generator for tests.
package inferencetest

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ehosp/pkg/inference"
)

// Reply is one scripted outcome.
type Reply struct {
	Text string
	Err  error
}

// Generator replays scripted replies in order and records every request.
// When the script is exhausted it answers with Fallback.
type Generator struct {
	mu       sync.Mutex
	script   []Reply
	Fallback string
	// Hook, when set, decides the reply instead of the script.
	Hook     func(ctx context.Context, req inference.Request) (string, error)
	requests []inference.Request
}

var _ inference.Generator = &Generator{}

func New(replies ...string) *Generator {
	g := &Generator{Fallback: "D'accord."}
	for _, r := range replies {
		g.script = append(g.script, Reply{Text: r})
	}
	return g
}

// Push appends scripted replies.
func (g *Generator) Push(replies ...Reply) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = append(g.script, replies...)
}

func (g *Generator) Generate(ctx context.Context, req inference.Request) (string, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	hook := g.Hook
	var next *Reply
	if hook == nil && len(g.script) > 0 {
		r := g.script[0]
		g.script = g.script[1:]
		next = &r
	}
	fallback := g.Fallback
	g.mu.Unlock()

	if hook != nil {
		return hook(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(err, "fake generator")
	}
	if next == nil {
		return fallback, nil
	}
	return next.Text, next.Err
}

// Requests returns a copy of the recorded requests.
func (g *Generator) Requests() []inference.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]inference.Request(nil), g.requests...)
}

// Calls returns the number of recorded requests.
func (g *Generator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// CallsOfKind counts recorded requests of one kind.
func (g *Generator) CallsOfKind(kind inference.Kind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, r := range g.requests {
		if r.Kind == kind {
			n++
		}
	}
	return n
}
