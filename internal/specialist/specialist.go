// Package specialist fans a response out to per-domain expert perspectives
// and joins them into one reply.
package specialist

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/consilience-ai/consilience/internal/brain"
)

const perspectiveTimeout = 45 * time.Second

// Perspective is one domain's contribution. Failed branches carry a visible
// placeholder text instead of aborting the join.
type Perspective struct {
	Domain   string
	Text     string
	TaskType string
	Failed   bool
}

// Request describes the shared context for a multi-domain generation.
type Request struct {
	Domains       []string
	TaskType      string
	Context       string
	ActiveDomains []string
	History       string
}

type Generator struct {
	brain     brain.Client
	maxFanOut int
}

func NewGenerator(client brain.Client, maxFanOut int) *Generator {
	if maxFanOut <= 0 {
		maxFanOut = 2
	}
	return &Generator{brain: client, maxFanOut: maxFanOut}
}

// Generate produces one perspective per requested domain, bounded to the
// fan-out limit, all branches in parallel. A failing branch yields a
// placeholder perspective; the others are unaffected.
func (g *Generator) Generate(ctx context.Context, req Request) []Perspective {
	domains := req.Domains
	if len(domains) > g.maxFanOut {
		domains = domains[:g.maxFanOut]
	}
	if len(domains) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, perspectiveTimeout)
	defer cancel()

	out := make([]Perspective, len(domains))
	var grp errgroup.Group
	for i, domain := range domains {
		grp.Go(func() error {
			text, err := g.brain.Perspective(ctx, brain.PerspectiveRequest{
				Domain:        domain,
				TaskType:      req.TaskType,
				Context:       req.Context,
				ActiveDomains: req.ActiveDomains,
				History:       req.History,
			})
			if err != nil || strings.TrimSpace(text) == "" {
				if err != nil {
					log.Printf("specialist: %s perspective failed: %v", domain, err)
				}
				out[i] = Perspective{
					Domain:   domain,
					Text:     fmt.Sprintf("[%s perspective unavailable]", domain),
					TaskType: req.TaskType,
					Failed:   true,
				}
				return nil
			}
			out[i] = Perspective{Domain: domain, Text: text, TaskType: req.TaskType}
			return nil
		})
	}
	_ = grp.Wait()
	return out
}

// Format renders one or more perspectives as a single reply.
func Format(perspectives []Perspective) string {
	if len(perspectives) == 0 {
		return ""
	}
	if len(perspectives) == 1 {
		return perspectives[0].Text
	}
	parts := make([]string, 0, len(perspectives)*3)
	for _, p := range perspectives {
		parts = append(parts, fmt.Sprintf("From a %s perspective:", p.Domain), p.Text, "")
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
