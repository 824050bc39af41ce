// Package middleware shapes events between the source and the sinks.
// A chain applies providers in declaration order; each provider may keep
// a (possibly rewritten) event, drop it, or split it into several events
// that continue through the rest of the chain independently.
package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/mstream-dev/mstream/go/source"
)

// ErrLimitExceeded marks a transform that blew its execution budget,
// either the instruction count or the wall-clock timeout.
var ErrLimitExceeded = errors.New("udf exceeded its execution budget")

// Decision is what a provider wants done with an event.
type Decision struct {
	// Events are the descendants that continue through the chain.
	// An empty decision drops the input.
	Events []source.Event
}

func Keep(ev source.Event) Decision {
	return Decision{Events: []source.Event{ev}}
}

func Drop() Decision { return Decision{} }

func Split(evs ...source.Event) Decision { return Decision{Events: evs} }

// Dropped reports whether the decision ends processing of the input.
func (d Decision) Dropped() bool { return len(d.Events) == 0 }

// Provider is one transformation step.
type Provider interface {
	// Name identifies the provider in logs and errors.
	Name() string
	Apply(ctx context.Context, ev source.Event) (Decision, error)
}

// Chain runs ev through providers in order and returns the surviving
// events. A drop short-circuits the rest of the chain; provider errors
// abort the event and are attributed to the failing provider.
func Chain(ctx context.Context, providers []Provider, ev source.Event) ([]source.Event, error) {
	var current = []source.Event{ev}
	for _, p := range providers {
		var next []source.Event
		for _, ev := range current {
			var decision, err = p.Apply(ctx, ev)
			if err != nil {
				return nil, fmt.Errorf("middleware %s: %w", p.Name(), err)
			}
			next = append(next, decision.Events...)
		}
		if len(next) == 0 {
			return nil, nil
		}
		current = next
	}
	return current, nil
}
