// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianCare/services/llm"
)

// Stream runs one turn and reports it as events on an unbuffered channel.
// The channel is closed when the turn ends. A consumer that stops reading
// must cancel ctx.
func (o *Orchestrator) Stream(ctx context.Context, req Request) <-chan Event {
	return o.StreamWithResult(ctx, req, nil)
}

// StreamWithResult is Stream with a hook that receives the final Result
// before the channel is closed. The hook runs on the turn goroutine.
func (o *Orchestrator) StreamWithResult(ctx context.Context, req Request, done func(*Result, error)) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		sink := turnSink{
			streaming: true,
			emit: func(ev Event) error {
				select {
				case events <- ev:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		}
		result, err := o.run(ctx, req, sink)
		if done != nil {
			done(result, err)
		}
	}()
	return events
}

// turnSink is where run reports events. Respond discards them; the
// streaming paths forward them to the consumer.
type turnSink struct {
	streaming bool
	emit      func(Event) error
}

func discard(Event) error { return nil }

// callProvider runs one generate call. Streaming turns forward each token
// as a text_delta as it arrives.
func (o *Orchestrator) callProvider(ctx context.Context, sink turnSink, req *llm.Request) (*llm.Response, error) {
	if !sink.streaming {
		return o.provider.Generate(ctx, req)
	}
	var final *llm.Response
	err := o.provider.GenerateStream(ctx, req, func(ev llm.StreamEvent) error {
		switch ev.Type {
		case llm.StreamEventToken:
			if ev.Content == "" {
				return nil
			}
			return sink.emit(textDeltaEvent(ev.Content))
		case llm.StreamEventDone:
			final = ev.Response
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if final == nil {
		return nil, errors.New("stream ended without a final response")
	}
	return final, nil
}
