package stream

import (
	"context"
	"io"

	"github.com/nulzo/novel-gateway/internal/llm"
)

// Pipe decodes body in a goroutine and forwards tokens and usage as events. The
// channel is closed when the body ends, the sentinel arrives or ctx is done. A
// cancelled stream is closed without an error event.
func Pipe(ctx context.Context, body io.ReadCloser, parse RecordParser) <-chan llm.StreamEvent {
	ch := make(chan llm.StreamEvent)

	send := func(ev llm.StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(ch)
		defer func() {
			_ = body.Close()
		}()

		err := Decode(ctx, body, parse, func(rec Record) bool {
			if rec.Token != "" && !send(llm.StreamEvent{Token: rec.Token}) {
				return false
			}
			if rec.Usage != nil && !send(llm.StreamEvent{Usage: rec.Usage}) {
				return false
			}
			return true
		})

		if err != nil && ctx.Err() == nil {
			send(llm.StreamEvent{Err: err})
		}
	}()

	return ch
}
