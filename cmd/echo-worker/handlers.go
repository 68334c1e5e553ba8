package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/toolbridge/internal/workerproc"
)

const maxSleep = time.Minute

func newMux() *workerproc.Mux {
	mux := workerproc.NewMux()
	mux.Handle("text.echo", echo)
	mux.Handle("text.upper", upper)
	mux.Handle("util.sleep", sleep)
	mux.Handle("util.fail", fail)
	return mux
}

func echo(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

// upper accepts a JSON string, or an object with a "text" field.
func upper(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		var obj struct {
			Text *string `json:"text"`
		}
		if err := json.Unmarshal(payload, &obj); err != nil || obj.Text == nil {
			return nil, workerproc.NoRetry(errors.New(`payload must be a string or {"text": string}`))
		}
		s = *obj.Text
	}
	return json.Marshal(strings.ToUpper(s))
}

func sleep(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Ms int64 `json:"ms"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, workerproc.NoRetry(fmt.Errorf("decode payload: %w", err))
	}
	d := time.Duration(req.Ms) * time.Millisecond
	if d < 0 || d > maxSleep {
		return nil, workerproc.NoRetry(fmt.Errorf("ms must be between 0 and %d", maxSleep.Milliseconds()))
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return json.Marshal(map[string]int64{"slept_ms": req.Ms})
}

// fail always errors; "permanent": true marks the error non-retryable.
func fail(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Message   string `json:"message"`
		Permanent bool   `json:"permanent"`
	}
	_ = json.Unmarshal(payload, &req)
	if req.Message == "" {
		req.Message = "requested failure"
	}
	err := errors.New(req.Message)
	if req.Permanent {
		return nil, workerproc.NoRetry(err)
	}
	return nil, err
}
