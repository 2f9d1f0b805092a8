package llm

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/stream"
)

const maxErrorBody = 64 * 1024

func newJSONRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// doStream sends req and hands every frame of the response body to onFrame.
// Non-2xx responses become *errors.HTTPError; transport failures are
// transient, malformed frames are not.
func doStream(o Options, req *http.Request, framer stream.Framer, onFrame func(frame []byte) error) error {
	resp, err := o.httpClient().Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		return errors.Transient(errors.Wrapf(err, "request to %s failed", req.URL.Host))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &errors.HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	log := o.logger()
	for frame, err := range stream.Frames(resp.Body, framer) {
		if err != nil {
			if req.Context().Err() != nil {
				return req.Context().Err()
			}
			if errors.Is(err, stream.ErrFrameTooShort) {
				return errors.Wrapf(err, "malformed stream from %s", req.URL.Host)
			}
			return errors.Transient(err)
		}
		log.Log(req.Context(), LevelTrace, "frame", slog.String("model", o.Model), slog.String("data", string(frame)))
		if err := onFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// forEachEvent adapts an SSE event handler to doStream. Frames without data
// are skipped.
func forEachEvent(handle func(ev stream.Event) error) func([]byte) error {
	return func(frame []byte) error {
		ev := stream.ParseEvent(frame)
		if len(ev.Data) == 0 {
			return nil
		}
		return handle(ev)
	}
}
