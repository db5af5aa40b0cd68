// chatsync - real-time chat synchronization core for the EduTalk client.
// Copyright (C) 2025 EduTalk
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package chatapi binds the school backend's REST surface: paginated history
// fetches, message mutations, and the three-phase chunked upload protocol.
// Every response uses the `{success, message, data}` envelope; transport and
// envelope failures are converted to *Error before they leave this package.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const defaultRequestTimeout = 30 * time.Second

// Error is the typed failure every chatapi call returns. Status is the HTTP
// status code (0 for transport-level failures) and Reason carries the
// server's human-readable message when one was provided.
type Error struct {
	Op     string
	Status int
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("chatapi: %s failed: %s", e.Op, e.Reason)
	}
	if e.cause != nil {
		return fmt.Sprintf("chatapi: %s failed: %v", e.Op, e.cause)
	}
	return fmt.Sprintf("chatapi: %s failed with status %d", e.Op, e.Status)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// ErrUnauthorized is matched with errors.Is when the server rejects the token.
var ErrUnauthorized = errors.New("chatapi: unauthorized")

func (e *Error) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// Client talks to one backend on behalf of one authenticated user.
type Client struct {
	BaseURL string
	Token   string
	UserID  string

	HTTP *http.Client
	Log  zerolog.Logger
}

func NewClient(baseURL, token, userID string, log zerolog.Logger) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		UserID:  userID,
		HTTP:    &http.Client{Timeout: defaultRequestTimeout},
		Log:     log.With().Str("component", "chatapi").Logger(),
	}
}

// envelope is the fixed response wrapper used by every endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do issues one request and decodes the envelope into out (which may be nil
// for calls whose data payload is irrelevant).
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, cause: err}
		}
		reqBody = bytes.NewReader(encoded)
	}

	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return &Error{Op: op, cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, op, out)
}

func (c *Client) send(req *http.Request, op string, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &Error{Op: op, cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &Error{Op: op, Status: resp.StatusCode, cause: err}
	}

	var env envelope
	if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil {
		if resp.StatusCode >= 400 {
			return &Error{Op: op, Status: resp.StatusCode}
		}
		return &Error{Op: op, Status: resp.StatusCode, cause: jsonErr}
	}
	if resp.StatusCode >= 400 || !env.Success {
		c.Log.Debug().
			Str("op", op).
			Int("status", resp.StatusCode).
			Str("server_message", env.Message).
			Dur("elapsed", time.Since(start)).
			Msg("Request rejected")
		return &Error{Op: op, Status: resp.StatusCode, Reason: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err = json.Unmarshal(env.Data, out); err != nil {
			return &Error{Op: op, Status: resp.StatusCode, cause: err}
		}
	}
	return nil
}

// postMultipart sends one multipart form with a single binary part plus string
// fields. Used by the chunk push phase, which is the only non-JSON request.
func (c *Client) postMultipart(ctx context.Context, op, path string, fields map[string]string, fileField, fileName string, data []byte, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return &Error{Op: op, cause: err}
		}
	}
	part, err := w.CreateFormFile(fileField, fileName)
	if err != nil {
		return &Error{Op: op, cause: err}
	}
	if _, err = part.Write(data); err != nil {
		return &Error{Op: op, cause: err}
	}
	if err = w.Close(); err != nil {
		return &Error{Op: op, cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &buf)
	if err != nil {
		return &Error{Op: op, cause: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.send(req, op, out)
}

func pageQuery(page int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	return q
}
