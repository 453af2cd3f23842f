// Package registry talks to the external stream registry over HTTP.
//
// The registry tracks live mountpoints and plugin heartbeats. Its API
// is a thin JSON surface: POST creates a stream record or a heartbeat,
// DELETE removes one. A create against an id that is already known
// answers with code 11000, which the session layer surfaces to the
// peer as a duplicate-id error.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// duplicate-id code answered by the registry on create.
const codeDuplicateID = 11000

// ErrDuplicateID is returned by Create when the stream id is already
// registered.
var ErrDuplicateID = errors.New("registry: stream id already registered")

// Record is the registry's answer to a create request.
type Record struct {
	ID   string `json:"_id"`
	Code int    `json:"code"`
}

// Client is a thin JSON client bound to one registry base URL. Callers
// that run on their own goroutine own their own Client; the zero
// timeout of http.DefaultClient is not used.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the given base URL.
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Create registers a stream record and returns the parsed response.
// A duplicate stream id yields ErrDuplicateID alongside the record.
func (c *Client) Create(ctx context.Context, uri, id string) (*Record, error) {
	body, err := json.Marshal(map[string]string{"uri": uri, "id": id})
	if err != nil {
		return nil, err
	}

	data, err := c.do(ctx, http.MethodPost, c.base, body)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("registry: invalid create response: %w", err)
	}
	if rec.Code == codeDuplicateID {
		return &rec, ErrDuplicateID
	}
	return &rec, nil
}

// Keepalive posts a heartbeat for the plugin process id. The response
// body is ignored beyond transport success.
func (c *Client) Keepalive(ctx context.Context, pid string, dly time.Duration) error {
	body, err := json.Marshal(map[string]string{
		"pid": pid,
		"dly": strconv.FormatInt(int64(dly/time.Second), 10),
	})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, c.base, body)
	return err
}

// Delete removes the record with the given id.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.base+"/"+id, []byte("{}"))
	return err
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"method": method,
			"url":    url,
			"error":  err,
		}).Error("registry request failed")
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return data, fmt.Errorf("registry: %s %s answered %d", method, url, resp.StatusCode)
	}
	return data, nil
}
