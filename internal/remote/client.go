// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/quartermaster-app/quartermaster/internal/config"
	"github.com/quartermaster-app/quartermaster/internal/logging"
	"github.com/quartermaster-app/quartermaster/internal/metrics"
	"github.com/quartermaster-app/quartermaster/internal/models"
)

const (
	tableItems        = "items"
	tableTransactions = "transactions"
	tableProjects     = "projects"
)

// Client is the HTTP implementation of Store against a PostgREST-style
// table API. All calls pass through a circuit breaker so a dead backend
// fails fast instead of piling up timed-out requests.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewClient creates a remote table API client.
func NewClient(cfg *config.RemoteConfig) *Client {
	cbName := "remote-table-api"
	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,

		// Open after a 60% failure rate with at least 10 requests in the
		// window; fewer requests lack statistical significance.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},

		// Request defects must not open the circuit; only transport-level
		// failures count against it.
		IsSuccessful: func(err error) bool {
			return err == nil || Classify(err) != ClassRetryable
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("remote circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: cb,
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// InsertItem upserts an item row by id.
func (c *Client) InsertItem(ctx context.Context, item *models.Item) (*models.Item, error) {
	var row models.Item
	if err := c.insert(ctx, tableItems, item, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// UpdateItem overwrites an item row with the full field set.
func (c *Client) UpdateItem(ctx context.Context, item *models.Item) (*models.Item, error) {
	var row models.Item
	if err := c.update(ctx, tableItems, item.ID, item, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// DeleteItem removes an item row.
func (c *Client) DeleteItem(ctx context.Context, id string) error {
	return c.deleteRow(ctx, tableItems, id)
}

// GetItem reads an item row, returning nil when absent.
func (c *Client) GetItem(ctx context.Context, id string) (*models.Item, error) {
	var row models.Item
	found, err := c.getRow(ctx, tableItems, id, &row)
	if err != nil || !found {
		return nil, err
	}
	return &row, nil
}

// InsertTransaction upserts a transaction row by id.
func (c *Client) InsertTransaction(ctx context.Context, txn *models.Transaction) (*models.Transaction, error) {
	var row models.Transaction
	if err := c.insert(ctx, tableTransactions, txn, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// UpdateTransaction overwrites a transaction row with the full field set.
func (c *Client) UpdateTransaction(ctx context.Context, txn *models.Transaction) (*models.Transaction, error) {
	var row models.Transaction
	if err := c.update(ctx, tableTransactions, txn.ID, txn, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// DeleteTransaction removes a transaction row.
func (c *Client) DeleteTransaction(ctx context.Context, id string) error {
	return c.deleteRow(ctx, tableTransactions, id)
}

// GetTransaction reads a transaction row, returning nil when absent.
func (c *Client) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var row models.Transaction
	found, err := c.getRow(ctx, tableTransactions, id, &row)
	if err != nil || !found {
		return nil, err
	}
	return &row, nil
}

// InsertProject upserts a project row by id.
func (c *Client) InsertProject(ctx context.Context, project *models.Project) (*models.Project, error) {
	var row models.Project
	if err := c.insert(ctx, tableProjects, project, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// UpdateProject overwrites a project row with the full field set.
func (c *Client) UpdateProject(ctx context.Context, project *models.Project) (*models.Project, error) {
	var row models.Project
	if err := c.update(ctx, tableProjects, project.ID, project, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// DeleteProject removes a project row.
func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.deleteRow(ctx, tableProjects, id)
}

// GetProject reads a project row, returning nil when absent.
func (c *Client) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var row models.Project
	found, err := c.getRow(ctx, tableProjects, id, &row)
	if err != nil || !found {
		return nil, err
	}
	return &row, nil
}

// insert POSTs with merge-duplicates resolution: replaying a CREATE for an
// id that already exists updates in place instead of erroring.
func (c *Client) insert(ctx context.Context, table string, body, out interface{}) error {
	start := time.Now()
	defer metrics.ObserveRemoteRequest(table, "insert", start)

	headers := map[string]string{
		"Prefer": "return=representation,resolution=merge-duplicates",
	}
	data, err := c.do(ctx, http.MethodPost, "/rest/v1/"+table, nil, body, headers)
	if err != nil {
		metrics.RemoteRequestErrors.WithLabelValues(table, "insert", Classify(err).String()).Inc()
		return err
	}
	return decodeRow(data, out)
}

func (c *Client) update(ctx context.Context, table, id string, body, out interface{}) error {
	start := time.Now()
	defer metrics.ObserveRemoteRequest(table, "update", start)

	query := url.Values{"id": {"eq." + id}}
	headers := map[string]string{"Prefer": "return=representation"}
	data, err := c.do(ctx, http.MethodPatch, "/rest/v1/"+table, query, body, headers)
	if err != nil {
		metrics.RemoteRequestErrors.WithLabelValues(table, "update", Classify(err).String()).Inc()
		return err
	}

	// PostgREST returns an empty array, not an error, when the filter
	// matched no rows. Surface that as the missing-row condition.
	rows, err := splitRows(data)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		missErr := &Error{
			Code:    CodeRowNotFound,
			Message: fmt.Sprintf("%s row %s not found", table, id),
			Status:  http.StatusNotFound,
		}
		metrics.RemoteRequestErrors.WithLabelValues(table, "update", ClassMissingRow.String()).Inc()
		return missErr
	}
	return json.Unmarshal(rows[0], out)
}

func (c *Client) deleteRow(ctx context.Context, table, id string) error {
	start := time.Now()
	defer metrics.ObserveRemoteRequest(table, "delete", start)

	query := url.Values{"id": {"eq." + id}}
	_, err := c.do(ctx, http.MethodDelete, "/rest/v1/"+table, query, nil, nil)
	if err != nil {
		metrics.RemoteRequestErrors.WithLabelValues(table, "delete", Classify(err).String()).Inc()
	}
	return err
}

func (c *Client) getRow(ctx context.Context, table, id string, out interface{}) (bool, error) {
	start := time.Now()
	defer metrics.ObserveRemoteRequest(table, "get", start)

	query := url.Values{"id": {"eq." + id}}
	data, err := c.do(ctx, http.MethodGet, "/rest/v1/"+table, query, nil, nil)
	if err != nil {
		metrics.RemoteRequestErrors.WithLabelValues(table, "get", Classify(err).String()).Inc()
		return false, err
	}
	rows, err := splitRows(data)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(rows[0], out)
}

// do executes one HTTP request through the circuit breaker and returns the
// response body. Non-2xx responses are decoded into *Error.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, headers map[string]string) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
		var reqBody io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("marshal request body: %w", err)
			}
			reqBody = bytes.NewReader(data)
		}

		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("apikey", c.apiKey)
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, decodeError(resp.StatusCode, data)
		}
		return data, nil
	})
}

// decodeError converts a non-2xx response into a structured *Error.
func decodeError(status int, body []byte) error {
	remoteErr := &Error{Status: status}
	if err := json.Unmarshal(body, remoteErr); err != nil || remoteErr.Code == "" {
		remoteErr.Code = fmt.Sprintf("HTTP_%d", status)
		remoteErr.Message = http.StatusText(status)
		if len(body) > 0 && len(body) < 512 {
			remoteErr.Details = string(body)
		}
	}
	return remoteErr
}

// decodeRow decodes a single-row response that may arrive as an object or a
// one-element array.
func decodeRow(data []byte, out interface{}) error {
	rows, err := splitRows(data)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("empty response for row write")
	}
	return json.Unmarshal(rows[0], out)
}

// splitRows normalizes a response body into raw rows.
func splitRows(data []byte) ([]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var rows []json.RawMessage
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("decode rows: %w", err)
		}
		return rows, nil
	}
	return []json.RawMessage{json.RawMessage(data)}, nil
}
