// Package recovery is the outbound client for the pipeline's backfill API.
package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/courtdata/sentinel/internal/config"
	"github.com/courtdata/sentinel/internal/utils"
)

// Request is the body posted to a backfill endpoint. BackfillMode and
// SkipDependencyCheck are always set: the receiving pipeline must treat the
// run as a repair, not a fresh ingest.
type Request struct {
	StartDate           string   `json:"start_date"`
	EndDate             string   `json:"end_date"`
	GameIDs             []string `json:"game_ids,omitempty"`
	Processors          []string `json:"processors,omitempty"`
	BackfillMode        bool     `json:"backfill_mode"`
	SkipDependencyCheck bool     `json:"skip_dependency_check"`
	CorrelationID       string   `json:"correlation_id"`
}

// Client posts backfill requests to the per-gap-type endpoints.
type Client struct {
	endpoints  map[string]string
	processors map[string][]string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient constructs the client from backfill configuration.
func NewClient(logger *slog.Logger, cfg config.BackfillConfig) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoints:  cfg.Endpoints,
		processors: cfg.Processors,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Supports reports whether an endpoint is configured for the gap type.
func (c *Client) Supports(gapType string) bool {
	_, ok := c.endpoints[gapType]
	return ok
}

// Trigger posts one backfill request for the gap type and date range. It
// returns the correlation id assigned to the run.
func (c *Client) Trigger(ctx context.Context, gapType string, start, end time.Time, gameIDs []string) (string, error) {
	endpoint, ok := c.endpoints[gapType]
	if !ok {
		return "", &utils.AppError{Op: "recovery.trigger", Msg: fmt.Sprintf("no backfill endpoint for gap type %q", gapType)}
	}

	req := Request{
		StartDate:           utils.FormatDate(start),
		EndDate:             utils.FormatDate(end),
		GameIDs:             gameIDs,
		Processors:          c.processors[gapType],
		BackfillMode:        true,
		SkipDependencyCheck: true,
		CorrelationID:       uuid.NewString(),
	}
	if err := c.postJSON(ctx, endpoint, req); err != nil {
		return "", err
	}

	c.logger.Info("backfill request accepted",
		slog.String("gap_type", gapType),
		slog.String("endpoint", endpoint),
		slog.String("correlation_id", req.CorrelationID),
		slog.String("start_date", req.StartDate),
		slog.String("end_date", req.EndDate))
	return req.CorrelationID, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &utils.AppError{Op: "recovery.trigger", Msg: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return &utils.AppError{Op: "recovery.trigger", Msg: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &utils.AppError{Op: "recovery.trigger", Msg: "post " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &utils.AppError{Op: "recovery.trigger",
			Msg: fmt.Sprintf("%s returned %d: %s", endpoint, resp.StatusCode, snippet)}
	}
	return nil
}
