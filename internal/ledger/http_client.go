package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPClient speaks the ledger's JSON API: /v1/create and /v1/exercise for
// single writes, /v2/commands/submit-and-wait-for-transaction for batches.
type HTTPClient struct {
	baseURL       string
	token         string
	applicationID string
	timeout       time.Duration
	http          *http.Client
	logger        *zap.Logger
}

var (
	_ Client         = (*HTTPClient)(nil)
	_ BatchSubmitter = (*HTTPClient)(nil)
)

// NewHTTPClient creates a JSON API client. timeout bounds each write.
func NewHTTPClient(baseURL, token, applicationID string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		applicationID: applicationID,
		timeout:       timeout,
		http:          &http.Client{Timeout: timeout},
		logger:        logger.Named("ledger"),
	}
}

type commandMeta struct {
	CommandID     string   `json:"commandId"`
	ActAs         []string `json:"actAs"`
	ApplicationID string   `json:"applicationId,omitempty"`
}

type createRequest struct {
	TemplateID string      `json:"templateId"`
	Payload    any         `json:"payload"`
	Meta       commandMeta `json:"meta"`
}

type exerciseRequest struct {
	TemplateID string      `json:"templateId"`
	ContractID string      `json:"contractId"`
	Choice     string      `json:"choice"`
	Argument   any         `json:"argument"`
	Meta       commandMeta `json:"meta"`
}

type submitRequest struct {
	Commands submitCommands `json:"commands"`
}

type submitCommands struct {
	Commands  []map[string]any `json:"commands"`
	CommandID string           `json:"commandId"`
	ActAs     []string         `json:"actAs"`
	UserID    string           `json:"userId,omitempty"`
}

type submitResponse struct {
	Transaction struct {
		UpdateID string `json:"updateId"`
		Events   []struct {
			Created *struct {
				ContractID string `json:"contractId"`
				TemplateID string `json:"templateId"`
			} `json:"CreatedEvent"`
		} `json:"events"`
	} `json:"transaction"`
}

type apiResponse struct {
	Status int             `json:"status"`
	Result json.RawMessage `json:"result"`
	Errors []string        `json:"errors"`
}

// Create implements Client.
func (c *HTTPClient) Create(ctx context.Context, templateID string, payload any, commandID, actAs string) (string, error) {
	req := createRequest{
		TemplateID: templateID,
		Payload:    payload,
		Meta:       c.meta(commandID, actAs),
	}
	result, err := c.post(ctx, "/v1/create", "create", commandID, req)
	if err != nil {
		return "", err
	}

	var created struct {
		ContractID string `json:"contractId"`
	}
	if err := json.Unmarshal(result, &created); err != nil || created.ContractID == "" {
		return "", &Error{Reason: ReasonTransient, Op: "create", CommandID: commandID, Message: "malformed create result", Err: err}
	}
	return created.ContractID, nil
}

// Exercise implements Client.
func (c *HTTPClient) Exercise(ctx context.Context, contractID, templateID, choice string, args any, commandID, actAs string) (json.RawMessage, error) {
	if args == nil {
		args = struct{}{}
	}
	req := exerciseRequest{
		TemplateID: templateID,
		ContractID: contractID,
		Choice:     choice,
		Argument:   args,
		Meta:       c.meta(commandID, actAs),
	}
	result, err := c.post(ctx, "/v1/exercise", "exercise "+choice, commandID, req)
	if err != nil {
		return nil, err
	}

	var exercised struct {
		ExerciseResult json.RawMessage `json:"exerciseResult"`
	}
	if err := json.Unmarshal(result, &exercised); err != nil {
		return nil, &Error{Reason: ReasonTransient, Op: "exercise " + choice, CommandID: commandID, Message: "malformed exercise result", Err: err}
	}
	return exercised.ExerciseResult, nil
}

// Submit implements BatchSubmitter. The commands are committed in one
// transaction under commandID. A create yields its contract id; an exercise
// yields null.
func (c *HTTPClient) Submit(ctx context.Context, cmds []Command, commandID, actAs string) ([]json.RawMessage, error) {
	entries := make([]map[string]any, 0, len(cmds))
	for _, cmd := range cmds {
		switch cmd.Kind {
		case CommandCreate:
			entries = append(entries, map[string]any{"CreateCommand": map[string]any{
				"templateId":      cmd.TemplateID,
				"createArguments": cmd.Argument,
			}})
		case CommandExercise:
			args := cmd.Argument
			if args == nil {
				args = struct{}{}
			}
			entries = append(entries, map[string]any{"ExerciseCommand": map[string]any{
				"templateId":     cmd.TemplateID,
				"contractId":     cmd.ContractID,
				"choice":         cmd.Choice,
				"choiceArgument": args,
			}})
		default:
			return nil, &Error{Reason: ReasonRejected, Op: "submit", CommandID: commandID, Message: fmt.Sprintf("unknown command kind %q", cmd.Kind)}
		}
	}

	req := submitRequest{Commands: submitCommands{
		Commands:  entries,
		CommandID: commandID,
		ActAs:     []string{actAs},
		UserID:    c.applicationID,
	}}
	result, err := c.post(ctx, "/v2/commands/submit-and-wait-for-transaction", "submit", commandID, req)
	if err != nil {
		return nil, err
	}

	var tx submitResponse
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, &Error{Reason: ReasonTransient, Op: "submit", CommandID: commandID, Message: "malformed submit result", Err: err}
	}

	// Created events are matched to create commands by template, in order.
	// Events report fully qualified template ids (package id prefixed).
	used := make([]bool, len(tx.Transaction.Events))
	out := make([]json.RawMessage, len(cmds))
	for i, cmd := range cmds {
		out[i] = json.RawMessage("null")
		if cmd.Kind != CommandCreate {
			continue
		}
		for j, ev := range tx.Transaction.Events {
			if used[j] || ev.Created == nil || !sameTemplate(ev.Created.TemplateID, cmd.TemplateID) {
				continue
			}
			used[j] = true
			id, _ := json.Marshal(ev.Created.ContractID)
			out[i] = id
			break
		}
	}
	return out, nil
}

func sameTemplate(qualified, templateID string) bool {
	return qualified == templateID || strings.HasSuffix(qualified, ":"+templateID)
}

func (c *HTTPClient) meta(commandID, actAs string) commandMeta {
	return commandMeta{CommandID: commandID, ActAs: []string{actAs}, ApplicationID: c.applicationID}
}

func (c *HTTPClient) post(ctx context.Context, path, op, commandID string, body any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Reason: ReasonRejected, Op: op, CommandID: commandID, Message: "encoding request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, &Error{Reason: ReasonRejected, Op: op, CommandID: commandID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Reason: ReasonTransient, Op: op, CommandID: commandID, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &Error{Reason: ReasonTransient, Op: op, CommandID: commandID, Err: err}
	}

	var parsed apiResponse
	_ = json.Unmarshal(raw, &parsed)

	c.logger.Debug("ledger write",
		zap.String("op", op),
		zap.String("command_id", commandID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode == http.StatusOK {
		if parsed.Result == nil {
			// v2 endpoints answer with the bare document
			return raw, nil
		}
		return parsed.Result, nil
	}
	msg := strings.Join(parsed.Errors, "; ")
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	return nil, &Error{
		Reason:    reasonForStatus(resp.StatusCode, msg),
		Op:        op,
		CommandID: commandID,
		Message:   fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg),
	}
}

// reasonForStatus maps the JSON API's status codes (and the ledger error ids
// it embeds in messages) onto Reason.
func reasonForStatus(status int, msg string) Reason {
	upper := strings.ToUpper(msg)
	switch {
	case strings.Contains(upper, "CONTRACT_NOT_ACTIVE"), strings.Contains(upper, "INCONSISTENT"),
		strings.Contains(upper, "ALREADY CONSUMED"), strings.Contains(upper, "ARCHIVED"):
		return ReasonAlreadyConsumed
	case strings.Contains(upper, "DUPLICATE_COMMAND"):
		return ReasonDuplicateCommand
	}
	switch {
	case status == http.StatusNotFound:
		return ReasonNotFound
	case status == http.StatusConflict:
		return ReasonDuplicateCommand
	case status == http.StatusTooManyRequests, status >= 500:
		return ReasonTransient
	default:
		return ReasonRejected
	}
}
