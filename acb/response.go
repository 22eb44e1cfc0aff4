package acb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// successMsg is what the cloud puts in msg when an operation went through
// ("operation successful").
const successMsg = "操作成功"

const successCode = "200"

var (
	ErrNotAuthenticated  = errors.New("not authenticated - login first")
	ErrRefreshSuppressed = errors.New("status refresh suppressed after a recent control")
	ErrUnauthorized      = errors.New("session rejected by aircontrolbase")
	ErrNoUserID          = errors.New("no user id in login response")
)

// APIError is a well-formed response the cloud flagged as failed.
type APIError struct {
	Op   string
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Msg)
}

// HTTPStatusError is returned when the cloud answers with a non-200 status.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("aircontrolbase http error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// envelope is the common wrapper around every response. Code arrives either
// as "200" or 200 depending on the endpoint; weak decoding folds both into a
// string.
type envelope struct {
	Code    string      `mapstructure:"code"`
	Msg     string      `mapstructure:"msg"`
	Message string      `mapstructure:"message"`
	Result  interface{} `mapstructure:"result"`
}

func (e *envelope) ok() bool {
	return e.Code == successCode || e.Msg == successMsg
}

func (e *envelope) unauthorized() bool {
	return e.Code == "401" || e.Code == "403"
}

func (e *envelope) errorMessage() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("Unknown error (code: %s)", e.Code)
}

func parseEnvelope(op string, body []byte) (*envelope, error) {
	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%s: invalid response format: %w", op, err)
	}
	var env envelope
	if err := decode(raw, &env); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if env.unauthorized() {
		return nil, ErrUnauthorized
	}
	if !env.ok() {
		return nil, &APIError{Op: op, Code: env.Code, Msg: env.errorMessage()}
	}
	return &env, nil
}

type loginResult struct {
	ID string `mapstructure:"id"`
}

type detailsResult struct {
	Areas []struct {
		Data []map[string]interface{} `mapstructure:"data"`
	} `mapstructure:"areas"`
}
