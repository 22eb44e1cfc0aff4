// Package acb is a client for the AirControlBase cloud API.
//
// The cloud keeps a cookie based session. Login returns the user id that
// every later request carries next to the session cookie.
package acb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
)

// DefaultBaseURL is the AirControlBase cloud endpoint
const DefaultBaseURL = "https://www.aircontrolbase.com"

const (
	DefaultAvoidRefreshWindow = 5000 * time.Millisecond
	DefaultTimeout            = 10 * time.Second
	DefaultRetries            = 3
	DefaultRetryDelay         = 500 * time.Millisecond
)

const (
	loginPath   = "/web/user/login"
	detailsPath = "/web/userGroup/getDetails"
	controlPath = "/web/device/control"
)

// operation names used in errors, logs and metrics
const (
	opLogin   = "login"
	opDevices = "get_devices"
	opControl = "control_device"
)

// Observer is notified of every request sent to the cloud
type Observer interface {
	ObserveRequest(op string, duration time.Duration, err error)
}

// Config contains the configuration parameters for a new Client
type Config struct {
	Email    string
	Password string
	BaseURL  string
	// AvoidRefreshWindow is how long after a control call status refreshes
	// are skipped, as the cloud keeps reporting the old state for a while.
	// Zero means DefaultAvoidRefreshWindow, negative disables the window.
	AvoidRefreshWindow time.Duration
	Timeout            time.Duration
	Retries            int // zero means DefaultRetries, negative never resends
	RetryDelay         time.Duration
	HTTPClient         *http.Client
	Logger             log.FieldLogger
	Observer           Observer
}

// Client talks to the AirControlBase cloud
type Client struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	log        log.FieldLogger
	now        func() time.Time

	mu          sync.Mutex
	userID      string
	lastControl time.Time
}

// New returns a new Client. No request is sent until Login.
func New(config *Config) (*Client, error) {
	c := &Client{
		config: *config,
		now:    time.Now,
	}
	if c.config.AvoidRefreshWindow == 0 {
		c.config.AvoidRefreshWindow = DefaultAvoidRefreshWindow
	} else if c.config.AvoidRefreshWindow < 0 {
		c.config.AvoidRefreshWindow = 0
	}
	if c.config.Timeout <= 0 {
		c.config.Timeout = DefaultTimeout
	}
	if c.config.Retries == 0 {
		c.config.Retries = DefaultRetries
	} else if c.config.Retries < 0 {
		c.config.Retries = 0
	}
	if c.config.RetryDelay <= 0 {
		c.config.RetryDelay = DefaultRetryDelay
	}

	c.baseURL = strings.TrimRight(strings.TrimSpace(c.config.BaseURL), "/")
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}

	c.log = c.config.Logger
	if c.log == nil {
		c.log = log.StandardLogger()
	}
	c.log = c.log.WithField("component", "acb")

	c.httpClient = c.config.HTTPClient
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.httpClient.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, err
		}
		hc := *c.httpClient
		hc.Jar = jar
		c.httpClient = &hc
	}
	return c, nil
}

// UserID returns the user id obtained on login, or "" if not logged in
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Email returns the account the client logs in with
func (c *Client) Email() string {
	return c.config.Email
}

// Login authenticates against the cloud and keeps the session
func (c *Client) Login(ctx context.Context) error {
	c.log.WithField("account", c.config.Email).Debug("Attempting login")
	form := url.Values{
		"account":                        {c.config.Email},
		"password":                       {c.config.Password},
		"avoidRefreshStatusOnUpdateInMs": {strconv.FormatInt(c.config.AvoidRefreshWindow.Milliseconds(), 10)},
	}

	var result loginResult
	var cookies int
	err := c.try(ctx, opLogin, func() error {
		env, resp, err := c.post(ctx, opLogin, loginPath, form)
		if err != nil {
			return err
		}
		cookies = len(resp.Header.Values("Set-Cookie"))
		return decode(env.Result, &result)
	})
	if err != nil {
		c.log.WithError(err).Error("Login failed")
		return fmt.Errorf("authentication failed: %w", err)
	}
	if result.ID == "" {
		c.log.Error("No user id found in login response")
		return fmt.Errorf("authentication failed: %w", ErrNoUserID)
	}
	if cookies == 0 {
		c.log.Warn("No session cookies found")
	}

	c.mu.Lock()
	c.userID = result.ID
	c.mu.Unlock()
	c.log.WithField("user_id", result.ID).Info("Logged in to AirControlBase")
	return nil
}

// EnsureAuthenticated logs in unless a session is already held
func (c *Client) EnsureAuthenticated(ctx context.Context) error {
	if c.UserID() != "" {
		return nil
	}
	return c.Login(ctx)
}

// Devices returns every unit of the account. Within the avoid-refresh
// window after a control call it returns ErrRefreshSuppressed instead.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	c.mu.Lock()
	suppressed := !c.lastControl.IsZero() && c.now().Sub(c.lastControl) < c.config.AvoidRefreshWindow
	c.mu.Unlock()
	if suppressed {
		return nil, ErrRefreshSuppressed
	}
	if c.UserID() == "" {
		return nil, ErrNotAuthenticated
	}

	var result detailsResult
	err := c.try(ctx, opDevices, func() error {
		result = detailsResult{}
		env, _, err := c.post(ctx, opDevices, detailsPath, url.Values{"userId": {c.UserID()}})
		if err != nil {
			return err
		}
		if env.Result == nil {
			return nil
		}
		return decode(env.Result, &result)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	var devices []Device
	for _, area := range result.Areas {
		for _, raw := range area.Data {
			d, err := ParseDevice(raw)
			if err != nil {
				c.log.WithError(err).Warn("Skipping device")
				continue
			}
			devices = append(devices, d)
		}
	}
	c.log.WithField("count", len(devices)).Debug("Fetched devices")
	return devices, nil
}

// Control sends the desired operation to the unit addressed by control
func (c *Client) Control(ctx context.Context, control Control, op Operation) error {
	if c.UserID() == "" {
		return ErrNotAuthenticated
	}
	c.mu.Lock()
	c.lastControl = c.now()
	c.mu.Unlock()

	controlJSON := mustJSON(control)
	operationJSON := mustJSON(op)
	c.log.WithFields(log.Fields{
		"control":   controlJSON,
		"operation": operationJSON,
	}).Debug("Controlling device")

	err := c.try(ctx, opControl, func() error {
		_, _, err := c.post(ctx, opControl, controlPath, url.Values{
			"userId":    {c.UserID()},
			"control":   {controlJSON},
			"operation": {operationJSON},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("device control failed: %w", err)
	}
	return nil
}

// TestConnection checks that the credentials work and devices can be read
func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.Login(ctx); err != nil {
		return err
	}
	_, err := c.Devices(ctx)
	if errors.Is(err, ErrRefreshSuppressed) {
		return nil
	}
	return err
}

// post sends a form request and returns the successful envelope
func (c *Client) post(ctx context.Context, op, path string, form url.Values) (env *envelope, resp *http.Response, err error) {
	start := c.now()
	defer func() {
		if c.config.Observer != nil {
			c.config.Observer.ObserveRequest(op, c.now().Sub(start), err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err = c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, fmt.Errorf("read %s response: %w", op, err)
	}
	c.log.WithFields(log.Fields{"op": op, "status": resp.StatusCode}).Debugf("Response: %s", body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, resp, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp, &HTTPStatusError{Status: resp.StatusCode, Body: string(body)}
	}

	env, err = parseEnvelope(op, body)
	return env, resp, err
}
