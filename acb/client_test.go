package acb

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const detailsBody = `{"code":"200","msg":"操作成功","result":{"areas":[
	{"name":"Ground","data":[{"id":1001,"name":"Living room","groupId":7,"deviceNumber":"A1","cid":3,"aid":1,"power":"y","mode":"cool","setTemp":24,"factTemp":"26.5","wind":"auto","swing":"off","other":""}]},
	{"name":"First","data":[{"id":"1002","name":"Bedroom","groupId":7,"deviceNumber":"A2","cid":3,"aid":2,"power":"n","mode":"heat","setTemp":"21","factTemp":19,"wind":"low","swing":"vertical"}]}
]}}`

type fakeCloud struct {
	t *testing.T

	mu          sync.Mutex
	logins      int
	detailCalls int
	forms       map[string][]map[string]string
	loginBody   string
	detailsBody string
	controlBody string
	// expire makes the next authenticated request fail with code 401
	expire bool
	// unauthorized makes the next authenticated request answer HTTP 401
	unauthorized bool
	// failures makes the next n requests answer 502
	failures int
}

func newFakeCloud(t *testing.T) (*fakeCloud, *httptest.Server) {
	f := &fakeCloud{
		t:           t,
		forms:       make(map[string][]map[string]string),
		loginBody:   `{"code":200,"msg":"操作成功","result":{"id":4242,"account":"user@example.com"}}`,
		detailsBody: detailsBody,
		controlBody: `{"code":"200","msg":"操作成功"}`,
	}
	server := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeCloud) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Method != http.MethodPost {
		f.t.Errorf("expected POST, got %s", r.Method)
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
		f.t.Errorf("unexpected content type %q", ct)
	}
	if err := r.ParseForm(); err != nil {
		f.t.Errorf("parse form: %v", err)
	}
	form := make(map[string]string)
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	f.forms[r.URL.Path] = append(f.forms[r.URL.Path], form)

	if f.failures > 0 {
		f.failures--
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
		return
	}

	if r.URL.Path == loginPath {
		f.logins++
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "session-1", Path: "/"})
		_, _ = io.WriteString(w, f.loginBody)
		return
	}

	cookie, err := r.Cookie("JSESSIONID")
	if err != nil || cookie.Value != "session-1" {
		f.t.Errorf("missing session cookie on %s", r.URL.Path)
	}
	if f.unauthorized {
		f.unauthorized = false
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.expire {
		f.expire = false
		_, _ = io.WriteString(w, `{"code":"401","msg":"please login"}`)
		return
	}

	switch r.URL.Path {
	case detailsPath:
		f.detailCalls++
		_, _ = io.WriteString(w, f.detailsBody)
	case controlPath:
		_, _ = io.WriteString(w, f.controlBody)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeCloud) lastForm(path string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	forms := f.forms[path]
	if len(forms) == 0 {
		return nil
	}
	return forms[len(forms)-1]
}

func (f *fakeCloud) requests(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forms[path])
}

func newTestClient(t *testing.T, url string) *Client {
	c, err := New(&Config{
		Email:              "user@example.com",
		Password:           "secret",
		BaseURL:            url,
		AvoidRefreshWindow: 5 * time.Second,
		Retries:            2,
		RetryDelay:         time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestLoginAndDevices(t *testing.T) {
	cloud, server := newFakeCloud(t)
	c := newTestClient(t, server.URL)
	ctx := context.Background()

	_, err := c.Devices(ctx)
	require.ErrorIs(t, err, ErrNotAuthenticated)

	require.NoError(t, c.Login(ctx))
	assert.Equal(t, "4242", c.UserID())
	assert.Equal(t, map[string]string{
		"account":                        "user@example.com",
		"password":                       "secret",
		"avoidRefreshStatusOnUpdateInMs": "5000",
	}, cloud.lastForm(loginPath))

	devices, err := c.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "4242", cloud.lastForm(detailsPath)["userId"])

	living := devices[0]
	assert.Equal(t, "1001", living.ID)
	assert.Equal(t, "Living room", living.Name)
	assert.True(t, living.IsOn())
	assert.Equal(t, ModeCool, living.Mode)
	assert.Equal(t, 24.0, living.SetTemp)
	assert.Equal(t, 26.5, living.FactTemp)

	bedroom := devices[1]
	assert.Equal(t, "1002", bedroom.ID)
	assert.False(t, bedroom.IsOn())
	assert.Equal(t, 21.0, bedroom.SetTemp)
	assert.Equal(t, "vertical", bedroom.Swing)
}

func TestEnsureAuthenticated(t *testing.T) {
	cloud, server := newFakeCloud(t)
	c := newTestClient(t, server.URL)
	ctx := context.Background()

	require.NoError(t, c.EnsureAuthenticated(ctx))
	require.NoError(t, c.EnsureAuthenticated(ctx))
	assert.Equal(t, 1, cloud.logins)
}

func TestLoginFailures(t *testing.T) {
	cloud, server := newFakeCloud(t)
	c := newTestClient(t, server.URL)
	ctx := context.Background()

	cloud.loginBody = `{"code":"500","msg":"账号或密码错误"}`
	err := c.Login(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "账号或密码错误", apiErr.Msg)
	assert.Equal(t, 1, cloud.logins, "rejected credentials must not be resent")
	assert.Equal(t, "", c.UserID())

	cloud.loginBody = `{"code":"500","message":"locked"}`
	err = c.Login(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "locked", apiErr.Msg)

	cloud.loginBody = `{"code":"7"}`
	err = c.Login(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Unknown error (code: 7)", apiErr.Msg)

	cloud.loginBody = `{"code":"200","result":{}}`
	err = c.Login(ctx)
	require.ErrorIs(t, err, ErrNoUserID)

	cloud.loginBody = `not json`
	err = c.Login(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid response format")
}

func TestSuccessByMessage(t *testing.T) {
	cloud, server := newFakeCloud(t)
	c := newTestClient(t, server.URL)

	cloud.loginBody = `{"code":"0","msg":"操作成功","result":{"id":"u-1"}}`
	require.NoError(t, c.Login(context.Background()))
	assert.Equal(t, "u-1", c.UserID())
}

func TestControl(t *testing.T) {
	cloud, server := newFakeCloud(t)
	c := newTestClient(t, server.URL)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	err := c.Control(ctx, Control{"id": 1}, Operation{})
	require.ErrorIs(t, err, ErrNotAuthenticated)

	require.NoError(t, c.Login(ctx))
	devices, err := c.Devices(ctx)
	require.NoError(t, err)

	dev := devices[0]
	op := dev.Operation()
	op.SetTemp = 22
	op.Wind = WindHigh
	require.NoError(t, c.Control(ctx, dev.Control(), op))

	form := cloud.lastForm(controlPath)
	require.NotNil(t, form)
	assert.Equal(t, "4242", form["userId"])

	var control map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(form["control"]), &control))
	assert.Equal(t, map[string]interface{}{
		"id": 1001.0, "groupId": 7.0, "deviceNumber": "A1", "cid": 3.0, "aid": 1.0,
	}, control)

	var operation map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(form["operation"]), &operation))
	assert.Equal(t, "y", operation["power"])
	assert.Equal(t, "cool", operation["mode"])
	assert.Equal(t, 22.0, operation["setTemp"])
	assert.Equal(t, "high", operation["wind"])
	assert.Equal(t, "off", operation["swing"])

	// the cloud reports stale state right after a control
	_, err = c.Devices(ctx)
	require.ErrorIs(t, err, ErrRefreshSuppressed)
	assert.Equal(t, 1, cloud.detailCalls)

	now = now.Add(6 * time.Second)
	_, err = c.Devices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cloud.detailCalls)

	cloud.controlBody = `{"code":"500","msg":"device offline"}`
	err = c.Control(ctx, dev.Control(), op)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "device offline", apiErr.Msg)
}

func TestRelogOnExpiredSession(t *testing.T) {
	cloud, server := newFakeCloud(t)
	c := newTestClient(t, server.URL)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	cloud.expire = true

	devices, err := c.Devices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 2)
	assert.Equal(t, 2, cloud.logins)
}

func TestRelogOnUnauthorizedStatus(t *testing.T) {
	cloud, server := newFakeCloud(t)
	c := newTestClient(t, server.URL)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	cloud.unauthorized = true

	devices, err := c.Devices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 2)
	assert.Equal(t, 2, cloud.logins)
	assert.Equal(t, 1, cloud.detailCalls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	cloud, server := newFakeCloud(t)
	c, err := New(&Config{
		Email:      "user@example.com",
		Password:   "secret",
		BaseURL:    server.URL,
		RetryDelay: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, c.Login(context.Background()))

	cloud.mu.Lock()
	cloud.failures = 10
	cloud.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err = c.Devices(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 1, cloud.requests(detailsPath), "nothing is resent once the context is done")

	assert.False(t, retryable(context.Canceled))
	assert.False(t, retryable(context.DeadlineExceeded))
}

func TestRetryOnServerError(t *testing.T) {
	cloud, server := newFakeCloud(t)
	c := newTestClient(t, server.URL)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))

	cloud.failures = 2
	_, err := c.Devices(ctx)
	require.NoError(t, err)

	cloud.failures = 3
	_, err = c.Devices(ctx)
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.Status)
}

func TestDefaults(t *testing.T) {
	cloud, server := newFakeCloud(t)
	c, err := New(&Config{Email: "user@example.com", Password: "secret", BaseURL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, DefaultRetries, c.config.Retries)
	assert.Equal(t, DefaultAvoidRefreshWindow, c.config.AvoidRefreshWindow)
	assert.Equal(t, DefaultTimeout, c.config.Timeout)
	assert.Equal(t, DefaultRetryDelay, c.config.RetryDelay)

	require.NoError(t, c.Login(context.Background()))
	assert.Equal(t, "5000", cloud.lastForm(loginPath)["avoidRefreshStatusOnUpdateInMs"])

	// negative values turn the window and the resends off
	c, err = New(&Config{BaseURL: server.URL, AvoidRefreshWindow: -1, Retries: -1})
	require.NoError(t, err)
	assert.Equal(t, 0, c.config.Retries)
	assert.Equal(t, time.Duration(0), c.config.AvoidRefreshWindow)

	d, err := New(&Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, d.baseURL)
}

type recordingObserver struct {
	ops  []string
	errs []error
}

func (o *recordingObserver) ObserveRequest(op string, _ time.Duration, err error) {
	o.ops = append(o.ops, op)
	o.errs = append(o.errs, err)
}

func TestObserverAndConnectionTest(t *testing.T) {
	_, server := newFakeCloud(t)
	obs := &recordingObserver{}
	c, err := New(&Config{Email: "user@example.com", Password: "secret", BaseURL: server.URL, Observer: obs})
	require.NoError(t, err)

	require.NoError(t, c.TestConnection(context.Background()))
	assert.Equal(t, []string{opLogin, opDevices}, obs.ops)
	assert.Equal(t, []error{nil, nil}, obs.errs)
}
