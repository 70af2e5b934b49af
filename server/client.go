package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to a scriptbook server: blocking runs and session management
// over REST, streaming runs over the WebSocket protocol.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	wsBaseURL                string
	customizeRetryableClient func(*retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("scriptbook_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, host string, port int, opts ...ClientOption) *Client {
	c := &Client{
		Logger:     log.Named("scriptbook_client"),
		HTTPClient: http.DefaultClient,
		baseURL:    fmt.Sprintf("http://%s:%d", host, port),
		wsBaseURL:  fmt.Sprintf("ws://%s:%d", host, port),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WaitForServer blocks until the server responds to health checks, retrying
// with backoff until the context is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = c.HTTPClient
	retryClient.Logger = &logAdapter{c.Logger}
	retryClient.RetryMax = 40
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	req, err := retryablehttp.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	resp, err := retryClient.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("waiting for server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status %d", resp.StatusCode)
	}
	return nil
}

// Sessions lists the live sessions.
func (c *Client) Sessions(ctx context.Context) ([]SessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer resp.Body.Close()
	var infos []SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, fmt.Errorf("decoding session list: %w", err)
	}
	return infos, nil
}

// StopScript stops the identifier's live session, if any.
func (c *Client) StopScript(ctx context.Context, identifier string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scripts/"+identifier+"/stop", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("stopping script: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("no live session for %q", identifier)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected stop status %d", resp.StatusCode)
	}
	return nil
}

// Run executes a block to completion over REST, returning buffered output.
func (c *Client) Run(ctx context.Context, identifier string, req RunRequest) (*RunResponse, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scripts/"+identifier+"/run", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("running script: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("run failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var runResp RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&runResp); err != nil {
		return nil, fmt.Errorf("decoding run response: %w", err)
	}
	return &runResp, nil
}

// ExecRequest starts (or attaches to) a streaming run.
type ExecRequest struct {
	Identifier string
	Language   string
	Code       string

	// Attach subscribes to an already-running session instead of starting a
	// new one; Code and Language are ignored.
	Attach bool

	// Stdout and Stderr receive output as it streams. Either may be nil.
	Stdout io.Writer
	Stderr io.Writer
}

// ExecResult describes how a streamed run ended.
type ExecResult struct {
	ExitCode int
	// Stopped is true if the run was terminated by a stop command rather
	// than exiting on its own.
	Stopped bool
}

// ScriptError is a terminal error event from the engine: the script could
// not be spawned or failed mid-stream.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string { return e.Message }

// Execute opens the streaming protocol for one script block.
func (c *Client) Execute(ctx context.Context, req ExecRequest) (*Execution, error) {
	url := c.wsBaseURL + "/scripts/" + req.Identifier + "/execute"
	c.Logger.Debugw("dialing WebSocket for execute", "URL", url)
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to execute: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(ctx)
	e := &Execution{
		log:      c.Logger.Named("execution").With("identifier", req.Identifier),
		conn:     wsConn,
		ctx:      ctx,
		cancel:   cancel,
		stdout:   io.Discard,
		stderr:   io.Discard,
		resultCh: make(chan execResult, 1),
	}
	if req.Stdout != nil {
		e.stdout = req.Stdout
	}
	if req.Stderr != nil {
		e.stderr = req.Stderr
	}

	first := commandFrame{Identifier: req.Identifier, Code: req.Code, Language: req.Language, Attach: req.Attach}
	if err := wsjson.Write(ctx, wsConn, first); err != nil {
		cancel()
		wsConn.Close(websocket.StatusInternalError, "writing first frame")
		return nil, fmt.Errorf("writing first frame: %w", err)
	}

	go e.readEvents()
	return e, nil
}

type execResult struct {
	code    int
	stopped bool
	err     error
}

// Execution is one streaming run in progress.
type Execution struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	stdout io.Writer
	stderr io.Writer

	resultCh chan execResult

	closeConnOnce sync.Once
}

func (e *Execution) close(code websocket.StatusCode, reason string) {
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	e.closeConnOnce.Do(func() {
		if err := e.conn.Close(code, reason); err != nil {
			e.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (e *Execution) readEvents() {
	for {
		var frame eventFrame
		err := wsjson.Read(e.ctx, e.conn, &frame)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				e.resultCh <- execResult{err: fmt.Errorf("conn unexpectedly closed: %w", err)}
			} else {
				e.resultCh <- execResult{err: err}
			}
			e.close(websocket.StatusInternalError, "read error")
			return
		}
		switch frame.Type {
		case "stdout":
			if _, err := io.WriteString(e.stdout, frame.Content); err != nil {
				e.log.Debugf("stdout writer got error: %s", err)
			}
		case "stderr":
			if _, err := io.WriteString(e.stderr, frame.Content); err != nil {
				e.log.Debugf("stderr writer got error: %s", err)
			}
		case "exit":
			code := 0
			if frame.ExitCode != nil {
				code = *frame.ExitCode
			}
			e.resultCh <- execResult{code: code, stopped: frame.Stopped}
			e.close(websocket.StatusNormalClosure, "")
			return
		case "error":
			e.resultCh <- execResult{err: &ScriptError{Message: frame.Content}}
			e.close(websocket.StatusNormalClosure, "")
			return
		default:
			e.log.Debugf("ignoring frame with unknown type %q", frame.Type)
		}
	}
}

// SendInput sends one line of stdin to the process.
func (e *Execution) SendInput(ctx context.Context, content string) error {
	return wsjson.Write(ctx, e.conn, commandFrame{Command: "input", Content: content})
}

// Resize sets the process terminal size. Best-effort.
func (e *Execution) Resize(ctx context.Context, rows, cols uint16) error {
	return wsjson.Write(ctx, e.conn, commandFrame{Command: "resize", Rows: rows, Cols: cols})
}

// Stop asks the server to kill the process.
func (e *Execution) Stop(ctx context.Context) error {
	return wsjson.Write(ctx, e.conn, commandFrame{Command: "stop"})
}

// Wait blocks until the run reaches its terminal event.
func (e *Execution) Wait(ctx context.Context) (*ExecResult, error) {
	select {
	case res := <-e.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return &ExecResult{ExitCode: res.code, Stopped: res.stopped}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, e.ctx.Err()
	}
}

// Close drops the connection. If this execution started the run (rather
// than attaching), the server treats the disconnect as a stop.
func (e *Execution) Close() error {
	e.close(websocket.StatusNormalClosure, "")
	e.cancel()
	return nil
}
