package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 1 << 20

type Client struct {
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

// Stream connects to url and writes each output chunk to w until the process exits.
// w may be nil to discard output.
func (c *Client) Stream(ctx context.Context, url string, w io.Writer) (*Result, error) {
	if w == nil {
		w = io.Discard
	}
	c.Logger.Debugw("dialing WebSocket for stream", "URL", url)
	wsConn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("establishing WebSocket conn to stream: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("establishing WebSocket conn to stream: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	defer func() {
		err := wsConn.Close(websocket.StatusNormalClosure, "")
		if err != nil {
			c.Logger.Debugf("error closing conn: %s", err)
		}
	}()

	res := &Result{}
	for {
		var f Frame
		err := wsjson.Read(ctx, wsConn, &f)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				return nil, fmt.Errorf("conn closed before exit (status %s): %w", status, err)
			}
			return nil, fmt.Errorf("reading frame: %w", err)
		}
		switch {
		case f.Err != "":
			return nil, &RemoteError{Msg: f.Err}
		case f.Started:
			res.ID = f.ID
		case f.Exited:
			res.ExitCode = f.ExitCode
			res.TimeMS = f.TimeMS
			return res, nil
		case len(f.Stdout) > 0:
			if _, err := w.Write(f.Stdout); err != nil {
				return nil, fmt.Errorf("writing output: %w", err)
			}
		}
	}
}

var ErrNotFound = errors.New("stream not found")

// RemoteError is a failure reported by the server, such as the process failing to start.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "remote: " + e.Msg }
