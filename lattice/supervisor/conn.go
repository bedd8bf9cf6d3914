package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/wasmlattice/wasmlatticed/internal/tlsutil"
)

// FrameType names one control-channel message.
type FrameType string

const (
	FramePutLink       FrameType = "put-link"
	FrameDeleteLink    FrameType = "delete-link"
	FrameHealthRequest FrameType = "health-request"
	FrameShutdown      FrameType = "shutdown"
)

// ControlFrame is one message exchanged over a provider's control
// channel. LinkKey identifies the link for delete-link; Link carries
// the full link for put-link.
type ControlFrame struct {
	Type    FrameType    `json:"type"`
	Link    *linkPayload `json:"link,omitempty"`
	LinkKey string       `json:"link_key,omitempty"`
}

// linkPayload is the JSON shape of a lattice.Link on the wire; kept
// separate from lattice.Link so the control protocol does not break if
// the in-process struct grows fields providers don't need.
type linkPayload struct {
	SourceID     string   `json:"source_id"`
	TargetID     string   `json:"target_id"`
	Namespace    string   `json:"namespace"`
	Package      string   `json:"package"`
	Interfaces   []string `json:"interfaces"`
	LinkName     string   `json:"link_name"`
	SourceConfig []string `json:"source_config"`
	TargetConfig []string `json:"target_config"`
}

// ControlAck is a provider's synchronous reply to a ControlFrame.
type ControlAck struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// ControlConn is a provider's control channel: send a frame, get a
// synchronous ack. Implementations are either a real websocket
// connection to an out-of-process provider, or an in-process conn
// bound directly to a provider's handler for tests and co-located
// providers.
type ControlConn interface {
	Send(ctx context.Context, frame ControlFrame) (ControlAck, error)
	Close() error
}

// WebsocketConn is a ControlConn over github.com/coder/websocket,
// the control-channel transport spec.md §4.6 calls for. Frames are
// exchanged as JSON text messages via the library's wsjson helpers.
type WebsocketConn struct {
	conn *websocket.Conn
}

// DialControlConn dials a provider's control endpoint at url, using a
// TLS-hardened client (internal/tlsutil) when url is wss://.
func DialControlConn(ctx context.Context, url string, dialTimeout time.Duration) (*WebsocketConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPClient: tlsutil.SecureHTTPClient(dialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: dial control channel %s: %w", url, err)
	}
	conn.SetReadLimit(4 << 20)
	return &WebsocketConn{conn: conn}, nil
}

// AcceptControlConn upgrades an inbound HTTP request to a control
// channel, for a host acting as the provider side of the connection.
func AcceptControlConn(w http.ResponseWriter, r *http.Request) (*WebsocketConn, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("supervisor: accept control channel: %w", err)
	}
	conn.SetReadLimit(4 << 20)
	return &WebsocketConn{conn: conn}, nil
}

func (c *WebsocketConn) Send(ctx context.Context, frame ControlFrame) (ControlAck, error) {
	if err := wsjson.Write(ctx, c.conn, frame); err != nil {
		return ControlAck{}, fmt.Errorf("supervisor: write control frame: %w", err)
	}
	var ack ControlAck
	if err := wsjson.Read(ctx, c.conn, &ack); err != nil {
		return ControlAck{}, fmt.Errorf("supervisor: read control ack: %w", err)
	}
	return ack, nil
}

func (c *WebsocketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "supervisor closing")
}
