package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/oeway/hypha-core/errors"
	"github.com/oeway/hypha-core/types"
)

// frame is the JSON envelope exchanged with a remote hypha peer.
type frame struct {
	RequestID string          `json:"request_id"`
	Type      string          `json:"type"`
	ServiceID string          `json:"service_id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Args      []any           `json:"args,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// serviceDescriptor is the metadata half of a get_service response.
type serviceDescriptor struct {
	ID          string              `json:"id"`
	Name        string              `json:"name,omitempty"`
	Description string              `json:"description,omitempty"`
	Type        string              `json:"type,omitempty"`
	Config      types.ServiceConfig `json:"config"`
	AppID       string              `json:"app_id,omitempty"`
	Methods     []string            `json:"methods,omitempty"`
}

// WebSocket is a Transport that fetches service handles over a single
// multiplexed WebSocket connection to a remote peer. Requests are
// correlated by request id; a read pump routes responses to waiters.
type WebSocket struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *frame

	closeOnce sync.Once
	done      chan struct{}
}

// DialWebSocket connects to a remote peer's transport endpoint.
func DialWebSocket(ctx context.Context, url string, logger *slog.Logger) (*WebSocket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws := &WebSocket{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan *frame),
		done:    make(chan struct{}),
	}
	go ws.readPump()
	return ws, nil
}

func (ws *WebSocket) readPump() {
	defer ws.Close()
	for {
		var f frame
		if err := ws.conn.ReadJSON(&f); err != nil {
			select {
			case <-ws.done:
			default:
				ws.logger.Warn("transport read failed", "error", err)
			}
			return
		}
		ws.pendingMu.Lock()
		ch, ok := ws.pending[f.RequestID]
		delete(ws.pending, f.RequestID)
		ws.pendingMu.Unlock()
		if !ok {
			ws.logger.Debug("dropping uncorrelated frame", "request_id", f.RequestID)
			continue
		}
		ch <- &f
	}
}

// roundTrip sends a frame and waits for its correlated response.
func (ws *WebSocket) roundTrip(ctx context.Context, req *frame, timeout time.Duration) (*frame, error) {
	req.RequestID = uuid.NewString()
	ch := make(chan *frame, 1)

	ws.pendingMu.Lock()
	ws.pending[req.RequestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pending, req.RequestID)
		ws.pendingMu.Unlock()
	}()

	ws.writeMu.Lock()
	err := ws.conn.WriteJSON(req)
	ws.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s frame: %w", req.Type, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("remote error: %s", resp.Error)
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s %s after %s", errors.ErrTimeout, req.Type, req.ServiceID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ws.done:
		return nil, fmt.Errorf("transport closed during %s", req.Type)
	}
}

// GetRemoteService fetches the descriptor for fullID and wraps each
// advertised method as a proxied call over the same connection.
func (ws *WebSocket) GetRemoteService(ctx context.Context, fullID string, timeout time.Duration) (*types.ServiceHandle, error) {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	resp, err := ws.roundTrip(ctx, &frame{Type: "get_service", ServiceID: fullID}, timeout)
	if err != nil {
		return nil, err
	}

	var desc serviceDescriptor
	if err := json.Unmarshal(resp.Result, &desc); err != nil {
		return nil, fmt.Errorf("decode service descriptor for %s: %w", fullID, err)
	}

	handle := &types.ServiceHandle{
		ID:          desc.ID,
		Name:        desc.Name,
		Description: desc.Description,
		Type:        desc.Type,
		Config:      desc.Config,
		AppID:       desc.AppID,
		Methods:     make(map[string]types.Method, len(desc.Methods)),
	}
	for _, name := range desc.Methods {
		name := name
		handle.Methods[name] = func(ctx context.Context, args ...any) (any, error) {
			return ws.call(ctx, fullID, name, args, timeout)
		}
	}
	return handle, nil
}

func (ws *WebSocket) call(ctx context.Context, fullID, method string, args []any, timeout time.Duration) (any, error) {
	resp, err := ws.roundTrip(ctx, &frame{
		Type:      "call",
		ServiceID: fullID,
		Method:    method,
		Args:      args,
	}, timeout)
	if err != nil {
		return nil, err
	}
	var result any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("decode call result: %w", err)
		}
	}
	return result, nil
}

// Close shuts the connection down and unblocks all outstanding waiters.
func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.done)
		err = ws.conn.Close()
	})
	return err
}
