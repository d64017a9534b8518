package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/tools"
)

// Version is reported in the initialize handshake
var Version = "dev"

const eventBuffer = 256

// Server is the stdio JSON-RPC control surface
type Server struct {
	logger *logrus.Logger
	tools  *tools.Registry
	hub    *notify.Hub

	in  io.Reader
	out io.Writer

	mu      sync.Mutex
	encoder *json.Encoder
}

// NewServer creates a server reading requests from in and writing responses and
// change notifications to out. hub may be nil.
func NewServer(registry *tools.Registry, hub *notify.Hub, in io.Reader, out io.Writer, logger *logrus.Logger) *Server {
	return &Server{
		logger:  logger,
		tools:   registry,
		hub:     hub,
		in:      in,
		out:     out,
		encoder: json.NewEncoder(out),
	}
}

// Run serves requests until the input ends or ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting control server with stdio transport")

	if s.hub != nil {
		events, unsubscribe := s.hub.Subscribe(eventBuffer)
		defer unsubscribe()
		go s.forwardEvents(ctx, events)
	}

	requests := make(chan map[string]interface{})
	decodeErr := make(chan error, 1)
	go func() {
		decoder := json.NewDecoder(s.in)
		for {
			var req map[string]interface{}
			if err := decoder.Decode(&req); err != nil {
				decodeErr <- err
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-decodeErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode request: %w", err)
		case req := <-requests:
			resp := s.handleRequest(ctx, req)
			if resp == nil {
				continue
			}
			if err := s.write(resp); err != nil {
				s.logger.WithError(err).Error("Failed to encode response")
			}
		}
	}
}

func (s *Server) write(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encoder.Encode(v)
}

// forwardEvents pushes engine change events to the client as notifications
func (s *Server) forwardEvents(ctx context.Context, events <-chan notify.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.write(eventNotification(ev)); err != nil {
				s.logger.WithError(err).Warn("Failed to write notification")
			}
		}
	}
}

func eventNotification(ev notify.Event) map[string]interface{} {
	params := map[string]interface{}{}
	switch e := ev.(type) {
	case notify.FolderChanged:
		params["type"] = "folder_changed"
		params["folder_id"] = e.FolderID
	case notify.MessageChanged:
		params["type"] = "message_changed"
		params["message_id"] = e.MessageID
	case notify.MessageDeleted:
		params["type"] = "message_deleted"
		params["message_id"] = e.MessageID
	}
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "notifications/mailsync/changed",
		"params":  params,
	}
}

func errorResponse(id interface{}, code int, message string) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
}

// handleRequest processes one request. Notifications (no id) get no response.
func (s *Server) handleRequest(ctx context.Context, req map[string]interface{}) map[string]interface{} {
	method, _ := req["method"].(string)
	id, hasID := req["id"]
	if !hasID {
		s.logger.WithField("method", method).Debug("Received notification")
		return nil
	}

	switch method {
	case "initialize":
		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"capabilities": map[string]interface{}{
					"tools": map[string]interface{}{},
				},
				"serverInfo": map[string]interface{}{
					"name":    "mailsync",
					"version": Version,
				},
			},
		}

	case "ping":
		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result":  map[string]interface{}{},
		}

	case "tools/list":
		return map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]interface{}{
				"tools": s.tools.GetToolDefinitions(),
			},
		}

	case "tools/call":
		return s.callTool(ctx, id, req)
	}

	return errorResponse(id, -32601, fmt.Sprintf("Method not found: %s", method))
}

func (s *Server) callTool(ctx context.Context, id interface{}, req map[string]interface{}) map[string]interface{} {
	params, _ := req["params"].(map[string]interface{})
	toolName, _ := params["name"].(string)
	arguments, _ := params["arguments"].(map[string]interface{})
	if arguments == nil {
		arguments = map[string]interface{}{}
	}

	tool, exists := s.tools.GetTool(toolName)
	if !exists {
		return errorResponse(id, -32601, fmt.Sprintf("Tool not found: %s", toolName))
	}

	log := s.logger.WithFields(logrus.Fields{
		"tool":       toolName,
		"request_id": uuid.NewString(),
	})
	start := time.Now()

	result, err := tool.Execute(ctx, arguments)
	if err != nil {
		log.WithError(err).Warn("Tool call failed")
		return errorResponse(id, -32603, err.Error())
	}
	log.WithField("duration", time.Since(start).String()).Debug("Tool call completed")

	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte(fmt.Sprintf("%v", result))
	}

	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": string(resultJSON),
				},
			},
		},
	}
}
