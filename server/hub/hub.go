// Package hub implements the websocket session handler: it attaches clients,
// sends each new client a snapshot of the persisted list, runs addNode and
// removeNode requests through the retry driver, and fans out the resulting
// deltas to every connected client. Errors go to the originating client only.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/asadovsky/nodelist/server/common"
	"github.com/asadovsky/nodelist/server/list"
)

const sendBufSize = 64

func jsonMarshal(v interface{}) []byte {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return buf
}

// Hub owns the set of connected clients. A single goroutine serializes
// subscribe, unsubscribe, and broadcast; mutations themselves run in the
// per-connection read goroutines and are mediated by the database, not by
// the hub.
type Hub struct {
	logger   *zap.Logger
	engine   *list.Engine
	upgrader websocket.Upgrader

	clients     map[chan<- []byte]bool // set of active clients
	subscribe   chan chan<- []byte
	unsubscribe chan chan<- []byte
	broadcast   chan []byte
}

// New returns a running hub over the given engine. origin is the allowed
// websocket origin; "*" allows any.
func New(engine *list.Engine, origin string, logger *zap.Logger) *Hub {
	h := &Hub{
		logger:      logger,
		engine:      engine,
		clients:     make(map[chan<- []byte]bool),
		subscribe:   make(chan chan<- []byte),
		unsubscribe: make(chan chan<- []byte),
		broadcast:   make(chan []byte),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return origin == "*" || r.Header.Get("Origin") == origin
		},
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.subscribe:
			h.clients[c] = true
		case c := <-h.unsubscribe:
			delete(h.clients, c)
		case msg := <-h.broadcast:
			for send := range h.clients {
				send <- msg
			}
		}
	}
}

type stream struct {
	h    *Hub
	conn *websocket.Conn
	send chan []byte
}

func wireNode(n *list.Node) common.Node {
	return common.Node{Id: n.Id, Prev: n.Prev, Next: n.Next, Version: n.Version}
}

func wireUpdates(updated map[string]list.PointerDelta) map[string]common.Update {
	res := make(map[string]common.Update, len(updated))
	for id, delta := range updated {
		res[id] = common.Update(delta)
	}
	return res
}

// sendSnapshot writes the current node set directly to the connection. Called
// before the stream is subscribed and before the write goroutine starts, so
// every client sees its snapshot before any delta.
func (s *stream) sendSnapshot(ctx context.Context) error {
	nodes, err := s.h.engine.Store().Snapshot(ctx)
	if err != nil {
		return err
	}
	msg := &common.Nodes{Type: "Nodes", Nodes: make([]common.Node, 0, len(nodes))}
	for _, n := range nodes {
		msg.Nodes = append(msg.Nodes, wireNode(n))
	}
	return s.conn.WriteMessage(websocket.TextMessage, jsonMarshal(msg))
}

// sendError reports a failed mutation to the originating client only. Other
// clients never learn of it; no state changed.
func (s *stream) sendError(operation string, err error) {
	s.h.logger.Info("mutation failed",
		zap.String("operation", operation), zap.Error(err))
	s.send <- jsonMarshal(&common.Error{
		Type:      "Error",
		Message:   err.Error(),
		Operation: operation,
	})
}

func (s *stream) processAddNode(ctx context.Context, msg *common.AddNode) {
	res, err := s.h.engine.AddNode(ctx, msg.PrevNodeId)
	if err != nil {
		if ctx.Err() != nil {
			return // client gone, transaction rolled back, nothing to report
		}
		s.sendError("addNode", err)
		return
	}
	s.h.broadcast <- jsonMarshal(&common.NodeAdded{
		Type:         "NodeAdded",
		CreatedNode:  wireNode(res.Created),
		UpdatedNodes: wireUpdates(res.Updated),
	})
}

func (s *stream) processRemoveNode(ctx context.Context, msg *common.RemoveNode) {
	res, err := s.h.engine.RemoveNode(ctx, msg.NodeId)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.sendError("removeNode", err)
		return
	}
	s.h.broadcast <- jsonMarshal(&common.NodeRemoved{
		Type:          "NodeRemoved",
		DeletedNodeId: res.DeletedId,
		UpdatedNodes:  wireUpdates(res.Updated),
	})
}

func (s *stream) process(ctx context.Context, buf []byte) error {
	// TODO: Avoid decoding multiple times.
	var mt common.MsgType
	if err := json.Unmarshal(buf, &mt); err != nil {
		return err
	}
	switch mt.Type {
	case "AddNode":
		var msg common.AddNode
		if err := json.Unmarshal(buf, &msg); err != nil {
			return err
		}
		s.processAddNode(ctx, &msg)
	case "RemoveNode":
		var msg common.RemoveNode
		if err := json.Unmarshal(buf, &msg); err != nil {
			return err
		}
		s.processRemoveNode(ctx, &msg)
	default:
		return fmt.Errorf("unknown message type: %q", mt.Type)
	}
	return nil
}

// ServeHTTP upgrades the connection and runs the stream until the client
// disconnects. Mutations run on the read goroutine; the write goroutine keeps
// draining the send channel until unsubscribe so a dying connection never
// blocks the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ctx := r.Context()
	s := &stream{h: h, conn: conn, send: make(chan []byte, sendBufSize)}
	h.logger.Debug("client attached", zap.String("remote", conn.RemoteAddr().String()))

	if err := s.sendSnapshot(ctx); err != nil {
		h.logger.Warn("failed to send snapshot", zap.Error(err))
		conn.Close()
		return
	}
	h.subscribe <- s.send

	eof, done := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(eof)
		for {
			_, buf, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Debug("read failed", zap.Error(err))
				}
				return
			}
			if err := s.process(ctx, buf); err != nil {
				h.logger.Warn("bad message", zap.Error(err))
				return
			}
		}
	}()
	go func() {
		defer close(done)
		for msg := range s.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				// Connection is going away; keep draining so broadcasts to
				// this stream never block the hub.
				h.logger.Debug("write failed", zap.Error(err))
			}
		}
	}()

	<-eof
	h.unsubscribe <- s.send
	close(s.send)
	<-done
	conn.Close()
	h.logger.Debug("client detached", zap.String("remote", conn.RemoteAddr().String()))
}
