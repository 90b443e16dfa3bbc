package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/elnosh/nutsend/cashu/nuts/nut05"
	"github.com/elnosh/nutsend/cashu/nuts/nut07"
	"github.com/elnosh/nutsend/cashu/nuts/nut17"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsSubscription struct {
	kind    nut17.SubscriptionKind
	filters []string
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	subscriptions map[string]wsSubscription
}

func (m *FakeMint) serveWS(rw http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(rw, req, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		conn:          conn,
		send:          make(chan []byte, 64),
		done:          make(chan struct{}),
		subscriptions: make(map[string]wsSubscription),
	}
	m.mu.Lock()
	m.wsClients[client] = struct{}{}
	m.mu.Unlock()

	go m.readMessages(client)
	go client.writeMessages()
}

// CloseWebsockets drops every websocket connection from the mint side.
func (m *FakeMint) CloseWebsockets() {
	m.mu.Lock()
	clients := make([]*wsClient, 0, len(m.wsClients))
	for client := range m.wsClients {
		clients = append(clients, client)
	}
	m.wsClients = make(map[*wsClient]struct{})
	m.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

// Subscriptions counts live subscriptions of kind over all connections.
func (m *FakeMint) Subscriptions(kind nut17.SubscriptionKind) int {
	m.mu.Lock()
	clients := make([]*wsClient, 0, len(m.wsClients))
	for client := range m.wsClients {
		clients = append(clients, client)
	}
	m.mu.Unlock()

	count := 0
	for _, client := range clients {
		client.mu.Lock()
		for _, sub := range client.subscriptions {
			if sub.kind == kind {
				count++
			}
		}
		client.mu.Unlock()
	}
	return count
}

func (m *FakeMint) readMessages(client *wsClient) {
	defer func() {
		m.mu.Lock()
		delete(m.wsClients, client)
		m.mu.Unlock()
		client.close()
	}()

	for {
		_, msg, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var wsRequest nut17.WsRequest
		if err := json.Unmarshal(msg, &wsRequest); err != nil {
			client.write(nut17.NewWsError(1000, "invalid request", -1))
			continue
		}

		switch wsRequest.Method {
		case nut17.SUBSCRIBE:
			m.subscribe(client, wsRequest)
		case nut17.UNSUBSCRIBE:
			client.mu.Lock()
			_, ok := client.subscriptions[wsRequest.Params.SubId]
			delete(client.subscriptions, wsRequest.Params.SubId)
			client.mu.Unlock()
			if !ok {
				errMsg := fmt.Sprintf("subscription with subId '%v' does not exist", wsRequest.Params.SubId)
				client.write(nut17.NewWsError(1000, errMsg, wsRequest.Id))
				continue
			}
			client.write(okResponse(wsRequest))
		default:
			client.write(nut17.NewWsError(1000, "invalid request method", wsRequest.Id))
		}
	}
}

func (m *FakeMint) subscribe(client *wsClient, req nut17.WsRequest) {
	kind := nut17.StringToKind(req.Params.Kind)
	if kind != nut17.Bolt11MeltQuote && kind != nut17.ProofState {
		client.write(nut17.NewWsError(1000, "invalid subscription kind", req.Id))
		return
	}

	client.mu.Lock()
	if _, ok := client.subscriptions[req.Params.SubId]; ok {
		client.mu.Unlock()
		errMsg := fmt.Sprintf("subscription with subId '%v' already exists", req.Params.SubId)
		client.write(nut17.NewWsError(1000, errMsg, req.Id))
		return
	}
	client.subscriptions[req.Params.SubId] = wsSubscription{kind: kind, filters: req.Params.Filters}
	client.mu.Unlock()

	client.write(okResponse(req))

	// initial state
	m.mu.Lock()
	var payloads []any
	for _, filter := range req.Params.Filters {
		switch kind {
		case nut17.Bolt11MeltQuote:
			if quote, ok := m.meltQuotes[filter]; ok {
				payloads = append(payloads, quote.PostMeltQuoteBolt11Response)
			}
		case nut17.ProofState:
			payloads = append(payloads, nut07.ProofState{Y: filter, State: m.proofStates[filter]})
		}
	}
	m.mu.Unlock()

	for _, payload := range payloads {
		notification, err := nut17.NewNotification(req.Params.SubId, payload)
		if err == nil {
			client.write(notification)
		}
	}
}

func (m *FakeMint) notifyMeltQuote(quote nut05.PostMeltQuoteBolt11Response) {
	m.notify(nut17.Bolt11MeltQuote, quote.Quote, quote)
}

func (m *FakeMint) notifyProofStates(states []nut07.ProofState) {
	for _, state := range states {
		m.notify(nut17.ProofState, state.Y, state)
	}
}

func (m *FakeMint) notify(kind nut17.SubscriptionKind, filter string, payload any) {
	m.mu.Lock()
	clients := make([]*wsClient, 0, len(m.wsClients))
	for client := range m.wsClients {
		clients = append(clients, client)
	}
	m.mu.Unlock()

	for _, client := range clients {
		client.mu.Lock()
		var subIds []string
		for subId, sub := range client.subscriptions {
			if sub.kind == kind && slices.Contains(sub.filters, filter) {
				subIds = append(subIds, subId)
			}
		}
		client.mu.Unlock()

		for _, subId := range subIds {
			notification, err := nut17.NewNotification(subId, payload)
			if err == nil {
				client.write(notification)
			}
		}
	}
}

func okResponse(req nut17.WsRequest) nut17.WsResponse {
	return nut17.WsResponse{
		JsonRPC: nut17.JSONRPC_2,
		Result:  nut17.Result{Status: nut17.OK, SubId: req.Params.SubId},
		Id:      req.Id,
	}
}

func (c *wsClient) write(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *wsClient) writeMessages() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
