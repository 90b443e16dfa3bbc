// Package submanager keeps NUT-17 websocket subscriptions to mints:
// one socket per mint shared by the melt quote and proof state
// managers.
package submanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/cashu/nuts/nut06"
	"github.com/elnosh/nutsend/cashu/nuts/nut17"
	"github.com/elnosh/nutsend/wallet"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const subscribeTimeout = 10 * time.Second

var (
	ErrNUT17NotSupported = errors.New("NUT-17 not supported")
	ErrConnClosed        = errors.New("websocket connection closed")
)

type notification struct {
	subId   string
	payload json.RawMessage
}

// Conn is a websocket connection to a mint. Notifications for a
// subscription are delivered in order on a single goroutine, separate
// from the one reading the socket, so handlers may subscribe and
// unsubscribe on the same Conn.
type Conn struct {
	mintURL string
	wsConn  *websocket.Conn
	writeMu sync.Mutex

	mu             sync.Mutex
	idCounter      int
	pending        map[int]chan error
	handlers       map[string]func(json.RawMessage)
	closeListeners map[int]func()
	listenerId     int
	queue          []notification
	closing        bool

	queued chan struct{}
	done   chan struct{}
}

// Dial opens the websocket at mintURL + /v1/ws.
func Dial(ctx context.Context, mintURL string) (*Conn, error) {
	parsedURL, err := url.Parse(mintURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	scheme := "ws"
	if parsedURL.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := scheme + "://" + parsedURL.Host + strings.TrimSuffix(parsedURL.Path, "/") + "/v1/ws"
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	conn := &Conn{
		mintURL:        mintURL,
		wsConn:         wsConn,
		pending:        make(map[int]chan error),
		handlers:       make(map[string]func(json.RawMessage)),
		closeListeners: make(map[int]func()),
		queued:         make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	go conn.readMessages()
	go conn.dispatch()
	return conn, nil
}

// Done is closed once the socket is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close shuts the socket down without notifying close listeners.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	return c.wsConn.Close()
}

// AddCloseListener registers fn to run once if the socket drops. The
// returned func removes it.
func (c *Conn) AddCloseListener(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.listenerId
	c.listenerId++
	c.closeListeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.closeListeners, id)
		c.mu.Unlock()
	}
}

// Subscribe opens a subscription of kind over filters and waits for the
// mint to accept it. handler receives each notification payload.
func (c *Conn) Subscribe(ctx context.Context, kind nut17.SubscriptionKind, filters []string,
	handler func(json.RawMessage)) (string, error) {
	if len(filters) < 1 {
		return "", errors.New("filters cannot be empty")
	}

	subId := uuid.NewString()
	c.mu.Lock()
	c.handlers[subId] = handler
	c.mu.Unlock()

	if err := c.request(ctx, func(id int) nut17.WsRequest {
		return nut17.NewSubscribeRequest(id, kind, subId, filters)
	}); err != nil {
		c.removeHandler(subId)
		return "", fmt.Errorf("could not setup subscription to mint: %w", err)
	}
	return subId, nil
}

func (c *Conn) Unsubscribe(ctx context.Context, subId string) error {
	c.removeHandler(subId)
	if c.Closed() {
		return nil
	}
	return c.request(ctx, func(id int) nut17.WsRequest {
		return nut17.NewUnsubscribeRequest(id, subId)
	})
}

func (c *Conn) removeHandler(subId string) {
	c.mu.Lock()
	delete(c.handlers, subId)
	c.mu.Unlock()
}

func (c *Conn) request(ctx context.Context, build func(id int) nut17.WsRequest) error {
	result := make(chan error, 1)
	c.mu.Lock()
	id := c.idCounter
	c.idCounter++
	c.pending[id] = result
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.wsConn.WriteJSON(build(id))
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("could not send request to mint: %v", err)
	}

	timer := time.NewTimer(subscribeTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("no response from mint")
	}
}

func (c *Conn) readMessages() {
	defer c.shutdown()

	for {
		_, msg, err := c.wsConn.ReadMessage()
		if err != nil {
			return
		}

		var wsNotification nut17.WsNotification
		if err := json.Unmarshal(msg, &wsNotification); err == nil {
			c.mu.Lock()
			c.queue = append(c.queue, notification{
				subId:   wsNotification.Params.SubId,
				payload: wsNotification.Params.Payload,
			})
			c.mu.Unlock()
			select {
			case c.queued <- struct{}{}:
			default:
			}
			continue
		}

		var response nut17.WsResponse
		if err := json.Unmarshal(msg, &response); err == nil {
			var result error
			if response.Result.Status != nut17.OK {
				result = fmt.Errorf("unexpected status '%v'", response.Result.Status)
			}
			c.resolve(response.Id, result)
			continue
		}

		var wsError nut17.WsError
		if err := json.Unmarshal(msg, &wsError); err == nil {
			c.resolve(wsError.Id, wsError)
		}
	}
}

func (c *Conn) resolve(id int, err error) {
	c.mu.Lock()
	result, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		result <- err
	}
}

func (c *Conn) dispatch() {
	for {
		select {
		case <-c.queued:
		case <-c.done:
			return
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			next := c.queue[0]
			c.queue = c.queue[1:]
			handler := c.handlers[next.subId]
			c.mu.Unlock()

			if handler != nil {
				handler(next.payload)
			}
		}
	}
}

func (c *Conn) shutdown() {
	c.wsConn.Close()

	c.mu.Lock()
	closing := c.closing
	listeners := make([]func(), 0, len(c.closeListeners))
	for _, listener := range c.closeListeners {
		listeners = append(listeners, listener)
	}
	c.closeListeners = make(map[int]func())
	c.mu.Unlock()
	close(c.done)

	if closing {
		return
	}
	for _, listener := range listeners {
		go listener()
	}
}

// Pool shares one Conn per mint and remembers which subscription kinds
// each mint supports.
type Pool struct {
	mints wallet.MintClients

	mu    sync.Mutex
	conns map[string]*Conn
	info  map[string]*nut06.MintInfo
	// serializes dialing per mint
	dialing map[string]*sync.Mutex
}

func NewPool(mints wallet.MintClients) *Pool {
	return &Pool{
		mints:   mints,
		conns:   make(map[string]*Conn),
		info:    make(map[string]*nut06.MintInfo),
		dialing: make(map[string]*sync.Mutex),
	}
}

// Conn returns the live connection to mintURL, dialing a new one if
// there is none. It fails with ErrNUT17NotSupported if the mint does
// not offer subscriptions of kind for unit.
func (p *Pool) Conn(ctx context.Context, mintURL string, kind nut17.SubscriptionKind, unit cashu.Unit) (*Conn, error) {
	mintURL = strings.TrimSuffix(mintURL, "/")

	p.mu.Lock()
	lock, ok := p.dialing[mintURL]
	if !ok {
		lock = &sync.Mutex{}
		p.dialing[mintURL] = lock
	}
	p.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	info := p.info[mintURL]
	conn := p.conns[mintURL]
	p.mu.Unlock()

	if info == nil {
		mintInfo, err := p.mints.Client(mintURL).GetMintInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("could not get mint info: %w", err)
		}
		info = mintInfo
		p.mu.Lock()
		p.info[mintURL] = info
		p.mu.Unlock()
	}
	if !info.SupportsSubscription(kind, cashu.BOLT11_METHOD, unit.String()) {
		return nil, ErrNUT17NotSupported
	}

	if conn != nil && !conn.Closed() {
		return conn, nil
	}
	conn, err := Dial(ctx, mintURL)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.conns[mintURL] = conn
	p.mu.Unlock()
	return conn, nil
}

func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
