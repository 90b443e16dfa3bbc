// Package client talks to a mint over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnosh/nutsend/cashu"
	"github.com/elnosh/nutsend/cashu/nuts/nut01"
	"github.com/elnosh/nutsend/cashu/nuts/nut02"
	"github.com/elnosh/nutsend/cashu/nuts/nut03"
	"github.com/elnosh/nutsend/cashu/nuts/nut05"
	"github.com/elnosh/nutsend/cashu/nuts/nut06"
	"github.com/elnosh/nutsend/cashu/nuts/nut07"
	"github.com/elnosh/nutsend/cashu/nuts/nut09"
	"github.com/elnosh/nutsend/wallet"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	mintURL    string
	httpClient *http.Client
}

func New(mintURL string) *Client {
	return &Client{
		mintURL:    strings.TrimSuffix(mintURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) MintURL() string {
	return c.mintURL
}

func (c *Client) GetMintInfo(ctx context.Context) (*nut06.MintInfo, error) {
	var mintInfo nut06.MintInfo
	if err := c.get(ctx, "/v1/info", &mintInfo); err != nil {
		return nil, err
	}
	return &mintInfo, nil
}

func (c *Client) GetActiveKeysets(ctx context.Context) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get(ctx, "/v1/keys", &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *Client) GetAllKeysets(ctx context.Context) (*nut02.GetKeysetsResponse, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := c.get(ctx, "/v1/keysets", &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func (c *Client) GetKeysetById(ctx context.Context, id string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get(ctx, "/v1/keys/"+id, &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *Client) PostSwap(ctx context.Context, swapRequest nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	var swapResponse nut03.PostSwapResponse
	if err := c.post(ctx, "/v1/swap", swapRequest, &swapResponse); err != nil {
		return nil, err
	}
	return &swapResponse, nil
}

func (c *Client) PostMeltQuoteBolt11(ctx context.Context, meltQuoteRequest nut05.PostMeltQuoteBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {

	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, "/v1/melt/quote/bolt11", meltQuoteRequest, &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func (c *Client) GetMeltQuoteState(ctx context.Context, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := c.get(ctx, "/v1/melt/quote/bolt11/"+quoteId, &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func (c *Client) PostMeltBolt11(ctx context.Context, meltRequest nut05.PostMeltBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {

	var meltResponse nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, "/v1/melt/bolt11", meltRequest, &meltResponse); err != nil {
		return nil, err
	}
	return &meltResponse, nil
}

func (c *Client) PostCheckProofState(ctx context.Context, stateRequest nut07.PostCheckStateRequest) (
	*nut07.PostCheckStateResponse, error) {

	var stateResponse nut07.PostCheckStateResponse
	if err := c.post(ctx, "/v1/checkstate", stateRequest, &stateResponse); err != nil {
		return nil, err
	}
	return &stateResponse, nil
}

func (c *Client) PostRestore(ctx context.Context, restoreRequest nut09.PostRestoreRequest) (
	*nut09.PostRestoreResponse, error) {

	var restoreResponse nut09.PostRestoreResponse
	if err := c.post(ctx, "/v1/restore", restoreRequest, &restoreResponse); err != nil {
		return nil, err
	}
	return &restoreResponse, nil
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.mintURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, dst)
}

func (c *Client) post(ctx context.Context, path string, body, dst any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.mintURL+path, bytes.NewBuffer(requestBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dst)
}

func (c *Client) do(req *http.Request, dst any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := parse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("error reading response from mint: %v", err)
	}
	return nil
}

// parse turns a 400 response into the cashu.Error the mint sent.
func parse(response *http.Response) error {
	if response.StatusCode == http.StatusBadRequest {
		var errResponse cashu.Error
		err := json.NewDecoder(response.Body).Decode(&errResponse)
		if err != nil {
			return fmt.Errorf("could not decode error response from mint: %v", err)
		}
		return errResponse
	}

	if response.StatusCode != http.StatusOK {
		body, err := io.ReadAll(response.Body)
		if err != nil {
			return err
		}
		return fmt.Errorf("mint responded with status %d: %s", response.StatusCode, body)
	}

	return nil
}

// Pool hands out one Client per mint.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

func (p *Pool) Client(mintURL string) wallet.MintClient {
	return p.Get(mintURL)
}

func (p *Pool) Get(mintURL string) *Client {
	mintURL = strings.TrimSuffix(mintURL, "/")

	p.mu.Lock()
	defer p.mu.Unlock()
	client, ok := p.clients[mintURL]
	if !ok {
		client = New(mintURL)
		p.clients[mintURL] = client
	}
	return client
}
