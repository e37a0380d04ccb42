// Package wsbus connects the call core to the relay server: JSON RPC
// over HTTP for calls, a gorilla/websocket connection for the inbound
// notification bus.
package wsbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
)

var _ core.RPC = (*RPCClient)(nil)

// RPCClient speaks the relay server's /rtc/<route> JSON endpoints. The
// client token identifies this participant across RPC and bus traffic.
type RPCClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewRPCClient(baseURL, token string) *RPCClient {
	return &RPCClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *RPCClient) Call(ctx context.Context, route string, params any, out any) error {
	err := c.do(ctx, route, params, out)
	if err != nil {
		log.Error().Err(err).Str("module", "wsbus").Str("route", route).Msg("rpc call failed")
	}
	return err
}

// CallSilent is the best-effort variant for background traffic; failures
// are logged at debug level and never surfaced beyond the caller.
func (c *RPCClient) CallSilent(ctx context.Context, route string, params any, out any) error {
	err := c.do(ctx, route, params, out)
	if err != nil {
		log.Debug().Err(err).Str("module", "wsbus").Str("route", route).Msg("silent rpc call failed")
	}
	return err
}

func (c *RPCClient) do(ctx context.Context, route string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rtc/"+route, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "ct", Value: c.token})

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("rtc/%s: status %d: %s", route, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
