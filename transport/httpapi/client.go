package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/protocol"
	"github.com/meow-io/go-relay/relayerr"
	"go.uber.org/zap"
)

// Client calls a relay over HTTP. Error responses come back as *relayerr.Error.
type Client struct {
	baseURL string
	config  *config.Config
	log     *zap.SugaredLogger
	http    *http.Client
}

func NewClient(c *config.Config, baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  c,
		log:     c.Logger("httpapi/client"),
		http:    &http.Client{},
	}
}

func (c *Client) Call(ctx context.Context, procedure protocol.Procedure, env *protocol.Envelope, payload json.RawMessage, out interface{}) error {
	body, err := json.Marshal(&protocol.Call{Auth: env, Payload: payload})
	if err != nil {
		return fmt.Errorf("httpapi: error encoding call: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.config.RequestTimeoutMs)*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/rpc/%s", c.baseURL, procedure), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("httpapi: error calling %s: %w", procedure, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	resBody, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("httpapi: error reading %s response: %w", procedure, err)
	}

	if res.StatusCode != http.StatusOK {
		e := &relayerr.Error{}
		if err := json.Unmarshal(resBody, e); err != nil || e.Code == "" {
			return relayerr.Internal(fmt.Errorf("httpapi: unexpected status %d from %s", res.StatusCode, procedure))
		}
		c.log.Debugf("%s failed with %s", procedure, e.Code)
		return e
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("httpapi: error decoding %s response: %w", procedure, err)
	}
	return nil
}
