package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cocopilot/cocopilot/pkg/proxy"
)

// controlClient talks to the control endpoints of a running serve.
type controlClient struct {
	addr string
	http *http.Client
}

func newControlClient(addr string) *controlClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &controlClient{
		addr: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *controlClient) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.addr+proxy.ControlPrefix+endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact %s: %w", c.addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s %s: %s", method, endpoint, apiErr.Error.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, endpoint, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// addControlFlags registers --addr on a command that talks to a running serve.
func addControlFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", "localhost:8080", "address of the running cocopilot serve")
}

// controlAddr resolves --addr, falling back to COCOPILOT_ADDR when the flag
// was not given.
func controlAddr(cmd *cobra.Command, v *viper.Viper) string {
	f := cmd.Flags().Lookup("addr")
	if f.Changed {
		return f.Value.String()
	}
	if addr := v.GetString("addr"); addr != "" {
		return addr
	}
	return f.DefValue
}
