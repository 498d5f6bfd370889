package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adbauto/agent/internal/config"
	agentErrors "github.com/adbauto/agent/internal/errors"
	"github.com/adbauto/agent/internal/server"
)

// clientFlags are shared by the commands that talk to a running agent.
type clientFlags struct {
	config string
	addr   string
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	cf := &clientFlags{}
	fs.StringVar(&cf.config, "config", "", "Path to config file (default: ~/.adbauto/config.toml)")
	fs.StringVar(&cf.addr, "addr", "", "Agent address (default: addr from the config file, on localhost)")
	return cf
}

// target returns the address to dial: --addr if given, else the
// configured listen address with an unspecified host replaced by loopback.
func (cf *clientFlags) target() (string, error) {
	addr := cf.addr
	if addr == "" {
		fileCfg, err := config.Load(cf.config)
		if err != nil {
			return "", err
		}
		addr = fileCfg.Addr
		if addr == "" {
			addr = config.DefaultAddr
		}
	}
	return dialAddr(addr), nil
}

// dialAddr maps a listen address to one a local client can connect to.
func dialAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// apiClient calls the control panel's JSON endpoints.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{
		base: "http://" + addr,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *apiClient) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, form url.Values, out interface{}) error {
	return c.do(http.MethodPost, path, form, out)
}

// do sends one request. Non-2xx responses become coded errors carrying
// the server's error_code.
func (c *apiClient) do(method, path string, form url.Values, out interface{}) error {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}

	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent is not running at %s (or not reachable)", strings.TrimPrefix(c.base, "http://"))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp server.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.ErrorCode == "" {
			return fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}
		return agentErrors.New(errResp.ErrorCode, errResp.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
