package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"

	"github.com/btouchard/hookrelay/internal/tunnel"
)

func newStatusCmd(root *rootFlags) *cobra.Command {
	var (
		target string
		token  string
		raw    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the tunnel status of a running instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if target == "" {
				target = fmt.Sprintf("http://%s:%d", cfg.Server.Host, tunnel.ResolvePort(0, cfg.Server.Port, nil))
			}
			if token == "" {
				token = cfg.Server.AdminToken
			}

			body, err := fetchStatus(cmd, strings.TrimRight(target, "/")+"/tunnel/status", token)
			if err != nil {
				return err
			}

			if raw {
				_, err := cmd.OutOrStdout().Write(body)
				return err
			}
			return printStatus(cmd.OutOrStdout(), body)
		},
	}

	cmd.Flags().StringVar(&target, "url", "", "base URL of the running instance (default: http://<server.host>:<port>)")
	cmd.Flags().StringVar(&token, "token", "", "admin token (default: server.admin_token)")
	cmd.Flags().BoolVar(&raw, "json", false, "print the raw JSON status")
	return cmd
}

func fetchStatus(cmd *cobra.Command, url, token string) ([]byte, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func printStatus(w io.Writer, body []byte) error {
	var st map[string]any
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	// Legacy aliases duplicate active and url.
	delete(st, "running")
	delete(st, "public_url")

	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := st[k]
		if v == nil {
			v = "-"
		}
		fmt.Fprintf(w, "%-20s %v\n", k+":", v)
	}
	return nil
}
