// Command lsmkv-cli talks to a running lsmkv-server over its HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type cli struct {
	base   string
	client *http.Client
}

func main() {
	c := &cli{client: &http.Client{Timeout: 30 * time.Second}}

	root := &cobra.Command{
		Use:          "lsmkv-cli",
		Short:        "command line client for lsmkv-server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.base, "server", "http://localhost:8080", "server base URL")

	root.AddCommand(
		c.getCmd(),
		c.putCmd(),
		c.deleteCmd(),
		c.scanCmd(),
		c.batchCmd(),
		c.flushCmd(),
		c.healthCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type apiResponse struct {
	Status string `json:"status"`
	Value  string `json:"value"`
	Error  string `json:"error"`
}

func (c *cli) do(method, path string, query url.Values, body io.Reader) ([]byte, int, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func (c *cli) doAPI(method, path string, query url.Values, body io.Reader) (apiResponse, int, error) {
	data, status, err := c.do(method, path, query, body)
	if err != nil {
		return apiResponse{}, status, err
	}
	var r apiResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return apiResponse{}, status, fmt.Errorf("malformed server response: %w", err)
	}
	return r, status, nil
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "print the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, status, err := c.doAPI(http.MethodGet, "/api/kv", url.Values{"key": {args[0]}}, nil)
			if err != nil {
				return err
			}
			if status == http.StatusNotFound {
				return fmt.Errorf("key not found")
			}
			if status != http.StatusOK {
				return fmt.Errorf("server error: %s", r.Error)
			}
			fmt.Println(r.Value)
			return nil
		},
	}
}

func (c *cli) putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "write a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			form := url.Values{"key": {args[0]}, "value": {args[1]}}
			req, err := http.NewRequest(http.MethodPut, c.base+"/api/kv", strings.NewReader(form.Encode()))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			resp, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				data, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("server error: %s", strings.TrimSpace(string(data)))
			}
			return nil
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, status, err := c.doAPI(http.MethodDelete, "/api/kv", url.Values{"key": {args[0]}}, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("server error: %s", r.Error)
			}
			return nil
		},
	}
}

func (c *cli) scanCmd() *cobra.Command {
	var start, end string
	var limit int

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "list key-value pairs in [start, end), ascending",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if start != "" {
				query.Set("start", start)
			}
			if end != "" {
				query.Set("end", end)
			}
			if cmd.Flags().Changed("limit") {
				query.Set("limit", fmt.Sprint(limit))
			}

			data, status, err := c.do(http.MethodGet, "/api/scan", query, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("server error: %s", strings.TrimSpace(string(data)))
			}

			var resp struct {
				Pairs []struct {
					Key   string `json:"key"`
					Value string `json:"value"`
				} `json:"pairs"`
				More bool `json:"more"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("malformed server response: %w", err)
			}
			for _, p := range resp.Pairs {
				fmt.Printf("%s\t%s\n", p.Key, p.Value)
			}
			if resp.More {
				fmt.Fprintln(os.Stderr, "(truncated by limit)")
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&start, "start", "", "inclusive start key")
	flags.StringVar(&end, "end", "", "exclusive end key")
	flags.IntVar(&limit, "limit", 1000, "maximum pairs to return")
	flags.SortFlags = false
	return cmd
}

func (c *cli) batchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <op:key[:value]>...",
		Short: "apply several mutations atomically, e.g. put:k1:v1 delete:k2",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			type op struct {
				Op    string `json:"op"`
				Key   string `json:"key"`
				Value string `json:"value,omitempty"`
			}
			var ops []op
			for _, arg := range args {
				parts := strings.SplitN(arg, ":", 3)
				switch {
				case len(parts) == 3 && parts[0] == "put":
					ops = append(ops, op{Op: "put", Key: parts[1], Value: parts[2]})
				case len(parts) == 2 && parts[0] == "delete":
					ops = append(ops, op{Op: "delete", Key: parts[1]})
				default:
					return fmt.Errorf("malformed batch op %q", arg)
				}
			}

			body, err := json.Marshal(map[string]any{"ops": ops})
			if err != nil {
				return err
			}
			r, status, err := c.doAPI(http.MethodPost, "/api/batch", nil, strings.NewReader(string(body)))
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("server error: %s", r.Error)
			}
			return nil
		},
	}
}

func (c *cli) flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "force everything in memory down to tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, status, err := c.doAPI(http.MethodPost, "/api/flush", nil, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("server error: %s", r.Error)
			}
			return nil
		},
	}
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "print the server health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, _, err := c.do(http.MethodGet, "/health", nil, nil)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}
