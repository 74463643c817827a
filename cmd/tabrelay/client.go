package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tabrelay/internal/agent"
	"github.com/dgnsrekt/tabrelay/internal/config"
	"github.com/dgnsrekt/tabrelay/internal/controller"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

// apiClient talks to the status API of a running agent.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient() (*apiClient, error) {
	addr := flagAddr
	if addr == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		addr = cfg.BindAddr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &apiClient{
		baseURL:    strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return apiError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w (body: %s)", err, string(body))
	}
	return nil
}

// apiError prefers the problem detail the server sends over the raw body.
func apiError(code int, body []byte) error {
	var problem struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &problem); err == nil && problem.Detail != "" {
		return fmt.Errorf("API error (%d): %s", code, problem.Detail)
	}
	return fmt.Errorf("API error (%d): %s", code, strings.TrimSpace(string(body)))
}

func parseTabID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid tab id %q", arg)
	}
	return id, nil
}

func printTabs(w io.Writer, tabs []types.TabSummary) {
	if len(tabs) == 0 {
		fmt.Fprintln(w, "No attached tabs")
		return
	}
	for _, t := range tabs {
		title := t.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "  %d - %s %s [%s] %s\n", t.TabID, t.Status, t.SessionID, title, t.URL)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay state and attached tabs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var st types.AgentStatus
		if err := c.do(http.MethodGet, "/api/v1/status", &st); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Relay:    %s\n", st.WSState)
		fmt.Fprintf(out, "Uptime:   %s\n", (time.Duration(st.Uptime) * time.Millisecond).Round(time.Second))
		if st.LastError != "" {
			fmt.Fprintf(out, "Error:    %s\n", st.LastError)
		}
		fmt.Fprintf(out, "Attached: %d\n", st.AttachedCount)
		printTabs(out, st.Tabs)
		return nil
	},
}

var tabsCmd = &cobra.Command{
	Use:     "tabs",
	Aliases: []string{"ls"},
	Short:   "List attached tabs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var res struct {
			Tabs []types.TabSummary `json:"tabs"`
		}
		if err := c.do(http.MethodGet, "/api/v1/tabs", &res); err != nil {
			return err
		}
		printTabs(cmd.OutOrStdout(), res.Tabs)
		return nil
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach [tab-id]",
	Short: "Attach one tab, or every eligible tab without an id",
	Long: `Attach a tab to the relay.

Examples:
  tabrelay attach 3      # Attach tab 3
  tabrelay attach        # Attach every eligible tab`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			var res struct {
				Tabs []types.TabSummary `json:"tabs"`
			}
			if err := c.do(http.MethodPost, "/api/v1/tabs/attach-all", &res); err != nil {
				return err
			}
			printTabs(out, res.Tabs)
			return nil
		}
		id, err := parseTabID(args[0])
		if err != nil {
			return err
		}
		var res agent.AttachResult
		if err := c.do(http.MethodPost, fmt.Sprintf("/api/v1/tabs/%d/attach", id), &res); err != nil {
			return err
		}
		fmt.Fprintf(out, "Attached tab %d: session %s target %s\n", id, res.SessionID, res.TargetID)
		return nil
	},
}

var detachCmd = &cobra.Command{
	Use:   "detach <tab-id>",
	Short: "Detach one tab",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTabID(args[0])
		if err != nil {
			return err
		}
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := c.do(http.MethodPost, fmt.Sprintf("/api/v1/tabs/%d/detach", id), nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Detached tab %d\n", id)
		return nil
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Detach every tab, or reconnect and attach all when none is attached",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var res struct {
			Attached bool               `json:"attached"`
			Tabs     []types.TabSummary `json:"tabs"`
		}
		if err := c.do(http.MethodPost, "/api/v1/toggle", &res); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !res.Attached {
			fmt.Fprintln(out, "Detached all tabs")
			return nil
		}
		printTabs(out, res.Tabs)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe the relay with the configured gateway token",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var res controller.RelayCheck
		if err := c.do(http.MethodGet, "/api/v1/relay/check", &res); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (port %d): %s\n", res.Kind, res.Port, res.Message)
		if res.Kind != controller.CheckOK {
			return fmt.Errorf("relay check failed")
		}
		return nil
	},
}
