package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"returnflow/pkg/engine"
	"returnflow/pkg/httpx"
	"returnflow/pkg/models"
	"returnflow/pkg/telemetry"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	root := newRootCmd(telemetry.InstrumentClient(&http.Client{}), os.Stdout)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

type cli struct {
	client  *http.Client
	out     io.Writer
	gateway string
	timeout time.Duration
	raw     bool
}

func newRootCmd(client *http.Client, out io.Writer) *cobra.Command {
	c := &cli{client: client, out: out}
	root := &cobra.Command{
		Use:           "returnsctl",
		Short:         "Talk to a returnflow gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.gateway, "gateway", envOr("RETURNFLOW_GATEWAY", "http://localhost:8080"), "gateway base URL")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&c.raw, "json", false, "print the raw JSON response")
	root.AddCommand(c.healthCmd(), c.controlCmd(), c.decideCmd())
	return root
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (c *cli) do(ctx context.Context, method, path string, body interface{}, headers map[string]string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return 0, nil, err
		}
	}
	retries := 0
	if method == http.MethodGet {
		retries = 2
	}
	return httpx.RequestJSON(ctx, c.client, method, strings.TrimRight(c.gateway, "/")+path, raw, headers, retries, 200*time.Millisecond)
}

func (c *cli) printRaw(body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = c.out.Write(body)
		return err
	}
	buf.WriteByte('\n')
	_, err := c.out.Write(buf.Bytes())
	return err
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the gateway is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := c.do(cmd.Context(), http.MethodGet, "/healthz", nil, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("gateway unhealthy: HTTP %d", status)
			}
			if c.raw {
				return c.printRaw(body)
			}
			color.New(color.FgGreen).Fprintf(c.out, "gateway ok (%s)\n", c.gateway)
			return nil
		},
	}
}

// readData accepts inline JSON or @path.
func readData(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	raw := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("data is not valid JSON")
	}
	return raw, nil
}

func (c *cli) controlCmd() *cobra.Command {
	var business, agent, role, data, callSession string
	cmd := &cobra.Command{
		Use:   "control <server> <action>",
		Short: "Send one request envelope to a control server",
		Long:  "Servers are request, policy, conversation and call. Data is inline JSON or @file.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readData(data)
			if err != nil {
				return err
			}
			req := models.Request{
				ID:         uuid.NewString(),
				Timestamp:  time.Now().UTC(),
				AgentID:    agent,
				BusinessID: business,
				Action:     models.Action(args[1]),
				Data:       payload,
				Context: models.RequestContext{
					UserRole:          role,
					CallSessionID:     callSession,
					IsCallInteraction: callSession != "",
				},
			}
			_, body, err := c.do(cmd.Context(), http.MethodPost, "/v1/control/"+args[0], req, nil)
			if err != nil {
				return err
			}
			if c.raw {
				return c.printRaw(body)
			}
			var resp models.Response
			if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" {
				return fmt.Errorf("unexpected gateway response: %s", strings.TrimSpace(string(body)))
			}
			return c.printResponse(resp)
		},
	}
	cmd.Flags().StringVar(&business, "business", "", "business id")
	cmd.Flags().StringVar(&agent, "agent", envOr("RETURNFLOW_AGENT", "returnsctl"), "agent id")
	cmd.Flags().StringVar(&role, "role", "admin", "user role")
	cmd.Flags().StringVar(&data, "data", "", "action data, inline JSON or @file")
	cmd.Flags().StringVar(&callSession, "call-session", "", "call session id for call interactions")
	_ = cmd.MarkFlagRequired("business")
	return cmd
}

func (c *cli) printResponse(resp models.Response) error {
	if !resp.Success {
		color.New(color.FgRed).Fprintf(c.out, "%s failed [%s]: %s\n", resp.AuditTrail.Action, resp.ErrorCode, resp.Error)
		return fmt.Errorf("%s", resp.ErrorCode)
	}
	color.New(color.FgGreen).Fprintf(c.out, "%s ok (%dms)\n", resp.AuditTrail.Action, resp.AuditTrail.Duration)
	if len(resp.Data) > 0 {
		return c.printRaw(resp.Data)
	}
	return nil
}

func (c *cli) decideCmd() *cobra.Command {
	var (
		in   engine.Request
		data string
		days int
	)
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Run the decision engine on one return",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if data != "" {
				raw, err := readData(data)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &in.Data); err != nil {
					return fmt.Errorf("decode data: %w", err)
				}
			}
			if cmd.Flags().Changed("days") {
				in.Data.DaysSincePurchase = &days
			}
			in.IsCallInteraction = in.CallSessionID != ""
			headers := map[string]string{}
			if in.DecisionID != "" {
				headers["Idempotency-Key"] = in.DecisionID
			}
			status, body, err := c.do(cmd.Context(), http.MethodPost, "/v1/decisions", in, headers)
			if err != nil {
				return err
			}
			if c.raw {
				return c.printRaw(body)
			}
			var res engine.Result
			if err := json.Unmarshal(body, &res); err != nil || (res.DecisionID == "" && !res.Success && res.Error == "") {
				return fmt.Errorf("gateway returned HTTP %d: %s", status, strings.TrimSpace(string(body)))
			}
			return c.printDecision(res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.BusinessID, "business", "", "business id")
	f.StringVar(&in.DecisionID, "decision-id", "", "idempotency key for the decision")
	f.StringVar(&in.CallSessionID, "call-session", "", "live call session the return came from")
	f.StringVar(&in.Data.OrderID, "order", "", "order id")
	f.StringVar(&in.Data.Reason, "reason", "", "return reason")
	f.StringVar(&in.Data.CustomerEmail, "email", "", "customer email")
	f.StringVar(&in.Data.ProductCategory, "category", "", "product category")
	f.StringVar(&in.Data.Message, "message", "", "customer utterance for call interactions")
	f.Float64Var(&in.Data.OrderValue, "value", 0, "order value")
	f.IntVar(&days, "days", 0, "days since purchase")
	f.StringVar(&data, "data", "", "return data, inline JSON or @file; flags are ignored when set")
	_ = cmd.MarkFlagRequired("business")
	return cmd
}

func (c *cli) printDecision(res engine.Result) error {
	if !res.Success {
		color.New(color.FgRed).Fprintf(c.out, "decision %s failed at %s [%s]: %s\n", res.DecisionID, res.FailedStage, res.ErrorCode, res.Error)
	} else {
		fd := res.FinalDecision
		if fd == nil {
			return fmt.Errorf("decision %s carries no final decision", res.DecisionID)
		}
		paint := color.New(color.FgGreen)
		if fd.RequiresHumanReview {
			paint = color.New(color.FgYellow)
		}
		paint.Fprintf(c.out, "decision %s: %s (ai=%s confidence=%.2f)\n", res.DecisionID, fd.Action, fd.AIDecision, fd.Confidence)
		if fd.ReturnRequest != nil {
			fmt.Fprintf(c.out, "  return request %s status=%s\n", fd.ReturnRequest.PublicID, fd.ReturnRequest.Status)
		}
		for _, v := range res.Violations {
			color.New(color.FgYellow).Fprintf(c.out, "  violation: %s\n", v)
		}
	}
	for _, e := range res.AuditTrail {
		line := fmt.Sprintf("  %-18s %-9s %7.1fms", e.Stage, e.Status, e.Duration)
		if e.Error != "" {
			line += "  " + e.Error
		}
		fmt.Fprintln(c.out, line)
	}
	if !res.Success {
		return fmt.Errorf("decision failed")
	}
	return nil
}
