package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	vegeta "github.com/tsenart/vegeta/lib"

	"portalchat/pkg/api"
	"portalchat/pkg/client"
	"portalchat/pkg/models"
	"portalchat/pkg/realtime"
	"portalchat/pkg/store"
)

type benchConfig struct {
	ConversationID string
	RPS            int
	Duration       time.Duration
	PayloadSize    int
}

func init() {
	rootCmd.AddCommand(benchCmd)
	benchCmd.Flags().Int("rps", 50, "requests per second")
	benchCmd.Flags().Duration("duration", 10*time.Second, "attack duration")
	benchCmd.Flags().Int("payload", 64, "message text size in bytes")
}

var benchCmd = &cobra.Command{
	Use:   "bench <conversation-id>",
	Short: "Load test message writes into one conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		cfg := benchConfig{ConversationID: args[0]}
		cfg.RPS, _ = cmd.Flags().GetInt("rps")
		cfg.Duration, _ = cmd.Flags().GetDuration("duration")
		cfg.PayloadSize, _ = cmd.Flags().GetInt("payload")
		if cfg.RPS <= 0 || cfg.Duration <= 0 {
			return fmt.Errorf("rps and duration must be positive")
		}

		sig := p.Signature
		if sig == "" {
			cl := client.New(client.Options{BaseURL: p.BaseURL, BackendKey: p.BackendKey, Timeout: p.Timeout})
			sig, err = cl.Sign(cmd.Context(), p.UserID)
			cl.Close()
			if err != nil {
				return err
			}
		}

		targets, err := benchTargets(p, sig, cfg)
		if err != nil {
			return err
		}
		metrics := runAttack(targets, cfg)
		printBenchReport(cmd.OutOrStdout(), metrics)
		return nil
	},
}

// benchTargets pre-builds one PATCH per request, each adding a message
// under a fresh push id.
func benchTargets(p *Profile, sig string, cfg benchConfig) ([]vegeta.Target, error) {
	keys := store.NewKeyGen()
	text := fillerText(cfg.PayloadSize)
	total := cfg.RPS * int(cfg.Duration.Seconds())
	if total <= 0 {
		total = cfg.RPS
	}

	header := http.Header{
		"Authorization":    {"Bearer " + p.APIKey},
		"Content-Type":     {"application/json"},
		"X-User-ID":        {p.UserID},
		"X-User-Signature": {sig},
	}
	targets := make([]vegeta.Target, 0, total)
	for i := 0; i < total; i++ {
		mid := keys.Next()
		body, err := json.Marshal(api.PatchRequest{Updates: realtime.Updates{
			models.MessagePath(cfg.ConversationID, mid): map[string]any{
				"text":       text,
				"senderId":   p.UserID,
				"senderName": p.UserName,
				"sentAt":     realtime.ServerTimestamp(),
			},
		}})
		if err != nil {
			return nil, fmt.Errorf("encode bench body: %w", err)
		}
		targets = append(targets, vegeta.Target{
			Method: http.MethodPatch,
			URL:    p.BaseURL + "/v1/tree",
			Body:   body,
			Header: header,
		})
	}
	return targets, nil
}

func runAttack(targets []vegeta.Target, cfg benchConfig) *vegeta.Metrics {
	targeter := vegeta.NewStaticTargeter(targets...)
	rate := vegeta.Rate{Freq: cfg.RPS, Per: time.Second}
	attacker := vegeta.NewAttacker(vegeta.Workers(uint64(runtime.NumCPU())))

	metrics := &vegeta.Metrics{}
	for res := range attacker.Attack(targeter, rate, cfg.Duration, "send_messages") {
		metrics.Add(res)
	}
	metrics.Close()
	return metrics
}

func printBenchReport(out io.Writer, m *vegeta.Metrics) {
	fmt.Fprintf(out, "Requests:    %d (%.1f/s)\n", m.Requests, m.Rate)
	fmt.Fprintf(out, "Success:     %.2f%%\n", m.Success*100)
	fmt.Fprintf(out, "Latency p50: %v\n", m.Latencies.P50)
	fmt.Fprintf(out, "Latency p95: %v\n", m.Latencies.P95)
	fmt.Fprintf(out, "Latency p99: %v\n", m.Latencies.P99)
	fmt.Fprintf(out, "Latency max: %v\n", m.Latencies.Max)
	for code, n := range m.StatusCodes {
		fmt.Fprintf(out, "Status %s:  %d\n", code, n)
	}
	if len(m.Errors) > 0 {
		fmt.Fprintf(out, "Errors:      %d distinct\n", len(m.Errors))
		for _, e := range m.Errors {
			fmt.Fprintf(out, "  %s\n", e)
		}
	}
}

func fillerText(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz "
	if n <= 0 {
		n = 1
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[i*7%len(letters)]
	}
	b[0] = 'x'
	return string(b)
}
