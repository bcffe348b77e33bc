package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultAPIURL = "http://localhost:7081"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: dca-cli [--url URL] [--token JWT] [--owner ID] <command> [args]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  create --source SRC --target TGT --amount N --interval SECS [--slippage BPS] [--max N] [--fee-tier T] [--first-delay SECS] [--prefund N]")
	fmt.Fprintln(w, "  list | active")
	fmt.Fprintln(w, "  get <id> | executions <id>")
	fmt.Fprintln(w, "  pause <id> | cancel <id>")
	fmt.Fprintln(w, "  resume <id> [delaySeconds]")
	fmt.Fprintln(w, "  fund <id> <executions>")
	fmt.Fprintln(w, "  ledger")
	fmt.Fprintln(w, "  balance <asset>")
	fmt.Fprintln(w, "  deposit <asset> <amount>")
	fmt.Fprintln(w, "  token --secret S --owner ID [--issuer I] [--audience A] [--ttl 1h]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Environment: DCA_API_URL, DCA_API_TOKEN, DCA_OWNER")
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("dca-cli", flag.ContinueOnError)
	global.SetOutput(stderr)
	baseURL := global.String("url", envOr("DCA_API_URL", defaultAPIURL), "dcad base URL")
	token := global.String("token", os.Getenv("DCA_API_TOKEN"), "owner bearer token")
	owner := global.String("owner", os.Getenv("DCA_OWNER"), "owner header for daemons running without auth")
	timeout := global.Duration("timeout", 15*time.Second, "request timeout")
	global.Usage = func() { printUsage(stderr) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 1
	}

	command := strings.ToLower(rest[0])
	if command == "token" {
		return runTokenCommand(rest[1:], stdout, stderr)
	}
	if command == "help" {
		printUsage(stdout)
		return 0
	}

	client := newAPIClient(*baseURL, *token, *owner, *timeout)
	ctx := context.Background()
	raw, err := dispatch(ctx, client, command, rest[1:], stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := printJSON(stdout, raw); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return "usage: dca-cli " + string(e) }

func dispatch(ctx context.Context, client *apiClient, command string, args []string, stderr io.Writer) ([]byte, error) {
	switch command {
	case "create":
		body, err := parseCreateFlags(args, stderr)
		if err != nil {
			return nil, err
		}
		return client.do(ctx, http.MethodPost, "/v1/plans", body)
	case "list":
		return client.do(ctx, http.MethodGet, "/v1/plans", nil)
	case "active":
		return client.do(ctx, http.MethodGet, "/v1/plans/active", nil)
	case "get", "executions", "pause", "cancel":
		if len(args) != 1 {
			return nil, usageError(command + " <id>")
		}
		id, err := parsePlanID(args[0])
		if err != nil {
			return nil, err
		}
		switch command {
		case "get":
			return client.do(ctx, http.MethodGet, planPath(id, ""), nil)
		case "executions":
			return client.do(ctx, http.MethodGet, planPath(id, "executions"), nil)
		default:
			return client.do(ctx, http.MethodPost, planPath(id, command), nil)
		}
	case "resume":
		if len(args) < 1 || len(args) > 2 {
			return nil, usageError("resume <id> [delaySeconds]")
		}
		id, err := parsePlanID(args[0])
		if err != nil {
			return nil, err
		}
		body := map[string]any{}
		if len(args) == 2 {
			delay, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid delay %q: %w", args[1], err)
			}
			body["delay_seconds"] = delay
		}
		return client.do(ctx, http.MethodPost, planPath(id, "resume"), body)
	case "fund":
		if len(args) != 2 {
			return nil, usageError("fund <id> <executions>")
		}
		id, err := parsePlanID(args[0])
		if err != nil {
			return nil, err
		}
		executions, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil || executions == 0 {
			return nil, fmt.Errorf("executions must be a positive integer")
		}
		return client.do(ctx, http.MethodPost, planPath(id, "fund"), map[string]any{"executions": executions})
	case "ledger":
		return client.do(ctx, http.MethodGet, "/v1/ledger", nil)
	case "balance":
		if len(args) != 1 {
			return nil, usageError("balance <asset>")
		}
		return client.do(ctx, http.MethodGet, "/v1/vaults/"+strings.ToUpper(strings.TrimSpace(args[0])), nil)
	case "deposit":
		if len(args) != 2 {
			return nil, usageError("deposit <asset> <amount>")
		}
		path := "/v1/vaults/" + strings.ToUpper(strings.TrimSpace(args[0])) + "/deposit"
		return client.do(ctx, http.MethodPost, path, map[string]any{"amount": strings.TrimSpace(args[1])})
	default:
		printUsage(stderr)
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

func parseCreateFlags(args []string, stderr io.Writer) (map[string]any, error) {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	source := fs.String("source", "", "source asset symbol")
	target := fs.String("target", "", "target asset symbol")
	amount := fs.String("amount", "", "source base units per execution")
	interval := fs.Uint64("interval", 0, "seconds between executions")
	slippage := fs.Uint("slippage", 50, "maximum slippage in basis points")
	maxExec := fs.Uint64("max", 0, "execution limit; zero is unlimited")
	feeTier := fs.Uint("fee-tier", 0, "primary venue fee tier; zero uses the default")
	firstDelay := fs.Uint64("first-delay", 0, "seconds until the first execution; zero uses the interval")
	prefund := fs.Uint64("prefund", 1, "executions of scheduler fees to fund at creation")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(*source) == "" || strings.TrimSpace(*target) == "" || strings.TrimSpace(*amount) == "" || *interval == 0 {
		return nil, usageError("create --source SRC --target TGT --amount N --interval SECS")
	}
	body := map[string]any{
		"source_asset":        strings.TrimSpace(*source),
		"target_asset":        strings.TrimSpace(*target),
		"amount_per_interval": strings.TrimSpace(*amount),
		"interval_seconds":    *interval,
		"max_slippage_bps":    *slippage,
	}
	if *maxExec > 0 {
		body["max_executions"] = *maxExec
	}
	if *feeTier > 0 {
		body["fee_tier"] = *feeTier
	}
	if *firstDelay > 0 {
		body["first_delay_seconds"] = *firstDelay
	}
	if *prefund > 0 {
		body["prefund_executions"] = *prefund
	}
	return body, nil
}

func parsePlanID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid plan id %q", raw)
	}
	return id, nil
}

func planPath(id uint64, action string) string {
	path := "/v1/plans/" + strconv.FormatUint(id, 10)
	if action != "" {
		path += "/" + action
	}
	return path
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
