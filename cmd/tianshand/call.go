package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tianshanos/tianshan-core/internal/api"
	"github.com/tianshanos/tianshan-core/internal/infrastructure/config"
	"github.com/tianshanos/tianshan-core/internal/infrastructure/logging"
)

// localSession is the implicit console identity for CLI calls. The CLI
// runs on the board itself, so it gets root like the serial console.
const localToken = "local-console"

type localAuth struct{}

func (localAuth) Resolve(token string) (api.Session, error) {
	if token != localToken {
		return api.Session{}, fmt.Errorf("unknown token")
	}
	return api.Session{ID: "console", Username: "console", Level: api.PermissionRoot}, nil
}

// paramList collects repeated -p key=value flags.
type paramList []string

func (p *paramList) String() string { return strings.Join(*p, ",") }

func (p *paramList) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("parameter %q is not key=value", v)
	}
	*p = append(*p, v)
	return nil
}

// runCall executes one endpoint in-process and prints the result
// envelope as JSON. Exit status is 0 only when the endpoint returns OK.
func runCall(args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	jsonParams := fs.String("json", "", "parameters as a JSON object")
	var pairs paramList
	fs.Var(&pairs, "p", "parameter as key=value (repeatable)")

	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, "usage: tianshand call <endpoint> [--json '{...}'] [-p key=value]...")
		return 2
	}
	endpoint := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	params, err := buildParams(*jsonParams, pairs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading config: %v\n", err)
		return 1
	}

	// Keep the console clean: only errors reach stderr.
	log := logging.New(config.LoggingConfig{Level: "error", Output: "stderr", Format: "text"}, version)

	ctx := context.Background()
	app, err := newApp(ctx, cfg, log, withoutAPI())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer app.close()

	if err := app.orch.StartAll(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: starting services: %v\n", err)
		return 1
	}
	defer app.orch.StopAll(ctx)

	dispatcher := api.NewDispatcher(app.registry, localAuth{}, log)
	result := dispatcher.Dispatch(ctx, endpoint, localToken, params)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(string(out))

	if result.Code != api.CodeOK {
		return 1
	}
	return 0
}

// buildParams merges --json and -p arguments; -p wins on conflicts.
func buildParams(jsonParams string, pairs paramList) (map[string]any, error) {
	params := make(map[string]any)
	if jsonParams != "" {
		if err := json.Unmarshal([]byte(jsonParams), &params); err != nil {
			return nil, fmt.Errorf("parsing --json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, _ := strings.Cut(pair, "=")
		params[key] = coerceParam(raw)
	}
	return params, nil
}

// coerceParam interprets a CLI value the way a JSON decoder would:
// booleans and numbers become typed, everything else stays a string.
func coerceParam(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return raw
}
