// Command arproxd runs the proxy lifecycle engine: discover candidate
// proxies, check them, and either report them (find) or forward client
// traffic through them (serve).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/grishkovelli/arprox"
)

var (
	stdout io.Writer
	stderr io.Writer
)

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "arproxd: fatal: ")
	fmt.Fprintln(stderr, args...)
	return 1
}

func main() {
	stdout, stderr = os.Stdout, os.Stderr
	os.Exit(run(os.Args))
}

func run(args []string) int {
	if len(args) < 2 {
		usage()
		return 1
	}

	cmd := args[1]
	flagSet := flag.NewFlagSet(cmd, flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	configPath := flagSet.String("config", "arprox.yaml", "path to the YAML config file")
	watch := flagSet.Bool("watch", false, "hot-reload the config file on change")
	limit := flagSet.Int("limit", 100, "maximum number of proxies to grab/find before stopping (serve: size of the internal find session)")
	if err := flagSet.Parse(args[2:]); err != nil {
		return 1
	}

	switch cmd {
	case "find", "grab", "serve":
	default:
		usage()
		return 1
	}

	cfg, err := arprox.LoadConfig(*configPath)
	if err != nil {
		return fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 4)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if *watch {
		w, err := arprox.NewConfigWatcher(*configPath, 0, func(newCfg *arprox.Config) {
			fmt.Fprintln(stdout, "arproxd: config reloaded; restart to apply changes to a running broker")
			cfg = newCfg
		})
		if err != nil {
			return fatal(err)
		}
		go w.Run(ctx)
	}

	providers := providersFromConfig(cfg)
	required := []string{"HTTP"}
	if cmd == "serve" {
		required = append(required, "HTTPS")
	}

	broker, err := arprox.NewBroker(ctx, cfg, providers, required)
	if err != nil {
		return fatal(err)
	}

	switch cmd {
	case "grab":
		out := make(chan *arprox.Proxy, 64)
		go func() {
			for p := range out {
				fmt.Fprint(stdout, p.AsText())
			}
		}()
		if err := broker.Grab(ctx, out, *limit); err != nil && ctx.Err() == nil {
			return fatal(err)
		}
	case "find":
		out := make(chan *arprox.Proxy, 64)
		go func() {
			for p := range out {
				fmt.Fprint(stdout, p.AsText())
			}
		}()
		if err := broker.Find(ctx, out, *limit); err != nil && ctx.Err() == nil {
			return fatal(err)
		}
	case "serve":
		if err := broker.Serve(ctx, *limit); err != nil && ctx.Err() == nil {
			return fatal(err)
		}
	}

	return 0
}

// providersFromConfig treats each configured entry as a single static
// candidate address. Scraping real provider sources (its explicit
// Non-goal) is left to callers who want it; this keeps arproxd usable
// against a fixed address list out of the box.
func providersFromConfig(cfg *arprox.Config) []arprox.Provider {
	providers := make([]arprox.Provider, 0, len(cfg.Providers))
	for i, addr := range cfg.Providers {
		providers = append(providers, arprox.StaticProvider{
			ProviderName: fmt.Sprintf("source-%d", i),
			Candidates:   []string{addr},
		})
	}
	return providers
}

func usage() {
	fmt.Fprintln(stderr, `usage: arproxd <find|grab|serve> [-config path] [-watch] [-limit n]`)
}
