// Command chirp-echo runs a chirp node that echoes every received message
// back to its sender, as a demonstration/diagnostic harness for the
// library.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"net/http/pprof"

	"github.com/hashicorp/go-envparse"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/pg9182/chirp/pkg/chirp"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		if x, err := readEnv(pflag.Arg(0)); err == nil {
			e = x
		} else {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
	}

	var cfg chirp.Config
	if err := cfg.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	var n *chirp.Chirp
	n, err := chirp.Init(cfg, func(msg *chirp.Message) {
		echo(n, msg)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize node: %v\n", err)
		os.Exit(1)
	}
	defer n.Close()

	dbg := http.NewServeMux()
	dbg.HandleFunc("/debug/pprof/", pprof.Index)
	dbg.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	dbg.HandleFunc("/debug/pprof/profile", pprof.Profile)
	dbg.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	dbg.HandleFunc("/debug/pprof/trace", pprof.Trace)
	dbg.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		n.WriteMetrics(w)
	})
	if dbgAddr, ok := getEnvList("CHIRP_DEBUG_SERVER_ADDR", e, os.Environ()); ok && dbgAddr != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "warning: running insecure debug server on %q\n", dbgAddr)
			if err := http.ListenAndServe(dbgAddr, dbg); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to start debug server: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run node: %v\n", err)
		os.Exit(1)
	}
}

// echo sends every received message straight back to its sender, releasing
// the receive slot once the outbound copy has its own header/data buffers
// (slot buffers are reused as soon as ReleaseMsgSlot returns).
func echo(n *chirp.Chirp, msg *chirp.Message) {
	header := append([]byte(nil), msg.Header...)
	data := append([]byte(nil), msg.Data...)

	if msg.HasSlot() {
		n.ReleaseMsgSlot(msg)
	}

	out := &chirp.Message{Header: header, Data: data}
	n.Send(msg.Proto, msg.Address, msg.Port, out, nil)
}

func getEnvList(k string, e ...[]string) (string, bool) {
	for _, l := range e {
		for _, x := range l {
			if xk, xv, ok := strings.Cut(x, "="); ok && xk == k {
				return xv, true
			}
		}
	}
	return "", false
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
