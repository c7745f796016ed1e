// A self-contained loopback run: one server and two clients in this process,
// executing a word-count flow loaded from an HCL definition. The generate and
// count nodes share a stream edge, so they land on different clients and the
// words travel over a real TCP peer stream.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/carsomyr/dapper/internal/client"
	"github.com/carsomyr/dapper/internal/flowdef"
	"github.com/carsomyr/dapper/internal/server"
	"github.com/carsomyr/dapper/pkg/codelet"
)

const definition = `
flow "wordcount" {
  node "generate" {
    codelet    = "demo/generate"
    domain     = "source-.*"
    parameters = { count = "250" }
  }
  node "count" {
    codelet = "demo/count"
    domain  = "sink-.*"
  }
  node "report" {
    codelet = "demo/report"
  }
  edge "stream" {
    from = "generate"
    to   = "count"
    name = "words"
  }
  edge "dummy" {
    from = "count"
    to   = "report"
  }
}
`

// generate writes count newline-separated words to its output stream.
type generate struct{}

func (generate) Run(ctx context.Context, env *codelet.Env) error {
	count := 100
	if el := env.Parameters.SelectElement("count"); el != nil {
		if n, err := strconv.Atoi(el.Text()); err == nil {
			count = n
		}
	}

	w := bufio.NewWriter(env.Out[0].Conn)
	for i := 0; i < count; i++ {
		if _, err := fmt.Fprintf(w, "word-%04d\n", i); err != nil {
			return err
		}
	}
	env.Log.Info("Generated words", "count", count)
	return w.Flush()
}

// wordCount drains its input stream and reports the line total.
type wordCount struct{}

func (wordCount) Run(ctx context.Context, env *codelet.Env) error {
	sc := bufio.NewScanner(env.In[0].Conn)
	lines := 0
	for sc.Scan() {
		lines++
	}
	if err := sc.Err(); err != nil {
		return err
	}
	env.Log.Info("Counted words", "lines", lines)
	return nil
}

type report struct{}

func (report) Run(ctx context.Context, env *codelet.Env) error {
	env.Log.Info("Word count flow complete")
	return nil
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	codelet.MustRegister("demo/generate", func() codelet.Codelet { return generate{} })
	codelet.MustRegister("demo/count", func() codelet.Codelet { return wordCount{} })
	codelet.MustRegister("demo/report", func() codelet.Codelet { return report{} })

	if err := run(log); err != nil {
		log.Error("Demo failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	dir, err := os.MkdirTemp("", "dapper-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	defPath := filepath.Join(dir, "wordcount.hcl")
	if err := os.WriteFile(defPath, []byte(definition), 0o644); err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		ListenAddr:     "127.0.0.1:0",
		JournalPath:    filepath.Join(dir, "journal.log"),
		CheckpointPath: filepath.Join(dir, "checkpoint.json"),
		Loader:         flowdef.Load,
		Log:            log.With("role", "server"),
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	for _, domain := range []string{"source-1", "sink-1"} {
		c, err := client.New(client.ClientConfig{
			ServerAddr: srv.Addr(),
			ListenAddr: "127.0.0.1:0",
			Domain:     domain,
			Log:        log.With("role", "client", "domain", domain),
		})
		if err != nil {
			return err
		}
		c.Start()
		defer c.Stop()
	}

	f, err := flowdef.Load(defPath)
	if err != nil {
		return err
	}
	groups := len(f.Logicals())
	if err := srv.Submit(f, defPath); err != nil {
		return err
	}
	log.Info("Flow submitted", "flow", f.Name(), "groups", groups)

	deadline := time.After(30 * time.Second)
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			return fmt.Errorf("flow did not finish within 30s")
		case <-tick.C:
			stats, err := srv.Stats()
			if err != nil {
				return err
			}
			if stats.Scheduling.Failed > 0 {
				return fmt.Errorf("flow failed")
			}
			if stats.Scheduling.Finished >= groups {
				log.Info("Flow finished", "groups", stats.Scheduling.Finished)
				return nil
			}
		}
	}
}
