// capturectl drains records from a running activity-monitor and prints
// them as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mrzor/activity-monitor/internal/config"
	"github.com/mrzor/activity-monitor/internal/event"
	"github.com/mrzor/activity-monitor/internal/recordfilter"
	"github.com/mrzor/activity-monitor/internal/transport"
)

const usage = `Usage: %s [options] <drain|pop|status|follow>

Options:
  -s, --socket <path>   monitor socket (default $MONITOR_SOCKET or %s)
  -w, --where <expr>    only print records matching the expression
      --max <n>         records per request, 0 for all
      --wait <dur>      follow: server-side wait per poll (default 5s)`

type options struct {
	command string
	socket  string
	where   string
	max     int
	wait    time.Duration
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func parseArgs(args []string) (*options, error) {
	envCfg, err := config.ParseEnvConfig()
	if err != nil {
		return nil, err
	}

	opts := &options{socket: envCfg.SocketPath, wait: 5 * time.Second}
	usageErr := fmt.Errorf(usage, args[0], config.DefaultSocketPath)

	for i := 1; i < len(args); i++ {
		arg := args[i]
		value := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", arg)
			}
			i++
			return args[i], nil
		}

		switch arg {
		case "-s", "--socket":
			if opts.socket, err = value(); err != nil {
				return nil, err
			}
		case "-w", "--where":
			if opts.where, err = value(); err != nil {
				return nil, err
			}
		case "--max":
			v, err := value()
			if err != nil {
				return nil, err
			}
			if opts.max, err = strconv.Atoi(v); err != nil || opts.max < 0 {
				return nil, fmt.Errorf("--max must be a non-negative integer, got %q", v)
			}
		case "--wait":
			v, err := value()
			if err != nil {
				return nil, err
			}
			if opts.wait, err = time.ParseDuration(v); err != nil || opts.wait <= 0 {
				return nil, fmt.Errorf("--wait must be a positive duration, got %q", v)
			}
		case "-h", "--help":
			return nil, usageErr
		default:
			if opts.command != "" {
				return nil, usageErr
			}
			opts.command = arg
		}
	}

	switch opts.command {
	case "drain", "pop", "status", "follow":
	default:
		return nil, usageErr
	}
	return opts, nil
}

func printRecords(enc *json.Encoder, filter *recordfilter.Filter, records []event.Record) error {
	kept, err := filter.Apply(records)
	if err != nil {
		return err
	}
	for _, rec := range kept {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
	}
	return nil
}

func follow(ctx context.Context, c *transport.Client, enc *json.Encoder, filter *recordfilter.Filter, opts *options) error {
	for {
		// Leave the server room to answer before the client deadline.
		reqCtx, cancel := context.WithTimeout(ctx, opts.wait+5*time.Second)
		records, err := c.Wait(reqCtx, opts.wait, opts.max)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := printRecords(enc, filter, records); err != nil {
			return err
		}
	}
}

func run() error {
	if len(os.Args) == 0 {
		return errors.New("no arguments provided")
	}
	opts, err := parseArgs(os.Args)
	if err != nil {
		return err
	}

	filter, err := recordfilter.Compile(opts.where)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	c, err := transport.Dial(dialCtx, opts.socket)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close() //nolint:errcheck // Exiting anyway
	}()

	enc := json.NewEncoder(os.Stdout)

	reqCtx, cancelReq := context.WithTimeout(ctx, 10*time.Second)
	defer cancelReq()

	switch opts.command {
	case "drain":
		records, err := c.Drain(reqCtx, opts.max)
		if err != nil {
			return err
		}
		return printRecords(enc, filter, records)

	case "pop":
		rec, ok, err := c.Pop(reqCtx)
		if err != nil || !ok {
			return err
		}
		return printRecords(enc, filter, []event.Record{rec})

	case "status":
		st, err := c.Status(reqCtx)
		if err != nil {
			return err
		}
		enc.SetIndent("", "  ")
		return enc.Encode(st)

	default:
		return follow(ctx, c, enc, filter, opts)
	}
}
