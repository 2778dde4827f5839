// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/warden/admin"
	"github.com/bureau-foundation/warden/lib/codec"
	"github.com/bureau-foundation/warden/lib/process"
	"github.com/bureau-foundation/warden/lib/version"
)

// SocketEnvironmentVariable overrides the default admin socket path.
const SocketEnvironmentVariable = "BUREAU_WARDEN_ADMIN_SOCKET"

const defaultSocket = "/run/bureau-warden/admin.sock"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

// options are the flags every subcommand accepts.
type options struct {
	socket  string
	json    bool
	raw     bool
	timeout time.Duration
}

func (o *options) register(flags *pflag.FlagSet) {
	socket := os.Getenv(SocketEnvironmentVariable)
	if socket == "" {
		socket = defaultSocket
	}
	flags.StringVar(&o.socket, "socket", socket, "admin socket path (env "+SocketEnvironmentVariable+")")
	flags.BoolVar(&o.json, "json", false, "print the response as JSON")
	flags.BoolVar(&o.raw, "raw", false, "print the response in CBOR diagnostic notation")
	flags.DurationVar(&o.timeout, "timeout", 10*time.Second, "request timeout")
}

type command struct {
	name    string
	usage   string
	summary string
	run     func(ctx context.Context, client *admin.Client, opts *options, args []string, out io.Writer) error
	flags   func(*pflag.FlagSet)
}

func commands() []*command {
	var (
		commandPayload string
		commandTimeout time.Duration
		shutdownGrace  time.Duration
		shutdownReason string
		outputOffset   uint64
	)
	return []*command{
		{
			name:    "status",
			usage:   "status",
			summary: "show the agent and its workers",
			run:     runStatus,
		},
		{
			name:    "register",
			usage:   "register WORKER_ID PRINCIPAL",
			summary: "register a worker and bind its channel",
			run: func(ctx context.Context, client *admin.Client, _ *options, args []string, out io.Writer) error {
				if len(args) != 2 {
					return errors.New("expected WORKER_ID PRINCIPAL")
				}
				if err := client.Register(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(out, "registered %s\n", args[0])
				return nil
			},
		},
		{
			name:    "unregister",
			usage:   "unregister WORKER_ID",
			summary: "close a worker's channel and forget it",
			run: func(ctx context.Context, client *admin.Client, _ *options, args []string, out io.Writer) error {
				if len(args) != 1 {
					return errors.New("expected WORKER_ID")
				}
				if err := client.Unregister(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(out, "unregistered %s\n", args[0])
				return nil
			},
		},
		{
			name:    "command",
			usage:   "command WORKER_ID get_status|start|stop|kill|restart|update_limits",
			summary: "send a command to a worker",
			flags: func(flags *pflag.FlagSet) {
				flags.StringVar(&commandPayload, "payload", "", "command payload")
				flags.DurationVar(&commandTimeout, "command-timeout", 0, "time the worker may take to carry out the command")
			},
			run: func(ctx context.Context, client *admin.Client, opts *options, args []string, out io.Writer) error {
				if len(args) != 2 {
					return errors.New("expected WORKER_ID COMMAND")
				}
				messageID, err := client.SendCommand(ctx, args[0], args[1], commandPayload, commandTimeout)
				if err != nil {
					return err
				}
				if opts.json {
					return writeJSON(out, admin.SendCommandResponse{MessageID: messageID})
				}
				fmt.Fprintf(out, "sent %s to %s (message %s)\n", args[1], args[0], messageID)
				return nil
			},
		},
		{
			name:    "input",
			usage:   "input WORKER_ID [TEXT...]",
			summary: "write text to a worker's stdin (reads stdin if no TEXT)",
			run: func(ctx context.Context, client *admin.Client, _ *options, args []string, out io.Writer) error {
				if len(args) < 1 {
					return errors.New("expected WORKER_ID")
				}
				text := strings.Join(args[1:], " ") + "\n"
				if len(args) == 1 {
					data, err := io.ReadAll(os.Stdin)
					if err != nil {
						return fmt.Errorf("reading stdin: %w", err)
					}
					text = string(data)
				}
				return client.SendInput(ctx, args[0], text)
			},
		},
		{
			name:    "shutdown",
			usage:   "shutdown WORKER_ID",
			summary: "ask a worker to stop its process and exit",
			flags: func(flags *pflag.FlagSet) {
				flags.DurationVar(&shutdownGrace, "grace", 10*time.Second, "time before the worker kills its process")
				flags.StringVar(&shutdownReason, "reason", "", "reason recorded by the worker")
			},
			run: func(ctx context.Context, client *admin.Client, _ *options, args []string, out io.Writer) error {
				if len(args) != 1 {
					return errors.New("expected WORKER_ID")
				}
				if err := client.SendShutdown(ctx, args[0], shutdownGrace, shutdownReason); err != nil {
					return err
				}
				fmt.Fprintf(out, "shutdown sent to %s\n", args[0])
				return nil
			},
		},
		{
			name:    "output",
			usage:   "output WORKER_ID",
			summary: "print a worker's recent output",
			flags: func(flags *pflag.FlagSet) {
				flags.Uint64Var(&outputOffset, "offset", 0, "print output after this byte offset")
			},
			run: func(ctx context.Context, client *admin.Client, opts *options, args []string, out io.Writer) error {
				if len(args) != 1 {
					return errors.New("expected WORKER_ID")
				}
				response, err := client.Output(ctx, args[0], outputOffset)
				if err != nil {
					return err
				}
				if opts.json {
					return writeJSON(out, response)
				}
				if response.Start > outputOffset {
					fmt.Fprintf(out, "[%d bytes of older output discarded]\n", response.Start-outputOffset)
				}
				_, err = io.WriteString(out, response.Data)
				return err
			},
		},
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(out)
		return nil
	}
	if args[0] == "--version" || args[0] == "version" {
		fmt.Fprintf(out, "bureau-warden-ctl %s\n", version.Full())
		return nil
	}

	var selected *command
	for _, candidate := range commands() {
		if candidate.name == args[0] {
			selected = candidate
			break
		}
	}
	if selected == nil {
		return fmt.Errorf("unknown command %q (run bureau-warden-ctl help)", args[0])
	}

	var opts options
	flags := pflag.NewFlagSet(selected.name, pflag.ContinueOnError)
	flags.SetOutput(out)
	flags.Usage = func() {
		fmt.Fprintf(out, "usage: bureau-warden-ctl %s [flags]\n\n%s\n\n", selected.usage, selected.summary)
		flags.PrintDefaults()
	}
	opts.register(flags)
	if selected.flags != nil {
		selected.flags(flags)
	}
	if err := flags.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	client := admin.NewClient(opts.socket)

	if opts.raw {
		return runRaw(ctx, client, selected.name, flags.Args(), out)
	}
	if err := selected.run(ctx, client, &opts, flags.Args(), out); err != nil {
		return fmt.Errorf("%s: %w", selected.name, err)
	}
	return nil
}

// runRaw supports --raw for the read-only actions, printing the
// response data as CBOR diagnostic notation.
func runRaw(ctx context.Context, client *admin.Client, name string, args []string, out io.Writer) error {
	var (
		action string
		fields map[string]any
	)
	switch name {
	case "status":
		action = admin.ActionStatus
	case "output":
		if len(args) != 1 {
			return errors.New("output: expected WORKER_ID")
		}
		action, fields = admin.ActionOutput, map[string]any{"worker_id": args[0]}
	default:
		return fmt.Errorf("--raw is supported for status and output, not %s", name)
	}
	data, err := client.Raw(ctx, action, fields)
	if err != nil {
		return err
	}
	diagnostic, err := codec.Diagnose(data)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, diagnostic)
	return nil
}

func runStatus(ctx context.Context, client *admin.Client, opts *options, args []string, out io.Writer) error {
	if len(args) != 0 {
		return errors.New("status takes no arguments")
	}
	status, err := client.Status(ctx)
	if err != nil {
		return err
	}
	if opts.json {
		return writeJSON(out, status)
	}

	fmt.Fprintf(out, "instance %s, %s, up %s\n\n", status.InstanceID, status.Version,
		(time.Duration(status.UptimeSeconds) * time.Second).String())
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "WORKER\tPRINCIPAL\tCONNECTED\tSTATE\tPID\tEXIT\tOUTPUT\tLAST MESSAGE")
	for _, worker := range status.Workers {
		state := worker.State
		if state == "" {
			state = "-"
		}
		pid := "-"
		if worker.PID != 0 {
			pid = fmt.Sprint(worker.PID)
		}
		exit := "-"
		if worker.ExitCode != nil {
			exit = fmt.Sprint(*worker.ExitCode)
		}
		lastMessage := "-"
		if !worker.LastMessageAt.IsZero() {
			lastMessage = time.Since(worker.LastMessageAt).Truncate(time.Second).String() + " ago"
		}
		fmt.Fprintf(writer, "%s\t%s\t%v\t%s\t%s\t%s\t%d\t%s\n",
			worker.WorkerID, worker.Principal, worker.Connected, state, pid, exit, worker.OutputBytes, lastMessage)
	}
	return writer.Flush()
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "usage: bureau-warden-ctl COMMAND [flags] [args]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, c := range commands() {
		fmt.Fprintf(writer, "  %s\t%s\n", c.usage, c.summary)
	}
	writer.Flush()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Flags for every command: --socket, --json, --raw, --timeout")
}
