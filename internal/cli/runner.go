// Package cli implements the midiroute operator commands over the daemon's
// control API.
package cli

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/g960059/midiroute/internal/api"
	"github.com/g960059/midiroute/internal/appclient"
	"github.com/g960059/midiroute/internal/config"
)

// Exit codes: 0 success, 1 daemon/request failure, 2 invalid usage.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type Runner struct {
	client *appclient.Client
	out    io.Writer
	errOut io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(appclient.New(socketPath), out, errOut)
}

func NewRunnerWithClient(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		r.usage()
		return exitUsage
	}
	switch args[0] {
	case "status":
		return r.status(ctx)
	case "endpoints":
		return r.endpoints(ctx)
	case "routes":
		return r.routes(ctx, args[1:])
	case "traffic":
		return r.traffic(ctx, args[1:])
	case "log":
		return r.log(ctx, args[1:])
	case "loopback":
		return r.loopback(ctx, args[1:])
	case "send":
		return r.send(ctx, args[1:])
	case "profile":
		return r.profile(ctx, args[1:])
	case "help", "-h", "--help":
		r.usage()
		return exitOK
	default:
		fmt.Fprintf(r.errOut, "unknown command: %s\n", args[0])
		r.usage()
		return exitUsage
	}
}

func (r *Runner) usage() {
	fmt.Fprint(r.errOut, `usage: midiroute [--socket path] <command>

commands:
  status                           daemon health and session state
  endpoints                        list known endpoints
  routes list                      list routes
  routes add --source ID --target ID [--channels 1,2] [--types note_on,cc] [--disabled]
  routes rm <route-id>             remove a route
  traffic <endpoint-id> [--peek]   traffic snapshot
  log [--limit n] [--clear]        message log tail
  loopback create [name]           create a loopback endpoint
  loopback rename <id> <name>      rename a loopback endpoint
  loopback rm <id>                 delete a loopback endpoint
  send <endpoint-id> <hex-bytes>   inject a MIDI message
  profile list                     list profiles
  profile use <name>               activate a profile
`)
}

func (r *Runner) fail(err error) int {
	fmt.Fprintf(r.errOut, "error: %v\n", err)
	return exitFailure
}

func (r *Runner) status(ctx context.Context) int {
	h, err := r.client.Health(ctx)
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "status: %s (version %s)\n", h.Status, h.Version)
	fmt.Fprintf(r.out, "session: %s", h.SessionState)
	if h.SessionDetail != "" {
		fmt.Fprintf(r.out, " (%s)", h.SessionDetail)
	}
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "ports: %d in, %d out open\n", h.OpenInputs, h.OpenOutputs)
	fmt.Fprintf(r.out, "queue: %d packets\n", h.QueueDepth)
	fmt.Fprintf(r.out, "profile: %s\n", h.ActiveProfile)
	return exitOK
}

func (r *Runner) endpoints(ctx context.Context) int {
	resp, err := r.client.Endpoints(ctx)
	if err != nil {
		return r.fail(err)
	}
	for _, e := range resp.Endpoints {
		dirs := make([]string, 0, 2)
		if e.SupportsInput {
			dirs = append(dirs, "in")
		}
		if e.SupportsOutput {
			dirs = append(dirs, "out")
		}
		state := "online"
		if !e.Online {
			state = "offline"
		}
		kind := e.Kind
		if e.UserManaged {
			kind += " (user)"
		}
		fmt.Fprintf(r.out, "%-40s %-24s %-16s %-8s %s\n", e.EndpointID, e.Name, kind, strings.Join(dirs, "+"), state)
	}
	return exitOK
}

func (r *Runner) routes(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] == "list" {
		resp, err := r.client.Routes(ctx)
		if err != nil {
			return r.fail(err)
		}
		for _, rt := range resp.Routes {
			state := "enabled"
			if !rt.Enabled {
				state = "disabled"
			}
			filter := "all"
			var parts []string
			if len(rt.Channels) > 0 {
				parts = append(parts, fmt.Sprintf("ch %v", rt.Channels))
			}
			if len(rt.MessageTypes) > 0 {
				parts = append(parts, strings.Join(rt.MessageTypes, ","))
			}
			if len(parts) > 0 {
				filter = strings.Join(parts, " ")
			}
			fmt.Fprintf(r.out, "%s  %s -> %s  [%s]  %s  forwarded=%d\n", rt.RouteID, rt.SourceID, rt.TargetID, filter, state, rt.ForwardCount)
		}
		return exitOK
	}
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("routes add", flag.ContinueOnError)
		fs.SetOutput(r.errOut)
		source := fs.String("source", "", "source endpoint id")
		target := fs.String("target", "", "target endpoint id")
		channels := fs.String("channels", "", "comma-separated channel list (1..16)")
		types := fs.String("types", "", "comma-separated message type list")
		disabled := fs.Bool("disabled", false, "create the route disabled")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if *source == "" || *target == "" {
			fmt.Fprintln(r.errOut, "routes add: --source and --target are required")
			return exitUsage
		}
		req := api.RouteRequest{SourceID: *source, TargetID: *target}
		enabled := !*disabled
		req.Enabled = &enabled
		if *channels != "" {
			for _, raw := range strings.Split(*channels, ",") {
				ch, err := strconv.Atoi(strings.TrimSpace(raw))
				if err != nil {
					fmt.Fprintf(r.errOut, "routes add: invalid channel %q\n", raw)
					return exitUsage
				}
				req.Channels = append(req.Channels, ch)
			}
		}
		if *types != "" {
			for _, raw := range strings.Split(*types, ",") {
				req.MessageTypes = append(req.MessageTypes, strings.TrimSpace(raw))
			}
		}
		rt, err := r.client.UpsertRoute(ctx, req)
		if err != nil {
			return r.fail(err)
		}
		fmt.Fprintf(r.out, "route %s created\n", rt.RouteID)
		return exitOK
	case "rm":
		if len(args) != 2 {
			fmt.Fprintln(r.errOut, "routes rm: route id required")
			return exitUsage
		}
		if err := r.client.DeleteRoute(ctx, args[1]); err != nil {
			return r.fail(err)
		}
		fmt.Fprintf(r.out, "route %s removed\n", args[1])
		return exitOK
	default:
		fmt.Fprintf(r.errOut, "routes: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func (r *Runner) traffic(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("traffic", flag.ContinueOnError)
	fs.SetOutput(r.errOut)
	peek := fs.Bool("peek", false, "do not reset the counter window")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(r.errOut, "traffic: endpoint id required")
		return exitUsage
	}
	snap, err := r.client.Traffic(ctx, fs.Arg(0), *peek)
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "%s: %.1f msg/s, %.1f B/s, channels %v\n", snap.EndpointID, snap.MessagesPerSecond, snap.BytesPerSecond, snap.ActiveChannels)
	return exitOK
}

func (r *Runner) log(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	fs.SetOutput(r.errOut)
	limit := fs.Int("limit", 50, "number of entries")
	clear := fs.Bool("clear", false, "clear the log instead of listing")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *clear {
		if err := r.client.ClearLog(ctx); err != nil {
			return r.fail(err)
		}
		fmt.Fprintln(r.out, "log cleared")
		return exitOK
	}
	resp, err := r.client.Log(ctx, *limit)
	if err != nil {
		return r.fail(err)
	}
	for _, e := range resp.Entries {
		ch := "--"
		if e.Channel > 0 {
			ch = fmt.Sprintf("%2d", e.Channel)
		}
		fmt.Fprintf(r.out, "%s  %-24s ch:%s  %s\n", e.Timestamp.Format("15:04:05.000"), e.EndpointName, ch, e.Detail)
	}
	return exitOK
}

func (r *Runner) loopback(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(r.errOut, "loopback: subcommand required (create, rename, rm)")
		return exitUsage
	}
	switch args[0] {
	case "create":
		name := ""
		if len(args) > 1 {
			name = strings.Join(args[1:], " ")
		}
		e, err := r.client.CreateLoopback(ctx, name)
		if err != nil {
			return r.fail(err)
		}
		fmt.Fprintf(r.out, "loopback %s created (%s)\n", e.Name, e.EndpointID)
		return exitOK
	case "rename":
		if len(args) < 3 {
			fmt.Fprintln(r.errOut, "loopback rename: id and name required")
			return exitUsage
		}
		if err := r.client.RenameLoopback(ctx, args[1], strings.Join(args[2:], " ")); err != nil {
			return r.fail(err)
		}
		fmt.Fprintln(r.out, "renamed")
		return exitOK
	case "rm":
		if len(args) != 2 {
			fmt.Fprintln(r.errOut, "loopback rm: id required")
			return exitUsage
		}
		if err := r.client.DeleteLoopback(ctx, args[1]); err != nil {
			return r.fail(err)
		}
		fmt.Fprintln(r.out, "deleted")
		return exitOK
	default:
		fmt.Fprintf(r.errOut, "loopback: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func (r *Runner) send(ctx context.Context, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(r.errOut, "send: endpoint id and hex bytes required (e.g. send rt-out:0 903C64)")
		return exitUsage
	}
	data, err := hex.DecodeString(strings.ReplaceAll(args[1], " ", ""))
	if err != nil || len(data) == 0 {
		fmt.Fprintf(r.errOut, "send: invalid hex payload %q\n", args[1])
		return exitUsage
	}
	if err := r.client.Send(ctx, args[0], data); err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "sent %d bytes to %s\n", len(data), args[0])
	return exitOK
}

func (r *Runner) profile(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] == "list" {
		resp, err := r.client.Profiles(ctx)
		if err != nil {
			return r.fail(err)
		}
		for _, name := range resp.Profiles {
			marker := " "
			if strings.EqualFold(name, resp.Active) {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %s\n", marker, name)
		}
		return exitOK
	}
	if args[0] == "use" {
		if len(args) != 2 {
			fmt.Fprintln(r.errOut, "profile use: name required")
			return exitUsage
		}
		if err := r.client.UseProfile(ctx, args[1]); err != nil {
			return r.fail(err)
		}
		fmt.Fprintf(r.out, "profile %s active\n", args[1])
		return exitOK
	}
	fmt.Fprintf(r.errOut, "profile: unknown subcommand %q\n", args[0])
	return exitUsage
}

// ParseGlobalArgs strips the optional --socket flag ahead of the command.
func ParseGlobalArgs(args []string) (socketPath string, rest []string, err error) {
	socketPath = config.DefaultConfig().SocketPath
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--socket":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires a value")
			}
			socketPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--socket="):
			socketPath = strings.TrimPrefix(arg, "--socket=")
		default:
			rest = append(rest, arg)
		}
	}
	return socketPath, rest, nil
}
