package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"geofenced/internal/dispatch"
	"geofenced/internal/ipc"
	"geofenced/internal/region"
)

const callTimeout = 30 * time.Second

type palette struct {
	Reset, Bold, Dim, Red, Green, Yellow, Cyan string
}

var c = palette{
	Reset:  "\033[0m",
	Bold:   "\033[1m",
	Dim:    "\033[2m",
	Red:    "\033[31m",
	Green:  "\033[32m",
	Yellow: "\033[33m",
	Cyan:   "\033[36m",
}

func printSection(title string) {
	fmt.Printf("\n%s%s%s\n", c.Bold, title, c.Reset)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s%serror%s: %s\n", c.Bold, c.Red, c.Reset, msg)
}

func fail(what string, err error) {
	var remote *ipc.RemoteError
	if errors.As(err, &remote) {
		printError(fmt.Sprintf("%s: %s (code %d)", what, remote.Message, remote.Code))
	} else {
		printError(fmt.Sprintf("%s: %v", what, err))
	}
	os.Exit(1)
}

// IPCCommands wraps IPC client commands
type IPCCommands struct {
	client *ipc.IPCClient
}

// NewIPCCommands connects to the daemon socket named by -socket or the
// configuration.
func NewIPCCommands() (*IPCCommands, error) {
	path := *socketPath
	if path == "" {
		path = loadConfig().IPC.SocketPath
	}

	cfg := ipc.DefaultClientConfig("")
	cfg.SocketPath = path
	cfg.ClientName = "geofencectl"
	cfg.ClientVersion = Version

	client := ipc.NewClient(cfg)
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return &IPCCommands{client: client}, nil
}

// Close closes the IPC connection
func (cmds *IPCCommands) Close() error {
	return cmds.client.Close()
}

func connect() *IPCCommands {
	cmds, err := NewIPCCommands()
	if err != nil {
		printError(fmt.Sprintf("Cannot connect to daemon: %v", err))
		fmt.Fprintf(os.Stderr, "  %sTip%s: Start the daemon with: geofenced run\n", c.Dim, c.Reset)
		os.Exit(1)
	}
	return cmds
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

func cmdStatus() {
	cmds := connect()
	defer cmds.Close()
	ctx, cancel := callContext()
	defer cancel()

	status, err := cmds.client.Status(ctx)
	if err != nil {
		fail("Failed to get status", err)
	}

	printSection("DAEMON STATUS")
	fmt.Printf("  %sVersion%s        %s%s%s\n", c.Dim, c.Reset, c.Cyan, status.Version, c.Reset)
	fmt.Printf("  %sUptime%s         %s\n", c.Dim, c.Reset, status.Uptime)
	if !status.StartedAt.IsZero() {
		fmt.Printf("  %sStarted%s        %s\n", c.Dim, c.Reset, status.StartedAt.Format(time.RFC3339))
	}
	if status.Initialized {
		fmt.Printf("  %sDelivery%s       %s%sACTIVE%s\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset)
	} else {
		fmt.Printf("  %sDelivery%s       %s%sINACTIVE%s\n", c.Dim, c.Reset, c.Bold, c.Yellow, c.Reset)
	}
	fmt.Printf("  %sPermission%s     %s\n", c.Dim, c.Reset, colorPermission(status.Permission))

	printSection("MONITORING")
	fmt.Printf("  %sRegions%s        %d\n", c.Dim, c.Reset, status.Regions)
	fmt.Printf("  %sTimers%s         %d\n", c.Dim, c.Reset, status.PendingTimers)
	fmt.Printf("  %sClients%s        %d (%d subscribed)\n", c.Dim, c.Reset, status.Clients, status.Subscribers)

	printSection("DISPATCH")
	s := status.Dispatch
	fmt.Printf("  %sQueued%s         %d\n", c.Dim, c.Reset, status.QueueDepth)
	fmt.Printf("  %sPublished%s      %d\n", c.Dim, c.Reset, s.Published)
	fmt.Printf("  %sDelivered%s      %d\n", c.Dim, c.Reset, s.Delivered)
	fmt.Printf("  %sDropped%s        %d overflow, %d unavailable, %d failed, %d discarded, %d rejected\n",
		c.Dim, c.Reset, s.Overflow, s.Unavailable, s.Failed, s.Discarded, s.Rejected)
	fmt.Println()
}

func colorPermission(state string) string {
	switch {
	case strings.HasPrefix(state, "granted"):
		return c.Green + state + c.Reset
	case state == "not_determined":
		return c.Yellow + state + c.Reset
	default:
		return c.Red + state + c.Reset
	}
}

func cmdInit() {
	cmds := connect()
	defer cmds.Close()
	ctx, cancel := callContext()
	defer cancel()

	if _, err := cmds.client.Init(ctx); err != nil {
		fail("Failed to start delivery", err)
	}
	fmt.Printf("%s%sDelivery started%s\n", c.Bold, c.Green, c.Reset)
}

func cmdUnInit() {
	cmds := connect()
	defer cmds.Close()
	ctx, cancel := callContext()
	defer cancel()

	if err := cmds.client.UnInit(ctx); err != nil {
		fail("Failed to stop delivery", err)
	}
	fmt.Println("Delivery stopped.")
}

// cmdRegister reads definitions in any supported format and sends them as
// JSON.
func cmdRegister(path string) {
	defs, err := region.ReadDefinitionsFile(path)
	if err != nil {
		fail("Invalid region file", err)
	}
	if len(defs) == 0 {
		printError(fmt.Sprintf("%s contains no regions", path))
		os.Exit(1)
	}
	raw, err := json.Marshal(defs)
	if err != nil {
		fail("Encode regions", err)
	}

	cmds := connect()
	defer cmds.Close()
	ctx, cancel := callContext()
	defer cancel()

	ids, err := cmds.client.Register(ctx, raw)
	if err != nil {
		fail("Failed to register", err)
	}
	for _, id := range ids {
		fmt.Printf("  %s+%s %s\n", c.Green, c.Reset, id)
	}
	fmt.Printf("Registered %d region(s).\n", len(ids))
}

func cmdUnregister(id string) {
	cmds := connect()
	defer cmds.Close()
	ctx, cancel := callContext()
	defer cancel()

	removed, err := cmds.client.Unregister(ctx, id)
	if err != nil {
		fail("Failed to unregister", err)
	}
	if !removed {
		fmt.Printf("No region %q.\n", id)
		return
	}
	fmt.Printf("Removed %s.\n", id)
}

func cmdList() {
	cmds := connect()
	defer cmds.Close()
	ctx, cancel := callContext()
	defer cancel()

	regions, err := cmds.client.List(ctx)
	if err != nil {
		fail("Failed to list regions", err)
	}
	if len(regions) == 0 {
		fmt.Println("No regions registered.")
		return
	}

	fmt.Printf("%-24s %-8s %-10s %-20s %s\n", "ID", "KIND", "STATE", "SINCE", "TARGET")
	fmt.Println(strings.Repeat("-", 90))
	for _, r := range regions {
		since := "-"
		if !r.Since.IsZero() {
			since = r.Since.Local().Format(time.DateTime)
		}
		fmt.Printf("%-24s %-8s %-10s %-20s %s\n", r.Definition.ID, r.Definition.Kind, r.State, since, describe(r.Definition))
	}
}

func describe(d region.Definition) string {
	switch region.Kind(d.Kind) {
	case region.KindGeoCircle:
		if d.Latitude != nil && d.Longitude != nil && d.Radius != nil {
			return fmt.Sprintf("%.5f,%.5f r=%.0fm", *d.Latitude, *d.Longitude, *d.Radius)
		}
	case region.KindBeacon:
		s := d.UUID
		if d.Major != nil {
			s += fmt.Sprintf(" major=%d", *d.Major)
		}
		if d.Minor != nil {
			s += fmt.Sprintf(" minor=%d", *d.Minor)
		}
		return s
	}
	return ""
}

// cmdWatch subscribes and prints events until interrupted.
func cmdWatch(args []string) {
	types := make([]dispatch.Type, 0, len(args))
	for _, a := range args {
		types = append(types, dispatch.Type(a))
	}

	cmds := connect()
	defer cmds.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub, err := cmds.client.Subscribe(ctx, types...)
	if err != nil {
		fail("Failed to subscribe", err)
	}
	fmt.Fprintf(os.Stderr, "%sSubscribed (%s). Press Ctrl+C to stop.%s\n", c.Dim, sub.SubscriptionID, c.Reset)
	if !sub.Initialized {
		fmt.Fprintf(os.Stderr, "%sDelivery is not active; check 'geofencectl permission'.%s\n", c.Yellow, c.Reset)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-cmds.client.Events():
			if !ok {
				printError("connection closed by daemon")
				os.Exit(1)
			}
			printEvent(n.Params)
		}
	}
}

func printEvent(ev dispatch.Event) {
	color := c.Cyan
	switch ev.Type {
	case dispatch.TypeEnter:
		color = c.Green
	case dispatch.TypeExit:
		color = c.Yellow
	}
	line := fmt.Sprintf("%s  %s%-8s%s %s", ev.Timestamp.Local().Format("15:04:05.000"), color, ev.Type, c.Reset, ev.RegionID)
	if ev.Payload != nil {
		if b, err := json.Marshal(ev.Payload); err == nil {
			line += "  " + c.Dim + string(b) + c.Reset
		}
	}
	fmt.Println(line)
}

func cmdHistory(regionID string, limit int) {
	cmds := connect()
	defer cmds.Close()
	ctx, cancel := callContext()
	defer cancel()

	res, err := cmds.client.EventHistory(ctx, regionID, limit)
	if err != nil {
		fail("Failed to read history", err)
	}
	if len(res.Events) == 0 {
		fmt.Println("No events recorded.")
		return
	}

	fmt.Printf("%-20s %-8s %-24s %s\n", "TIME", "TYPE", "REGION", "OUTCOME")
	fmt.Println(strings.Repeat("-", 70))
	for _, ev := range res.Events {
		fmt.Printf("%-20s %-8s %-24s %s\n", ev.Timestamp.Local().Format(time.DateTime), ev.Type, ev.RegionID, ev.Outcome)
	}
}

func cmdPermission(args []string) {
	cmds := connect()
	defer cmds.Close()
	ctx, cancel := callContext()
	defer cancel()

	action := ""
	if len(args) > 0 {
		action = args[0]
	}

	switch action {
	case "":
		state, err := cmds.client.PermissionStatus(ctx)
		if err != nil {
			fail("Failed to read permission", err)
		}
		fmt.Printf("Location access: %s\n", colorPermission(state))

	case "request":
		state, err := cmds.client.RequestPermission(ctx)
		if err != nil {
			fail("Permission request failed", err)
		}
		fmt.Printf("Location access: %s\n", colorPermission(state))

	case "history":
		res, err := cmds.client.PermissionHistory(ctx, limitArg(args, 1))
		if err != nil {
			fail("Failed to read permission history", err)
		}
		if len(res.Changes) == 0 {
			fmt.Println("No permission changes recorded.")
			return
		}
		for _, ch := range res.Changes {
			fmt.Printf("%s  %s -> %s\n", ch.At.Local().Format(time.DateTime), ch.From, colorPermission(ch.To))
		}

	default:
		printError("Usage: geofencectl permission [request|history [limit]]")
		os.Exit(1)
	}
}
