package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/inbox/internal/api"
	"github.com/matheus3301/inbox/internal/config"
	"github.com/matheus3301/inbox/internal/lock"
	"github.com/matheus3301/inbox/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		fail(fmt.Errorf("load config: %w", err))
	}
	sessionName, err := session.Resolve(*sessionFlag, cfg)
	if err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Listing sessions does not need a daemon.
	if args[0] == "sessions" {
		cmdSessions(*jsonFlag)
		return
	}

	socketPath := session.SocketPath(sessionName)
	c, err := api.Dial(socketPath)
	if err != nil {
		fail(fmt.Errorf("cannot connect to daemon for session %q: %w", sessionName, err))
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		resp, err := c.Status(ctx)
		check(err)
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		f := resp.GetFields()
		fmt.Printf("Session:  %s\n", f["session"].GetStringValue())
		fmt.Printf("Realtime: %s\n", f["realtime"].GetStringValue())
		fmt.Printf("Threads:  %d\n", int64(f["threads"].GetNumberValue()))
		fmt.Printf("Unread:   %d\n", int64(f["unread"].GetNumberValue()))
		fmt.Printf("Uptime:   %dms\n", int64(f["uptime_ms"].GetNumberValue()))
		if v, ok := f["last_refresh_unix_ms"]; ok {
			fmt.Printf("Refreshed: %s\n", time.UnixMilli(int64(v.GetNumberValue())).Format(time.RFC3339))
		}
	case "threads":
		refresh := len(args) > 1 && args[1] == "--refresh"
		resp, err := c.Threads(ctx, refresh)
		check(err)
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		printThreads(resp)
	case "open":
		resp, err := c.OpenThread(ctx, argID(args, 1), 0)
		check(err)
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		if resp.GetFields()["stale"].GetBoolValue() {
			fmt.Fprintln(os.Stderr, "warning: server unreachable, showing cached messages")
		}
		printMessages(resp)
	case "messages":
		var before int64
		if len(args) > 2 {
			before = argID(args, 2)
		}
		resp, err := c.Messages(ctx, argID(args, 1), before, 0)
		check(err)
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		printMessages(resp)
	case "unread":
		n, err := c.Unread(ctx)
		check(err)
		fmt.Println(n)
	case "read":
		check(c.MarkRead(ctx, argID(args, 1)))
	case "send":
		if len(args) < 3 {
			fail(errors.New("usage: inboxctl send <thread-id> <text...>"))
		}
		clientID, err := c.SendText(ctx, argID(args, 1), strings.Join(args[2:], " "))
		check(err)
		fmt.Println(clientID)
	case "retry":
		if len(args) < 2 {
			fail(errors.New("usage: inboxctl retry <client-id>"))
		}
		check(c.RetrySend(ctx, args[1]))
	case "visible", "hidden":
		check(c.SetVisibility(ctx, args[0] == "visible"))
	case "presence":
		if len(args) < 3 {
			fail(errors.New("usage: inboxctl presence <subject> <status>"))
		}
		check(c.SetPresence(ctx, args[1], args[2]))
	case "signout":
		check(c.SignOut(ctx))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: inboxctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                  Show daemon status")
	fmt.Fprintln(os.Stderr, "  threads [--refresh]     List conversations")
	fmt.Fprintln(os.Stderr, "  open <id>               Open a conversation")
	fmt.Fprintln(os.Stderr, "  messages <id> [before]  List cached messages, paging older ones in")
	fmt.Fprintln(os.Stderr, "  unread                  Show the unread badge count")
	fmt.Fprintln(os.Stderr, "  read <id>               Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  send <id> <text...>     Send a message")
	fmt.Fprintln(os.Stderr, "  retry <client-id>       Retry a failed send")
	fmt.Fprintln(os.Stderr, "  visible | hidden        Report app visibility")
	fmt.Fprintln(os.Stderr, "  presence <subj> <st>    Publish local presence")
	fmt.Fprintln(os.Stderr, "  signout                 Drop every cached conversation")
	fmt.Fprintln(os.Stderr, "  watch [prefix]          Stream events")
	fmt.Fprintln(os.Stderr, "  sessions                List known sessions")
}

func cmdWatch(c *api.Client, prefix string) {
	stream, err := c.WatchEvents(context.Background(), prefix)
	check(err)
	for {
		env, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		check(err)
		outputJSON(env)
	}
}

func cmdSessions(jsonOut bool) {
	names, err := session.List()
	check(err)
	if jsonOut {
		list := make([]any, 0, len(names))
		for _, n := range names {
			_, running := lock.Holder(session.PIDPath(n))
			list = append(list, map[string]any{"name": n, "path": session.Dir(n), "daemon_running": running})
		}
		resp, err := structpb.NewStruct(map[string]any{"sessions": list})
		check(err)
		outputJSON(resp)
		return
	}
	if len(names) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, n := range names {
		state := "stopped"
		if pid, ok := lock.Holder(session.PIDPath(n)); ok {
			state = fmt.Sprintf("running, pid %d", pid)
		}
		fmt.Printf("%-20s %s (%s)\n", n, session.Dir(n), state)
	}
}

func printThreads(resp *structpb.Struct) {
	threads := resp.GetFields()["threads"].GetListValue().GetValues()
	if len(threads) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, v := range threads {
		f := v.GetStructValue().GetFields()
		name := f["counterparty"].GetStructValue().GetFields()["display_name"].GetStringValue()
		fmt.Printf("%-8d %-20s %3d  %s\n",
			int64(f["id"].GetNumberValue()),
			name,
			int64(f["unread_count"].GetNumberValue()),
			f["last_message_preview"].GetStringValue(),
		)
	}
}

func printMessages(resp *structpb.Struct) {
	for _, v := range resp.GetFields()["messages"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		at := time.UnixMilli(int64(f["timestamp_unix_ms"].GetNumberValue())).Format("2006-01-02 15:04")
		who := f["sender_name"].GetStringValue()
		if f["from_me"].GetBoolValue() {
			who = "me"
		}
		line := fmt.Sprintf("%s  %-12s %s", at, who, f["body"].GetStringValue())
		if st := f["status"].GetStringValue(); st != "" {
			line += " [" + st + "]"
		}
		fmt.Println(line)
	}
}

func argID(args []string, i int) int64 {
	if len(args) <= i {
		fail(fmt.Errorf("%s: missing id", args[0]))
	}
	id, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil || id <= 0 {
		fail(fmt.Errorf("%s: invalid id %q", args[0], args[i]))
	}
	return id
}

func outputJSON(m proto.Message) {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
