// capturectl drives a running hub through its admin endpoint.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danmuck/capturectl/internal/hub"
)

const usage = `usage: capturectl [-admin addr] [-timeout d] <command> [args]

commands:
  status              hub status and current session
  nodes               registered nodes
  start [session-id]  start a session on every ready node
  stop                stop the current session
  session <id>        one session record
  sessions            every session record
  flash               stamp a sync marker on every recording node
  sync                run a time-sync window on every ready node
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("capturectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	addr := fs.String("admin", "127.0.0.1:7410", "hub admin address")
	timeout := fs.Duration("timeout", 60*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	req, err := buildRequest(fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "capturectl: %v\n", err)
		fs.Usage()
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := hub.NewAdminClient(*addr, *timeout)

	var data json.RawMessage
	callErr := client.Do(ctx, req, &data)
	if len(data) > 0 {
		if err := render(stdout, req.Action, data); err != nil {
			fmt.Fprintf(stderr, "capturectl: %v\n", err)
			return 1
		}
	}
	if callErr != nil {
		fmt.Fprintf(stderr, "capturectl: %v\n", callErr)
		return 1
	}
	return 0
}

func buildRequest(args []string) (hub.AdminRequest, error) {
	cmd, rest := strings.ToLower(args[0]), args[1:]
	switch cmd {
	case "status":
		return hub.AdminRequest{Action: hub.ActionStatus}, nil
	case "nodes":
		return hub.AdminRequest{Action: hub.ActionNodes}, nil
	case "start":
		req := hub.AdminRequest{Action: hub.ActionStartSession}
		if len(rest) > 0 {
			req.SessionID = strings.TrimSpace(rest[0])
		}
		return req, nil
	case "stop":
		return hub.AdminRequest{Action: hub.ActionStopSession}, nil
	case "session":
		if len(rest) == 0 || strings.TrimSpace(rest[0]) == "" {
			return hub.AdminRequest{}, errors.New("session requires an id")
		}
		return hub.AdminRequest{Action: hub.ActionSession, SessionID: strings.TrimSpace(rest[0])}, nil
	case "sessions":
		return hub.AdminRequest{Action: hub.ActionSessions}, nil
	case "flash":
		return hub.AdminRequest{Action: hub.ActionFlashSync}, nil
	case "sync":
		return hub.AdminRequest{Action: hub.ActionTimeSync}, nil
	default:
		return hub.AdminRequest{}, fmt.Errorf("unknown command %q", args[0])
	}
}

// render prints nodes as a table and everything else as indented JSON.
func render(w io.Writer, action string, data json.RawMessage) error {
	if action == hub.ActionNodes {
		var nodes []hub.NodeRecord
		if err := json.Unmarshal(data, &nodes); err != nil {
			return err
		}
		return renderNodes(w, nodes)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func renderNodes(w io.Writer, nodes []hub.NodeRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tCONNECTED\tONLINE\tUNREACHABLE\tRECORDING\tSESSION\tOFFSET_NS\tSTALE\tMODULES")
	for _, n := range nodes {
		fmt.Fprintf(tw, "%s\t%t\t%t\t%t\t%t\t%s\t%d\t%t\t%s\n",
			n.NodeID, n.Connected, n.Online, n.Unreachable, n.Recording, dash(n.SessionID), n.OffsetNS, n.SyncStale, strings.Join(n.Modules, ","))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
