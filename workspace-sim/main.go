package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/yerra-shankar/syncspace/realtime"
)

const DefaultListen = "127.0.0.1:7301"

const WorkspaceSimVersion = "0.1.0"

func main() {
	usage := fmt.Sprintf(
		`SyncSpace workspace simulator.

Serves the workspace api and the duplex sync channel from memory, seeded
with a demo workspace. Intended for local development against syncspacectl
or any other client of the sync core.

The default listen address is %s.

Usage:
    workspace-sim run [--listen=<address>] [--secret=<secret>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --listen=<address>   Listen address.
    --secret=<secret>    JWT signing secret [default: workspace-sim].`,
		DefaultListen,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WorkspaceSimVersion)
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func run(opts docopt.Opts) {
	var listen string
	if listenAny := opts["--listen"]; listenAny != nil {
		listen = listenAny.(string)
	} else {
		listen = DefaultListen
	}
	secret, _ := opts.String("--secret")

	// the sim logs are the output of this tool
	flag.Set("logtostderr", "true")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := realtime.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	srv := realtime.NewSimServer(ctx, secret)

	workspaceId := srv.AddWorkspace("demo")
	srv.AddUser("ada@example.com", "hunter2", "ada", workspaceId)
	srv.AddUser("bo@example.com", "hunter2", "bo", workspaceId)
	boardId := srv.AddBoard(workspaceId, "todo", "doing", "done")
	srv.AddTask(boardId, "todo", "invite the team")
	srv.AddTask(boardId, "todo", "sketch the launch plan")
	documentId := srv.AddDocument(workspaceId, "# notes\n")

	if err := srv.Start(listen); err != nil {
		panic(err)
	}
	defer srv.Close()

	fmt.Printf("api_url: %s\n", srv.ApiUrl())
	fmt.Printf("channel_url: %s\n", srv.ChannelUrl())
	fmt.Printf("workspace_id: %s\n", workspaceId)
	fmt.Printf("board_id: %s\n", boardId)
	fmt.Printf("document_id: %s\n", documentId)
	fmt.Printf("users: ada@example.com, bo@example.com (password hunter2)\n")

	select {
	case <-ctx.Done():
	}

	os.Exit(0)
}
