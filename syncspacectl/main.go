package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/yerra-shankar/syncspace/realtime"
)

const DefaultApiUrl = "http://127.0.0.1:7301"
const DefaultChannelUrl = "ws://127.0.0.1:7301/ws"

const SyncSpaceCtlVersion = "0.1.0"

const mutationTimeout = 30 * time.Second

func main() {
	usage := fmt.Sprintf(
		`SyncSpace control.

The default urls are:
    api_url: %s
    channel_url: %s

Usage:
    syncspacectl login [--api_url=<api_url>]
        --user_auth=<user_auth>
        [--password=<password>]
    syncspacectl board [--api_url=<api_url>] --jwt=<jwt> --board_id=<board_id>
    syncspacectl document [--api_url=<api_url>] --jwt=<jwt> --document_id=<document_id>
    syncspacectl move [--api_url=<api_url>] [--channel_url=<channel_url>] --jwt=<jwt>
        --board_id=<board_id>
        --task_id=<task_id>
        --to_column=<to_column>
        [--to_index=<to_index>]
    syncspacectl send [--api_url=<api_url>] [--channel_url=<channel_url>] --jwt=<jwt>
        [<message>]
    syncspacectl tail [--api_url=<api_url>] [--channel_url=<channel_url>] --jwt=<jwt>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --channel_url=<channel_url>
    --user_auth=<user_auth>
    --password=<password>
    --jwt=<jwt>                Your space JWT from login.
    --board_id=<board_id>
    --task_id=<task_id>
    --to_column=<to_column>    Destination column name.
    --to_index=<to_index>      Destination index [default: 0].`,
		DefaultApiUrl,
		DefaultChannelUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncSpaceCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if board_, _ := opts.Bool("board"); board_ {
		board(opts)
	} else if document_, _ := opts.Bool("document"); document_ {
		document(opts)
	} else if move_, _ := opts.Bool("move"); move_ {
		move(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	}
}

func optString(opts docopt.Opts, name string, defaultValue string) string {
	if valueAny := opts[name]; valueAny != nil {
		return valueAny.(string)
	}
	return defaultValue
}

// login prints the space jwt for the other commands
func login(opts docopt.Opts) {
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	userAuth := opts["--user_auth"].(string)

	var password string
	if passwordAny := opts["--password"]; passwordAny != nil {
		password = passwordAny.(string)
	} else {
		fmt.Print("Enter password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		password = string(passwordBytes)
		fmt.Printf("\n")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := realtime.NewSpaceApiWithContext(cancelCtx, apiUrl)
	defer api.Close()

	loginCallback, loginChannel := realtime.NewBlockingApiCallback[*realtime.AuthLoginResult]()
	api.AuthLogin(&realtime.AuthLoginArgs{
		UserAuth: userAuth,
		Password: password,
	}, loginCallback)

	var loginResult realtime.ApiCallbackResult[*realtime.AuthLoginResult]
	select {
	case <-cancelCtx.Done():
		os.Exit(0)
	case loginResult = <-loginChannel:
	}

	if loginResult.Error != nil {
		panic(loginResult.Error)
	}
	if loginResult.Result.Error != nil {
		panic(fmt.Errorf("%s", loginResult.Result.Error.Message))
	}

	fmt.Printf("actor_name: %s\n", loginResult.Result.ActorName)
	fmt.Printf("workspace_id: %s\n", loginResult.Result.Space.WorkspaceId)
	fmt.Printf("jwt: %s\n", loginResult.Result.Space.ByJwt)
}

func board(opts docopt.Opts) {
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	jwt := opts["--jwt"].(string)
	boardId, err := realtime.ParseId(opts["--board_id"].(string))
	if err != nil {
		panic(err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := realtime.NewSpaceApiWithContext(cancelCtx, apiUrl)
	defer api.Close()
	api.SetByJwt(jwt)

	result, err := api.GetBoardSync(boardId)
	if err != nil {
		panic(err)
	}
	if result.Error != nil {
		panic(fmt.Errorf("%s", result.Error.Message))
	}

	printBoard(result.Board)
}

func document(opts docopt.Opts) {
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	jwt := opts["--jwt"].(string)
	documentId, err := realtime.ParseId(opts["--document_id"].(string))
	if err != nil {
		panic(err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := realtime.NewSpaceApiWithContext(cancelCtx, apiUrl)
	defer api.Close()
	api.SetByJwt(jwt)

	result, err := api.GetDocumentSync(documentId)
	if err != nil {
		panic(err)
	}
	if result.Error != nil {
		panic(fmt.Errorf("%s", result.Error.Message))
	}

	fmt.Printf("version: %d\n", result.Document.Version)
	fmt.Printf("%s\n", result.Document.Content)
}

// move runs one optimistic task move over a live session and waits for the
// server to confirm or roll it back
func move(opts docopt.Opts) {
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	channelUrl := optString(opts, "--channel_url", DefaultChannelUrl)
	jwt := opts["--jwt"].(string)
	boardId, err := realtime.ParseId(opts["--board_id"].(string))
	if err != nil {
		panic(err)
	}
	taskId, err := realtime.ParseId(opts["--task_id"].(string))
	if err != nil {
		panic(err)
	}
	toColumn := opts["--to_column"].(string)
	toIndex, _ := opts.Int("--to_index")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := realtime.ConnectWithDefaults(cancelCtx, apiUrl, channelUrl, jwt)
	if err != nil {
		panic(err)
	}
	defer session.Close()

	if _, err := session.JoinBoard(boardId); err != nil {
		panic(err)
	}

	notices := make(chan error, 8)
	session.AddNoticeCallback(func(notice error) {
		select {
		case notices <- notice:
		default:
		}
	})

	mutationId, err := session.MoveTask(boardId, taskId, toColumn, toIndex)
	if err != nil {
		panic(err)
	}

	if err := awaitMutation(cancelCtx, session, mutationId, notices); err != nil {
		fmt.Printf("move rolled back (%s)\n", err)
		os.Exit(1)
	}
	fmt.Printf("move confirmed\n")
	printBoard(session.Board(boardId))
}

// send posts one chat message to the workspace in the jwt
func send(opts docopt.Opts) {
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	channelUrl := optString(opts, "--channel_url", DefaultChannelUrl)
	jwt := opts["--jwt"].(string)
	messageBody, _ := opts.String("<message>")
	if messageBody == "" {
		messageBody = "ping"
	}

	spaceAuth, err := realtime.ParseSpaceAuthUnverified(jwt)
	if err != nil {
		panic(err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := realtime.ConnectWithDefaults(cancelCtx, apiUrl, channelUrl, jwt)
	if err != nil {
		panic(err)
	}
	defer session.Close()

	if _, err := session.JoinWorkspace(spaceAuth.WorkspaceId); err != nil {
		panic(err)
	}

	notices := make(chan error, 8)
	session.AddNoticeCallback(func(notice error) {
		select {
		case notices <- notice:
		default:
		}
	})

	mutationId, err := session.SendMessage(spaceAuth.WorkspaceId, messageBody)
	if err != nil {
		panic(err)
	}

	if err := awaitMutation(cancelCtx, session, mutationId, notices); err != nil {
		fmt.Printf("message rolled back (%s)\n", err)
		os.Exit(1)
	}
	fmt.Printf("message sent\n")
}

// tail joins everything in the workspace and prints changes until ctrl-c
func tail(opts docopt.Opts) {
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	channelUrl := optString(opts, "--channel_url", DefaultChannelUrl)
	jwt := opts["--jwt"].(string)

	spaceAuth, err := realtime.ParseSpaceAuthUnverified(jwt)
	if err != nil {
		panic(err)
	}
	workspaceId := spaceAuth.WorkspaceId

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := realtime.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	session, err := realtime.ConnectWithDefaults(ctx, apiUrl, channelUrl, jwt)
	if err != nil {
		panic(err)
	}
	defer session.Close()

	session.AddConnectionStateCallback(func(state realtime.ConnectionState) {
		fmt.Printf("[connection]%s\n", state)
	})
	session.AddNoticeCallback(func(notice error) {
		fmt.Printf("[notice]%s\n", notice)
	})

	if _, err := session.JoinWorkspace(workspaceId); err != nil {
		panic(err)
	}
	if workspace := session.Workspace(workspaceId); workspace != nil {
		for _, boardId := range workspace.BoardIds {
			if _, err := session.JoinBoard(boardId); err != nil {
				fmt.Printf("[board]%s join error (%s)\n", boardId, err)
			}
		}
		for _, documentId := range workspace.DocumentIds {
			if _, err := session.JoinDocument(documentId); err != nil {
				fmt.Printf("[document]%s join error (%s)\n", documentId, err)
			}
		}
	}

	session.ChatReducer().AddChangeCallback(func(chat *realtime.ChatState) {
		if len(chat.Messages) == 0 {
			return
		}
		message := chat.Messages[len(chat.Messages)-1]
		fmt.Printf("[chat]%s: %s\n", message.SenderId, message.Body)
	})
	session.BoardReducer().AddChangeCallback(func(board *realtime.BoardState) {
		fmt.Printf("[board]%s updated\n", board.BoardId)
	})
	session.DocumentReducer().AddChangeCallback(func(document *realtime.DocumentState) {
		fmt.Printf("[document]%s version %d\n", document.DocumentId, document.Version)
	})
	session.Presence().AddChangeCallback(func(path realtime.ResourcePath) {
		typing := session.TypingActors(workspaceId)
		if 0 < len(typing) {
			fmt.Printf("[typing]%s\n", typing)
		}
	})

	fmt.Printf("tailing workspace %s as %s, ctrl-c to exit\n", workspaceId, session.ActorId())

	select {
	case <-ctx.Done():
	}

	os.Exit(0)
}

func printBoard(board *realtime.BoardState) {
	if board == nil {
		return
	}
	for _, column := range board.Columns {
		fmt.Printf("%s:\n", column.Name)
		for i, taskId := range column.TaskIds {
			fmt.Printf("  %d. %s\n", i, taskId)
		}
	}
}

// awaitMutation blocks until the mutation resolves. nil means the server
// confirmed it, an error is the rollback notice.
func awaitMutation(ctx context.Context, session *realtime.Session, mutationId realtime.Id, notices chan error) error {
	timeout := time.After(mutationTimeout)
	for {
		if !session.ContainsMutation(mutationId) {
			// resolved. a rollback notice may still be in flight.
			select {
			case notice := <-notices:
				if noticeMutationId(notice) == mutationId {
					return notice
				}
			case <-time.After(100 * time.Millisecond):
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New("interrupted")
		case notice := <-notices:
			if noticeMutationId(notice) == mutationId {
				return notice
			}
		case <-timeout:
			return errors.New("timeout")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func noticeMutationId(notice error) realtime.Id {
	var rejected *realtime.MutationRejectedError
	if errors.As(notice, &rejected) {
		return rejected.MutationId
	}
	var expired *realtime.MutationExpiredError
	if errors.As(notice, &expired) {
		return expired.MutationId
	}
	return realtime.Id{}
}
