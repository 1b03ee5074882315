package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/stateroom/collab/collab"
)

const DefaultApiUrl = "https://api.stateroom.dev"
const DefaultServerUrl = "ws://localhost:8090"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Room sync client.

The default urls are:
    api_url: %s
    server_url: %s

Usage:
    collabctl login --user_auth=<user_auth> [--password=<password>] [--api_url=<api_url>]
    collabctl token --name=<name> [--secret=<secret>]
    collabctl join <room_id> --token=<token> [--server_url=<server_url>] [--demo]
    collabctl --version

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --server_url=<server_url>
    --user_auth=<user_auth>
    --password=<password>
    --token=<token>            Room token from the identity provider.
    --name=<name>              Display name for a locally minted token.
    --secret=<secret>          Signing secret. Defaults to $ROOM_SECRET.
    --demo                     Send synthetic cursor and edit traffic.`,
		DefaultApiUrl,
		DefaultServerUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version())
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		mintToken(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	}
}

func login(opts docopt.Opts) {
	var apiUrl string
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		apiUrl = apiUrlAny.(string)
	} else {
		apiUrl = DefaultApiUrl
	}

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

	api := collab.NewIdentityApi(apiUrl)

	result, err := api.AuthLoginSync(&collab.AuthLoginArgs{
		UserAuth: userAuth,
		Password: password,
	})
	if err != nil {
		panic(err)
	}
	if result.Error != nil {
		panic(fmt.Errorf("%s", result.Error.Message))
	}

	fmt.Printf("user_id: %s\n", result.UserId)
	fmt.Printf("token: %s\n", result.ByRoomJwt)
}

// mint a room token locally with the shared secret. Dev workflow only;
// real deployments mint tokens at the identity provider.
func mintToken(opts docopt.Opts) {
	name := opts["--name"].(string)

	var secret string
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = secretAny.(string)
	} else {
		secret = os.Getenv("ROOM_SECRET")
	}
	if secret == "" {
		fmt.Fprintln(os.Stderr, "missing signing secret (--secret or ROOM_SECRET)")
		os.Exit(1)
	}

	userId := collab.NewId()
	byJwt, err := collab.SignRoomToken(
		&collab.RoomToken{
			UserId: userId,
			Name:   name,
		},
		[]byte(secret),
	)
	if err != nil {
		panic(err)
	}

	fmt.Printf("user_id: %s\n", userId)
	fmt.Printf("token: %s\n", byJwt)
}

func join(opts docopt.Opts) {
	roomId := opts["<room_id>"].(string)
	byJwt := opts["--token"].(string)

	var serverUrl string
	if serverUrlAny := opts["--server_url"]; serverUrlAny != nil {
		serverUrl = serverUrlAny.(string)
	} else {
		serverUrl = DefaultServerUrl
	}

	demo, _ := opts.Bool("--demo")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := collab.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	transport := collab.NewWsTransport(serverUrl, Version(), collab.DefaultRoomTransportSettings())
	coordinator := collab.NewCoordinatorWithDefaults(ctx, transport)
	defer coordinator.Close()

	coordinator.AddStateChangeCallback(func(state collab.ConnectionState) {
		fmt.Printf("state: %s\n", state)
	})
	coordinator.AddRemoteOperationCallback(func(userId collab.Id, operation *collab.Operation) {
		fmt.Printf("%s %s %s\n", userId, operation.OperationType, operation.ObjectId)
	})
	coordinator.Presence().AddChangeCallback(func() {
		participants := coordinator.Presence().ActiveUsers()
		fmt.Printf("participants: %d\n", len(participants))
		for _, participant := range participants {
			fmt.Printf("    %s %s\n", participant.UserId, participant.Name)
		}
	})

	if err := coordinator.Connect(ctx, roomId, byJwt); err != nil {
		panic(err)
	}

	fmt.Printf("joined %s as %s\n", roomId, coordinator.LocalUserId())

	if demo {
		go runDemo(ctx, coordinator)
	}

	select {
	case <-ctx.Done():
	}

	coordinator.Disconnect()
	os.Exit(0)
}

// synthetic traffic: a wandering cursor and an occasional edit
func runDemo(ctx context.Context, coordinator *collab.Coordinator) {
	objectId := collab.NewId()
	coordinator.BroadcastOperation(collab.NewOperation(collab.OperationTypeAdd, objectId, map[string]any{
		"shape": "rect",
	}))

	x := 0.0
	y := 0.0
	for i := 0; ; i += 1 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}

		x += 4
		y += 2
		coordinator.BroadcastCursor(&collab.Cursor{X: x, Y: y})

		if i%20 == 19 {
			coordinator.BroadcastOperation(collab.NewOperation(collab.OperationTypeMove, objectId, map[string]any{
				"x": x,
				"y": y,
			}))
		}
	}
}

func Version() string {
	if version := os.Getenv("ROOM_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
