// Command inspect connects to an MCP server and lets the user browse what it offers.
//
// With -url it connects over SSE (http:// and https://) or WebSocket (ws:// and wss://).
// Otherwise the remaining arguments are the command line of a server to launch over stdio.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/Epistates/turbomcp-sub001"
)

func main() {
	url := flag.String("url", "", "server URL (http(s):// for SSE, ws(s):// for WebSocket)")
	verbose := flag.Bool("v", false, "log client internals")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	transport, err := newTransport(*url, flag.Args(), logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	h := newHandler()
	elicit := mcp.DefaultElicitationConfig()
	elicit.Policy = mcp.ElicitationReject
	cli, err := mcp.NewClient(mcp.Info{Name: "inspect", Version: "1.0"}, transport,
		mcp.WithClientLogger(logger),
		mcp.WithRootsListHandler(h),
		mcp.WithElicitationHandler(h),
		mcp.WithElicitationConfig(elicit),
		mcp.WithLogReceiver(h),
		mcp.WithProgressListener(h),
		mcp.WithToolListWatcher(h),
		mcp.WithReconnectPolicy(mcp.DefaultReconnectPolicy()),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cli.Close()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	err = cli.Connect(connectCtx)
	connectCancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}

	sess, _ := cli.Session()
	fmt.Printf("Connected to %s %s (protocol %s)\n", sess.ServerInfo.Name, sess.ServerInfo.Version, sess.ProtocolVersion)

	for {
		fmt.Println("Choose commands number:")
		cmds := buildCommands(cli)
		for i, cmd := range cmds {
			fmt.Printf("%d. %s\n", i+1, cmd)
		}

		input, err := waitStdIOInput(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Println("Exiting...")
				return
			}
			fmt.Println(err)
			continue
		}
		inputNumber, err := strconv.Atoi(input)
		if err != nil || inputNumber < 1 || inputNumber > len(cmds) {
			fmt.Printf("Invalid input: %s\n", input)
			continue
		}

		switch cmds[inputNumber-1] {
		case "prompts":
			err = listPrompts(ctx, cli)
		case "resources":
			err = listResources(ctx, cli)
		case "tools":
			err = callTool(ctx, cli)
		case "stats":
			printStats(cli)
		case "exit":
			fmt.Println("Exiting...")
			return
		}
		if err != nil {
			fmt.Println(err)
		}
	}
}

func newTransport(url string, args []string, logger *slog.Logger) (mcp.ClientTransport, error) {
	switch {
	case strings.HasPrefix(url, "ws://"), strings.HasPrefix(url, "wss://"):
		return mcp.NewWebSocketClient(url, mcp.WithWebSocketLogger(logger)), nil
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		return mcp.NewSSEClient(url, http.DefaultClient, mcp.WithSSEClientLogger(logger)), nil
	case url != "":
		return nil, fmt.Errorf("unsupported URL scheme: %s", url)
	case len(args) == 0:
		return nil, errors.New("either -url or a server command is required")
	}
	return mcp.NewCommandTransport(args[0], args[1:], mcp.WithCommandLogger(logger)), nil
}

func buildCommands(cli *mcp.Client) []string {
	var cmds []string
	if cli.PromptServerSupported() {
		cmds = append(cmds, "prompts")
	}
	if cli.ResourceServerSupported() {
		cmds = append(cmds, "resources")
	}
	if cli.ToolServerSupported() {
		cmds = append(cmds, "tools")
	}
	return append(cmds, "stats", "exit")
}

var stdin = bufio.NewScanner(os.Stdin)

func waitStdIOInput(ctx context.Context) (string, error) {
	inputChan := make(chan string, 1)
	errsChan := make(chan error, 1)
	go func() {
		if stdin.Scan() {
			inputChan <- strings.TrimSpace(stdin.Text())
			return
		}
		if err := stdin.Err(); err != nil {
			errsChan <- err
			return
		}
		errsChan <- context.Canceled
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errsChan:
		return "", err
	case input := <-inputChan:
		return input, nil
	}
}
