package main

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Epistates/turbomcp-sub001"
)

// handler answers the server's requests on behalf of the user and prints its
// notifications.
type handler struct {
	root string
}

func newHandler() *handler {
	root, err := os.Getwd()
	if err != nil {
		root = "."
	}
	return &handler{root: root}
}

func (h *handler) RootsList(context.Context) (mcp.RootList, error) {
	abs, err := filepath.Abs(h.root)
	if err != nil {
		return mcp.RootList{}, err
	}
	return mcp.RootList{
		Roots: []mcp.Root{{URI: "file://" + filepath.ToSlash(abs), Name: filepath.Base(abs)}},
	}, nil
}

// Elicit declines every request. The menu owns stdin, so there is no way to ask the user
// without interleaving with it.
func (h *handler) Elicit(_ context.Context, params mcp.ElicitationParams) (mcp.ElicitationResult, error) {
	fmt.Printf("\nServer asked: %s\n", params.Message)
	if params.RequestedSchema != nil {
		for _, name := range slices.Sorted(maps.Keys(params.RequestedSchema.Properties)) {
			fmt.Printf("  %s (%s)\n", name, params.RequestedSchema.Properties[name].Type)
		}
	}
	fmt.Println("Declined.")
	return mcp.ElicitationResult{Action: mcp.ElicitationDecline}, nil
}

func (h *handler) OnLog(params mcp.LogParams) {
	fmt.Printf("\n[%s] %s: %s\n", params.Level, params.Logger, params.Data)
}

func (h *handler) OnProgress(params mcp.ProgressParams) {
	if params.Total > 0 {
		fmt.Printf("\nProgress %s: %.0f%%\n", params.ProgressToken, params.Progress/params.Total*100)
		return
	}
	fmt.Printf("\nProgress %s: %.0f\n", params.ProgressToken, params.Progress)
}

func (h *handler) OnToolListChanged() {
	fmt.Println("\nServer tool list changed.")
}

func listPrompts(ctx context.Context, cli *mcp.Client) error {
	for prompts, err := range pages(func(cursor string) ([]mcp.Prompt, string, error) {
		res, err := cli.ListPrompts(ctx, mcp.ListPromptsParams{Cursor: cursor})
		return res.Prompts, res.NextCursor, err
	}) {
		if err != nil {
			return fmt.Errorf("failed to list prompts: %w", err)
		}
		for _, p := range prompts {
			fmt.Printf("- %s: %s\n", p.Name, p.Description)
		}
	}
	return nil
}

func listResources(ctx context.Context, cli *mcp.Client) error {
	var uris []string
	for resources, err := range pages(func(cursor string) ([]mcp.Resource, string, error) {
		res, err := cli.ListResources(ctx, mcp.ListResourcesParams{Cursor: cursor})
		return res.Resources, res.NextCursor, err
	}) {
		if err != nil {
			return fmt.Errorf("failed to list resources: %w", err)
		}
		for _, r := range resources {
			uris = append(uris, r.URI)
			fmt.Printf("%d. %s (%s)\n", len(uris), r.Name, r.URI)
		}
	}
	if len(uris) == 0 {
		return nil
	}

	fmt.Println("Resource number to read, or empty to go back:")
	idx, ok, err := chooseIndex(ctx, len(uris))
	if err != nil || !ok {
		return err
	}
	res, err := cli.ReadResource(ctx, mcp.ReadResourceParams{URI: uris[idx]})
	if err != nil {
		return fmt.Errorf("failed to read resource: %w", err)
	}
	for _, c := range res.Contents {
		if c.Text != "" {
			fmt.Println(c.Text)
			continue
		}
		fmt.Printf("%s: %d bytes of %s\n", c.URI, len(c.Blob), c.MimeType)
	}
	return nil
}

func callTool(ctx context.Context, cli *mcp.Client) error {
	var tools []mcp.Tool
	for page, err := range pages(func(cursor string) ([]mcp.Tool, string, error) {
		res, err := cli.ListTools(ctx, mcp.ListToolsParams{Cursor: cursor})
		return res.Tools, res.NextCursor, err
	}) {
		if err != nil {
			return fmt.Errorf("failed to list tools: %w", err)
		}
		tools = append(tools, page...)
	}
	for i, tool := range tools {
		fmt.Printf("%d. %s: %s\n", i+1, tool.Name, tool.Description)
	}
	if len(tools) == 0 {
		return nil
	}

	fmt.Println("Tool number to call, or empty to go back:")
	idx, ok, err := chooseIndex(ctx, len(tools))
	if err != nil || !ok {
		return err
	}
	tool := tools[idx]
	if len(tool.InputSchema) > 0 {
		fmt.Printf("Input schema: %s\n", tool.InputSchema)
	}
	fmt.Println("Arguments as a JSON object:")
	input, err := waitStdIOInput(ctx)
	if err != nil {
		return err
	}
	if input == "" {
		input = "{}"
	}
	if !json.Valid([]byte(input)) {
		return fmt.Errorf("invalid JSON arguments: %s", input)
	}

	res, err := cli.CallTool(ctx, mcp.CallToolParams{Name: tool.Name, Arguments: json.RawMessage(input)})
	if err != nil {
		return fmt.Errorf("failed to call tool %s: %w", tool.Name, err)
	}
	if res.IsError {
		fmt.Println("Tool reported an error:")
	}
	for _, c := range res.Content {
		if c.Type == mcp.ContentTypeText {
			fmt.Println(c.Text)
			continue
		}
		fmt.Printf("<%s content>\n", c.Type)
	}
	return nil
}

func printStats(cli *mcp.Client) {
	stats := cli.Stats()
	fmt.Printf("state: %s, circuit: %s, health: %s\n", cli.State(), cli.CircuitState(), cli.Health().Status)
	fmt.Printf("requests: %d, responses: %d, timeouts: %d, retries: %d, reconnects: %d\n",
		stats.RequestsSent, stats.ResponsesReceived, stats.Timeouts, stats.Retries, stats.Reconnects)
	fmt.Printf("notifications: %d received, %d dropped\n", stats.NotificationsReceived, stats.DroppedNotifications)
}

// pages walks a cursor-paginated list until the server stops returning a cursor.
func pages[T any](fetch func(cursor string) ([]T, string, error)) iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		cursor := ""
		for {
			items, next, err := fetch(cursor)
			if !yield(items, err) || err != nil || next == "" {
				return
			}
			cursor = next
		}
	}
}

func chooseIndex(ctx context.Context, n int) (int, bool, error) {
	input, err := waitStdIOInput(ctx)
	if err != nil {
		return 0, false, err
	}
	if input == "" {
		return 0, false, nil
	}
	var idx int
	if _, err := fmt.Sscanf(strings.TrimSpace(input), "%d", &idx); err != nil || idx < 1 || idx > n {
		return 0, false, fmt.Errorf("invalid input: %s", input)
	}
	return idx - 1, true, nil
}
