package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/promptrelay/internal/db"
)

// eventNode is an event with its children attached.
type eventNode struct {
	db.Event
	Children []*eventNode
}

type treeOptions struct {
	maxDepth  int
	noPayload bool
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		eventID int64
		jsonOut bool
		tree    treeOptions
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the event tree of the latest relay process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(true)
			if err != nil {
				return err
			}
			database, err := db.Open(cmd.Context(), cfg.DBPath)
			if err != nil {
				return err
			}
			defer database.Close()

			rootID := eventID
			if rootID == 0 {
				rootID, err = db.LatestProcessRoot(cmd.Context(), database)
				if err != nil {
					return fmt.Errorf("find process root: %w", err)
				}
			}
			events, err := db.EventSubtree(cmd.Context(), database, rootID)
			if err != nil {
				return fmt.Errorf("query subtree: %w", err)
			}
			root := buildTree(events, rootID)
			if root == nil {
				return errors.New("root event not found")
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, root, tree)
			}
			printTree(out, root, tree)
			return nil
		},
	}
	cmd.Flags().Int64Var(&eventID, "id", 0, "show subtree of a specific event ID")
	cmd.Flags().IntVarP(&tree.maxDepth, "level", "L", 0, "limit display depth (0 = unlimited)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON format")
	cmd.Flags().BoolVar(&tree.noPayload, "no-payload", false, "hide payload details")
	return cmd
}

// buildTree links a flat id-ordered event list into a tree rooted at rootID.
func buildTree(events []db.Event, rootID int64) *eventNode {
	byID := make(map[int64]*eventNode, len(events))
	nodes := make([]*eventNode, 0, len(events))
	for _, ev := range events {
		n := &eventNode{Event: ev}
		byID[ev.ID] = n
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		if !n.ParentID.Valid || n.ParentID.Int64 == n.ID {
			continue
		}
		if parent, ok := byID[n.ParentID.Int64]; ok {
			parent.Children = append(parent.Children, n)
		}
	}
	for _, n := range nodes {
		sort.Slice(n.Children, func(i, j int) bool {
			return n.Children[i].ID < n.Children[j].ID
		})
	}
	return byID[rootID]
}

// printTree renders root and its descendants with box-drawing characters.
func printTree(w io.Writer, root *eventNode, opts treeOptions) {
	fmt.Fprintln(w, formatEvent(root.Event, opts.noPayload))
	printChildren(w, root, "", 1, opts)
}

func printChildren(w io.Writer, n *eventNode, prefix string, depth int, opts treeOptions) {
	if len(n.Children) == 0 {
		return
	}
	if opts.maxDepth > 0 && depth >= opts.maxDepth {
		fmt.Fprintln(w, prefix+"└── [...]")
		return
	}
	for i, child := range n.Children {
		connector, indent := "├── ", "│   "
		if i == len(n.Children)-1 {
			connector, indent = "└── ", "    "
		}
		fmt.Fprintln(w, prefix+connector+formatEvent(child.Event, opts.noPayload))
		printChildren(w, child, prefix+indent, depth+1, opts)
	}
}

// formatEvent renders one line: [id] timestamp  event_type  key=value ...
func formatEvent(ev db.Event, noPayload bool) string {
	var b strings.Builder
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	fmt.Fprintf(&b, "[%d] %s  %s", ev.ID, ts, ev.EventType)
	if noPayload {
		return b.String()
	}
	payload := decodePayload(ev)
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s=%s", k, formatValue(payload[k]))
	}
	return b.String()
}

func decodePayload(ev db.Event) map[string]any {
	if !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}

// formatValue renders a payload value, quoting and truncating long text.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if r := []rune(val); len(r) > 80 {
			return fmt.Sprintf("%q", string(r[:80])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64          `json:"id"`
	Timestamp int64          `json:"timestamp"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Children  []jsonEvent    `json:"children,omitempty"`
}

func toJSONEvent(n *eventNode, depth int, opts treeOptions) jsonEvent {
	je := jsonEvent{
		ID:        n.ID,
		Timestamp: n.Timestamp,
		EventType: n.EventType,
	}
	if !opts.noPayload {
		je.Payload = decodePayload(n.Event)
	}
	if opts.maxDepth > 0 && depth >= opts.maxDepth {
		return je
	}
	for _, child := range n.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, opts))
	}
	return je
}

func printJSON(w io.Writer, root *eventNode, opts treeOptions) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toJSONEvent(root, 1, opts)); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
