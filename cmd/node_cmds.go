package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawhub/internal/config"
	"github.com/nextlevelbuilder/clawhub/internal/node"
)

const verbTimeout = 30 * time.Second

// withNode builds a coordinator for a one-shot CLI verb and flushes
// its stores on the way out.
func withNode(fn func(ctx context.Context, n *node.Node) error) error {
	setupLogging()
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	n := node.New(cfg, cfgPath)
	defer n.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), verbTimeout)
	defer cancel()
	return fn(ctx, n)
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func invokeAndPrint(verb string, params any) error {
	return withNode(func(ctx context.Context, n *node.Node) error {
		var raw json.RawMessage
		if params != nil {
			raw, _ = json.Marshal(params)
		}
		res, err := n.Invoke(ctx, verb, raw)
		if err != nil {
			return err
		}
		printJSON(res)
		return nil
	})
}

func registerCmd() *cobra.Command {
	var (
		name       string
		alias      string
		clusterID  string
		parentID   string
		inviteCode string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this node with the Hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeAndPrint("register", map[string]any{
				"name":       name,
				"alias":      alias,
				"clusterId":  clusterID,
				"parentId":   parentID,
				"inviteCode": inviteCode,
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "node display name (default: hostname)")
	cmd.Flags().StringVar(&alias, "alias", "", "short alias")
	cmd.Flags().StringVar(&clusterID, "cluster", "", "cluster to join")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent node id")
	cmd.Flags().StringVar(&inviteCode, "invite-code", "", "invite code for a private cluster")
	return cmd
}

func unregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister",
		Short: "Remove this node from the Hub and clear its identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeAndPrint("unregister", nil)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show registration, connection, and queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeAndPrint("status", nil)
		},
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Send and inspect cluster tasks",
	}

	var nodeID string
	send := &cobra.Command{
		Use:   "send <instruction>",
		Short: "Send a task to a cluster node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeID == "" {
				return fmt.Errorf("--node is required")
			}
			return withNode(func(ctx context.Context, n *node.Node) error {
				if _, err := n.Invoke(ctx, "connect", nil); err != nil {
					return err
				}
				params, _ := json.Marshal(map[string]string{
					"nodeId":      nodeID,
					"instruction": args[0],
				})
				res, err := n.Invoke(ctx, "task.send", params)
				if err != nil {
					return err
				}
				printJSON(res)
				return nil
			})
		},
	}
	send.Flags().StringVar(&nodeID, "node", "", "target node id")

	var (
		listStatus string
		listLimit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List sent tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeAndPrint("task.list", map[string]any{
				"status": listStatus,
				"limit":  listLimit,
			})
		},
	}
	list.Flags().StringVar(&listStatus, "status", "", "filter by status")
	list.Flags().IntVar(&listLimit, "limit", 20, "max tasks to show")

	cancel := &cobra.Command{
		Use:   "cancel <taskId>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeAndPrint("task.cancel", map[string]string{"taskId": args[0]})
		},
	}

	cmd.AddCommand(send, list, cancel)
	return cmd
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a cluster node's agent",
	}

	var nodeID string
	send := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a chat message to a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeID == "" {
				return fmt.Errorf("--node is required")
			}
			return withNode(func(ctx context.Context, n *node.Node) error {
				if _, err := n.Invoke(ctx, "connect", nil); err != nil {
					return err
				}
				params, _ := json.Marshal(map[string]string{
					"nodeId":  nodeID,
					"content": args[0],
				})
				res, err := n.Invoke(ctx, "chat.send", params)
				if err != nil {
					return err
				}
				printJSON(res)
				return nil
			})
		},
	}
	send.Flags().StringVar(&nodeID, "node", "", "peer node id")

	history := &cobra.Command{
		Use:   "history <nodeId>",
		Short: "Show the local chat log with a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeAndPrint("chat.history", map[string]any{"nodeId": args[0]})
		},
	}

	cmd.AddCommand(send, history)
	return cmd
}
