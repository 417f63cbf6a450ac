// Command crocksctl is the operator-facing control CLI against a
// running cluster's coordinator: inspecting cluster state, checking
// health, and triggering the lifecycle transitions (run, migrate, node
// removal) that are reserved to an operator rather than left to nodes
// to decide for themselves.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/forkbong/crocks/internal/cluster"
	"github.com/forkbong/crocks/internal/etcdkv"
)

const usage = `Usage: crocksctl [-etcd addr] [-key key] <command> [args]

Commands:
  info               Print the current cluster state.
  nodes              List every node slot and its shard count.
  health             Report whether the cluster is healthy.
  run                Transition the cluster from INIT to RUNNING.
  migrate            Trigger a shard rebalance.
  remove <node-id>   Flag a node for removal once its shards drain.
  wait               Block until every shard has an available master
                     (gives up after 30s).
`

func main() {
	etcdAddr := flag.String("etcd", "127.0.0.1:2379", "Etcd address.")
	key := flag.String("key", "", "Coordinator key [default: cluster.DefaultKey].")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, rest := args[0], args[1:]

	logger := zap.NewNop()
	kv, err := etcdkv.Dial([]string{*etcdAddr}, 5*time.Second, logger)
	if err != nil {
		fatalf("connect to etcd: %v", err)
	}
	defer kv.Close()

	info := cluster.New(kv, *key, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "info":
		runInfo(ctx, info)
	case "nodes":
		runNodes(ctx, info)
	case "health":
		runHealth(ctx, info)
	case "run":
		runRun(ctx, info)
	case "migrate":
		runMigrate(ctx, info)
	case "remove":
		runRemove(ctx, info, rest)
	case "wait":
		runWait(ctx, info)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runInfo(ctx context.Context, info *cluster.ClusterInfo) {
	ci, rev, err := info.Get(ctx)
	if err != nil {
		fatalf("get cluster info: %v", err)
	}
	fmt.Printf("revision: %d\n", rev)
	fmt.Print(ci.Describe())
}

func runNodes(ctx context.Context, info *cluster.ClusterInfo) {
	ci, _, err := info.Get(ctx)
	if err != nil {
		fatalf("get cluster info: %v", err)
	}
	for id, n := range ci.Nodes {
		if n.Empty() {
			fmt.Printf("%d\t(removed)\n", id)
			continue
		}
		flags := []string{}
		if n.Available {
			flags = append(flags, "available")
		} else {
			flags = append(flags, "unavailable")
		}
		if n.Remove {
			flags = append(flags, "pending-removal")
		}
		owned := 0
		for _, s := range ci.Shards {
			if int(s.Master) == id {
				owned++
			}
		}
		fmt.Printf("%d\t%s\t%s\tshards=%d\n", id, n.Address, strings.Join(flags, ","), owned)
	}
}

func runHealth(ctx context.Context, info *cluster.ClusterInfo) {
	ci, _, err := info.Get(ctx)
	if err != nil {
		fatalf("get cluster info: %v", err)
	}
	if ci.IsHealthy() {
		fmt.Println("healthy")
		return
	}
	fmt.Println("unhealthy")
	os.Exit(1)
}

func runRun(ctx context.Context, info *cluster.ClusterInfo) {
	if err := info.Run(ctx); err != nil {
		fatalf("run: %v", err)
	}
	fmt.Println("cluster is now RUNNING")
}

func runMigrate(ctx context.Context, info *cluster.ClusterInfo) {
	if err := info.Migrate(ctx); err != nil {
		fatalf("migrate: %v", err)
	}
	fmt.Println("migration triggered")
}

func runRemove(ctx context.Context, info *cluster.ClusterInfo, args []string) {
	if len(args) != 1 {
		fatalf("remove requires exactly one node id")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fatalf("invalid node id %q: %v", args[0], err)
	}
	if err := info.MarkRemove(ctx, id); err != nil {
		fatalf("remove: %v", err)
	}
	fmt.Printf("node %d flagged for removal\n", id)
}

func runWait(ctx context.Context, info *cluster.ClusterInfo) {
	if err := info.WaitUntilHealthy(ctx); err != nil {
		fatalf("wait: %v", err)
	}
	fmt.Println("cluster is healthy")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "crocksctl: "+format+"\n", args...)
	os.Exit(1)
}
