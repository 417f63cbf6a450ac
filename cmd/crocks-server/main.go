// Command crocks-server runs one storage node: it registers itself
// with the etcd coordinator, serves the RPC surface in internal/rpc
// over gRPC, and runs the migration importer loop in the background.
// The flag surface mirrors original_source's src/server/main.cc.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/forkbong/crocks/internal/cluster"
	"github.com/forkbong/crocks/internal/etcdkv"
	"github.com/forkbong/crocks/internal/health"
	"github.com/forkbong/crocks/internal/metrics"
	"github.com/forkbong/crocks/internal/migration"
	"github.com/forkbong/crocks/internal/registry"
	"github.com/forkbong/crocks/internal/rpc"
	"github.com/forkbong/crocks/internal/rpc/pb"
	"github.com/forkbong/crocks/internal/storageengine"
)

const version = "crocks v0.1.0"

func main() {
	var (
		path        = flag.String("path", "", "Storage data directory [default: a temp directory].")
		options     = flag.String("options", "", "YAML storage options file (bloom_filter_fp, etc).")
		host        = flag.String("host", "", "Node hostname [default: autodetected].")
		port        = flag.Int("port", 0, "Listening port [default: OS-chosen].")
		etcd        = flag.String("etcd", "127.0.0.1:2379", "Etcd address.")
		threads     = flag.Int("threads", 2, "Number of gRPC stream worker threads.")
		shards      = flag.Int("shards", 10, "Number of initial shards to declare on first join.")
		daemon      = flag.Bool("daemon", false, "Daemonize the process (unsupported; logs a warning instead).")
		showVer     = flag.Bool("version", false, "Show version and exit.")
		healthAddr  = flag.String("health-addr", ":9091", "Address to serve liveness/readiness probes on.")
		metricsAddr = flag.String("metrics-addr", ":9090", "Address to serve Prometheus metrics on.")
	)
	flag.Parse()

	if *showVer {
		fmt.Println(version)
		return
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *daemon {
		logger.Warn("daemon mode is not supported; run under systemd or a process supervisor instead")
	}
	bloomFP := 0.01
	if *options != "" {
		var err error
		bloomFP, err = loadBloomFP(*options)
		if err != nil {
			logger.Fatal("failed to load options file", zap.String("options", *options), zap.Error(err))
		}
	}

	dataDir := *path
	if dataDir == "" {
		dataDir, err = os.MkdirTemp("", "crocks_")
		if err != nil {
			logger.Fatal("failed to create temp data directory", zap.Error(err))
		}
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	hostname := *host
	if hostname == "" {
		hostname = detectIP()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := etcdkv.Dial([]string{*etcd}, 5*time.Second, logger)
	if err != nil {
		logger.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer kv.Close()

	info := cluster.New(kv, "", logger)
	engine := storageengine.Open(dataDir, bloomFP)
	reg := registry.New()

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", "0.0.0.0", *port))
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err))
	}
	advertisedAddr := fmt.Sprintf("%s:%d", hostname, listener.Addr().(*net.TCPAddr).Port)

	nodeID, err := info.Add(ctx, advertisedAddr, *shards)
	if err != nil {
		logger.Fatal("failed to register with coordinator", zap.Error(err))
	}
	logger.Info("registered with coordinator", zap.Int("node_id", nodeID), zap.String("address", advertisedAddr))

	m := metrics.New(fmt.Sprintf("%d", nodeID))
	healthChecker := health.New(health.Config{NodeID: nodeID, DataDir: dataDir}, info, logger)

	if err := syncOwnedShards(ctx, info, engine, reg, nodeID, logger); err != nil {
		logger.Fatal("failed to open owned shards", zap.Error(err))
	}
	m.ShardsOwned.Set(float64(len(reg.IDs())))
	m.NodeAvailable.Set(1)

	importer := migration.New(nodeID, engine, reg, info, *threads, logger)
	defer importer.Close()

	// Every background service this node runs besides the gRPC
	// listener itself shares one group, the same fan-out-and-collect
	// shape original_source's AsyncServer gives its watcher threads.
	var bg errgroup.Group
	bg.Go(func() error { return healthChecker.Run(ctx) })
	bg.Go(func() error { return healthChecker.Serve(*healthAddr) })
	bg.Go(func() error { return serveMetrics(*metricsAddr, logger) })
	bg.Go(func() error { return watchShardOwnership(ctx, info, engine, reg, nodeID, m, logger) })
	bg.Go(func() error { return importer.Run(ctx) })

	handler := rpc.New(engine, reg, info, nodeID, stop, logger)
	defer handler.Close()

	grpcServer := grpc.NewServer(grpc.NumStreamWorkers(uint32(*threads)))
	pb.RegisterRPCServer(grpcServer, handler)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		healthChecker.SetReady(false)
		m.NodeAvailable.Set(0)
		if err := info.SetAvailable(context.Background(), nodeID, false); err != nil {
			logger.Warn("failed to report unavailable during shutdown", zap.Error(err))
		}
		grpcServer.GracefulStop()
	}()

	logger.Info("serving", zap.String("address", advertisedAddr))
	if err := grpcServer.Serve(listener); err != nil {
		logger.Fatal("serve failed", zap.Error(err))
	}
	if err := bg.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("background service stopped unexpectedly", zap.Error(err))
	}
}

// syncOwnedShards opens a column family for every shard this node
// currently masters, the recovery pass a restarted node needs before
// it can safely answer requests for shards it already has data for.
func syncOwnedShards(ctx context.Context, info *cluster.ClusterInfo, engine *storageengine.Engine, reg *registry.Registry, nodeID int, logger *zap.Logger) error {
	ci, _, err := info.Get(ctx)
	if err != nil {
		return err
	}
	for shard, s := range ci.Shards {
		if int(s.Master) != nodeID {
			continue
		}
		if _, err := engine.OpenShard(shard); err != nil {
			return err
		}
		reg.GetOrCreate(shard)
	}
	return nil
}

// watchShardOwnership keeps the local registry and engine in sync as
// ClusterInfo changes: a shard newly mastered here (via Run's initial
// split, or a handoff the importer is about to start) gets a registry
// entry and an open column family.
func watchShardOwnership(ctx context.Context, info *cluster.ClusterInfo, engine *storageengine.Engine, reg *registry.Registry, nodeID int, m *metrics.Metrics, logger *zap.Logger) error {
	for {
		ci, err := info.WatchNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("watch failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for shard, s := range ci.Shards {
			if int(s.Master) != nodeID {
				continue
			}
			if _, ok := engine.Shard(shard); ok {
				continue
			}
			if _, err := engine.OpenShard(shard); err != nil {
				logger.Warn("failed to open newly owned shard", zap.Int("shard", shard), zap.Error(err))
				continue
			}
			reg.GetOrCreate(shard)
		}
		m.ShardsOwned.Set(float64(len(reg.IDs())))
	}
}

// optionsFile is the storage engine tuning knobs --options points at,
// the Go analogue of the RocksDB options file original_source loads
// with rocksdb::LoadOptionsFromFile; crocks's engine only has one knob
// worth exposing this way.
type optionsFile struct {
	BloomFilterFP float64 `yaml:"bloom_filter_fp"`
}

func loadBloomFP(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var opts optionsFile
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return 0, err
	}
	if opts.BloomFilterFP <= 0 {
		return 0.01, nil
	}
	return opts.BloomFilterFP, nil
}

// serveMetrics exposes the Prometheus registry used by internal/metrics.
func serveMetrics(addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("serving metrics", zap.String("addr", addr))
	return http.ListenAndServe(addr, mux)
}

// detectIP picks the first non-loopback IPv4 address, the Go analogue
// of original_source's GetIP in src/server/main.cc.
func detectIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "localhost"
}
