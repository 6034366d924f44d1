// RobustMQ server
//
// Runs a RobustMQ node: the MQTT broker front end, the replicated
// metadata service and the local segmented message store in one
// process.
//
// Usage:
//
//	robustmq-server [options]
//
// Options:
//
//	-config=server.toml  Configuration file (MQTT_SERVER_* env vars
//	                     override scalar fields by dotted path)
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/broker"
	"github.com/robustmq/robustmq/internal/callmgr"
	"github.com/robustmq/robustmq/internal/cluster"
	"github.com/robustmq/robustmq/internal/config"
	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/kv"
	"github.com/robustmq/robustmq/internal/logging"
	"github.com/robustmq/robustmq/internal/metadata"
	"github.com/robustmq/robustmq/internal/metadata/clustermeta"
	"github.com/robustmq/robustmq/internal/metadata/journalmeta"
	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
	"github.com/robustmq/robustmq/internal/metadata/offsetmeta"
	"github.com/robustmq/robustmq/internal/storage"
	"github.com/robustmq/robustmq/internal/storage/archive"
	"github.com/robustmq/robustmq/internal/storage/index"
	"github.com/robustmq/robustmq/internal/storage/offsetmgr"
)

func main() {
	configPath := ""
	if v := os.Getenv("MQTT_SERVER_CONFIG"); v != "" {
		configPath = v
	}
	for i, arg := range os.Args[1:] {
		if len(arg) > 8 && arg[:8] == "-config=" {
			configPath = arg[8:]
		} else if arg == "-config" && i+2 < len(os.Args) {
			configPath = os.Args[i+2]
		}
	}

	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, "robustmq-server:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel}); err != nil {
		return err
	}
	defer logging.Sync()
	logger := logging.Named("server")

	status := cluster.NewStatusMachine()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tables := mqttmeta.NewTables()
	clusterRegistry := cluster.NewRegistry(time.Duration(cfg.HeartbeatSec) * time.Second)

	// Dynamic parameters replicated through SetClusterConfig update the
	// process-local copy on apply.
	dynamic := cfg.Dynamic
	onDynamic := func(p config.DynamicParams) { dynamic = p }

	callManager := callmgr.NewManager(clusterRegistry)

	// One handler registry and notify path per consensus group.
	metaRegistry := consensus.NewRegistry()
	clustermeta.RegisterHandlers(metaRegistry)
	journalmeta.RegisterHandlers(metaRegistry)
	metaNotify := clustermeta.ApplyNotify(clusterRegistry, onDynamic)

	offsetRegistry := consensus.NewRegistry()
	offsetmeta.RegisterHandlers(offsetRegistry)

	mqttRegistry := consensus.NewRegistry()
	mqttmeta.RegisterHandlers(mqttRegistry)
	mqttLocalNotify := mqttmeta.ApplyNotify(tables, logging.Named("mqtt.cache"))

	var mqttProposer, metaProposer, offsetProposer metadata.Proposer
	var groups []*consensus.Group

	if cfg.Cluster.RaftBind != "" {
		// Clustered mode: each group runs its own raft instance on a
		// consecutive port.
		mkGroup := func(name consensus.GroupName, portOffset int, registry *consensus.Registry, notify consensus.NotifyFunc, prefix kv.Key) (*consensus.Group, error) {
			host, portStr, err := net.SplitHostPort(cfg.Cluster.RaftBind)
			if err != nil {
				return nil, err
			}
			var port int
			fmt.Sscanf(portStr, "%d", &port)
			addr := fmt.Sprintf("%s:%d", host, port+portOffset)
			transport, err := raft.NewTCPTransport(addr, nil, 3, 10*time.Second, os.Stderr)
			if err != nil {
				return nil, err
			}
			return consensus.NewGroup(consensus.GroupConfig{
				Group:     name,
				NodeID:    cfg.Cluster.NodeID,
				BindAddr:  addr,
				DataDir:   cfg.Storage.MetaDataDir + "/" + string(name),
				Bootstrap: cfg.Cluster.Bootstrap,
				KeyPrefix: prefix,
			}, store, registry, notify, transport)
		}

		metaGroup, err := mkGroup(consensus.GroupMetadata, 0, metaRegistry, metaNotify, metadata.PrefixMetadata)
		if err != nil {
			return err
		}
		offsetGroup, err := mkGroup(consensus.GroupOffset, 1, offsetRegistry, nil, metadata.PrefixOffset)
		if err != nil {
			return err
		}
		var mqttGroup *consensus.Group
		mqttNotify := leaderBroadcastNotify(mqttLocalNotify, callManager, clusterRegistry, cfg.Cluster.NodeID, func() bool {
			return mqttGroup != nil && mqttGroup.IsLeader()
		})
		mqttGroup, err = mkGroup(consensus.GroupMQTT, 2, mqttRegistry, mqttNotify, metadata.PrefixMQTT)
		if err != nil {
			return err
		}
		metaProposer, offsetProposer, mqttProposer = metaGroup, offsetGroup, mqttGroup
		groups = []*consensus.Group{metaGroup, offsetGroup, mqttGroup}
	} else {
		// Single-node mode: apply directly against the local store.
		metaProposer = consensus.NewLocal(consensus.GroupMetadata, store, metadata.PrefixMetadata, metaRegistry, metaNotify)
		offsetProposer = consensus.NewLocal(consensus.GroupOffset, store, metadata.PrefixOffset, offsetRegistry, nil)
		mqttProposer = consensus.NewLocal(consensus.GroupMQTT, store, metadata.PrefixMQTT, mqttRegistry, mqttLocalNotify)
	}

	svc := metadata.NewService(store, metaProposer, offsetProposer, mqttProposer, 5*time.Second)

	// Seed the replicated flapping-detect and slow-subscribe policies
	// from the static config; later changes arrive as consensus entries.
	if err := svc.SetFlappingDetectPolicy(mqttmeta.FlappingDetectPolicy{
		Enable:               true,
		WindowTimeSec:        cfg.Dynamic.FlappingDetectWindowSec,
		MaxClientConnections: cfg.Dynamic.FlappingDetectMaxCount,
		BanTimeSec:           cfg.Dynamic.FlappingDetectWindowSec,
	}); err != nil {
		return err
	}
	if err := svc.SetSlowSubscribeConfig(mqttmeta.SlowSubscribeConfig{
		Enable:      true,
		ThresholdMS: cfg.Dynamic.SlowSubscribeThresholdMS,
	}); err != nil {
		return err
	}

	// Storage engine over the shared store's index families.
	indexes := index.New(store)
	engineOpts := storage.Options{
		DataDir:        cfg.Storage.JournalDataDir,
		IOThreadNum:    cfg.Storage.IOThreadNum,
		MaxSegmentSize: cfg.Storage.MaxSegmentSize,
	}
	if cfg.Storage.ArchiveS3Bucket != "" {
		archiver := archive.New(newS3Client(cfg.Storage), cfg.Storage.ArchiveS3Bucket, cfg.Storage.ArchiveS3Prefix)
		engineOpts.OnSeal = archiver.OnSeal
	}
	engine := storage.NewEngine(engineOpts, svc, indexes)

	offsets := offsetmgr.NewManager(svc, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	offsetCtx, offsetCancel := context.WithCancel(context.Background())
	defer offsetCancel()
	go offsets.Run(offsetCtx)

	// Inner RPC: heartbeats update the liveness map; cache
	// invalidations from the leader replay into the local caches.
	rpcServer := callmgr.NewServer()
	callmgr.RegisterMetaHandlers(rpcServer, clusterRegistry, func(dataType string, payload []byte) {
		mqttLocalNotify(dataType, payload)
		metaNotify(dataType, payload)
	})
	rpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Network.GRPCPort))
	if err != nil {
		return err
	}
	go rpcServer.Serve(rpcListener)
	callManager.Start(ctx, 2)

	// Register this node and start heartbeating.
	node := cluster.Node{
		NodeID:      cfg.Cluster.NodeID,
		ClusterName: cfg.Cluster.ClusterName,
		Roles:       nodeRoles(cfg),
		Addresses: cluster.Addresses{
			InnerRPC: fmt.Sprintf("127.0.0.1:%d", cfg.Network.GRPCPort),
			MQTT:     fmt.Sprintf("127.0.0.1:%d", cfg.Network.TCPPort),
			QUIC:     fmt.Sprintf("127.0.0.1:%d", cfg.Network.QUICPort),
		},
		RegisterTime: time.Now(),
		StartTime:    time.Now(),
	}
	if err := svc.RegisterNode(node); err != nil {
		return err
	}
	metaAddr := cfg.Cluster.MetaAddr
	if metaAddr == "" {
		metaAddr = fmt.Sprintf("127.0.0.1:%d", cfg.Network.GRPCPort)
	}
	heartbeater := callmgr.NewHeartbeater(cfg.Cluster.NodeID, metaAddr, 3*time.Second)
	go heartbeater.Run(ctx)

	b := broker.New(cfg, broker.Deps{
		Tables:  tables,
		Meta:    svc,
		Engine:  engine,
		Offsets: offsets,
		Status:  status,
	})
	if err := b.Start(ctx); err != nil {
		return err
	}
	logger.Info("node running",
		zap.Uint64("node_id", cfg.Cluster.NodeID),
		zap.String("cluster", cfg.Cluster.ClusterName),
		zap.Any("dynamic", dynamic))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	// Shutdown ordering: accepts stop and connections drain inside
	// Shutdown, then offsets flush, then the storage engine, then the
	// metadata service.
	b.Shutdown()
	offsetCancel()
	if err := offsets.Flush(); err != nil {
		logger.Warn("final offset flush", zap.Error(err))
	}
	engine.Stop()
	cancel()
	callManager.Stop()
	rpcListener.Close()
	for _, g := range groups {
		if err := g.Shutdown(); err != nil {
			logger.Warn("group shutdown", zap.Error(err))
		}
	}
	if err := status.Transition(cluster.StatusStopped); err != nil {
		logger.Warn("status transition", zap.Error(err))
	}
	return nil
}

func openStore(cfg config.Config) (kv.Store, error) {
	if cfg.Storage.MetaDataDir == "" {
		return kv.NewMemory(nil), nil
	}
	return kv.NewBadger(kv.BadgerOptions{Dir: cfg.Storage.MetaDataDir})
}

func nodeRoles(cfg config.Config) []cluster.Role {
	if len(cfg.Cluster.Roles) == 0 {
		return []cluster.Role{cluster.RoleMeta, cluster.RoleBroker, cluster.RoleEngine}
	}
	roles := make([]cluster.Role, 0, len(cfg.Cluster.Roles))
	for _, r := range cfg.Cluster.Roles {
		roles = append(roles, cluster.Role(r))
	}
	return roles
}

func newS3Client(sc config.Storage) *s3.Client {
	return s3.New(s3.Options{
		Region:       sc.ArchiveS3Region,
		BaseEndpoint: optionalString(sc.ArchiveS3Endpoint),
	})
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// leaderBroadcastNotify wraps the MQTT group's local notify so the
// leader also
// fans the committed entry out to every other broker through the call
// manager.
func leaderBroadcastNotify(local consensus.NotifyFunc, mgr *callmgr.Manager, registry *cluster.Registry, selfID uint64, isLeader func() bool) consensus.NotifyFunc {
	return func(dataType string, payload []byte) {
		local(dataType, payload)
		if !isLeader() {
			return
		}
		var targets []uint64
		for _, n := range registry.LiveNodes(time.Now(), "") {
			if n.NodeID != selfID {
				targets = append(targets, n.NodeID)
			}
		}
		if len(targets) > 0 {
			mgr.BroadcastCacheInvalidation(dataType, payload, targets)
		}
	}
}
