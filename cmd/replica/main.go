// Command replica bootstraps one cluster member: it parses the
// configuration table from spec.md §6, opens the durable stores, wires
// every core component together, and runs the driver's poll loop until
// an interrupt signal tears it back down. This is new relative to the
// teacher (spec.md §1 scopes bootstrap out of the core itself), built
// the way the teacher would: `gopkg.in/alecthomas/kingpin.v2` for flag
// parsing and `github.com/fatih/color` for the banner, both already
// direct dependencies the teacher's go.mod carries.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/jabolina/go-pbft/pkg/pbft/batcher"
	"github.com/jabolina/go-pbft/pkg/pbft/consensus"
	"github.com/jabolina/go-pbft/pkg/pbft/core"
	"github.com/jabolina/go-pbft/pkg/pbft/definition"
	"github.com/jabolina/go-pbft/pkg/pbft/driver"
	"github.com/jabolina/go-pbft/pkg/pbft/observer"
	"github.com/jabolina/go-pbft/pkg/pbft/statemachine"
	"github.com/jabolina/go-pbft/pkg/pbft/storage"
	"github.com/jabolina/go-pbft/pkg/pbft/synchronizer"
	"github.com/jabolina/go-pbft/pkg/pbft/timeout"
	"github.com/jabolina/go-pbft/pkg/pbft/types"
	"github.com/jabolina/go-pbft/pkg/pbft/wire"
)

// Exit codes, per spec.md §6: "0 clean shutdown, 1 configuration
// invalid, 2 bind/connect failure."
const (
	exitOK           = 0
	exitBadConfig    = 1
	exitBindOrConnect = 2
)

var (
	app = kingpin.New("replica", "bootstraps one member of a BFT state machine replication cluster")

	n           = app.Flag("n", "total replicas").Required().Int()
	f           = app.Flag("f", "max tolerated Byzantine failures").Required().Int()
	id          = app.Flag("id", "local node id").Required().Uint32()
	firstClient = app.Flag("first-client", "lowest node id treated as a client rather than a replica").Required().Uint32()
	listen      = app.Flag("listen", "local bind address, e.g. :7001").Required().String()
	peers       = app.Flag("peer", "peer_id=host:port, repeatable for every other replica/client").StringMap()

	batchSize      = app.Flag("batch-size", "target batch size").Default("32").Int()
	clientsPerPool = app.Flag("clients-per-pool", "clients per batcher pool").Default("32").Int()
	batchTimeout   = app.Flag("batch-timeout", "validated but not used: the batcher emits whatever is queued on each collection round").Default("10ms").Duration()
	batchSleep     = app.Flag("batch-sleep", "batcher back-off base").Default("100us").Duration()

	viewChangeTimeout    = app.Flag("view-change-timeout", "initial view-change deadline").Default("2s").Duration()
	clientRequestTimeout = app.Flag("client-request-timeout", "per-request forward/stop deadline").Default("3s").Duration()

	dbPath = app.Flag("db-path", "directory for persistent storage").Default("./data").String()

	protocolVersion   = app.Flag("protocol-version", "semantic version advertised in the wire header").Default("1.0.0").String()
	versionConstraint = app.Flag("version-constraint", "go-version constraint a remote's advertised version must satisfy").Default("~> 1.0").String()

	debug = app.Flag("debug", "enable debug-level logging").Bool()
)

func main() {
	os.Exit(run())
}

func run() int {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := definition.NewDefaultLogger()
	log.ToggleDebug(*debug)

	cfg, err := buildConfiguration(log)
	if err != nil {
		color.Red("invalid configuration: %v", err)
		return exitBadConfig
	}
	if err := cfg.Validate(); err != nil {
		color.Red("invalid configuration: %v", err)
		return exitBadConfig
	}

	color.Green("starting replica %v (n=%d f=%d) listening on %s", cfg.ID, cfg.N, cfg.F, *listen)

	if err := os.MkdirAll(cfg.DBPath, 0755); err != nil {
		color.Red("cannot create db-path %s: %v", cfg.DBPath, err)
		return exitBindOrConnect
	}

	appStore, err := storage.OpenKV(filepath.Join(cfg.DBPath, "state.db"))
	if err != nil {
		color.Red("cannot open application store: %v", err)
		return exitBindOrConnect
	}
	defer appStore.Close()

	durableLog, err := storage.OpenLog(filepath.Join(cfg.DBPath, "log.db"))
	if err != nil {
		color.Red("cannot open durable log: %v", err)
		return exitBindOrConnect
	}
	defer durableLog.Close()

	listener, err := net.Listen("tcp", *listen)
	if err != nil {
		color.Red("cannot bind %s: %v", *listen, err)
		return exitBindOrConnect
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	machine := statemachine.NewKVStateMachine(appStore)

	clientBatches := make(chan []types.ClientRequest, batcher.PerClientQueueBound)
	clientGroup := batcher.NewGroup(cfg.ClientsPerPool, cfg.BatchSize, cfg.BatchSleepBase, clientBatches, log)
	defer clientGroup.Shutdown()

	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		color.Red("cannot generate signing key: %v", err)
		return exitBindOrConnect
	}
	signer := wire.Ed25519Signer{Private: signingKey}

	registry := core.NewRegistry(cfg.ID, cfg.FirstClient, protocolMajor(*protocolVersion), *versionConstraint, signer, nil, cfg.TLS, log)
	defer registry.Shutdown()
	registry.SetClientSink(func(from types.NodeId, req types.ClientRequest) {
		slot, ok := clientGroup.GetClient(from)
		if !ok {
			slot = clientGroup.InitClient(from)
		}
		slot.Push(req)
	})

	params, _ := cfg.Params()
	view := types.NewSingleLeaderView(0, params)

	obs := observer.NewRegistry(log)
	timeouts := timeout.NewService(log)
	defer timeouts.Stop()

	consensusMachine := consensus.NewMachine(cfg.ID, view, 0, log)
	synch := synchronizer.NewSynchronizer(cfg.ID, view, cfg.ViewChangeTimeout, log)

	drv := driver.New(driver.Config{
		Self:           cfg.ID,
		Registry:       registry,
		ReplicaInbound: registry.ReplicaInbound(),
		ClientBatches:  clientBatches,
		Loopback:       registry.Loopback(),
		Timeouts:       timeouts,
		Consensus:      consensusMachine,
		Synchronizer:   synch,
		StateMachine:   machine,
		StateTransfer:  machine,
		DurableLog:     durableLog,
		RequestTimeout: cfg.ClientRequestTimeout,
		Logger:         log,
		OnReply: func(reply types.ClientReply) {
			if err := registry.Send(reply.Session, types.ClientReplyEnvelope(reply)); err != nil {
				log.Debugf("reply to %v dropped: %v", reply.Session, err)
			}
		},
		OnObserve: func(height types.SeqNo, digest types.Digest) {
			registry.Broadcast(obs.Members(), observer.Notify(height, digest))
		},
	})

	go acceptLoop(ctx, listener, registry, log)
	registry.ConnectAll(ctx, cfg.PeerAddresses)

	go drv.Run(ctx)

	waitForSignal(log)
	cancel()
	color.Yellow("replica %v shutting down", cfg.ID)
	return exitOK
}

func acceptLoop(ctx context.Context, listener net.Listener, registry *core.Registry, log types.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warnf("accept failed: %v", err)
				continue
			}
		}
		go func() {
			if err := registry.Accept(conn); err != nil {
				log.Debugf("rejected handshake from %s: %v", conn.RemoteAddr(), err)
				_ = conn.Close()
			}
		}()
	}
}

func waitForSignal(log types.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	s := <-sigs
	log.Infof("received signal %v", s)
}

func buildConfiguration(log types.Logger) (types.Configuration, error) {
	addresses := make(map[types.NodeId]string, len(*peers))
	for k, v := range *peers {
		raw, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return types.Configuration{}, fmt.Errorf("peer id %q: %w", k, err)
		}
		addresses[types.NodeId(raw)] = v
	}
	return types.Configuration{
		N:                    types.NodeId(*n),
		F:                    *f,
		ID:                   types.NodeId(*id),
		FirstClient:          types.NodeId(*firstClient),
		PeerAddresses:        addresses,
		BatchSize:            *batchSize,
		ClientsPerPool:       *clientsPerPool,
		BatchTimeout:         *batchTimeout,
		BatchSleepBase:       *batchSleep,
		ViewChangeTimeout:    *viewChangeTimeout,
		ClientRequestTimeout: *clientRequestTimeout,
		DBPath:               *dbPath,
		ProtocolVersion:      *protocolVersion,
		Logger:               log,
	}, nil
}

// protocolMajor extracts the leading numeric component of a semver
// string for the wire header's 16-bit version field; the full semver
// range check happens separately via wire.NegotiateVersion using
// versionConstraint.
func protocolMajor(semver string) uint16 {
	parts := strings.SplitN(semver, ".", 2)
	major, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 1
	}
	return uint16(major)
}
