// Command stagertd runs a single stagert node: a Dispatcher, its registered
// stage types, and whichever transports (TCP, WebSocket, gRPC mesh, admin)
// the flags enable. Bootstrap follows the teacher's substrated/main.go
// shape: flag parsing, rotating file logs fanned out through a
// build.HandlerSet, then construct-and-wire every subsystem before blocking
// on a signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/btcsuite/btclog/v2"
	"golang.org/x/sync/errgroup"

	"github.com/stagecraft/stagert/internal/build"
	"github.com/stagecraft/stagert/internal/config"
	"github.com/stagecraft/stagert/internal/deadletter"
	"github.com/stagecraft/stagert/internal/dispatch"
	"github.com/stagecraft/stagert/internal/errs"
	"github.com/stagecraft/stagert/internal/metrics"
	"github.com/stagecraft/stagert/internal/packet"
	"github.com/stagecraft/stagert/internal/reqcache"
	"github.com/stagecraft/stagert/internal/sender"
	"github.com/stagecraft/stagert/internal/session"
	"github.com/stagecraft/stagert/internal/stage"
	"github.com/stagecraft/stagert/internal/timer"
	"github.com/stagecraft/stagert/internal/transport/mesh"
	"github.com/stagecraft/stagert/internal/transport/tcp"
	"github.com/stagecraft/stagert/internal/transport/ws"
	"github.com/stagecraft/stagert/internal/worker"
)

func main() {
	var (
		serverID    = flag.String("server-id", "node-1", "This node's peer-mesh identity")
		serverType  = flag.String("server-type", "play", "play or api")
		tcpAddr     = flag.String("tcp", ":9000", "Raw TCP listen address (empty to disable)")
		wsAddr      = flag.String("ws", ":9001", "WebSocket listen address (empty to disable)")
		meshAddr    = flag.String("mesh", ":9100", "Cluster bus gRPC listen address (empty to disable)")
		adminAddr   = flag.String("admin", ":9101", "Admin gRPC listen address (empty to disable)")
		metricsAddr = flag.String("metrics", "", "Prometheus /metrics listen address (empty to disable)")
		peersFlag   = flag.String("peers", "", "Comma-separated peer_id=addr pairs for the cluster bus")

		logDir         = flag.String("log-dir", "~/.stagert/logs", "Directory for log files (empty to disable file logging)")
		maxLogFiles    = flag.Int("max-log-files", build.DefaultMaxLogFiles, "Maximum number of rotated log files to keep")
		maxLogFileSize = flag.Int("max-log-file-size", build.DefaultMaxLogFileSize, "Maximum log file size in MB before rotation")
	)
	flag.Parse()

	logDirExpanded := expandHome(*logDir)

	var logRotator *build.RotatingLogWriter
	if logDirExpanded != "" {
		logRotator = build.NewRotatingLogWriter()
		err := logRotator.InitLogRotator(&build.LogRotatorConfig{
			LogDir:         logDirExpanded,
			MaxLogFiles:    *maxLogFiles,
			MaxLogFileSize: *maxLogFileSize,
		})
		if err != nil {
			log.Printf("Failed to init log rotator: %v (continuing without file logging)", err)
			logRotator = nil
		} else {
			defer logRotator.Close()
			log.SetOutput(io.MultiWriter(os.Stderr, logRotator))
			log.SetFlags(log.LstdFlags)
		}
	}

	log.Printf("stagertd version %s go=%s", build.Version(), build.GoVersion)

	var handlers []btclog.Handler
	handlers = append(handlers, btclog.NewDefaultHandler(os.Stderr))
	if logRotator != nil {
		handlers = append(handlers, btclog.NewDefaultHandler(logRotator))
		log.Printf("Log file rotation enabled: dir=%s, max_files=%d, max_size=%dMB",
			logDirExpanded, *maxLogFiles, *maxLogFileSize)
	}
	handlerSet := build.NewHandlerSet(handlers...)
	rootLogger := btclog.NewSLogger(handlerSet)

	dispatch.UseLogger(rootLogger.WithPrefix("DISP"))
	timer.UseLogger(rootLogger.WithPrefix("TMGR"))
	reqcache.UseLogger(rootLogger.WithPrefix("RQCH"))
	sender.UseLogger(rootLogger.WithPrefix("SNDR"))
	session.UseLogger(rootLogger.WithPrefix("SESS"))
	stage.UseLogger(rootLogger.WithPrefix("STGE"))
	packet.UseLogger(rootLogger.WithPrefix("PKT"))
	tcp.UseLogger(rootLogger.WithPrefix("TCP"))
	ws.UseLogger(rootLogger.WithPrefix("WS"))
	mesh.UseLogger(rootLogger.WithPrefix("MESH"))

	cfg := config.New(
		config.WithServerID(*serverID),
		config.WithServerType(serverTypeFromFlag(*serverType)),
	)

	timers := timer.New()
	reqCache := reqcache.New(reqcache.DefaultSweepInterval)
	deadLetters := deadletter.New(deadletter.DefaultCapacity)
	registry := session.NewRegistry()

	resolver := parsePeers(*peersFlag)
	var bus *mesh.ClusterBus

	// replies is wired into the Dispatcher below once its bus field is
	// known, so a stage_not_found reply can reach either a client
	// session or a mesh peer depending on who originated the packet.
	replies := &errorReplySink{registry: registry}

	d := dispatch.New(timers, reqCache, replies)
	d.SetDeadLetters(deadLetters)

	if *metricsAddr != "" {
		collector := metrics.NewCollector()
		d.SetMetrics(collector)
		timers.SetMetrics(collector)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", collector.Handler())
		metricsSrv := &http.Server{Addr: *metricsAddr, Handler: metricsMux}
		go func() {
			log.Printf("metrics listening on %s", *metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server error: %v", err)
			}
		}()
		defer metricsSrv.Close()
	}

	// A deployment plugs in its own dispatch.RegisterStageType calls
	// here; stagertd itself ships no stage types.

	if len(resolver) > 0 {
		bus = mesh.NewClusterBus(*serverID, resolver, d)
		replies.bus = bus
		defer bus.Close()
	}

	compute := worker.NewComputePool()
	ioPool := worker.NewIOPool()

	var services sender.ServiceRegistry = mesh.StaticServiceRegistry{}

	// bus is a typed nil *mesh.ClusterBus when no peers are configured;
	// pass a genuinely nil PeerTransport in that case so Sender's
	// nil-checks work as intended rather than calling through a nil
	// receiver.
	var peerTransport sender.PeerTransport
	if bus != nil {
		peerTransport = bus
	}

	senderDeps := sender.NewDeps(d, reqCache, timers, compute, ioPool, peerTransport, registry, services)
	senderDeps.DeadLetters = deadLetters

	adapter := session.NewAdapter(session.Config{
		AuthMessageID:    cfg.AuthenticateMessageID,
		DefaultStageType: cfg.DefaultStageType.UnwrapOr(""),
	}, d, senderDeps, func(stageType string) (stage.ActorBehavior, error) {
		return nil, fmt.Errorf("stagertd: no actor behavior registered for stage type %q", stageType)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, initiating graceful shutdown (send again to force exit)...", sig)
		cancel()
		sig = <-sigCh
		log.Printf("Received %v again, forcing immediate exit", sig)
		os.Exit(1)
	}()

	var tcpSrv *tcp.Server
	if *tcpAddr != "" {
		tcpSrv = tcp.NewServer(tcp.Config{ListenAddr: *tcpAddr, MaxPacketSize: cfg.MaxPacketSize}, adapter, registry)
		go func() {
			log.Printf("tcp transport listening on %s", *tcpAddr)
			if err := tcpSrv.Serve(); err != nil {
				log.Printf("tcp transport error: %v", err)
			}
		}()
	}

	var wsSrv *ws.Server
	if *wsAddr != "" {
		wsSrv = ws.NewServer(ws.Config{ListenAddr: *wsAddr, MaxPacketSize: cfg.MaxPacketSize}, adapter, registry)
		go func() {
			log.Printf("ws transport listening on %s", *wsAddr)
			if err := wsSrv.Serve(); err != nil {
				log.Printf("ws transport error: %v", err)
			}
		}()
	}

	var meshSrv *mesh.Server
	if *meshAddr != "" {
		meshSrv = mesh.NewServer(*meshAddr, d)
		go func() {
			log.Printf("mesh transport listening on %s", *meshAddr)
			if err := meshSrv.Serve(); err != nil {
				log.Printf("mesh transport error: %v", err)
			}
		}()
	}

	var adminSrv *mesh.AdminGRPCServer
	if *adminAddr != "" {
		adminSrv = mesh.NewAdminGRPCServer(*adminAddr, mesh.NewAdminServer(d, timers, deadLetters))
		go func() {
			log.Printf("admin transport listening on %s", *adminAddr)
			if err := adminSrv.Serve(); err != nil {
				log.Printf("admin transport error: %v", err)
			}
		}()
	}

	<-ctx.Done()

	// Shutdown sequence (SPEC_FULL.md §F): close every transport (tcp,
	// ws, mesh and admin) at once, leaving the Dispatcher's
	// already-enqueued work to drain naturally since each stage's loop
	// simply stops being fed. The transports don't depend on
	// each other, so an errgroup closes them concurrently rather than
	// paying each Close's timeout in sequence.
	var shutdown errgroup.Group
	if tcpSrv != nil {
		shutdown.Go(func() error { tcpSrv.Close(); return nil })
	}
	if wsSrv != nil {
		shutdown.Go(func() error { wsSrv.Close(); return nil })
	}
	if meshSrv != nil {
		shutdown.Go(func() error { meshSrv.Close(); return nil })
	}
	if adminSrv != nil {
		shutdown.Go(func() error { adminSrv.Close(); return nil })
	}
	shutdown.Wait()

	// Outstanding requests resolve with a timeout rather than hanging
	// forever now that no more replies can arrive (SPEC_FULL.md §F).
	reqCache.CancelAll()
	reqCache.Stop()

	log.Println("stagertd shut down")
}

func expandHome(path string) string {
	expanded := os.ExpandEnv(path)
	if expanded == path && len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to get home directory: %v", err)
		}
		expanded = home + path[1:]
	}
	return expanded
}

func serverTypeFromFlag(s string) config.ServerType {
	if s == "api" {
		return config.ServerTypeAPI
	}
	return config.ServerTypePlay
}

// parsePeers turns "a=host:1,b=host:2" into a mesh.StaticResolver. An empty
// flag yields an empty (non-nil-checked-by-len) resolver, so callers decide
// whether to even construct a ClusterBus.
func parsePeers(flagVal string) mesh.StaticResolver {
	resolver := mesh.StaticResolver{}
	if flagVal == "" {
		return resolver
	}
	for _, pair := range strings.Split(flagVal, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		resolver[kv[0]] = kv[1]
	}
	return resolver
}

// errorReplySink implements dispatch.ReplySink: a stage_not_found (or other
// routing) failure is reported back to whoever originated the packet,
// either a client session (via the registry) or a mesh peer (via the bus).
type errorReplySink struct {
	registry *session.Registry
	bus      *mesh.ClusterBus
}

func (s *errorReplySink) SendErrorReply(pkt *packet.Packet, code errs.Code) {
	reply := packet.NewErrorReply(pkt.MsgID, pkt.MsgSeq, pkt.StageID, uint16(code))
	if pkt.From != "" {
		if s.bus != nil {
			_ = s.bus.SendToSystem(pkt.From, reply)
		}
		return
	}
	if s.registry != nil && pkt.SID != "" {
		_ = s.registry.PushToSession(pkt.SID, reply)
	}
}
