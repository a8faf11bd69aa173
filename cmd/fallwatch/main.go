// Command fallwatch watches skeleton frames from a depth sensor bridge,
// confirms suspected falls by voice and alerts caregivers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/fallwatch/internal/api"
	"github.com/banshee-data/fallwatch/internal/config"
	"github.com/banshee-data/fallwatch/internal/discovery"
	"github.com/banshee-data/fallwatch/internal/feed"
	"github.com/banshee-data/fallwatch/internal/monitoring"
	"github.com/banshee-data/fallwatch/internal/serialmux"
	"github.com/banshee-data/fallwatch/internal/timeutil"
	"github.com/banshee-data/fallwatch/internal/version"
)

const healthService = "fallwatch"

var (
	listen     = flag.String("listen", ":8080", "HTTP listen address")
	serialPort = flag.String("serial", "", "Serial port of the sensor bridge (empty disables the serial link)")
	baudRate   = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	fixture    = flag.String("fixture", "", "Replay bridge messages from a JSONL file instead of a serial port")
	fixtureGap = flag.Duration("fixture-interval", 33*time.Millisecond, "Delay between fixture lines")
	elevation  = flag.Int("elevation", serialmux.DefaultElevation, "Sensor tilt in degrees sent on start")
	udpListen  = flag.String("udp", "", "UDP address receiving bridge datagrams (e.g. :9870)")
	udpRcvBuf  = flag.Int("udp-rcvbuf", 4<<20, "UDP receive buffer size in bytes")
	replayFile = flag.String("replay", "", "Replay bridge datagrams from a pcap capture")
	replayPort = flag.Int("replay-port", 0, "Only replay datagrams sent to this UDP port (0 for all)")
	replayFast = flag.Bool("replay-fast", false, "Replay as fast as possible instead of in capture time")
	configFile = flag.String("config", "", "Detection config JSON (defaults apply when empty)")
	envFile    = flag.String("env", ".env", "Dotenv file with alert credentials")
	grpcListen = flag.String("grpc-listen", "", "gRPC health service address (empty disables)")
	mdns       = flag.Bool("mdns", false, "Advertise the HTTP API over mDNS")
	versionFlg = flag.Bool("version", false, "Print version and exit")
)

var logf = monitoring.Component("fallwatch")

func loadConfig(path string) (*config.DetectionConfig, error) {
	if path == "" {
		cfg := config.EmptyDetectionConfig()
		return cfg, cfg.Validate()
	}
	return config.LoadDetectionConfig(path)
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	var port int
	if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
		return 0, fmt.Errorf("invalid port %q", p)
	}
	return port, nil
}

func main() {
	flag.Parse()

	if *versionFlg {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		logf("listen address is required")
		os.Exit(2)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logf("failed to load config: %v", err)
		os.Exit(1)
	}
	env, err := config.LoadEnv(*envFile)
	if err != nil {
		logf("failed to load %s: %v", *envFile, err)
		os.Exit(1)
	}

	link, err := openLink(*fixture, *fixtureGap, *serialPort, serialmux.PortOptions{BaudRate: *baudRate}, *elevation)
	if err != nil {
		logf("failed to open sensor bridge: %v", err)
		os.Exit(1)
	}
	defer link.Close()

	if err := link.Initialize(); err != nil {
		logf("failed to initialize sensor bridge: %v", err)
		os.Exit(1)
	}

	p, err := buildPipeline(cfg, env, link, timeutil.RealClock{})
	if err != nil {
		logf("failed to build pipeline: %v", err)
		os.Exit(1)
	}
	defer p.Close()
	logf("profile %s, watching %d joints", cfg.GetProfile(), len(cfg.GetMonitoredJoints()))

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logf("bridge monitor stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		id, lines := link.Subscribe()
		defer link.Unsubscribe(id)
		p.router.Run(ctx, lines)
	}()

	if *udpListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := feed.NewUDPListener(feed.UDPListenerConfig{Address: *udpListen, RcvBuf: *udpRcvBuf, Handler: p.router})
			if err := l.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logf("UDP listener stopped: %v", err)
			}
		}()
	}

	if *replayFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := feed.ReplayFile(ctx, *replayFile, p.router, feed.ReplayOptions{
				UDPPort:  *replayPort,
				Realtime: !*replayFast,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logf("replay stopped: %v", err)
			}
			logf("replayed %d datagrams (%d errors)", stats.Datagrams, stats.Errors)
		}()
	}

	if *grpcListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runHealthServer(ctx, *grpcListen)
		}()
	}

	if *mdns {
		port, err := listenPort(*listen)
		if err != nil {
			logf("mDNS disabled: %v", err)
		} else {
			svc := discovery.NewService(port)
			if err := svc.Start(); err != nil {
				logf("mDNS disabled: %v", err)
			} else {
				defer svc.Stop()
			}
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := api.NewServer(p.detector, p.machine, p.router)
		mux := srv.ServeMux()
		link.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logf("failed to start server: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		logf("shutting down HTTP server...")
		srv.Hub().Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				logf("HTTP server force close error: %v", err)
			}
		}
	}()

	wg.Wait()
	logf("graceful shutdown complete")
}

// runHealthServer serves the standard gRPC health protocol until ctx ends.
func runHealthServer(ctx context.Context, addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logf("gRPC health server disabled: %v", err)
		return
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		gs.GracefulStop()
	}()

	logf("gRPC health service listening on %s", lis.Addr())
	if err := gs.Serve(lis); err != nil {
		logf("gRPC health server stopped: %v", err)
	}
}
