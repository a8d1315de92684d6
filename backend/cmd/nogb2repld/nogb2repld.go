// vim: sw=8

// Server `nogb2repld` replicates public archived items to a B2SAFE federation.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/nogproject/nogb2/backend/internal/aip"
	"github.com/nogproject/nogb2/backend/internal/b2safe"
	"github.com/nogproject/nogb2/backend/internal/b2safe/driver_local"
	"github.com/nogproject/nogb2/backend/internal/eligibility"
	"github.com/nogproject/nogb2/backend/internal/itemsmgo"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/adminapi"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/config"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/coordinator"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/observe"
	"github.com/nogproject/nogb2/backend/pkg/flock"
	"github.com/nogproject/nogb2/backend/pkg/mulog"
	"github.com/nogproject/nogb2/backend/pkg/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	mgo "gopkg.in/mgo.v2"
)

// `xVersion` and `xBuild` are injected by the `Makefile`.
var (
	xVersion string
	xBuild   string
	version  = fmt.Sprintf("nogb2repld-%s+%s", xVersion, xBuild)
)

// `qqBackticks()` translates double single quote to backtick.
func qqBackticks(s string) string {
	return strings.Replace(s, "''", "`", -1)
}

var usage = qqBackticks(`Usage:
  nogb2repld [options]

Options:
  --config=<path>  [default: /etc/nogb2/nogb2repld.yml]
        Config file, YAML if the name ends with ''.yml'' or ''.yaml'', HCL
        if it ends with ''.hcl''.
  --log=<logger>  [default: prod]
        Specifies logger: prod, dev, json, or mu.
  --state=<dir>  [default: /var/lib/nogb2repld]
        Directory for the journal position and the daemon lock.
  --mongo=<url>
        Overrides ''mongo.url'' from the config.
  --mongo-ca=<pem>
        Path of file with CA certificates to use when connecting to MongoDB.
  --mongo-cert=<pem>
        Path of file with certificate and private key to use when connecting to
        MongoDB.  Concatenate PEM files like
        ''cat cert.pem privkey.pem > combined.pem''.
  --admin-addr=<addr>  [default: 127.0.0.1:7580]
        Address of the admin HTTP API.  An address that starts with ''/'' is
        a Unix domain socket.
  --health-addr=<addr>  [default: 127.0.0.1:7581]
        Address of the GRPC health service.  Use ''none'' to disable.
  --no-watch
        Do not watch item events.  Replication is then only triggered via
        the admin API.
  --watch-every=<duration>  [default: 5s]
        Poll interval of the item event journal.
  --replicate-all
        Start a sweep that replicates all missing items after the first
        successful federation initialization.  The config key
        ''replication.replicateAll'' has the same effect.
  --reinit-every=<duration>  [default: 1m]
        Check the federation connection at this interval.  Initialization is
        retried until it succeeds and again after the connection has been
        lost.  The health status follows the connection.
  --shutdown-timeout=<duration>  [default: 20s]
        Maximum time to wait before forced shutdown.
`)

const healthService = "nogb2repld"

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	Fatalw(msg string, kv ...interface{})
}

var lg Logger = mulog.Logger{}

func main() {
	args := argparse()

	if k := args["--log"].(string); k == "mu" {
		lg = mulog.Logger{}
	} else {
		zlg, err := zap.New(k)
		if err != nil {
			log.Fatal(err)
		}
		lg = zlg
	}

	cfg, err := config.Load(args["--config"].(string))
	if err != nil {
		lg.Fatalw("Failed to load --config.", "err", err)
	}
	if v, ok := args["--mongo"].(string); ok {
		cfg.MongoURL = v
	}
	if v, ok := args["--mongo-ca"].(string); ok {
		cfg.MongoCA = v
	}
	if v, ok := args["--mongo-cert"].(string); ok {
		cfg.MongoCert = v
	}
	if cfg.MongoURL == "" {
		lg.Fatalw("Missing MongoDB URL; use --mongo or `mongo.url`.")
	}

	stateDir := args["--state"].(string)
	if err := os.MkdirAll(stateDir, 0777); err != nil {
		lg.Fatalw("Failed to create --state dir.", "err", err)
	}
	lock, err := flock.Create(filepath.Join(stateDir, "nogb2repld.lock"))
	if err != nil {
		lg.Fatalw("Failed to create state lock.", "err", err)
	}
	defer lock.Close()
	{
		ctx, cancel := context.WithTimeout(
			context.Background(), 10*time.Second,
		)
		err := lock.TryLock(ctx, time.Second)
		cancel()
		if err != nil {
			lg.Fatalw(
				"Failed to lock state dir; is another nogb2repld running?",
				"dir", stateDir,
				"err", err,
			)
		}
	}

	lg.Infow("nogb2repld started.", "version", version)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	signal.Notify(sigs, syscall.SIGINT)
	var isShutdown int32

	// `ctxSlow` bounds transfers, so that running jobs may complete after
	// `ctx` has been canceled.
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	ctxSlow, cancelSlow := context.WithCancel(context.Background())

	lg.Infow("Begin connecting to mongo.")
	var tlsFiles *itemsmgo.TLSFiles
	if cfg.MongoCA != "" || cfg.MongoCert != "" {
		lg.Infow(
			"Using MongoDB SSL.",
			"ca", cfg.MongoCA,
			"cert", cfg.MongoCert,
		)
		tlsFiles = &itemsmgo.TLSFiles{CA: cfg.MongoCA, Cert: cfg.MongoCert}
	}
	mgs, err := itemsmgo.Dial(cfg.MongoURL, tlsFiles)
	if err != nil {
		lg.Fatalw("Failed to dial mongo.", "err", err)
	}
	defer mgs.Close()
	lg.Infow("Connected to mongo.")

	wg.Add(1)
	go func() {
		defer wg.Done()
		pingMongo(ctx, mgs)
	}()

	store := itemsmgo.NewStore(mgs, cfg.MongoNamespace)
	policy := eligibility.NewPolicy(&eligibility.Config{
		RightsField:  cfg.RightsField,
		PublicMarker: cfg.PublicRightsMarker,
		EmbargoField: cfg.EmbargoField,
		Authorizer:   itemsmgo.GroupAuthorizer{Group: cfg.AnonymousGroup},
	})
	dissem := aip.New(lg, &aip.Config{AnonymousGroup: cfg.AnonymousGroup})

	coord := coordinator.New(ctxSlow, lg, &coordinator.Config{
		Dial:                  dialB2safe,
		Remote:                cfg.Remote,
		Store:                 store,
		Policy:                policy,
		Disseminator:          dissem,
		ReplicationOn:         cfg.ReplicationOn,
		Workers:               cfg.Workers,
		QueueSize:             cfg.QueueSize,
		URIField:              cfg.URIField,
		TmpDir:                cfg.TmpDir,
		StabilizeInitialDelay: cfg.StabilizeInitialDelay,
		StabilizeMaxDelay:     cfg.StabilizeMaxDelay,
		StabilizeTimeout:      cfg.StabilizeTimeout,
		SweepDelay:            cfg.SweepDelay,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := coord.Serve(ctx)
		if err != context.Canceled {
			lg.Fatalw("Coordinator serve failed.", "err", err)
		}
		if atomic.LoadInt32(&isShutdown) == 0 {
			lg.Fatalw("Unexpected coordinator serve cancel.")
		}
	}()

	var healthSrv *health.Server
	var gsrv *grpc.Server
	if addr := args["--health-addr"].(string); addr != "none" {
		healthSrv = health.NewServer()
		healthSrv.SetServingStatus(
			healthService, healthpb.HealthCheckResponse_NOT_SERVING,
		)
		gsrv = grpc.NewServer()
		healthpb.RegisterHealthServer(gsrv, healthSrv)
		lis := listen(addr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := gsrv.Serve(lis)
			if atomic.LoadInt32(&isShutdown) > 0 {
				return
			}
			lg.Fatalw("GRPC health server failed.", "err", err)
		}()
		lg.Infow("GRPC health listening.", "addr", addr)
	}

	replicateAll := cfg.ReplicateAll || args["--replicate-all"].(bool)
	wg.Add(1)
	go func() {
		defer wg.Done()
		initializeLoop(
			ctx, coord, healthSrv, replicateAll,
			args["--reinit-every"].(time.Duration),
		)
	}()

	if args["--no-watch"].(bool) {
		lg.Infow("Disabled watching item events.")
	} else {
		obs := observe.NewObserver(lg, &observe.Config{
			Journal:      store,
			Replicator:   coord,
			StateStore:   observe.NewFileStateStore(stateDir),
			PollInterval: args["--watch-every"].(time.Duration),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := obs.Watch(ctx)
			if err != context.Canceled {
				lg.Fatalw("Observer failed.", "err", err)
			}
		}()
	}

	var wg2 sync.WaitGroup
	addr := args["--admin-addr"].(string)
	hsrv := &http.Server{Handler: adminapi.NewHandler(lg, coord)}
	lis := listen(addr)
	wg2.Add(1)
	go func() {
		defer wg2.Done()
		err := hsrv.Serve(lis)
		if err == http.ErrServerClosed {
			return
		}
		lg.Fatalw("Admin API server failed.", "err", err)
	}()
	lg.Infow("Admin API listening.", "addr", addr)

	sig := <-sigs
	atomic.StoreInt32(&isShutdown, 1)

	done := make(chan struct{})
	go func() {
		if err := hsrv.Shutdown(context.Background()); err != nil {
			lg.Warnw("Admin API shutdown failed.", "err", err)
		}
		wg2.Wait()
		lg.Infow("Completed level 2 shutdown.")

		if gsrv != nil {
			gsrv.GracefulStop()
		}
		cancel()
		wg.Wait()
		cancelSlow()
		lg.Infow("Completed level 1 shutdown.")
		close(done)
	}()

	d := args["--shutdown-timeout"].(time.Duration)
	timeout := time.NewTimer(d)
	lg.Infow("Started graceful shutdown.", "sig", sig, "timeout", d)

	select {
	case <-timeout.C:
		cancelSlow()
		if gsrv != nil {
			gsrv.Stop()
		}
		lg.Warnw("Timeout; forced shutdown.")
	case <-done:
		lg.Infow("Completed graceful shutdown.")
	}
}

func argparse() map[string]interface{} {
	const autoHelp = true
	const noOptionFirst = false
	args, err := docopt.Parse(
		usage, nil, autoHelp, version, noOptionFirst,
	)
	if err != nil {
		lg.Fatalw("docopt failed", "err", err)
	}

	for _, k := range []string{
		"--watch-every",
		"--reinit-every",
		"--shutdown-timeout",
	} {
		if arg, ok := args[k].(string); ok {
			d, err := time.ParseDuration(arg)
			if err != nil {
				lg.Fatalw(
					fmt.Sprintf("Invalid %s", k),
					"err", err,
				)
			}
			if d <= 0 {
				lg.Fatalw(fmt.Sprintf("%s must be positive.", k))
			}
			args[k] = d
		}
	}

	return args
}

// `dialB2safe()` selects the federation driver by protocol.
func dialB2safe(cfg *b2safe.Config) (b2safe.Client, error) {
	switch cfg.Protocol {
	case "local", "file":
		return driver_local.New(lg, cfg)
	default:
		return nil, fmt.Errorf(
			"%w `%s`", b2safe.ErrUnsupportedProtocol, cfg.Protocol,
		)
	}
}

func listen(addr string) net.Listener {
	addrType := "tcp"
	if strings.HasPrefix(addr, "/") {
		addrType = "unix"
		_ = os.Remove(addr)
	}
	lis, err := net.Listen(addrType, addr)
	if err != nil {
		lg.Fatalw(
			"Listen failed.",
			"family", addrType,
			"addr", addr,
			"err", err,
		)
	}
	return lis
}

// `initializeLoop()` initializes the federation client and then checks the
// connection every tick.  It initializes again after the connection has been
// lost.  The health status follows the connection.  A replicate-all sweep is
// started once after the first success.
func initializeLoop(
	ctx context.Context,
	coord *coordinator.Coordinator,
	healthSrv *health.Server,
	replicateAll bool,
	every time.Duration,
) {
	setHealth := func(st healthpb.HealthCheckResponse_ServingStatus) {
		if healthSrv != nil {
			healthSrv.SetServingStatus(healthService, st)
		}
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	swept := !replicateAll
	for {
		if coord.IsInitialized() && !coord.CheckConnection(ctx) {
			setHealth(healthpb.HealthCheckResponse_NOT_SERVING)
		}
		if coord.IsInitialized() || coord.Initialize(ctx) {
			setHealth(healthpb.HealthCheckResponse_SERVING)
			if !swept {
				swept = true
				if coord.SetReplicateAll(true) {
					lg.Infow("Started replicate-all sweep.")
				} else {
					lg.Warnw("Failed to start replicate-all sweep.")
				}
			}
		} else {
			lg.Warnw(
				"Will retry federation initialization.",
				"retryIn", every,
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// A strong `mgo.Session` must be refreshed after a connection problem.  If a
// ping fails, a refresh is scheduled for the next tick, so that users of the
// session get a chance to see the error.
func pingMongo(ctx context.Context, mgs *mgo.Session) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	needsRefresh := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if needsRefresh {
				mgs.Refresh()
			}
			if err := mgs.Ping(); err != nil {
				if !needsRefresh {
					lg.Infow("Ping mongo failed.", "err", err)
				}
				needsRefresh = true
			} else {
				if needsRefresh {
					lg.Infow("Mongo recovered.")
				}
				needsRefresh = false
			}
		}
	}
}
