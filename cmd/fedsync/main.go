package main

import (
	"cmp"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	_ "go.mau.fi/util/dbutil/litestream"
	"go.mau.fi/util/exzerolog"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"

	"go.mau.fi/fedsync/config"
	"go.mau.fi/fedsync/database"
	"go.mau.fi/fedsync/devicelist"
	"go.mau.fi/fedsync/discovery"
	"go.mau.fi/fedsync/fedclient"
	"go.mau.fi/fedsync/keyring"
	"go.mau.fi/fedsync/receiver"
	"go.mau.fi/fedsync/sendqueue"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
var noSaveConfig = flag.MakeFull("n", "no-update", "Don't update the config file", "false").Bool()
var version = flag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

type FedSync struct {
	Config      *config.Config
	Log         *zerolog.Logger
	DB          *database.Database
	Resolver    *discovery.Resolver
	Client      *fedclient.Client
	Keys        *keyring.Manager
	Queue       *sendqueue.Queue
	DeviceLists *devicelist.Synchronizer
	Receiver    *receiver.Receiver
	Server      *http.Server

	managementSecret *[32]byte
	bgWG             sync.WaitGroup
}

func (fs *FedSync) Init(ctx context.Context, configPath string, noSaveConfig bool) {
	var err error
	fs.Config = loadConfig(configPath, noSaveConfig)
	fs.Log, err = fs.Config.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to configure logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(fs.Log)

	fs.Log.Info().
		Str("version", VersionWithCommit).
		Time("built_at", ParsedBuildTime).
		Str("go_version", runtime.Version()).
		Str("server_name", fs.Config.Server.ServerName).
		Msg("Initializing fedsync")
	var mainDB *dbutil.Database
	mainDB, err = dbutil.NewFromConfig("fedsync", fs.Config.Database, dbutil.ZeroLogger(fs.Log.With().Str("db_section", "main").Logger()))
	if err != nil {
		fs.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to connect to database")
		os.Exit(12)
	}
	fs.initComponents(mainDB)
	fs.Log.Info().Msg("Initialization complete")
}

func (fs *FedSync) initComponents(mainDB *dbutil.Database) {
	fs.DB = database.New(mainDB)

	fs.Resolver = discovery.NewResolver(nil, nil, fs.Config.Federation.ResolveCacheTTL)
	// The key manager signs the client's requests and the client fetches the
	// manager's remote keys, so the fetcher is filled in afterwards.
	fs.Keys = keyring.NewManager(fs.Config.Server.ServerName, fs.DB.SigningKey, nil)
	fs.Client = fedclient.NewClient(fs.Resolver, fs.Keys)
	fs.Keys.Fetcher = fs.Client
	if fs.Config.Federation.RequestTimeout > 0 {
		fs.Client.HTTP.Timeout = fs.Config.Federation.RequestTimeout
	}
	keysCfg := fs.Config.Keys
	fs.Keys.KeyCheckInterval = cmp.Or(keysCfg.CheckInterval, keyring.DefaultKeyCheckInterval)
	fs.Keys.RefreshThreshold = cmp.Or(keysCfg.RefreshThreshold, keyring.DefaultRefreshThreshold)
	fs.Keys.KeyValidity = cmp.Or(keysCfg.Validity, keyring.DefaultKeyValidity)
	fs.Keys.PublishedValidity = cmp.Or(keysCfg.PublishedValidity, keyring.DefaultPublishedValidity)
	fs.Keys.NotaryConcurrency = cmp.Or(keysCfg.NotaryConcurrency, keyring.DefaultNotaryConcurrency)

	sqCfg := fs.Config.SendQueue
	fs.Queue = sendqueue.NewQueue(fs.Config.Server.ServerName, fs.Client, cmp.Or(sqCfg.MaxConcurrency, sendqueue.DefaultMaxConcurrency))
	fs.Queue.FlushInterval = cmp.Or(sqCfg.FlushInterval, sendqueue.DefaultFlushInterval)
	fs.Queue.InitialBackoff = cmp.Or(sqCfg.InitialBackoff, sendqueue.DefaultInitialBackoff)
	fs.Queue.MaxBackoff = cmp.Or(sqCfg.MaxBackoff, sendqueue.DefaultMaxBackoff)
	fs.Queue.MaxRetries = cmp.Or(sqCfg.MaxRetries, sendqueue.DefaultMaxRetries)

	fs.DeviceLists = devicelist.NewSynchronizer(fs.Config.Server.ServerName, fs.DB.DeviceList, fs.Client, fs.Queue)
	fs.Receiver = receiver.NewReceiver(fs.Keys, fs.DB.Transaction, fs.DB.Event, fs.DeviceLists)

	if secret := fs.Config.Server.ManagementSecret; secret != "" && secret != "disable" {
		hash := sha256.Sum256([]byte(secret))
		fs.managementSecret = &hash
	}
	fs.Server = &http.Server{
		Addr:              net.JoinHostPort(fs.Config.Server.Hostname, strconv.Itoa(int(fs.Config.Server.Port))),
		Handler:           fs.Router(),
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return fs.Log.WithContext(context.Background())
		},
	}
}

func (fs *FedSync) Run(ctx context.Context) {
	err := fs.DB.Upgrade(ctx)
	if err != nil {
		fs.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to upgrade database")
		os.Exit(20)
	}
	err = fs.Keys.Start(ctx)
	if err != nil {
		fs.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to load signing keys")
		os.Exit(21)
	}
	fs.Log.Info().Str("key_id", string(fs.Keys.ActiveKey().KeyID)).Msg("Signing keys loaded")

	fs.bgWG.Go(func() {
		fs.Queue.Run(ctx)
	})
	fs.bgWG.Go(func() {
		fs.pruneTransactionsLoop(ctx)
	})
	go func() {
		fs.Log.Info().Str("address", fs.Server.Addr).Msg("Starting HTTP server")
		err := fs.Server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fs.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("HTTP server failed")
			os.Exit(22)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = fs.Server.Shutdown(shutdownCtx)
	if err != nil {
		fs.Log.Err(err).Msg("Failed to shut down HTTP server")
	}
	fs.bgWG.Wait()
	fs.Receiver.Wait()
	err = fs.DB.Close()
	if err != nil {
		fs.Log.Err(err).Msg("Failed to close database")
	}
}

func (fs *FedSync) pruneTransactionsLoop(ctx context.Context) {
	log := fs.Log.With().Str("component", "transaction pruner").Logger()
	retention := cmp.Or(fs.Config.Receiver.TransactionRetention, 24*time.Hour)
	ticker := time.NewTicker(cmp.Or(fs.Config.Receiver.PruneInterval, time.Hour))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deleted, err := fs.DB.Transaction.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Err(err).Msg("Failed to prune old transactions")
			} else if deleted > 0 {
				log.Debug().Int64("deleted", deleted).Msg("Pruned old transactions")
			}
		case <-ctx.Done():
			return
		}
	}
}

func loadConfig(path string, noSave bool) *config.Config {
	configData, _, err := up.Do(path, !noSave, config.Upgrader)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to upgrade config:", err)
		os.Exit(10)
	}
	var cfg config.Config
	err = yaml.Unmarshal(configData, &cfg)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to parse config:", err)
		os.Exit(10)
	} else if cfg.Server.ServerName == "" {
		_, _ = fmt.Fprintln(os.Stderr, "server.server_name must be set in the config")
		os.Exit(10)
	}
	return &cfg
}

func main() {
	initVersion()
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Println(VersionDescription)
		os.Exit(0)
	}
	var fs FedSync
	ctx, cancel := context.WithCancel(context.Background())
	fs.Init(ctx, *configPath, *noSaveConfig)
	ctx = fs.Log.WithContext(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		cancel()
	}()
	fs.Run(ctx)
	fs.Log.Info().Msg("fedsync stopped")
}
