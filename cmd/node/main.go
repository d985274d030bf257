// Command node runs one level of the verification pipeline: L1 transaction
// fixation, L2-4 verification/notarization, or L5 public-chain anchoring,
// selected by the LEVEL environment variable (or a config file override).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dragonet/chainnode/anchor"
	"github.com/dragonet/chainnode/authorization"
	"github.com/dragonet/chainnode/broadcast"
	"github.com/dragonet/chainnode/config"
	"github.com/dragonet/chainnode/crypto"
	"github.com/dragonet/chainnode/crypto/certgen"
	"github.com/dragonet/chainnode/indexer"
	"github.com/dragonet/chainnode/level"
	"github.com/dragonet/chainnode/matchmaking"
	"github.com/dragonet/chainnode/metrics"
	"github.com/dragonet/chainnode/queue"
	"github.com/dragonet/chainnode/rpc"
	"github.com/dragonet/chainnode/storage"
	"github.com/dragonet/chainnode/txindex"
	"github.com/dragonet/chainnode/wallet"

	// Import txindex modules to trigger their init() self-registration.
	_ "github.com/dragonet/chainnode/txindex/modules/generic"
)

// defaultRequirements mirrors a single-node test network's claim sizing:
// every L1 block needs two independent L2 and L3 opinions but only one L4
// and L5, since notarization and anchoring are inherently single-threaded
// per block.
var defaultRequirements = matchmaking.ClaimRequirements{NumL2: 2, NumL3: 2, NumL4: 1, NumL5: 1}

func main() {
	var cfgPath, keyPath string

	root := &cobra.Command{
		Use:   "node",
		Short: "Run a level executor in the verification pipeline",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (optional; env vars always apply)")
	root.PersistentFlags().StringVar(&keyPath, "key", "node.key", "path to keystore file")

	root.AddCommand(runCmd(&cfgPath, &keyPath))
	root.AddCommand(genKeyCmd(&keyPath))
	root.AddCommand(genCertsCmd(&cfgPath, &keyPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func keystorePassword() string {
	password := os.Getenv("NODE_PASSWORD")
	if password == "" {
		fmt.Fprintln(os.Stderr, "WARNING: NODE_PASSWORD not set; keystore will use an empty password")
	}
	return password
}

func genKeyCmd(keyPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a new chain key and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wallet.Generate()
			if err != nil {
				return err
			}
			if err := wallet.SaveKey(*keyPath, keystorePassword(), w.PrivKey()); err != nil {
				return err
			}
			fmt.Printf("Generated key. dc_id: %s\n", w.DCID())
			fmt.Printf("Saved to: %s\n", *keyPath)
			return nil
		},
	}
}

func genCertsCmd(cfgPath, keyPath *string) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "gencerts",
		Short: "Generate a CA and node mTLS certificate pair and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			priv, err := wallet.LoadKey(*keyPath, keystorePassword())
			if err != nil {
				return fmt.Errorf("load key: %w", err)
			}
			_ = cfg
			nodeID := priv.Public().ID()
			if err := certgen.GenerateAll(outDir, nodeID, nil); err != nil {
				return fmt.Errorf("gencerts: %w", err)
			}
			fmt.Printf("Certificates generated in %s for node %q\n", outDir, nodeID)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "./certs", "output directory")
	return cmd
}

func runCmd(cfgPath, keyPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the configured level executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*cfgPath, *keyPath)
		},
	}
}

func run(cfgPath, keyPath string) error {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	priv, err := wallet.LoadKey(keyPath, keystorePassword())
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}
	dcid := priv.Public().ID()
	log.Info().Str("dc_id", dcid).Int("level", cfg.Level).Msg("starting node")

	algo, err := crypto.ParseHashAlgo(cfg.Hash)
	if err != nil {
		return fmt.Errorf("hash algo: %w", err)
	}
	scheme, err := cfg.Scheme()
	if err != nil {
		return fmt.Errorf("scheme: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	store := storage.NewObjectStore(db)

	q, err := queue.New(db, fmt.Sprintf("l%d", cfg.Level))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	est := authorization.NewEstablisher(dcid, priv, algo, httpClient)
	mmKeys := matchmaking.NewEstablisherKeyProvider(est, cfg.MatchmakingDCID, cfg.MatchmakingURL+"/auth-register")
	mm := matchmaking.New(cfg.MatchmakingURL, dcid, mmKeys, httpClient)
	dir := level.NewMatchmakingDirectory(mm, est)
	peerKeys := level.NewPeerKeyStore()
	verifier := authorization.NewVerifier(dcid, cfg.RateLimit, peerKeys.Lookup)

	scheme_ := string(scheme)
	regConfig := matchmaking.RegistrationConfig{
		DCID: dcid, Level: cfg.Level, URL: advertiseURL(cfg), Scheme: scheme_,
		Hash: cfg.Hash, Encryption: cfg.Encryption, Version: "1",
		Region: cfg.Region, Cloud: cfg.Cloud,
	}

	var anchorClient anchor.Client
	if cfg.Level == 5 {
		anchorClient = anchor.NewLocalStub(1_000_000, 1_000, 6)
		regConfig.InterchainWallet = cfg.Network
		regConfig.BroadcastInterval = cfg.BroadcastInterval
		funded := true
		regConfig.Funded = &funded
	}

	base := level.NewBase(dcid, cfg.Level, priv, algo, scheme, cfg.Complexity, store, q, mm, dir, log, regConfig)

	var state *broadcast.State
	var exec level.Executor
	switch cfg.Level {
	case 1:
		idx := indexer.New(db, txindex.Global())
		var tracker level.BroadcastTracker
		if cfg.Broadcast {
			state = broadcast.NewState()
			tracker = state
		}
		exec = &level.L1{Base: base, Indexer: idx, Broadcast: tracker, BroadcastEnabled: cfg.Broadcast}
	case 2:
		exec = &level.L2{Base: base}
	case 3:
		exec = &level.L3{Base: base}
	case 4:
		exec = &level.L4{Base: base}
	case 5:
		exec = &level.L5{Base: base, Anchor: anchorClient, Network: cfg.Network, BroadcastInterval: time.Duration(cfg.BroadcastInterval) * time.Second}
	default:
		return fmt.Errorf("unsupported level %d", cfg.Level)
	}

	mtr := metrics.New()
	handler := rpc.NewHandler(dcid, algo, q, store, state, dir, peerKeys, mm, log)
	handler.Metrics = mtr
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if tlsCfg != nil {
		log.Info().Msg("mTLS enabled for inter-chain transport")
	}
	server := rpc.NewServer(fmt.Sprintf(":%d", cfg.RPCPort), handler, verifier, tlsCfg, log, mtr)
	if err := server.Start(); err != nil {
		return fmt.Errorf("rpc start: %w", err)
	}
	log.Info().Str("addr", server.Addr().String()).Msg("inter-chain transport listening")

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := level.NewScheduler(cfg.Level, exec, log, mtr).Run(ctx); err != nil {
			log.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	var processor *broadcast.Processor
	if cfg.Level == 1 && cfg.Broadcast {
		notifications := broadcast.NotificationTargets{}
		for key, urls := range cfg.VerificationNotification {
			notifications[notificationLevel(key)] = urls
		}
		processor = broadcast.New(broadcast.Config{
			DCID: dcid, PrivKey: priv, Algo: algo,
			Requirements: defaultRequirements, Notifications: notifications, HTTPClient: httpClient,
			Metrics:      mtr,
		}, mm, store, state, &peerDirAdapter{dir}, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor.Run(ctx)
		}()
		log.Info().Msg("broadcast processor running")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	cancel()
	wg.Wait()

	if err := server.Stop(); err != nil {
		log.Error().Err(err).Msg("rpc stop")
	}
	log.Info().Msg("shutdown complete")
	return nil
}

// advertiseURL is the URL this chain registers with matchmaking as
// reachable at. A production deployment sets ADVERTISE_URL explicitly
// (behind a load balancer or DNS name); falling back to localhost is only
// correct for a single-box development network.
func advertiseURL(cfg *config.Config) string {
	if url := os.Getenv("ADVERTISE_URL"); url != "" {
		return url
	}
	return fmt.Sprintf("http://localhost:%d", cfg.RPCPort)
}

// notificationLevel maps a VERIFICATION_NOTIFICATION key ("all", "l2".."l5")
// to broadcast.NotificationTargets' integer keying (0 for "all").
func notificationLevel(key string) int {
	switch key {
	case "l2":
		return 2
	case "l3":
		return 3
	case "l4":
		return 4
	case "l5":
		return 5
	default:
		return 0
	}
}

// peerDirAdapter adapts a level.Directory to broadcast.PeerDirectory: the
// broadcast processor only ever needs a peer's URL and HMAC key, never its
// signing key or full registration.
type peerDirAdapter struct {
	dir level.Directory
}

func (a *peerDirAdapter) PeerURL(ctx context.Context, dcID string) (string, error) {
	return a.dir.URL(ctx, dcID)
}

func (a *peerDirAdapter) PeerKey(ctx context.Context, dcID string) (authorization.SharedKey, error) {
	return a.dir.PeerKey(ctx, dcID)
}
