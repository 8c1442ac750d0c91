package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/smileytechness/peerns/config"
	"github.com/smileytechness/peerns/contactstore"
	"github.com/smileytechness/peerns/controlplane"
	"github.com/smileytechness/peerns/identity"
	"github.com/smileytechness/peerns/metrics"
	"github.com/smileytechness/peerns/namespace"
	"github.com/smileytechness/peerns/rendezvous"
	"github.com/smileytechness/peerns/session"
	"github.com/smileytechness/peerns/signaling"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "peernsd",
		Short:   "peerns daemon: namespace discovery, rendezvous, and session transport",
		Version: Version,
	}

	var (
		envFile      string
		namespaceArg string
		signalingURL string
		adminAddr    string
		metricsAddr  string
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the peerns daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(envFile, namespaceArg, signalingURL, adminAddr, metricsAddr)
		},
	}
	runCmd.Flags().StringVar(&envFile, "env", ".env", "path to an optional .env override file")
	runCmd.Flags().StringVar(&namespaceArg, "namespace", "", "custom namespace name to join in addition to configured ones")
	runCmd.Flags().StringVar(&signalingURL, "signaling-url", "", "websocket signaling service URL (overrides PEERNS_SIGNALING_URL)")
	runCmd.Flags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:7780", "loopback address for the admin/introspection server")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:7781", "loopback address for the prometheus /metrics endpoint")

	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a new identity keypair and print its persistent ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(envFile)
		},
	}
	keygenCmd.Flags().StringVar(&envFile, "env", ".env", "path to an optional .env override file")

	contactsCmd := &cobra.Command{
		Use:   "contacts",
		Short: "list known contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContacts(envFile)
		},
	}
	contactsCmd.Flags().StringVar(&envFile, "env", ".env", "path to an optional .env override file")

	root.AddCommand(runCmd, keygenCmd, contactsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(dataDir string) (*slog.Logger, *lumberjack.Logger) {
	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(dataDir, "peernsd.log"),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}}), logFile
}

// keyFileName mirrors contactstore's one-file-per-concern
// layout: the identity keypair lives next to contacts.jsonl and
// settings.yaml inside the data directory.
const keyFileName = "identity.key"

func loadOrCreateIdentity(dataDir string) (*identity.Keypair, error) {
	path := filepath.Join(dataDir, keyFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		kp, err := identity.DecodePrivateKey(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse identity key: %w", err)
		}
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	kp, err := identity.NewKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	b64, err := identity.EncodePrivateKey(kp.Private)
	if err != nil {
		return nil, fmt.Errorf("encode identity key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(b64), 0o600); err != nil {
		return nil, fmt.Errorf("write identity key: %w", err)
	}
	return kp, nil
}

func persistentID(prefix string, kp *identity.Keypair, dataDir string) (string, error) {
	idPath := filepath.Join(dataDir, "persistent-id")
	if data, err := os.ReadFile(idPath); err == nil {
		return string(data), nil
	}
	pid := fmt.Sprintf("%s-%s", prefix, identity.NewPersistentIDSuffix())
	if err := os.WriteFile(idPath, []byte(pid), 0o600); err != nil {
		return "", fmt.Errorf("write persistent ID: %w", err)
	}
	return pid, nil
}

func runKeygen(envFile string) error {
	env, err := config.LoadEnv(envFile)
	if err != nil {
		return err
	}
	kp, err := loadOrCreateIdentity(env.DataDir)
	if err != nil {
		return err
	}
	pid, err := persistentID(env.Prefix, kp, env.DataDir)
	if err != nil {
		return err
	}
	pub, err := identity.EncodePublicKey(kp.Public())
	if err != nil {
		return err
	}
	fp, err := identity.IdentityFingerprint(kp.Public())
	if err != nil {
		return err
	}
	fmt.Printf("persistent ID: %s\npublic key:    %s\nfingerprint:   %s\n", pid, pub, fp)
	return nil
}

func runContacts(envFile string) error {
	env, err := config.LoadEnv(envFile)
	if err != nil {
		return err
	}
	store := contactstore.New(env.DataDir)
	if err := store.Load(); err != nil {
		return err
	}
	for _, c := range store.All() {
		fmt.Printf("%s\t%s\tonNetwork=%v\tmessages=%d\n", c.PersistentID, c.FriendlyName, c.OnNetwork, len(c.History))
	}
	return nil
}

func runDaemon(envFile, namespaceArg, signalingURLFlag, adminAddr, metricsAddr string) error {
	env, err := config.LoadEnv(envFile)
	if err != nil {
		return err
	}
	logger, logFile := setupLogging(env.DataDir)
	defer func() { _ = logFile.Close() }()

	settingsPath := filepath.Join(env.DataDir, "settings.yaml")
	settings, err := config.Load(settingsPath)
	if err != nil {
		return err
	}

	contacts := contactstore.New(env.DataDir)
	if err := contacts.Load(); err != nil {
		return err
	}

	kp, err := loadOrCreateIdentity(env.DataDir)
	if err != nil {
		return err
	}
	ownPID, err := persistentID(env.Prefix, kp, env.DataDir)
	if err != nil {
		return err
	}
	discoveryUUID, err := loadOrCreateDiscoveryUUID(env.DataDir)
	if err != nil {
		return err
	}

	signalingURL := signalingURLFlag
	if signalingURL == "" {
		signalingURL = env.SignalingURL
	}
	var adapter signaling.Adapter
	if signalingURL != "" {
		adapter = signaling.NewWebSocketAdapter(signalingURL, logger)
	} else {
		logger.Warn("no signaling URL configured, running against an in-process loopback broker")
		adapter = signaling.NewLoopback().NewHandle()
	}

	friendlyName := func() string { return ownPID }

	publicKeyB64 := func() string { pk, _ := identity.EncodePublicKey(kp.Public()); return pk }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	admin := controlplane.NewServer(adminAddr, contacts, nil, logger)

	rvz := rendezvous.New(rendezvous.Deps{
		Contacts:      contacts,
		Adapter:       adapter,
		Identity:      kp,
		Prefix:        env.Prefix,
		PersistentID:  ownPID,
		FriendlyName:  friendlyName,
		DiscoveryUUID: func() string { return discoveryUUID },
		Logger:        logger,
	})
	go rvz.Run(ctx)

	sessions := session.New(session.Deps{
		Contacts:     contacts,
		Adapter:      adapter,
		Identity:     kp,
		PersistentID: ownPID,
		FriendlyName: friendlyName,
		Logger:       logger,
		OnFailure:    rvz.Enqueue,
	})
	admin.Sessions = sessions

	configs := buildNamespaceConfigs(env.Prefix, namespaceArg, settings)
	var engines []*namespace.Engine
	for name, cfg := range configs {
		eng := namespace.New(namespace.Deps{
			Config:        cfg,
			Adapter:       adapter,
			Contacts:      contacts,
			Logger:        logger,
			DiscoveryUUID: discoveryUUID,
			FriendlyName:  friendlyName,
			PublicKeyB64:  publicKeyB64,
		})
		engines = append(engines, eng)
		admin.RegisterNamespace(name)
		go watchEngineUpdates(ctx, name, eng, admin, contacts, sessions)
		go eng.Run(ctx)
	}

	go sessions.Run(ctx)
	go func() {
		// give Run a moment to claim the device's own endpoint before
		// dialing out to known contacts.
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
		sessions.ReconnectAll(ctx)
	}()

	go func() {
		if err := admin.ListenAndServe(); err != nil {
			logger.Error("admin server stopped", "err", err)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	_ = admin.Close()
	sessions.Shutdown()
	for _, eng := range engines {
		eng.Shutdown()
	}
	cancel()

	if err := contacts.Save(); err != nil {
		logger.Error("failed to save contacts", "err", err)
	}
	if err := settings.Save(settingsPath); err != nil {
		logger.Error("failed to save settings", "err", err)
	}
	return nil
}

// watchEngineUpdates is the single consumer of eng's Updates() stream: it
// feeds the admin server's status cache and, on every registry change,
// dials any contact the registry just marked on-network that this device
// has chat history with — the transition namespace resolveContacts()
// records but has no way to act on itself.
func watchEngineUpdates(ctx context.Context, name string, eng *namespace.Engine, admin *controlplane.Server, contacts *contactstore.Store, sessions *session.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-eng.Updates():
			if !ok {
				return
			}
			admin.Observe(name, u)
			if u.Kind == namespace.UpdateRegistryChanged {
				for _, c := range contacts.All() {
					if c.OnNetwork && len(c.History) > 0 {
						sessions.Connect(c.PersistentID)
					}
				}
			}
		}
	}
}

func loadOrCreateDiscoveryUUID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "discovery-uuid")
	if data, err := os.ReadFile(path); err == nil {
		return string(data), nil
	}
	uuid := identity.NewUUID()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(uuid), 0o600); err != nil {
		return "", fmt.Errorf("write discovery uuid: %w", err)
	}
	return uuid, nil
}

// buildNamespaceConfigs assembles the set of namespace.Configs this
// process joins: one custom namespace per name in settings plus an
// optional extra one from the CLI flag.
func buildNamespaceConfigs(prefix, extra string, settings *config.Settings) map[string]namespace.Config {
	out := make(map[string]namespace.Config)
	for _, ns := range settings.CustomNamespaces {
		out[ns.Name] = namespace.NewCustomConfig(prefix, ns.Name, ns.Advanced)
	}
	if extra != "" {
		if _, ok := out[extra]; !ok {
			out[extra] = namespace.NewCustomConfig(prefix, extra, false)
		}
	}
	return out
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
