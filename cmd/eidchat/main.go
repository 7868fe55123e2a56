// Command eidchat runs the secure-transport core as a standalone daemon.
//
// The terminal UI, mDNS advertisement and the PKCS#11 card helper are
// separate processes that attach to this core; what runs here is the UDP
// endpoint, the session machinery and persistence.
//
// Exit codes: 0 normal shutdown, 2 configuration error, 3 card
// unavailable at startup, 4 socket bind failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/eidchat"
	"github.com/opd-ai/eidchat/config"
	"github.com/opd-ai/eidchat/identity"
	"github.com/opd-ai/eidchat/storage"
	"github.com/opd-ai/eidchat/storage/postgres"
)

const (
	exitOK     = 0
	exitConfig = 2
	exitCard   = 3
	exitSocket = 4
)

func main() {
	var (
		configPath string
		certPath   string
		rootPaths  []string
	)

	root := &cobra.Command{
		Use:           "eidchat",
		Short:         "Card-anchored peer-to-peer messaging core",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, certPath, rootPaths)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "eidchat.yaml", "configuration file")
	root.Flags().StringVar(&certPath, "cert", "", "DER certificate file (stand-in for the PKCS#11 helper)")
	root.Flags().StringSliceVar(&rootPaths, "root", nil, "DER trust root file, repeatable")

	if err := root.Execute(); err != nil {
		code := 1
		var exit *exitError
		if errors.As(err, &exit) {
			code = exit.code
		}
		fmt.Fprintln(os.Stderr, "eidchat:", err)
		os.Exit(code)
	}
	os.Exit(exitOK)
}

// exitError carries a process exit code with the failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func run(configPath, certPath string, rootPaths []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return &exitError{code: exitConfig, err: fmt.Errorf("opening log file: %w", err)}
		}
		defer f.Close()
		logrus.SetOutput(f)
	}

	card, err := newCard(cfg, certPath)
	if err != nil {
		return &exitError{code: exitCard, err: err}
	}
	// The card must answer at startup; later failures only block new
	// handshakes.
	if _, err := card.Certificate(context.Background()); err != nil {
		return &exitError{code: exitCard, err: fmt.Errorf("card did not produce a certificate: %w", err)}
	}

	roots, err := loadRoots(rootPaths)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	if _, err := identity.NewVerifier(roots); err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	gateway, err := openGateway(cfg)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	defer gateway.Close()

	core, err := eidchat.New(eidchat.Options{
		Config:  cfg,
		Card:    card,
		Gateway: gateway,
		Roots:   roots,
	})
	if err != nil {
		return &exitError{code: exitSocket, err: err}
	}
	defer core.Close()

	core.OnNewPeer(func(fp identity.Fingerprint, name string) {
		logrus.WithFields(logrus.Fields{"fingerprint": fp.Short(), "name": name}).Info("New peer pinned")
	})
	core.OnPinMismatch(func(endpoint string, fp identity.Fingerprint) {
		logrus.WithFields(logrus.Fields{"endpoint": endpoint, "fingerprint": fp.Short()}).Warn("PIN MISMATCH")
	})

	logrus.WithFields(logrus.Fields{
		"listen": core.LocalAddr().String(),
	}).Info("eidchat core running, ^C to stop")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	return nil
}

// loadRoots reads the DER trust anchors.
func loadRoots(paths []string) ([][]byte, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("at least one --root trust anchor is required")
	}
	roots := make([][]byte, 0, len(paths))
	for _, p := range paths {
		der, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading trust root: %w", err)
		}
		roots = append(roots, der)
	}
	return roots, nil
}

// openGateway picks the persistence backend: a PostgreSQL DSN in db_path
// selects the SQL gateway, an empty db_path runs in memory.
func openGateway(cfg *config.Config) (storage.Gateway, error) {
	if cfg.DBPath == "" {
		logrus.Warn("db_path not set, running with in-memory persistence")
		return storage.NewMemoryStore(), nil
	}
	gw, err := postgres.NewStore(context.Background(), cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return gw, nil
}

// fileCard serves a certificate from disk. It stands in for the PKCS#11
// helper process during development; signing requires the real card.
type fileCard struct {
	certDER []byte
}

func newCard(cfg *config.Config, certPath string) (identity.Card, error) {
	if certPath == "" {
		return nil, fmt.Errorf("no card helper attached (pkcs_module_path=%q) and no --cert given", cfg.PKCSModulePath)
	}
	der, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}
	return &fileCard{certDER: der}, nil
}

func (f *fileCard) Certificate(ctx context.Context) ([]byte, error) {
	return f.certDER, nil
}

func (f *fileCard) Sign(ctx context.Context, data []byte) ([]byte, error) {
	return nil, fmt.Errorf("signing requires the card helper process")
}
