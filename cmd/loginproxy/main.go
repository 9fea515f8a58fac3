package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nullpointer-dev/bwnet/internal/config"
	"github.com/nullpointer-dev/bwnet/internal/proxy"
)

const defaultConfigPath = "config/loginproxy.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := flag.String("config", defaultConfigPath, "path to the login proxy's YAML config")
	baseProxyAddr := flag.String("base-proxy-addr", "127.0.0.1:20213", "address this proxy rewrites a successful login's base-app address to")
	upstreamKeyFile := flag.String("upstream-rsa-pubkey-file", "", "PEM file holding one or more PKIX RSA public keys for the real login app's key pool")
	keyTTL := flag.Duration("observed-key-ttl", 5*time.Minute, "how long an observed client Blowfish key stays valid for the base-app proxy")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	slog.Info("bwnet login proxy starting")

	path := *cfgPath
	if p := os.Getenv("BWNET_LOGINPROXY_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.LoadProxyConfig(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.Info("config loaded", "listen", cfg.ListenAddress, "upstream_login", cfg.UpstreamLogin, "upstream_base", cfg.UpstreamBase)

	if *upstreamKeyFile == "" {
		return fmt.Errorf("-upstream-rsa-pubkey-file is required: the proxy cannot wrap forwarded login requests without the real login app's public key")
	}
	upstreamKeys, err := loadPublicKeys(*upstreamKeyFile)
	if err != nil {
		return fmt.Errorf("loading upstream rsa public keys: %w", err)
	}

	keys := proxy.NewKeyTable(*keyTTL)

	loginProxy, err := proxy.NewLoginProxy(cfg, staticKeySource(upstreamKeys), *baseProxyAddr, keys)
	if err != nil {
		return fmt.Errorf("creating login proxy: %w", err)
	}
	defer loginProxy.Close()

	baseCfg := cfg
	baseCfg.ListenAddress = *baseProxyAddr
	baseProxy, err := proxy.NewBaseAppProxy(baseCfg, keys)
	if err != nil {
		return fmt.Errorf("creating base-app proxy: %w", err)
	}
	defer baseProxy.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loginProxy.Run(gctx) })
	g.Go(func() error { return baseProxy.Run(gctx) })
	g.Go(func() error { return drainEvents(gctx, "login", loginProxy.Events()) })
	g.Go(func() error { return drainEvents(gctx, "base", baseProxy.Events()) })

	slog.Info("login proxy listening", "listen", cfg.ListenAddress, "base_proxy_listen", baseCfg.ListenAddress)
	return g.Wait()
}

type staticKeySource []*rsa.PublicKey

func (s staticKeySource) PublicKeys() []*rsa.PublicKey { return s }

// loadPublicKeys parses every PEM block in path as a PKIX RSA public key.
func loadPublicKeys(path string) ([]*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var keys []*rsa.PublicKey
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKIX public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%s contains a non-RSA public key", path)
		}
		keys = append(keys, rsaPub)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s contains no PEM-encoded public keys", path)
	}
	return keys, nil
}

func drainEvents(ctx context.Context, tag string, events <-chan proxy.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case proxy.EventIoError:
				slog.Warn("proxy event", "proxy", tag, "kind", "io_error", "addr", ev.Addr, "err", ev.Err)
			case proxy.EventLoginObserved:
				slog.Info("proxy event", "proxy", tag, "kind", "login_observed", "addr", ev.Addr, "detail", ev.Detail)
			default:
				slog.Debug("proxy event", "proxy", tag, "kind", "relayed", "addr", ev.Addr, "detail", ev.Detail)
			}
		}
	}
}
