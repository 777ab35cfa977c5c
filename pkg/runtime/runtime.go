package runtime

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/avatar-runtime/internal/bundle"
	appconfig "github.com/saker-ai/avatar-runtime/internal/config"
	apphttp "github.com/saker-ai/avatar-runtime/internal/http"
	applogger "github.com/saker-ai/avatar-runtime/internal/logger"
	"github.com/saker-ai/avatar-runtime/internal/maintenance"
	"github.com/saker-ai/avatar-runtime/internal/storage"
	"github.com/saker-ai/avatar-runtime/internal/viewer"
	"github.com/saker-ai/avatar-runtime/internal/ws"
)

// Cadences for the process-wide maintenance jobs.
const (
	statsLogInterval       = 5 * time.Minute
	registryReloadInterval = 5 * time.Minute
)

// Server is the wired application: model registry, bundle engine, shared
// viewer state, maintenance jobs and the http listener.
type Server struct {
	cfg     appconfig.Config
	logger  *zap.Logger
	viewers *viewer.Manager
	janitor *maintenance.Service
	server  *http.Server

	jobCtx    context.Context
	jobCancel context.CancelFunc
}

// New loads configuration from configPath (or the default lookup when
// empty) and wires every component. The returned server is ready to Run.
func New(configPath string) (*Server, error) {
	cfg, err := appconfig.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := applogger.New(cfg.Log)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	logger.Info("config loaded",
		zap.String("config_path", configPath),
		zap.String("root_dir", cfg.RootDir),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("models_dir", cfg.ModelsDir))

	registry, err := storage.LoadRegistry(cfg.ModelDictPath, cfg.ProfilesDir, logger)
	if err != nil {
		return nil, fmt.Errorf("load model registry: %w", err)
	}
	logger.Info("model registry loaded",
		zap.String("path", cfg.ModelDictPath),
		zap.Int("models", registry.Len()))

	engine := bundle.NewEngine(cfg.ModelsDir, logger)
	viewers := viewer.NewManager(viewer.Config{
		MaxLoadedModels:   cfg.Viewer.MaxLoadedModels,
		TextureCacheBytes: cfg.Viewer.TextureCacheBytes(),
		IdleUnload:        cfg.Viewer.IdleUnload(),
		AutoIdle:          cfg.Viewer.EnableAutoIdleAnimation,
		IdleInterval:      cfg.Viewer.IdleAnimationInterval(),
		RecoveryInterval:  cfg.Viewer.RecoveryCheckInterval(),
	}, engine, logger)

	janitor := maintenance.NewService(logger)
	if cfg.Viewer.IdleUnload() > 0 {
		err := janitor.Add("pool-idle-sweep", cfg.Viewer.IdleSweep(), func(context.Context) error {
			viewers.SweepIdle()
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	err = janitor.Add("stats-log", statsLogInterval, func(context.Context) error {
		stats := viewers.Stats()
		logger.Info("viewer stats",
			zap.Int("loaded_models", stats.Pool.LoadedCount),
			zap.Int64("pool_bytes", stats.Pool.TotalMemoryBytes),
			zap.Int64("cache_bytes", stats.Cache.SizeBytes),
			zap.Int("sessions", len(stats.Sessions)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Dictionary edits land without a restart; a failed reload keeps the
	// previous catalog.
	err = janitor.Add("registry-reload", registryReloadInterval, func(context.Context) error {
		return registry.Reload()
	})
	if err != nil {
		return nil, err
	}

	router := apphttp.NewRouter(cfg, apphttp.API{
		WS:       ws.NewHandler(logger, viewers, registry),
		Registry: registry,
		Viewers:  viewers,
		Jobs:     janitor,
		Bundles:  engine,
	}, logger)

	jobCtx, jobCancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		logger:    logger,
		viewers:   viewers,
		janitor:   janitor,
		server:    &http.Server{Addr: cfg.HTTPAddr, Handler: router},
		jobCtx:    jobCtx,
		jobCancel: jobCancel,
	}, nil
}

// Logger returns the root logger so the entrypoint can reuse it.
func (s *Server) Logger() *zap.Logger {
	if s == nil {
		return zap.NewNop()
	}
	return s.logger
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	if s == nil || s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Run starts the maintenance jobs and serves until Shutdown is called or
// the listener fails.
func (s *Server) Run() error {
	if s == nil || s.server == nil {
		return nil
	}
	s.janitor.Start(s.jobCtx)

	err := listen(s.server, s.cfg, s.logger)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the maintenance jobs, drains the listener and closes every
// viewer session.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if s.jobCancel != nil {
		s.jobCancel()
	}
	if s.janitor != nil {
		s.janitor.Stop()
	}

	var err error
	if s.server != nil {
		err = ignoreServerClosed(s.server.Shutdown(ctx))
	}

	// Websocket connections are hijacked, so Shutdown does not wait for
	// them. Closing the sessions releases their pool bindings.
	if s.viewers != nil {
		s.viewers.CloseAll()
	}
	return err
}

func ignoreServerClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func listen(server *http.Server, cfg appconfig.Config, logger *zap.Logger) error {
	if cfg.TLSDisable {
		if logger != nil {
			logger.Info("starting http server", zap.String("addr", cfg.HTTPAddr))
		}
		return server.ListenAndServe()
	}

	certPath := filepath.Clean(cfg.TLSCertPath)
	keyPath := filepath.Clean(cfg.TLSKeyPath)
	certExists := fileExists(certPath)
	keyExists := fileExists(keyPath)

	if certExists && keyExists {
		if logger != nil {
			logger.Info("starting https server", zap.String("addr", cfg.HTTPAddr))
		}
		return server.ListenAndServeTLS(certPath, keyPath)
	}

	if cfg.TLSRequired {
		missing := []string{}
		if !certExists {
			missing = append(missing, certPath)
		}
		if !keyExists {
			missing = append(missing, keyPath)
		}
		if logger != nil {
			logger.Warn("tls required but certs missing; using in-memory cert", zap.Strings("missing", missing))
		}
	}

	cert, err := generateSelfSignedCert(cfg.Server.Host)
	if err != nil {
		return fmt.Errorf("failed to generate tls cert: %w", err)
	}
	server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	if logger != nil {
		logger.Info("starting https server with in-memory cert", zap.String("addr", cfg.HTTPAddr))
	}
	return server.ListenAndServeTLS("", "")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func generateSelfSignedCert(host string) (tls.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	notBefore := time.Now().Add(-time.Minute)
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	dnsNames := []string{"localhost"}
	ipAddresses := []net.IP{
		net.ParseIP("127.0.0.1"),
		net.ParseIP("::1"),
	}

	if host != "" && host != "0.0.0.0" && host != "::" {
		if ip := net.ParseIP(host); ip != nil {
			ipAddresses = appendIP(ipAddresses, ip)
		} else {
			dnsNames = append(dnsNames, host)
		}
	}

	ifaces, _ := net.InterfaceAddrs()
	for _, addr := range ifaces {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsUnspecified() {
			continue
		}
		ipAddresses = appendIP(ipAddresses, ip)
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkixName("avatar-runtime-local"),
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     uniqueStrings(dnsNames),
		IPAddresses:  uniqueIPs(ipAddresses),
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}

func pkixName(commonName string) pkix.Name {
	return pkix.Name{
		CommonName:   commonName,
		Organization: []string{"saker"},
	}
}

func appendIP(list []net.IP, ip net.IP) []net.IP {
	for _, existing := range list {
		if existing.Equal(ip) {
			return list
		}
	}
	return append(list, ip)
}

func uniqueIPs(list []net.IP) []net.IP {
	unique := make([]net.IP, 0, len(list))
	for _, ip := range list {
		if ip == nil {
			continue
		}
		unique = appendIP(unique, ip)
	}
	return unique
}

func uniqueStrings(list []string) []string {
	unique := make([]string, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, item := range list {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		unique = append(unique, item)
	}
	return unique
}
