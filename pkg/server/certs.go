package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/acme/autocert"
)

// TLSResult holds the TLS config and optional autocert manager.
type TLSResult struct {
	Config      *tls.Config
	AutocertMgr *autocert.Manager // Non-nil when using Let's Encrypt
}

// SetupTLS returns a TLSResult using one of three strategies:
//  1. Let's Encrypt (autocert) when domain is non-empty
//  2. Provided cert/key files, hot-reloaded when they change on disk
//  3. Self-signed cert (generated to certDir on first run)
func SetupTLS(domain, certFile, keyFile, certDir string) (*TLSResult, error) {
	if domain != "" {
		log.Printf("tls: using Let's Encrypt for domain %q", domain)
		cacheDir := filepath.Join(certDir, "autocert-cache")
		if err := os.MkdirAll(cacheDir, 0700); err != nil {
			return nil, fmt.Errorf("creating autocert cache dir: %w", err)
		}
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(domain),
			Cache:      autocert.DirCache(cacheDir),
		}
		return &TLSResult{Config: m.TLSConfig(), AutocertMgr: m}, nil
	}

	if certFile != "" && keyFile != "" {
		log.Printf("tls: loading cert from %s, key from %s", certFile, keyFile)
		reloader, err := newCertReloader(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		return &TLSResult{Config: &tls.Config{GetCertificate: reloader.getCertificate}}, nil
	}

	log.Printf("tls: generating self-signed certificate in %s", certDir)
	cfg, err := generateSelfSigned(certDir)
	if err != nil {
		return nil, err
	}
	return &TLSResult{Config: cfg}, nil
}

// certReloader serves the current keypair and swaps it when the files
// change on disk, so renewed certs take effect without a restart.
type certReloader struct {
	certFile, keyFile string

	mu   sync.RWMutex
	cert *tls.Certificate
}

func newCertReloader(certFile, keyFile string) (*certReloader, error) {
	cr := &certReloader{certFile: certFile, keyFile: keyFile}
	if err := cr.reload(); err != nil {
		return nil, fmt.Errorf("loading TLS cert: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("tls: cert watch unavailable: %v", err)
		return cr, nil
	}
	// Watch the directories, not the files: renewal tooling replaces
	// files by rename, which drops a file-level watch.
	for _, dir := range dedupe(filepath.Dir(certFile), filepath.Dir(keyFile)) {
		if err := watcher.Add(dir); err != nil {
			log.Printf("tls: watching %s: %v", dir, err)
		}
	}
	go cr.watchLoop(watcher)
	return cr, nil
}

func (cr *certReloader) watchLoop(watcher *fsnotify.Watcher) {
	defer watcher.Close()
	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if event.Name != cr.certFile && event.Name != cr.keyFile {
				continue
			}
			// Debounce: cert and key usually land as separate events.
			pending = time.After(500 * time.Millisecond)
		case <-pending:
			pending = nil
			if err := cr.reload(); err != nil {
				log.Printf("tls: reload failed, keeping previous cert: %v", err)
				continue
			}
			log.Printf("tls: certificate reloaded from %s", cr.certFile)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("tls: watch error: %v", err)
		}
	}
}

func (cr *certReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(cr.certFile, cr.keyFile)
	if err != nil {
		return err
	}
	cr.mu.Lock()
	cr.cert = &cert
	cr.mu.Unlock()
	return nil
}

func (cr *certReloader) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.cert, nil
}

func dedupe(dirs ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range dirs {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// generateSelfSigned creates a self-signed certificate and saves it to
// certDir. Existing files in certDir are loaded instead.
func generateSelfSigned(certDir string) (*tls.Config, error) {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return nil, fmt.Errorf("creating cert dir: %w", err)
	}

	certPath := filepath.Join(certDir, "self-signed.crt")
	keyPath := filepath.Join(certDir, "self-signed.key")

	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			log.Printf("tls: loading existing self-signed cert from %s", certDir)
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, fmt.Errorf("loading existing self-signed cert: %w", err)
			}
			return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
		}
	}

	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"dr-client"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}

	certOut, err := os.Create(certPath)
	if err != nil {
		return nil, fmt.Errorf("writing cert: %w", err)
	}
	pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	certOut.Close()

	keyDER, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling key: %w", err)
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("writing key: %w", err)
	}
	pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	keyOut.Close()

	log.Printf("tls: self-signed cert written to %s", certDir)

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading generated cert: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
