// Package tlsadapter builds the server-side tls.Config used to terminate TLS
// on a listener (see listener.NewTLS), and hot-reloads the server
// certificate when its files change on disk using fsnotify (spec §4.L "TLS
// termination"). It has no client-side counterpart: proxycore.Outbound and
// socks5.Client dial plain TCP only.
package tlsadapter

import (
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/austinhartzheim/trixy/trixylog"
)

// Config builds either a default or a "strict" (modern-only) tls.Config,
// the way a teardown-conscious proxy would offer both a permissive default
// for compatibility and an opt-in hardened profile.
func Config(certFile, keyFile string, strict bool) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsadapter: load keypair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}
	if strict {
		cfg.MinVersion = tls.VersionTLS12
		cfg.CipherSuites = []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		}
		cfg.PreferServerCipherSuites = true
	} else {
		cfg.MinVersion = tls.VersionTLS10
	}
	return cfg, nil
}

// CertWatcher holds the live certificate behind a *tls.Config's
// GetCertificate hook, reloading it whenever certFile or keyFile changes on
// disk so a long-running listener never needs to be restarted to pick up a
// renewed certificate.
type CertWatcher struct {
	logger trixylog.Logger

	certFile string
	keyFile  string

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewCertWatcher loads the initial certificate, starts watching both files,
// and returns a CertWatcher ready to be installed into a tls.Config via
// GetCertificate.
func NewCertWatcher(logger trixylog.Logger, certFile, keyFile string) (*CertWatcher, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsadapter: load keypair: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tlsadapter: fsnotify: %w", err)
	}
	if err := w.Add(certFile); err != nil {
		w.Close()
		return nil, fmt.Errorf("tlsadapter: watch %s: %w", certFile, err)
	}
	if err := w.Add(keyFile); err != nil {
		w.Close()
		return nil, fmt.Errorf("tlsadapter: watch %s: %w", keyFile, err)
	}

	cw := &CertWatcher{
		logger:   logger.Fork("tls-cert-watcher"),
		certFile: certFile,
		keyFile:  keyFile,
		cert:     &cert,
		watcher:  w,
		done:     make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *CertWatcher) run() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				cw.reload()
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.WLogf("watch error: %s", err)
		case <-cw.done:
			return
		}
	}
}

func (cw *CertWatcher) reload() {
	cert, err := tls.LoadX509KeyPair(cw.certFile, cw.keyFile)
	if err != nil {
		cw.logger.WLogf("reload failed, keeping previous certificate: %s", err)
		return
	}
	cw.mu.Lock()
	cw.cert = &cert
	cw.mu.Unlock()
	cw.logger.ILogf("certificate reloaded from %s / %s", cw.certFile, cw.keyFile)
}

// GetCertificate is installed as a tls.Config's GetCertificate callback.
func (cw *CertWatcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.cert, nil
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watch.
func (cw *CertWatcher) Close() error {
	close(cw.done)
	return cw.watcher.Close()
}
