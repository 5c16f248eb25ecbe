package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

var errNoCertificate = errors.New("no certificate available")

// CertManager serves the DoH certificate and reloads it when the files
// change on disk. A reload that fails keeps the previous certificate.
type CertManager struct {
	certPath string
	keyPath  string

	cert atomic.Pointer[tls.Certificate]

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewCertManager loads the pair and starts watching it.
func NewCertManager(certPath, keyPath string) (*CertManager, error) {
	cm := &CertManager{
		certPath: certPath,
		keyPath:  keyPath,
		done:     make(chan struct{}),
	}

	if err := cm.Reload(); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// directories, so replaced symlinks are seen
	dirs := []string{filepath.Dir(certPath)}
	if d := filepath.Dir(keyPath); d != dirs[0] {
		dirs = append(dirs, d)
	}

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	cm.watcher = watcher
	go cm.watch()

	return cm, nil
}

// Reload reads the pair from disk.
func (cm *CertManager) Reload() error {
	cert, err := tls.LoadX509KeyPair(cm.certPath, cm.keyPath)
	if err != nil {
		return err
	}

	cm.cert.Store(&cert)
	zlog.Info("TLS certificate loaded", "cert", cm.certPath)

	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	if cert := cm.cert.Load(); cert != nil {
		return cert, nil
	}
	return nil, errNoCertificate
}

// TLSConfig returns a fresh config bound to the manager.
func (cm *CertManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: cm.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1"},
	}
}

// Stop ends the watcher.
func (cm *CertManager) Stop() {
	cm.once.Do(func() { close(cm.done) })
}

func (cm *CertManager) watch() {
	defer cm.watcher.Close()

	for {
		select {
		case <-cm.done:
			return

		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			if !cm.relevant(event) {
				continue
			}

			zlog.Debug("Certificate file event", "event", event.String())

			if err := cm.Reload(); err != nil {
				zlog.Warn("Certificate reload failed, keeping previous", "cert", cm.certPath, "error", err.Error())
			}

		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			zlog.Error("Certificate watcher error", "error", err.Error())
		}
	}
}

func (cm *CertManager) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}

	name := filepath.Base(event.Name)
	return name == filepath.Base(cm.certPath) || name == filepath.Base(cm.keyPath) || name == "..data"
}
