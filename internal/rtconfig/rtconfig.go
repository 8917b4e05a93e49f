// Package rtconfig defines the core's configuration surface (spec.md §6)
// plus the ambient loaders a CLI/test harness uses to populate it: a
// root .env convention and a hot-reloadable key file.
package rtconfig

import (
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"github.com/relaywire/realtime-go/internal/protocol"
	"github.com/relaywire/realtime-go/internal/rterrors"
)

// Options mirrors the configuration table of spec.md §6.
type Options struct {
	// transport.*
	Format            protocol.Format
	KeepaliveInterval time.Duration
	ConnectionTimeout time.Duration
	MaxFrameSize      int

	// connection.*
	RetryMax    int
	IdleSuspend time.Duration

	// channel.*
	AttachTimeout time.Duration

	// delta.*
	MaxDecodedBytes int

	// cipher.*
	CipherAlgorithm string
	CipherKey       []byte

	// auth.*
	AuthMode               string // "apiKey" or "token"
	APIKey                 string
	TokenRenewalThreshold  time.Duration

	Host string
}

// Default returns an Options populated with the defaults spec.md §4
// documents for each component (20s keepalive, 10s connection
// timeout, retryMax 10, 120s idle suspend, 10s attach timeout, 64MiB delta
// cap, 60s token renewal threshold).
func Default() Options {
	return Options{
		Format:                protocol.FormatJSON,
		KeepaliveInterval:     20 * time.Second,
		ConnectionTimeout:     10 * time.Second,
		RetryMax:              10,
		IdleSuspend:           120 * time.Second,
		AttachTimeout:         10 * time.Second,
		MaxDecodedBytes:       64 << 20,
		CipherAlgorithm:       "aes-256-cbc",
		AuthMode:              "apiKey",
		TokenRenewalThreshold: 60 * time.Second,
	}
}

// LoadDotEnv reads path (a .env file) via godotenv and overlays recognized
// keys onto Default(), for CLI/test bootstrapping of API keys — grounded in
// the teacher's root .env convention (cmd/*/main.go loading REALTIME_* /
// PULSE_* environment variables at startup).
func LoadDotEnv(path string) (*Options, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.KindBadRequest, 0, err)
	}
	opts := Default()
	if v, ok := env["REALTIME_HOST"]; ok {
		opts.Host = v
	}
	if v, ok := env["REALTIME_API_KEY"]; ok {
		opts.APIKey = v
		opts.AuthMode = "apiKey"
	}
	if v, ok := env["REALTIME_FORMAT"]; ok && v == "msgpack" {
		opts.Format = protocol.FormatMsgpack
	}
	if v, ok := env["REALTIME_CIPHER_KEY_FILE"]; ok {
		key, err := os.ReadFile(v)
		if err != nil {
			return nil, rterrors.Wrap(rterrors.KindBadRequest, 0, err)
		}
		opts.CipherKey = key
	}
	return &opts, nil
}

// WatchKeyFile watches path for write and create events (e.g. a cipher key or token
// rotated onto disk by an external agent) and invokes onRotate with the new
// contents, using github.com/fsnotify/fsnotify the way the teacher's
// internal/config watches its settings file for hot reload. The returned
// io.Closer stops the watch.
func WatchKeyFile(path string, onRotate func([]byte)) (io.Closer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, rterrors.Wrap(rterrors.KindInternal, 0, err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, rterrors.Wrap(rterrors.KindBadRequest, 0, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				data, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				onRotate(data)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return watcher, nil
}
