package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/kdimtricp/mediadex/internal/models"
)

// Settings is the observable settings store. Values come from an optional
// YAML file with environment overrides; defaults cover a fresh install.
// Observers registered with Observe are notified after any change, whether
// it came through Set or from the config file being edited on disk.
type Settings struct {
	v  *viper.Viper
	mu sync.RWMutex

	observers []func(Snapshot)
	log       *slog.Logger
}

// Snapshot is a point-in-time copy of the tunable pipeline settings.
type Snapshot struct {
	ScanMode      models.ScanMode
	FrameInterval float64 // seconds between sampled video frames
	SelectedModel string
}

// ServerConfig carries the non-observable wiring settings read once at startup.
type ServerConfig struct {
	Port          string
	DBPath        string
	ImageRoots    []string
	VideoRoots    []string
	ModelDir      string
	OCRBinary     string
	FrameCacheDir string
}

func New(path string, log *slog.Logger) (*Settings, error) {
	v := viper.New()

	v.SetDefault("server.port", "8080")
	v.SetDefault("db.path", "./mediadex.db")
	v.SetDefault("media.image_roots", []string{})
	v.SetDefault("media.video_roots", []string{})
	v.SetDefault("inference.model_dir", "./model")
	v.SetDefault("inference.model", "mobilenet_v1")
	v.SetDefault("inference.ocr_binary", "tesseract")
	v.SetDefault("scan.mode", "multiple")
	v.SetDefault("scan.frame_interval", 1.0)
	v.SetDefault("extractor.cache_dir", "")

	v.SetEnvPrefix("MEDIADEX")
	v.AutomaticEnv()

	s := &Settings{v: v, log: log}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		v.OnConfigChange(func(e fsnotify.Event) {
			s.log.Info("settings file changed", "file", e.Name)
			s.notify()
		})
		v.WatchConfig()
	}

	return s, nil
}

// Snapshot returns the current pipeline settings.
func (s *Settings) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ScanMode:      models.ParseScanMode(s.v.GetString("scan.mode")),
		FrameInterval: s.v.GetFloat64("scan.frame_interval"),
		SelectedModel: s.v.GetString("inference.model"),
	}
}

// Server returns the startup wiring configuration.
func (s *Settings) Server() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ServerConfig{
		Port:          s.v.GetString("server.port"),
		DBPath:        s.v.GetString("db.path"),
		ImageRoots:    s.v.GetStringSlice("media.image_roots"),
		VideoRoots:    s.v.GetStringSlice("media.video_roots"),
		ModelDir:      s.v.GetString("inference.model_dir"),
		OCRBinary:     s.v.GetString("inference.ocr_binary"),
		FrameCacheDir: s.v.GetString("extractor.cache_dir"),
	}
}

// SetScanMode stores the scan mode and notifies observers.
func (s *Settings) SetScanMode(mode models.ScanMode) {
	s.set("scan.mode", mode.String())
}

// SetFrameInterval stores the video sampling interval in seconds.
func (s *Settings) SetFrameInterval(seconds float64) {
	s.set("scan.frame_interval", seconds)
}

// SetSelectedModel stores the classifier model name. The name is validated by
// the inference adapter when the next processing call resolves it.
func (s *Settings) SetSelectedModel(name string) {
	s.set("inference.model", name)
}

func (s *Settings) set(key string, value any) {
	s.mu.Lock()
	s.v.Set(key, value)
	s.mu.Unlock()
	s.notify()
}

// Observe registers a callback invoked with a fresh snapshot after every
// settings change. Callbacks run on the mutating goroutine and must not block.
func (s *Settings) Observe(fn func(Snapshot)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *Settings) notify() {
	snap := s.Snapshot()
	s.mu.RLock()
	observers := make([]func(Snapshot), len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(snap)
	}
}
