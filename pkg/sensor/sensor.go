package sensor

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"portalchat/pkg/config"
	"portalchat/pkg/logger"
	"portalchat/pkg/timeutil"
)

var diskUsedPct = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "portalchat_disk_used_pct",
	Help: "Used space of the volume holding the store, in percent.",
})

var writesPausedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "portalchat_writes_paused",
	Help: "1 while writes are paused by the disk sensor.",
})

func init() {
	prometheus.MustRegister(diskUsedPct)
	prometheus.MustRegister(writesPausedGauge)
}

// Pauser is the write gate the sensor drives.
type Pauser interface {
	SetPaused(paused bool)
}

// monitor config
type MonitorConfig struct {
	Path           string
	PollInterval   time.Duration
	DiskHighPct    int
	DiskLowPct     int
	RecoveryWindow time.Duration
}

// Sensor pauses writes when the store volume passes DiskHighPct and resumes
// them once usage stayed under DiskLowPct for RecoveryWindow.
type Sensor struct {
	config MonitorConfig
	gate   Pauser
	usage  func(path string) (float64, error)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.Mutex
	diskAlert  bool
	belowSince time.Time
}

func NewSensor(cfg MonitorConfig, gate Pauser) *Sensor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Sensor{
		config: cfg,
		gate:   gate,
		usage:  diskUsage,
		stopCh: make(chan struct{}),
	}
}

// new sensor from config
func NewSensorFromConfig(path string, gate Pauser) *Sensor {
	m := config.GetConfig().Sensor.Monitor
	return NewSensor(MonitorConfig{
		Path:           path,
		PollInterval:   m.PollInterval.Duration(),
		DiskHighPct:    m.DiskHighPct,
		DiskLowPct:     m.DiskLowPct,
		RecoveryWindow: m.RecoveryWindow.Duration(),
	}, gate)
}

func (s *Sensor) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Sensor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// Alerting reports whether writes are currently paused by the sensor.
func (s *Sensor) Alerting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diskAlert
}

func (s *Sensor) run() {
	defer s.wg.Done()
	s.check()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.check()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sensor) check() {
	usedPct, err := s.usage(s.config.Path)
	if err != nil {
		logger.Error("disk_stat_failed", "path", s.config.Path, "error", err)
		return
	}
	diskUsedPct.Set(usedPct)
	s.observe(usedPct, timeutil.Now())
}

func (s *Sensor) observe(usedPct float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case usedPct > float64(s.config.DiskHighPct):
		s.belowSince = time.Time{}
		if !s.diskAlert {
			logger.Warn("disk_usage_high", "usage_pct", usedPct, "threshold", s.config.DiskHighPct)
			s.diskAlert = true
			s.setPaused(true)
		}
	case s.diskAlert && usedPct < float64(s.config.DiskLowPct):
		if s.belowSince.IsZero() {
			s.belowSince = now
		}
		if now.Sub(s.belowSince) >= s.config.RecoveryWindow {
			logger.Info("disk_usage_recovered", "usage_pct", usedPct, "threshold", s.config.DiskLowPct, "recovery_window", s.config.RecoveryWindow.String())
			s.diskAlert = false
			s.belowSince = time.Time{}
			s.setPaused(false)
		}
	default:
		s.belowSince = time.Time{}
	}
}

func (s *Sensor) setPaused(paused bool) {
	if paused {
		writesPausedGauge.Set(1)
	} else {
		writesPausedGauge.Set(0)
	}
	if s.gate != nil {
		s.gate.SetPaused(paused)
	}
}

func diskUsage(path string) (float64, error) {
	if path == "" {
		path = "."
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0, nil
	}
	available := stat.Bavail * uint64(stat.Bsize)
	return float64(total-available) / float64(total) * 100, nil
}
