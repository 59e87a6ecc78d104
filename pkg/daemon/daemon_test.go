package daemon

import (
	"log/slog"
	"testing"

	"github.com/psaab/ipprov/pkg/config"
	"github.com/psaab/ipprov/pkg/logging"
)

func TestLogLevel(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		want  slog.Level
	}{
		{"", false, slog.LevelInfo},
		{"info", false, slog.LevelInfo},
		{"debug", false, slog.LevelDebug},
		{"warn", false, slog.LevelWarn},
		{"error", false, slog.LevelError},
		{"bogus", false, slog.LevelInfo},
		{"error", true, slog.LevelDebug}, // -debug flag wins
	}
	for _, tt := range tests {
		d := &Daemon{
			opts: Options{Debug: tt.debug},
			conf: &config.Config{LogLevel: tt.level},
		}
		if got := d.logLevel(); got != tt.want {
			t.Errorf("logLevel(%q, debug=%v) = %v, want %v", tt.level, tt.debug, got, tt.want)
		}
	}
}

func TestApplySyslogConfig(t *testing.T) {
	d := &Daemon{
		conf: &config.Config{
			Syslog: []config.SyslogServer{
				{Host: "127.0.0.1", Port: 5514, Severity: "warning"},
			},
		},
		handler: logging.NewTeeSlogHandler(slog.Default().Handler(), nil),
	}
	d.applySyslogConfig()
	d.handler.Close()
}

func TestApplySyslogConfigEmpty(t *testing.T) {
	d := &Daemon{
		conf:    &config.Config{},
		handler: logging.NewTeeSlogHandler(slog.Default().Handler(), nil),
	}
	d.applySyslogConfig()
	d.handler.Close()
}
