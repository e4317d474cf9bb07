package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.KurentoURL != DefaultKurentoURL {
		t.Fatalf("KurentoURL=%q, want %q", cfg.KurentoURL, DefaultKurentoURL)
	}
	if cfg.MinVideoSendBandwidth != DefaultMinVideoSendBandwidth || cfg.MaxVideoSendBandwidth != DefaultMaxVideoSendBandwidth {
		t.Fatalf("bandwidth bounds=%d/%d, want %d/%d",
			cfg.MinVideoSendBandwidth, cfg.MaxVideoSendBandwidth,
			DefaultMinVideoSendBandwidth, DefaultMaxVideoSendBandwidth)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("Mode=%q, want dev", cfg.Mode)
	}
	// Dev mode defaults to human-readable debug logging.
	if cfg.LogFormat != LogFormatText || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogFormat=%q LogLevel=%v, want text/debug", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestLoadProdModeSwitchesLogDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{envVarMode: "prod"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogFormat=%q LogLevel=%v, want json/info", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	env := map[string]string{
		envVarListenAddr: "127.0.0.1:9999",
		envVarKurentoURL: "ws://media.internal:8888/kurento",
	}
	cfg, err := load(lookupFrom(env), []string{"-listen-addr", "0.0.0.0:3005", "-relay-call-timeout", "3s"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:3005" {
		t.Fatalf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
	if cfg.KurentoURL != "ws://media.internal:8888/kurento" {
		t.Fatalf("KurentoURL=%q, want env value", cfg.KurentoURL)
	}
	if cfg.RelayCallTimeout != 3*time.Second {
		t.Fatalf("RelayCallTimeout=%v, want 3s", cfg.RelayCallTimeout)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"non-ws kurento url", map[string]string{envVarKurentoURL: "http://x"}, "scheme must be ws"},
		{"bad duration", map[string]string{envVarRelayCallTimeout: "soon"}, "invalid " + envVarRelayCallTimeout},
		{"inverted bandwidth", map[string]string{envVarMinVideoSendBw: "50"}, "exceeds"},
		{"bad log level", map[string]string{envVarLogLevel: "verbose"}, "invalid log level"},
		{"zero invite ttl", map[string]string{envVarCallInviteTTL: "0s"}, "must be positive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(lookupFrom(tc.env), nil)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("load err=%v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestLoadRejectsPositionalArgs(t *testing.T) {
	_, err := load(lookupFrom(nil), []string{"extra"})
	if err == nil || !strings.Contains(err.Error(), "unexpected argument") {
		t.Fatalf("load err=%v, want unexpected argument", err)
	}
}
