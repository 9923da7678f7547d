// Package logging wraps zap with the curator pipeline's ambient logging
// concerns: level/format configuration and redaction of AI-endpoint
// credentials and catalog paths before they reach a log sink.
//
// This mirrors the teacher's internal/logging package: a Config struct,
// a New constructor building a zapcore.Core from it, and Redact helpers —
// simplified to what a batch pipeline (not an HTTP daemon) needs: no OTEL
// bridge, no per-request sampling, just leveled structured output.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // console (default) or json; any value other than "console" selects json
}

// DefaultConfig returns sensible defaults for a batch CLI run.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "console"}
}

// New builds a *zap.Logger from cfg, writing to stderr so stdout stays free
// for plan/report output the CLI may pipe elsewhere.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if cfg.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core), nil
}

// RedactedString returns a zap.Field whose value is replaced with its
// length, for values that must not appear in logs verbatim.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, fmt.Sprintf("[redacted:%d]", len(val)))
}

// RedactEndpoint strips userinfo (user:pass@) from an endpoint URL before
// logging it, leaving the rest of the URL intact for operators to
// correlate log lines with configuration.
func RedactEndpoint(endpoint string) string {
	at := -1
	schemeEnd := -1
	for i := 0; i < len(endpoint); i++ {
		if endpoint[i] == '@' {
			at = i
		}
		if schemeEnd == -1 && i+2 < len(endpoint) && endpoint[i] == ':' && endpoint[i+1] == '/' && endpoint[i+2] == '/' {
			schemeEnd = i + 3
		}
	}
	if at == -1 || schemeEnd == -1 || at < schemeEnd {
		return endpoint
	}
	return endpoint[:schemeEnd] + "[redacted]" + endpoint[at:]
}
