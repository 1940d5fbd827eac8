package logging

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxErrorText = 128

// Exchange is written as a single JSON object per proxied exchange.
type Exchange struct {
	Timestamp  time.Time `json:"ts"`
	ExchangeID string    `json:"exchange_id"`
	ClientIP   string    `json:"client_ip"`
	Host       string    `json:"host"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Route      string    `json:"route"`
	Upstream   string    `json:"upstream"`
	StatusCode int       `json:"status_code"`
	Request    Phase     `json:"request"`
	Response   Phase     `json:"response"`
	DurationMS int64     `json:"duration_ms"`
	UpstreamMS int64     `json:"upstream_ms"`
}

// Phase summarises what the header filter did in one direction.
type Phase struct {
	Outcome    string        `json:"outcome"`
	Source     string        `json:"source,omitempty"`
	Resolution string        `json:"resolution,omitempty"`
	Applied    []string      `json:"applied"`
	Skipped    []SkippedRule `json:"skipped"`
	Error      string        `json:"error,omitempty"`
}

type SkippedRule struct {
	Header string `json:"header"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// ExchangeLogger serialises records from concurrent exchanges.
type ExchangeLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func NewExchangeLogger(w io.Writer) *ExchangeLogger {
	return &ExchangeLogger{w: w}
}

func OpenExchangeLog(path string) (*ExchangeLogger, func() error, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return NewExchangeLogger(file), file.Close, nil
}

// Write appends one record. A nil logger discards it.
func (l *ExchangeLogger) Write(exchange Exchange) error {
	if l == nil {
		return nil
	}
	exchange.Request = sanitizePhase(exchange.Request)
	exchange.Response = sanitizePhase(exchange.Response)

	data, err := json.Marshal(exchange)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(data, '\n'))
	return err
}

func sanitizePhase(p Phase) Phase {
	p.Error = truncate(p.Error)
	if len(p.Skipped) == 0 {
		p.Skipped = nil
		return p
	}
	out := make([]SkippedRule, len(p.Skipped))
	for i, rule := range p.Skipped {
		out[i] = rule
		out[i].Error = truncate(rule.Error)
	}
	p.Skipped = out
	return p
}

func truncate(s string) string {
	if len(s) > maxErrorText {
		return s[:maxErrorText]
	}
	return s
}
