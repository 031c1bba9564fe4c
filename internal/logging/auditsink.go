package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type auditPayload struct {
	Source   string            `json:"source"`
	Level    string            `json:"level"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type auditSender struct {
	baseURL string
	apiKey  string
	source  string
	client  *http.Client
	ch      chan auditPayload
}

func newAuditSender(baseURL string, apiKey string, source string) *auditSender {
	return &auditSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		source:  source,
		client:  &http.Client{Timeout: 3 * time.Second},
		ch:      make(chan auditPayload, 200),
	}
}

func (s *auditSender) start() {
	go func() {
		for payload := range s.ch {
			body, _ := json.Marshal(payload)
			req, err := http.NewRequest(http.MethodPost, s.baseURL+"/v1/audit", bytes.NewReader(body))
			if err != nil {
				continue
			}
			req.Header.Set("Content-Type", "application/json")
			if s.apiKey != "" {
				req.Header.Set("Authorization", "Bearer "+s.apiKey)
			}
			_, _ = s.client.Do(req)
		}
	}()
}

// attachAuditSink tees warn-and-above entries to an external audit endpoint
// when AUDIT_SERVICE_BASE_URL is set. Best effort; entries are dropped when
// the channel backs up.
func attachAuditSink(logger *zap.Logger) *zap.Logger {
	baseURL := os.Getenv("AUDIT_SERVICE_BASE_URL")
	if baseURL == "" {
		return logger
	}
	apiKey := os.Getenv("AUDIT_SERVICE_API_KEY")
	source := os.Getenv("AUDIT_SERVICE_SOURCE")
	if source == "" {
		source = filepathBase(os.Args[0])
	}
	sender := newAuditSender(baseURL, apiKey, source)
	sender.start()
	sink := &auditCore{
		level:  zapcore.WarnLevel,
		sender: sender,
	}
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, sink)
	}))
}

type auditCore struct {
	level  zapcore.LevelEnabler
	fields []zapcore.Field
	sender *auditSender
}

func (c *auditCore) Enabled(level zapcore.Level) bool {
	return c.level.Enabled(level)
}

func (c *auditCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(clone.fields, fields...)
	return &clone
}

func (c *auditCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *auditCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	metadata := map[string]string{}
	for k, v := range enc.Fields {
		metadata[k] = fmt.Sprint(v)
	}
	payload := auditPayload{
		Source:   c.sender.source,
		Level:    entry.Level.String(),
		Message:  entry.Message,
		Metadata: metadata,
	}
	select {
	case c.sender.ch <- payload:
	default:
	}
	return nil
}

func (c *auditCore) Sync() error { return nil }

func filepathBase(input string) string {
	idx := strings.LastIndex(input, string(os.PathSeparator))
	if idx == -1 {
		return input
	}
	return input[idx+1:]
}
