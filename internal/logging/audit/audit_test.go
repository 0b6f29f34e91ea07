package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	auditLogger := NewLogger(logger)

	if auditLogger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestLogAuth(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		result    string
		details   string
		sourceIP  string
		wantLevel string
	}{
		{
			name:      "successful auth",
			method:    "header",
			result:    "allowed",
			details:   "secret matched",
			sourceIP:  "192.168.1.20",
			wantLevel: "info",
		},
		{
			name:      "failed auth",
			method:    "header",
			result:    "denied",
			details:   "wrong secret",
			sourceIP:  "192.168.1.33",
			wantLevel: "warn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			auditLogger := NewLogger(logger)

			auditLogger.LogAuth(tt.method, tt.result, tt.details, tt.sourceIP)

			var logEntry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
				t.Fatalf("failed to unmarshal log entry: %v", err)
			}

			if got := logEntry["level"]; got != tt.wantLevel {
				t.Errorf("level = %v, want %v", got, tt.wantLevel)
			}
			if got := logEntry["event_type"]; got != "auth" {
				t.Errorf("event_type = %v, want auth", got)
			}
			if got := logEntry["method"]; got != tt.method {
				t.Errorf("method = %v, want %v", got, tt.method)
			}
			if got := logEntry["result"]; got != tt.result {
				t.Errorf("result = %v, want %v", got, tt.result)
			}
			if got := logEntry["source_ip"]; got != tt.sourceIP {
				t.Errorf("source_ip = %v, want %v", got, tt.sourceIP)
			}
		})
	}
}

func TestLogUploadOp(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		uploadID  string
		fileName  string
		result    string
		details   string
		sourceIP  string
		wantLevel string
	}{
		{
			name:      "successful append",
			operation: "AppendChunk",
			uploadID:  "4f7b2c9e",
			fileName:  "clip.mp4",
			result:    "allowed",
			details:   "",
			sourceIP:  "192.168.1.20",
			wantLevel: "info",
		},
		{
			name:      "denied create",
			operation: "CreateUpload",
			uploadID:  "",
			fileName:  "malware.exe",
			result:    "denied",
			details:   "file type not allowed",
			sourceIP:  "192.168.1.33",
			wantLevel: "warn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			auditLogger := NewLogger(logger)

			auditLogger.LogUploadOp(tt.operation, tt.uploadID, tt.fileName, tt.result, tt.details, tt.sourceIP)

			var logEntry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
				t.Fatalf("failed to unmarshal log entry: %v", err)
			}

			if got := logEntry["level"]; got != tt.wantLevel {
				t.Errorf("level = %v, want %v", got, tt.wantLevel)
			}
			if got := logEntry["event_type"]; got != "upload_operation" {
				t.Errorf("event_type = %v, want upload_operation", got)
			}
			if got := logEntry["component"]; got != "upload" {
				t.Errorf("component = %v, want upload", got)
			}
			if got := logEntry["operation"]; got != tt.operation {
				t.Errorf("operation = %v, want %v", got, tt.operation)
			}
			if got := logEntry["result"]; got != tt.result {
				t.Errorf("result = %v, want %v", got, tt.result)
			}
			if got := logEntry["source_ip"]; got != tt.sourceIP {
				t.Errorf("source_ip = %v, want %v", got, tt.sourceIP)
			}

			// upload_id, file and details are optional
			if tt.uploadID != "" {
				if got := logEntry["upload_id"]; got != tt.uploadID {
					t.Errorf("upload_id = %v, want %v", got, tt.uploadID)
				}
			}
			if tt.fileName != "" {
				if got := logEntry["file"]; got != tt.fileName {
					t.Errorf("file = %v, want %v", got, tt.fileName)
				}
			}
			if tt.details != "" {
				if got := logEntry["details"]; got != tt.details {
					t.Errorf("details = %v, want %v", got, tt.details)
				}
			}
		})
	}
}

func TestLogSecretChange(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	auditLogger := NewLogger(logger)

	auditLogger.LogSecretChange("cli", true)

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}

	if got := logEntry["level"]; got != "info" {
		t.Errorf("level = %v, want info", got)
	}
	if got := logEntry["event_type"]; got != "secret_change" {
		t.Errorf("event_type = %v, want secret_change", got)
	}
	if got := logEntry["source"]; got != "cli" {
		t.Errorf("source = %v, want cli", got)
	}
	if got := logEntry["enabled"]; got != true {
		t.Errorf("enabled = %v, want true", got)
	}
}

func TestNopLogger(t *testing.T) {
	// Calling methods on a noop logger must not panic.
	auditLogger := NewLogger(zerolog.Nop())

	auditLogger.LogAuth("header", "allowed", "", "127.0.0.1")
	auditLogger.LogUploadOp("CreateUpload", "id", "file.mp4", "allowed", "", "127.0.0.1")
	auditLogger.LogSecretChange("config_reload", false)
}

func TestMessageContent(t *testing.T) {
	tests := []struct {
		name        string
		logFunc     func(*Logger)
		wantMessage string
	}{
		{
			name: "auth message",
			logFunc: func(l *Logger) {
				l.LogAuth("header", "allowed", "", "127.0.0.1")
			},
			wantMessage: "Authentication event",
		},
		{
			name: "upload message",
			logFunc: func(l *Logger) {
				l.LogUploadOp("AppendChunk", "id", "clip.mp4", "allowed", "", "127.0.0.1")
			},
			wantMessage: "Upload operation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			auditLogger := NewLogger(logger)

			tt.logFunc(auditLogger)

			var logEntry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
				t.Fatalf("failed to unmarshal log entry: %v", err)
			}

			message, ok := logEntry["message"].(string)
			if !ok {
				t.Fatal("message field not found or not a string")
			}

			if !strings.Contains(message, tt.wantMessage) {
				t.Errorf("message = %q, want to contain %q", message, tt.wantMessage)
			}
		})
	}
}
