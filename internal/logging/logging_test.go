package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level   string
		dev     bool
		want    zapcore.Level
		wantErr bool
	}{
		{level: "info", want: zapcore.InfoLevel},
		{level: "debug", dev: true, want: zapcore.DebugLevel},
		{level: "WARN", want: zapcore.WarnLevel},
		{level: "", want: zapcore.InfoLevel},
		{level: "chatty", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := New(tt.level, tt.dev)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer logger.Sync()
			if !logger.Core().Enabled(tt.want) {
				t.Errorf("level %s not enabled", tt.want)
			}
			if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
				t.Errorf("level %s enabled below %s", tt.want-1, tt.want)
			}
		})
	}
}
