package whatsapp

import (
	"context"
	"testing"
)

func TestForeignKeysEnabled(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		enabled bool
	}{
		{
			name:    "Plain path without foreign keys",
			dsn:     "/tmp/test.db",
			enabled: false,
		},
		{
			name:    "DSN with _foreign_keys parameter",
			dsn:     "file:/tmp/test.db?_foreign_keys=on",
			enabled: true,
		},
		{
			name:    "DSN with foreign_keys parameter",
			dsn:     "/tmp/test.db?foreign_keys=on",
			enabled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := foreignKeysEnabled(tt.dsn); got != tt.enabled {
				t.Errorf("foreignKeysEnabled(%q) = %v, want %v", tt.dsn, got, tt.enabled)
			}
		})
	}
}

func TestMockClientSend(t *testing.T) {
	var sender WhatsAppSender = NewMockClient()
	if err := sender.SendMessage(context.Background(), "15551234567", "hello"); err != nil {
		t.Errorf("MockClient SendMessage failed: %v", err)
	}
}
