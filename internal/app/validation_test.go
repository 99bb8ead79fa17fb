package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cboxdk/worker-autoscaler/internal/config"
	"go.uber.org/zap"
)

func TestValidateStorageDirectory_CreatesDirectory(t *testing.T) {
	tempDir := t.TempDir()
	dbDir := filepath.Join(tempDir, "nested", "data")

	if _, err := os.Stat(dbDir); !os.IsNotExist(err) {
		t.Fatal("Directory should not exist yet")
	}

	manager := &Manager{
		logger: zap.NewNop(),
		config: &config.Config{
			Storage: config.StorageConfig{
				Enabled:      true,
				DatabasePath: filepath.Join(dbDir, "autoscaler.db"),
			},
		},
	}

	if err := manager.validateStorageDirectory(); err != nil {
		t.Fatalf("validateStorageDirectory should create the directory: %v", err)
	}

	if _, err := os.Stat(dbDir); os.IsNotExist(err) {
		t.Fatal("Directory should have been created")
	}
	if _, err := os.Stat(filepath.Join(dbDir, ".write_test")); !os.IsNotExist(err) {
		t.Error("Write probe file should have been removed")
	}
}

func TestValidateStorageDirectory_Skipped(t *testing.T) {
	tests := []struct {
		name    string
		storage config.StorageConfig
	}{
		{"disabled", config.StorageConfig{Enabled: false, DatabasePath: "/nonexistent/dir/db.sqlite"}},
		{"in memory", config.StorageConfig{Enabled: true, DatabasePath: ":memory:"}},
		{"relative file", config.StorageConfig{Enabled: true, DatabasePath: "autoscaler.db"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := &Manager{
				logger: zap.NewNop(),
				config: &config.Config{Storage: tt.storage},
			}
			if err := manager.validateStorageDirectory(); err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestCheckBindAddressAvailable(t *testing.T) {
	if err := checkBindAddressAvailable("127.0.0.1:0"); err != nil {
		t.Fatalf("Ephemeral port should be available: %v", err)
	}
	if err := checkBindAddressAvailable("not-an-address"); err == nil {
		t.Error("Expected error for an invalid address")
	}
}
