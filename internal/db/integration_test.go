//go:build integration

package db

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/models"
)

// mysqlFromEnv connects to the server named by SWITCHBOARD_TEST_MYSQL_HOST,
// skipping the test when it is unset.
func mysqlFromEnv(t *testing.T) (host string, port int) {
	t.Helper()
	host = os.Getenv("SWITCHBOARD_TEST_MYSQL_HOST")
	if host == "" {
		t.Skip("SWITCHBOARD_TEST_MYSQL_HOST not set")
	}
	port = 3306
	if p := os.Getenv("SWITCHBOARD_TEST_MYSQL_PORT"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			t.Fatalf("bad SWITCHBOARD_TEST_MYSQL_PORT %q", p)
		}
		port = n
	}
	return host, port
}

func TestIntegration_MySQLMigrateAndInsert(t *testing.T) {
	host, port := mysqlFromEnv(t)
	gdb, err := Connect(host, port, "root", os.Getenv("SWITCHBOARD_TEST_MYSQL_PASSWORD"), "switchboard_test")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	t.Cleanup(func() {
		gdb.Migrator().DropTable(AllModels()...)
	})

	d := models.WebhookDelivery{Seq: 1, Type: "conversation.update", Method: "none", ReceivedAt: time.Now()}
	if err := gdb.Create(&d).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	var got models.WebhookDelivery
	if err := gdb.First(&got, d.ID).Error; err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got.Type != d.Type {
		t.Errorf("Type = %q, want %q", got.Type, d.Type)
	}
}
