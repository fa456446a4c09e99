package cli

import (
	"bytes"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/killfeed/internal/config"
	"github.com/runnerr0/killfeed/internal/storage"
)

const sampleFeed = `{
  "_embedded": {
    "kill": [
      {
        "id": 502,
        "uid": "f3a9",
        "date": "2024-03-01 12:30:00",
        "damageReceived": 4521.75,
        "_embedded": {
          "agent": {"name": "Nyx"},
          "corporation": {"name": "Outer Rim Salvage"},
          "robot": {"definition": 2651},
          "zone": {"name": "Hokk"},
          "attackers": [
            {
              "damageDealt": 1200.9,
              "killingBlow": false,
              "_embedded": {
                "agent": {"name": "Vex"},
                "corporation": {"name": "Iron Wake"},
                "robot": {"definition": 2670, "name": "Gropho"}
              }
            },
            {
              "damageDealt": 3320.85,
              "killingBlow": true,
              "_embedded": {
                "agent": {"name": "Orla"},
                "corporation": {"name": "Iron Wake"},
                "robot": {"definition": 9999}
              }
            }
          ]
        }
      },
      {
        "id": 501,
        "uid": "e7b2",
        "date": "2024-03-01 11:00:00",
        "damageReceived": 900,
        "_embedded": {
          "agent": {"name": "Tam"},
          "zone": {"name": "Alsbale"}
        }
      }
    ]
  }
}`

// captureOutput captures stdout during fn execution and returns it as a string.
func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	// Drain concurrently so large outputs never block the writer.
	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(&buf, r)
		close(done)
	}()

	fn()

	w.Close()
	os.Stdout = old
	<-done
	return buf.String()
}

// newTestEnv returns an env over a migrated in-memory database.
func newTestEnv(t *testing.T, cfg *config.Config) *env {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.NewMigrationRunner(db).Run())

	store, err := storage.NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &env{
		cfg:     cfg,
		cfgPath: "test-config.yaml",
		dbPath:  ":memory:",
		db:      db,
		store:   store,
		marks:   store,
		logger:  slog.New(slog.DiscardHandler),
	}
}

// webhookRecorder is a webhook endpoint that accepts and keeps every body.
type webhookRecorder struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (w *webhookRecorder) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.mu.Lock()
	w.bodies = append(w.bodies, body)
	w.mu.Unlock()
	rw.WriteHeader(http.StatusNoContent)
}

func (w *webhookRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.bodies)
}

// newTestConfig returns a config polling a fake feed and announcing to a
// fake webhook. The watermark seed predates the sample feed.
func newTestConfig(t *testing.T, feedBody string) (*config.Config, *webhookRecorder) {
	t.Helper()

	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(feedBody))
	}))
	t.Cleanup(feedSrv.Close)

	hook := &webhookRecorder{}
	hookSrv := httptest.NewServer(hook)
	t.Cleanup(hookSrv.Close)

	cfg := config.DefaultConfig()
	cfg.Feed.URL = feedSrv.URL
	cfg.LastKill = &config.LastKill{Date: "2024-03-01 00:00:00"}
	cfg.Channels = []config.ChannelConfig{
		{Guild: "Alpha", Name: "op-general", WebhookURL: hookSrv.URL},
		{Guild: "Alpha", Name: "chatter", WebhookURL: hookSrv.URL + "/unused"},
	}
	cfg.Delivery.RatePerSecond = 0
	cfg.Server.Addr = ""
	return cfg, hook
}
