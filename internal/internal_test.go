package internal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func TestConfig_FromEnvironment(t *testing.T) {
	req := require.New(t)
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "8080")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("BADGER_FILEPATH", t.TempDir())
	t.Setenv("PUBLISH_TIMEOUT", "500ms")

	var config Config
	_, err := env.UnmarshalFromEnviron(&config)
	req.NoError(err)

	req.Equal("0.0.0.0:8080", config.Addr())
	req.Equal(500*time.Millisecond, config.PublishTimeout)
	req.Equal(256, config.ConnectionBufferSize)
	req.Equal("/metrics", config.MetricsPath)
	req.Nil(config.LimitMessages)
	req.NoError(config.Validate())
}

func TestConfig_Validate(t *testing.T) {
	req := require.New(t)
	zero := 0
	valid := Config{
		PublishTimeout:       time.Second,
		ConnectionBufferSize: 1,
		WriteWait:            time.Second,
		PongWait:             time.Minute,
		MonitoringInterval:   time.Second,
	}
	req.NoError(valid.Validate())

	invalid := valid
	invalid.PongWait = time.Second
	req.Error(invalid.Validate())

	invalid = valid
	invalid.LimitMessages = &zero
	req.Error(invalid.Validate())
}

func TestInspectHandler(t *testing.T) {
	req := require.New(t)
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })
	req.NoError(db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte("conv:c1"), []byte("{}")); err != nil {
			return err
		}
		return txn.Set([]byte("user:alice"), []byte("{}"))
	}))

	handler := InspectHandler(db, func() map[string]any { return map[string]any{"pid": os.Getpid()} })
	recorder := httptest.NewRecorder()
	handler(recorder, httptest.NewRequest(http.MethodGet, "/inspect", nil))

	req.Equal(http.StatusOK, recorder.Code)
	var page PageData
	req.NoError(json.NewDecoder(recorder.Body).Decode(&page))
	req.Equal("conv:", page.Prefix)
	req.Len(page.Items, 1)
	req.Equal("c1", page.Items[0].EntityID)
	req.Equal("conv", page.Items[0].Namespace)
}
