package internal

import (
	"chat-sync/contract"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	defaultPrefix   = "conv:"
	inspectLimit    = 500
	shutdownTimeout = 5 * time.Second
)

type InspectRow struct {
	Key       string `json:"key"`
	Namespace string `json:"namespace"`
	EntityID  string `json:"entityId"`
	Detail    string `json:"detail"`
}

type PageData struct {
	Prefix string         `json:"prefix"`
	Items  []InspectRow   `json:"items"`
	Stats  map[string]any `json:"stats"`
}

type StatsProvider func() map[string]any

// InspectHandler lists the store keys under ?prefix=, for debugging a running server.
func InspectHandler(db *badger.DB, statsProvider StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			prefix = defaultPrefix
		}
		data := PageData{Prefix: prefix, Items: []InspectRow{}, Stats: make(map[string]any)}
		if statsProvider != nil {
			data.Stats = statsProvider()
		}

		err := db.View(func(txn *badger.Txn) error {
			options := badger.DefaultIteratorOptions
			options.PrefetchValues = false
			it := txn.NewIterator(options)
			defer it.Close()
			for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)) && len(data.Items) < inspectLimit; it.Next() {
				item := it.Item()
				data.Items = append(data.Items, DefaultMapper(string(item.Key()), item.ValueSize()))
			}
			return nil
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(data)
	}
}

// DefaultMapper splits "namespace:...:id" keys.
func DefaultMapper(key string, size int64) InspectRow {
	parts := strings.Split(key, ":")
	row := InspectRow{
		Key:       key,
		Namespace: parts[0],
		EntityID:  parts[len(parts)-1],
		Detail:    "Size: " + strconv.FormatInt(size, 10) + " bytes",
	}
	return row
}

// HTTPServer serves the process endpoints until its context ends.
type HTTPServer struct {
	log    *slog.Logger
	server *http.Server
}

var _ contract.Worker = (*HTTPServer)(nil)

func NewHTTPServer(log *slog.Logger, addr string, handler http.Handler) *HTTPServer {
	return &HTTPServer{log: log, server: &http.Server{Addr: addr, Handler: handler}}
}

func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Listening", "addr", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
