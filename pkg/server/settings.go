package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	bbolt "go.etcd.io/bbolt"
)

var (
	bucketSettings       = []byte("settings")
	bucketPlayerServices = []byte("player_services")
)

// SettingsStore persists UI settings documents (highlight rules,
// player-service command sets) in bbolt. Documents are stored and
// served wholesale; the gateway never interprets their contents.
type SettingsStore struct {
	bolt *bbolt.DB
}

// OpenSettingsStore opens or creates the settings database.
func OpenSettingsStore(path string) (*SettingsStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("settings: creating data dir: %w", err)
	}
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("settings: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSettings, bucketPlayerServices} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("settings: create buckets: %w", err)
	}
	return &SettingsStore{bolt: db}, nil
}

// Close closes the underlying database.
func (s *SettingsStore) Close() error {
	return s.bolt.Close()
}

var docKey = []byte("doc")

func (s *SettingsStore) get(bucket []byte) ([]byte, error) {
	var out []byte
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucket).Get(docKey); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *SettingsStore) put(bucket, doc []byte) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(docKey, doc)
	})
}

// Settings returns the stored settings document, or nil.
func (s *SettingsStore) Settings() ([]byte, error) { return s.get(bucketSettings) }

// PutSettings replaces the settings document.
func (s *SettingsStore) PutSettings(doc []byte) error { return s.put(bucketSettings, doc) }

// PlayerServices returns the stored player-services document, or nil.
func (s *SettingsStore) PlayerServices() ([]byte, error) { return s.get(bucketPlayerServices) }

// PutPlayerServices replaces the player-services document.
func (s *SettingsStore) PutPlayerServices(doc []byte) error { return s.put(bucketPlayerServices, doc) }

// handler returns GET/PUT handlers for one document bucket.
func (s *SettingsStore) handler(bucket []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			doc, err := s.get(bucket)
			if err != nil {
				http.Error(w, `{"error":"storage error"}`, http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if doc == nil {
				w.Write([]byte("{}"))
				return
			}
			w.Write(doc)

		case http.MethodPut, http.MethodPost:
			doc, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				http.Error(w, `{"error":"read error"}`, http.StatusBadRequest)
				return
			}
			if !json.Valid(doc) {
				http.Error(w, `{"error":"body must be JSON"}`, http.StatusBadRequest)
				return
			}
			if err := s.put(bucket, doc); err != nil {
				http.Error(w, `{"error":"storage error"}`, http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"ok":true}`))

		default:
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		}
	}
}

// SettingsHandler serves GET/PUT /settings.
func (s *SettingsStore) SettingsHandler() http.HandlerFunc {
	return s.handler(bucketSettings)
}

// PlayerServicesHandler serves GET/PUT /player-services.
func (s *SettingsStore) PlayerServicesHandler() http.HandlerFunc {
	return s.handler(bucketPlayerServices)
}
