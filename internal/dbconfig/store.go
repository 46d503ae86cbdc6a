package dbconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/etlite/etlite/internal/crypto"
	"github.com/etlite/etlite/internal/errs"
	"github.com/etlite/etlite/internal/logging"
)

const testConnectionTimeout = 10 * time.Second

// Store owns the datasource configs and the connection pools built from
// them. All reads and writes are serialized by one coarse lock so a caller
// always observes its own upsert after validate, persist, rebuild.
type Store struct {
	mu       sync.Mutex
	path     string
	cipher   *crypto.Cipher
	configs  map[string]Config
	services string
	pools    map[string]*sql.DB
}

// NewStore opens the config document at path (created empty if absent) and
// builds the initial connection pools.
func NewStore(path string, cipher *crypto.Cipher) (*Store, error) {
	s := &Store{
		path:    path,
		cipher:  cipher,
		configs: make(map[string]Config),
		pools:   make(map[string]*sql.DB),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	s.rebuildPoolsLocked()
	return s, nil
}

// UpsertAll validates every incoming config, then persists the merged set
// as one document and rebuilds all connection pools from scratch. Any
// validation failure aborts the whole batch with every violation reported.
func (s *Store) UpsertAll(configs []Config, services string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var violations []string
	for i := range configs {
		if _, exists := s.configs[configs[i].Name]; exists {
			violations = append(violations, configs[i].validateUpdate()...)
		} else {
			violations = append(violations, configs[i].validateCreate()...)
		}
	}
	if _, err := ParseServices(services); err != nil {
		var ve *errs.ValidationError
		if errors.As(err, &ve) {
			violations = append(violations, ve.Violations...)
		} else {
			violations = append(violations, err.Error())
		}
	}
	if len(violations) > 0 {
		return errs.NewValidation(violations...)
	}

	for i := range configs {
		incoming := configs[i]
		merged := incoming
		if incoming.Password == "" {
			// blank password on update retains the stored ciphertext
			merged.Password = s.configs[incoming.Name].Password
		} else {
			encrypted, err := s.cipher.Encrypt(incoming.Password)
			if err != nil {
				return fmt.Errorf("encrypting password for config %s: %w", incoming.Name, err)
			}
			merged.Password = encrypted
		}
		s.configs[incoming.Name] = merged
	}
	s.services = services

	if err := s.persistLocked(); err != nil {
		return err
	}
	s.rebuildPoolsLocked()
	return nil
}

// Get returns the config with the given name.
func (s *Store) Get(name string) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.configs[name]
	if !ok {
		return Config{}, errs.NewNotFound("config", name)
	}
	return c, nil
}

// Exists reports whether a config with the given name is stored.
func (s *Store) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.configs[name]
	return ok
}

// List returns all stored configs. Order is not guaranteed.
func (s *Store) List() []Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Config, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	return out
}

// Services returns the raw service-binding table.
func (s *Store) Services() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.services
}

// Delete removes the named config and its pool. Absence is not an error.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[name]; !ok {
		return nil
	}
	delete(s.configs, name)
	if pool, ok := s.pools[name]; ok {
		pool.Close()
		delete(s.pools, name)
	}
	return s.persistLocked()
}

// DeleteAll removes every config.
func (s *Store) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.configs = make(map[string]Config)
	for name, pool := range s.pools {
		pool.Close()
		delete(s.pools, name)
	}
	return s.persistLocked()
}

// ConnectionFor returns the live connection pool for the named datasource.
// The stored password is decrypted only at this boundary.
func (s *Store) ConnectionFor(name string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, ok := s.pools[name]
	if !ok {
		return nil, errs.NewNotFound("config", name)
	}
	return pool, nil
}

// TestConnection opens a connection and executes the config's test
// statement. Driver and I/O errors are reported as false, never raised.
func (s *Store) TestConnection(ctx context.Context, name string) bool {
	pool, err := s.ConnectionFor(name)
	if err != nil {
		logging.Error("test connection: %v", err)
		return false
	}

	cfg, err := s.Get(name)
	if err != nil {
		logging.Error("test connection: %v", err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, testConnectionTimeout)
	defer cancel()

	if _, err := pool.ExecContext(ctx, cfg.Query); err != nil {
		logging.Error("test connection %s: %v", name, err)
		return false
	}
	return true
}

// Close releases every connection pool.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, pool := range s.pools {
		pool.Close()
		delete(s.pools, name)
	}
}

// loadLocked reads the config document, writing an empty one if missing.
func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		logging.Info("config document %s not found, starting empty", s.path)
		return s.persistLocked()
	}
	if err != nil {
		return fmt.Errorf("reading config document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config document %s: %w", s.path, err)
	}

	for _, c := range doc.Databases {
		s.configs[c.Name] = c
	}
	s.services = doc.Services
	return nil
}

// persistLocked writes the full config set as one document, atomically.
func (s *Store) persistLocked() error {
	doc := Document{Databases: make([]Config, 0, len(s.configs)), Services: s.services}
	for _, c := range s.configs {
		doc.Databases = append(doc.Databases, c)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config document: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing config document: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing config document: %w", err)
	}
	return nil
}

// rebuildPoolsLocked rebuilds connection parameters for every config,
// including entries untouched by the triggering upsert.
func (s *Store) rebuildPoolsLocked() {
	for name, pool := range s.pools {
		pool.Close()
		delete(s.pools, name)
	}

	for name, cfg := range s.configs {
		password, err := s.cipher.Decrypt(cfg.Password)
		if err != nil {
			logging.Error("config %s: decrypting password: %v", name, err)
			continue
		}

		driver, err := driverName(cfg.Type)
		if err != nil {
			logging.Error("config %s: %v", name, err)
			continue
		}

		dsn, err := buildDSN(&cfg, cfg.User, password)
		if err != nil {
			logging.Error("config %s: %v", name, err)
			continue
		}

		pool, err := sql.Open(driver, dsn)
		if err != nil {
			logging.Error("config %s: opening pool: %v", name, err)
			continue
		}
		s.pools[name] = pool
	}
}
