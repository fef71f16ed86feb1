package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/backkem/trustagent/pkg/config"
	"github.com/backkem/trustagent/pkg/keystore"
	"github.com/backkem/trustagent/pkg/store"
	"github.com/backkem/trustagent/pkg/transport"
)

// openKeyStore opens the database and wraps it with the configured key
// provider. The returned store must be closed by the caller.
func openKeyStore(c *config.Config) (*keystore.KeyStore, *store.SQLiteStore, error) {
	db, err := store.OpenSQLite(c.Storage.DatabasePath)
	if err != nil {
		return nil, nil, err
	}

	var provider keystore.KeyProvider
	switch c.Storage.KeyProvider {
	case config.KeyProviderTPM:
		p, err := keystore.NewTPMKeyProvider(c.Storage.TPMDevice, c.Storage.KeyPath)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		provider = p
	default:
		provider = keystore.NewFileKeyProvider(c.Storage.KeyPath)
	}

	ks, err := keystore.New(keystore.Config{
		Store:         db,
		Provider:      provider,
		LoggerFactory: loggers,
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return ks, db, nil
}

// agentID returns the configured agent id, or the one persisted next to the
// database, creating it on first run.
func agentID(c *config.Config) ([]byte, error) {
	if c.Agent.ID != "" {
		u, err := uuid.Parse(c.Agent.ID)
		if err != nil {
			return nil, err
		}
		return u[:], nil
	}

	path := filepath.Join(filepath.Dir(c.Storage.DatabasePath), "agent.id")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		u, err := uuid.Parse(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return u[:], nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	u := uuid.New()
	if err := os.WriteFile(path, []byte(u.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist agent id: %w", err)
	}
	return u[:], nil
}

// newPeripheral creates the configured transport. For the stream transport
// the peripheral is also announced over mDNS while advertising.
func newPeripheral(c *config.Config) (transport.Peripheral, error) {
	switch c.Transport.Kind {
	case config.TransportBlueZ:
		p, err := transport.NewBlueZPeripheral(transport.BlueZConfig{
			Adapter:       c.Transport.Adapter,
			LoggerFactory: loggers,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	ifaces, err := interfaces(c.Transport.Interfaces)
	if err != nil {
		return nil, err
	}
	p, err := transport.NewStreamPeripheral(transport.StreamConfig{
		ListenAddr:    c.Transport.ListenAddr,
		MTU:           c.Transport.MTU,
		LoggerFactory: loggers,
	})
	if err != nil {
		return nil, err
	}
	return transport.NewAdvertiser(p, transport.AdvertiserConfig{
		Interfaces:    ifaces,
		LoggerFactory: loggers,
	}), nil
}

func interfaces(names []string) ([]net.Interface, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]net.Interface, 0, len(names))
	for _, name := range names {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", name, err)
		}
		out = append(out, *iface)
	}
	return out, nil
}
