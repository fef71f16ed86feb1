package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"gopkg.in/yaml.v3"

	"github.com/backkem/trustagent/pkg/companion"
	"github.com/backkem/trustagent/pkg/keystore"
	"github.com/backkem/trustagent/pkg/store"
)

var (
	errNoEnrollment        = errors.New("no enrollment found")
	errAmbiguousEnrollment = errors.New("several enrollments found, pick one with --agent")
)

// EnrollmentRecord is one enrollment as kept in enrollments.yaml.
type EnrollmentRecord struct {
	AgentID    string    `yaml:"agent_id"`
	Handle     uint64    `yaml:"handle"`
	Token      string    `yaml:"token"`
	Address    string    `yaml:"address,omitempty"`
	EnrolledAt time.Time `yaml:"enrolled_at"`
}

// Enrollment converts the record for the client.
func (r EnrollmentRecord) Enrollment() (*companion.Enrollment, error) {
	id, err := uuid.Parse(r.AgentID)
	if err != nil {
		return nil, fmt.Errorf("agent id: %w", err)
	}
	token, err := hex.DecodeString(r.Token)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	return &companion.Enrollment{AgentID: id[:], Handle: r.Handle, Token: token}, nil
}

type enrollmentFile struct {
	Enrollments []EnrollmentRecord `yaml:"enrollments"`
}

// State is the companion's on-disk state: its device id, the session key
// store and the list of enrollments.
type State struct {
	dir      string
	deviceID []byte
	db       *store.SQLiteStore
	keys     *keystore.KeyStore

	mu sync.Mutex
}

// OpenState opens or initializes the state in dir.
func OpenState(dir string, lf logging.LoggerFactory) (*State, error) {
	id, err := loadDeviceID(filepath.Join(dir, "device.id"))
	if err != nil {
		return nil, err
	}
	db, err := store.OpenSQLite(filepath.Join(dir, "keys.db"))
	if err != nil {
		return nil, err
	}
	keys, err := keystore.New(keystore.Config{
		Store:         db,
		Provider:      keystore.NewFileKeyProvider(filepath.Join(dir, "wrapping.key")),
		LoggerFactory: lf,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &State{dir: dir, deviceID: id, db: db, keys: keys}, nil
}

func loadDeviceID(path string) ([]byte, error) {
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
		return nil, fmt.Errorf("persist device id: %w", err)
	}
	return u[:], nil
}

// DeviceID returns this companion's identifier.
func (s *State) DeviceID() []byte { return s.deviceID }

// KeyStore returns the session key store.
func (s *State) KeyStore() *keystore.KeyStore { return s.keys }

func (s *State) enrollmentsPath() string {
	return filepath.Join(s.dir, "enrollments.yaml")
}

// Enrollments returns every stored enrollment.
func (s *State) Enrollments() ([]EnrollmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *State) readLocked() ([]EnrollmentRecord, error) {
	data, err := os.ReadFile(s.enrollmentsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f enrollmentFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.enrollmentsPath(), err)
	}
	return f.Enrollments, nil
}

// SaveEnrollment stores enr, replacing any previous enrollment with the same
// agent.
func (s *State) SaveEnrollment(enr *companion.Enrollment, address string) (EnrollmentRecord, error) {
	agent, err := uuid.FromBytes(enr.AgentID)
	if err != nil {
		return EnrollmentRecord{}, err
	}
	rec := EnrollmentRecord{
		AgentID:    agent.String(),
		Handle:     enr.Handle,
		Token:      hex.EncodeToString(enr.Token),
		Address:    address,
		EnrolledAt: time.Now().UTC().Truncate(time.Second),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil {
		return EnrollmentRecord{}, err
	}
	out := records[:0]
	for _, r := range records {
		if r.AgentID != rec.AgentID {
			out = append(out, r)
		}
	}
	out = append(out, rec)

	data, err := yaml.Marshal(enrollmentFile{Enrollments: out})
	if err != nil {
		return EnrollmentRecord{}, err
	}
	tmp := s.enrollmentsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return EnrollmentRecord{}, err
	}
	return rec, os.Rename(tmp, s.enrollmentsPath())
}

// FindEnrollment returns the enrollment with agent, or the only enrollment
// when agent is empty.
func (s *State) FindEnrollment(agent string) (EnrollmentRecord, error) {
	records, err := s.Enrollments()
	if err != nil {
		return EnrollmentRecord{}, err
	}
	if agent == "" {
		switch len(records) {
		case 0:
			return EnrollmentRecord{}, errNoEnrollment
		case 1:
			return records[0], nil
		default:
			return EnrollmentRecord{}, errAmbiguousEnrollment
		}
	}
	u, err := uuid.Parse(agent)
	if err != nil {
		return EnrollmentRecord{}, fmt.Errorf("--agent: %w", err)
	}
	for _, r := range records {
		if r.AgentID == u.String() {
			return r, nil
		}
	}
	return EnrollmentRecord{}, fmt.Errorf("%w for agent %s", errNoEnrollment, u)
}

// Close releases the key store.
func (s *State) Close() error {
	return s.db.Close()
}
