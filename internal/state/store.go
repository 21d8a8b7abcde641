// Package state persists the records the DHCP files are rendered from:
// instances, their virtual interfaces and the fixed addresses bound to
// them.
//
// The store is an embedded SQLite database (modernc.org/sqlite, pure Go,
// no CGO). The lease script updates the leased flag; everything else is
// imported from the orchestrator.
package state

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/netplane/internal/clock"
	"grimm.is/netplane/internal/errors"
	"grimm.is/netplane/internal/logging"
	"grimm.is/netplane/internal/model"
)

// Instance is a compute instance as far as DHCP is concerned.
type Instance struct {
	UUID     string    `yaml:"uuid"`
	Host     string    `yaml:"host"`
	Hostname string    `yaml:"hostname"`
	Created  time.Time `yaml:"created_at"`
	Updated  time.Time `yaml:"updated_at"`
}

// FixedIP binds an address on a network to an instance's VIF.
type FixedIP struct {
	Address      string `yaml:"address"`
	NetworkID    int    `yaml:"network_id"`
	InstanceUUID string `yaml:"instance_uuid"`
	VIFID        int    `yaml:"vif_id"`
	Allocated    bool   `yaml:"allocated"`
	Leased       bool   `yaml:"leased"`
}

// Options configures the store.
type Options struct {
	Path    string // Database file path (":memory:" for in-memory)
	WALMode bool   // Enable WAL mode for better concurrency
	Clock   clock.Clock
	Logger  *logging.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:    path,
		WALMode: true,
	}
}

// Store is the SQLite-backed association store.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
}

// Open opens (creating if needed) the store at opts.Path.
func Open(opts Options) (*Store, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to open database")
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "failed to connect to database")
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, errors.KindInternal, "failed to execute pragma %q", p)
		}
	}

	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Store{db: db, clock: clk, logger: logger.WithComponent("store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "failed to initialize schema")
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS instances (
			uuid TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			hostname TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS vifs (
			id INTEGER PRIMARY KEY,
			address TEXT NOT NULL,
			uuid TEXT NOT NULL,
			network_id INTEGER NOT NULL,
			instance_uuid TEXT NOT NULL REFERENCES instances(uuid) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS fixed_ips (
			address TEXT PRIMARY KEY,
			network_id INTEGER NOT NULL,
			instance_uuid TEXT REFERENCES instances(uuid) ON DELETE SET NULL,
			vif_id INTEGER REFERENCES vifs(id) ON DELETE SET NULL,
			allocated INTEGER NOT NULL DEFAULT 0,
			leased INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_fixed_ips_network ON fixed_ips(network_id);
		CREATE INDEX IF NOT EXISTS idx_vifs_instance ON vifs(instance_uuid);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertInstance inserts or replaces an instance.
func (s *Store) UpsertInstance(ctx context.Context, inst Instance) error {
	return upsertInstance(ctx, s.db, inst)
}

func upsertInstance(ctx context.Context, db execer, inst Instance) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO instances (uuid, host, hostname, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			host = excluded.host,
			hostname = excluded.hostname,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		inst.UUID, inst.Host, inst.Hostname, formatTime(inst.Created), formatTime(inst.Updated))
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "failed to store instance"), "instance", inst.UUID)
	}
	return nil
}

// UpsertVIF inserts or replaces a virtual interface.
func (s *Store) UpsertVIF(ctx context.Context, vif model.VIF) error {
	return upsertVIF(ctx, s.db, vif)
}

func upsertVIF(ctx context.Context, db execer, vif model.VIF) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO vifs (id, address, uuid, network_id, instance_uuid)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			address = excluded.address,
			uuid = excluded.uuid,
			network_id = excluded.network_id,
			instance_uuid = excluded.instance_uuid`,
		vif.ID, vif.Address, vif.UUID, vif.NetworkID, vif.InstanceUUID)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "failed to store vif"), "vif", vif.ID)
	}
	return nil
}

// UpsertFixedIP inserts or replaces a fixed address.
func (s *Store) UpsertFixedIP(ctx context.Context, ip FixedIP) error {
	return upsertFixedIP(ctx, s.db, ip, s.clock.Now())
}

func upsertFixedIP(ctx context.Context, db execer, ip FixedIP, now time.Time) error {
	var inst, vif any
	if ip.InstanceUUID != "" {
		inst = ip.InstanceUUID
		vif = ip.VIFID
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO fixed_ips (address, network_id, instance_uuid, vif_id, allocated, leased, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			network_id = excluded.network_id,
			instance_uuid = excluded.instance_uuid,
			vif_id = excluded.vif_id,
			allocated = excluded.allocated,
			leased = excluded.leased,
			updated_at = excluded.updated_at`,
		ip.Address, ip.NetworkID, inst, vif, boolInt(ip.Allocated), boolInt(ip.Leased), formatTime(now))
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "failed to store fixed ip"), "address", ip.Address)
	}
	return nil
}

// Associated returns the allocated, instance-bound addresses of a network
// in ascending VIF order. A non-empty host or address narrows the result.
func (s *Store) Associated(ctx context.Context, networkID int, host, address string) ([]model.LeaseAssociation, error) {
	query := `
		SELECT f.address, f.network_id, i.uuid, i.hostname, i.created_at, i.updated_at,
		       v.id, v.address, f.allocated, f.leased
		FROM fixed_ips f
		JOIN instances i ON i.uuid = f.instance_uuid
		JOIN vifs v ON v.id = f.vif_id
		WHERE f.network_id = ? AND f.allocated = 1`
	args := []any{networkID}
	if host != "" {
		query += " AND i.host = ?"
		args = append(args, host)
	}
	if address != "" {
		query += " AND f.address = ?"
		args = append(args, address)
	}
	query += " ORDER BY v.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to query associations")
	}
	defer rows.Close()

	var out []model.LeaseAssociation
	for rows.Next() {
		var a model.LeaseAssociation
		var created, updated string
		if err := rows.Scan(&a.Address, &a.NetworkID, &a.InstanceUUID, &a.InstanceHostname,
			&created, &updated, &a.VIFID, &a.VIFAddress, &a.Allocated, &a.Leased); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "failed to scan association")
		}
		a.InstanceCreated = parseTime(created)
		a.InstanceUpdated = parseTime(updated)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to read associations")
	}
	return out, nil
}

// VIFsByInstance returns an instance's virtual interfaces by ascending id.
func (s *Store) VIFsByInstance(ctx context.Context, instanceUUID string) ([]model.VIF, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, address, uuid, network_id, instance_uuid
		FROM vifs WHERE instance_uuid = ? ORDER BY id`, instanceUUID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to query vifs")
	}
	defer rows.Close()

	var out []model.VIF
	for rows.Next() {
		var v model.VIF
		if err := rows.Scan(&v.ID, &v.Address, &v.UUID, &v.NetworkID, &v.InstanceUUID); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "failed to scan vif")
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to read vifs")
	}
	return out, nil
}

// SetLeased records that the client with mac holds (or gave up) address.
// The address must belong to a VIF with that MAC.
func (s *Store) SetLeased(ctx context.Context, address, mac string, leased bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fixed_ips SET leased = ?, updated_at = ?
		WHERE address = ? AND vif_id IN (SELECT id FROM vifs WHERE lower(address) = ?)`,
		boolInt(leased), formatTime(s.clock.Now()), address, strings.ToLower(mac))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to update lease")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to update lease")
	}
	if n == 0 {
		err := errors.Errorf(errors.KindNotFound, "no fixed ip %s for %s", address, mac)
		return errors.Attr(err, "address", address)
	}
	s.logger.Info("lease updated", "address", address, "mac", mac, "leased", leased)
	return nil
}

// NetworkOf returns the network id of a fixed address.
func (s *Store) NetworkOf(ctx context.Context, address string) (int, error) {
	var id int
	err := s.db.QueryRowContext(ctx, "SELECT network_id FROM fixed_ips WHERE address = ?", address).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, errors.Errorf(errors.KindNotFound, "no fixed ip %s", address)
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "failed to look up fixed ip")
	}
	return id, nil
}
