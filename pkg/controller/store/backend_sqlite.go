package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteTimeout = 3 * time.Second

// SqliteBackend is the embedded, cgo-free default: networks and members
// are rows in a local SQLite file opened through modernc.org/sqlite via
// plain database/sql, the same way a localdb.go policy log package drives its
// policy-operation log (sql.Open("sqlite", ...), explicit schema DDL,
// parameterized Exec/Query — no ORM layer).
type SqliteBackend struct {
	db    *sql.DB
	ready chan struct{}
}

// NewSqliteBackend opens (creating if necessary) path and runs schema DDL.
func NewSqliteBackend(path string) (*SqliteBackend, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	const schema = `
CREATE TABLE IF NOT EXISTS networks(nwid TEXT PRIMARY KEY, private INTEGER, raw TEXT);
CREATE TABLE IF NOT EXISTS members(nwid TEXT, mid TEXT, authorized INTEGER, active_bridge INTEGER,
	ip_assignments TEXT, recent_log TEXT, last_deauth INTEGER, raw TEXT, PRIMARY KEY(nwid, mid));
CREATE INDEX IF NOT EXISTS idx_members_nwid ON members(nwid);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, err
	}
	ready := make(chan struct{})
	close(ready)
	return &SqliteBackend{db: db, ready: ready}, nil
}

func (b *SqliteBackend) Ready() <-chan struct{} { return b.ready }

func nwidKey(nwid uint64) string { return fmt.Sprintf("%016x", nwid) }
func midKey(mid uint64) string   { return fmt.Sprintf("%010x", mid) }

func (b *SqliteBackend) HasNetwork(nwid uint64) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	var count int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM networks WHERE nwid = ?`, nwidKey(nwid)).Scan(&count)
	return count > 0, err
}

func (b *SqliteBackend) GetNetwork(nwid uint64) (NetworkRecord, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	var private int
	var raw string
	err := b.db.QueryRowContext(ctx, `SELECT private, raw FROM networks WHERE nwid = ?`, nwidKey(nwid)).Scan(&private, &raw)
	if err == sql.ErrNoRows {
		return NetworkRecord{}, false, nil
	}
	if err != nil {
		return NetworkRecord{}, false, err
	}
	return NetworkRecord{NWID: nwid, Private: private != 0, Raw: json.RawMessage(raw)}, true, nil
}

func (b *SqliteBackend) SaveNetwork(rec NetworkRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO networks(nwid, private, raw) VALUES(?,?,?)
		 ON CONFLICT(nwid) DO UPDATE SET private=excluded.private, raw=excluded.raw`,
		nwidKey(rec.NWID), boolToInt(rec.Private), string(rec.Raw))
	return err
}

func (b *SqliteBackend) EraseNetwork(nwid uint64) (NetworkRecord, error) {
	rec, _, _ := b.GetNetwork(nwid)
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	if _, err := b.db.ExecContext(ctx, `DELETE FROM members WHERE nwid = ?`, nwidKey(nwid)); err != nil {
		return rec, err
	}
	_, err := b.db.ExecContext(ctx, `DELETE FROM networks WHERE nwid = ?`, nwidKey(nwid))
	return rec, err
}

func (b *SqliteBackend) GetNetworkMember(nwid, mid uint64) (MemberRecord, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	row := b.db.QueryRowContext(ctx,
		`SELECT authorized, active_bridge, ip_assignments, recent_log, last_deauth, raw FROM members WHERE nwid = ? AND mid = ?`,
		nwidKey(nwid), midKey(mid))
	rec, ok, err := scanMemberRow(row, nwid, mid)
	return rec, ok, err
}

func scanMemberRow(row *sql.Row, nwid, mid uint64) (MemberRecord, bool, error) {
	var authorized, activeBridge int
	var ips, recentLog, raw string
	var lastDeauth uint64
	err := row.Scan(&authorized, &activeBridge, &ips, &recentLog, &lastDeauth, &raw)
	if err == sql.ErrNoRows {
		return MemberRecord{}, false, nil
	}
	if err != nil {
		return MemberRecord{}, false, err
	}
	rec := MemberRecord{
		NWID:                 nwid,
		MID:                  mid,
		Authorized:           authorized != 0,
		ActiveBridge:         activeBridge != 0,
		LastDeauthorizedTime: lastDeauth,
		Raw:                  json.RawMessage(raw),
	}
	_ = json.Unmarshal([]byte(ips), &rec.IPAssignments)
	_ = json.Unmarshal([]byte(recentLog), &rec.RecentLog)
	return rec, true, nil
}

func (b *SqliteBackend) SaveNetworkMember(rec MemberRecord) error {
	ips, _ := json.Marshal(rec.IPAssignments)
	recentLog, _ := json.Marshal(rec.RecentLog)
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO members(nwid, mid, authorized, active_bridge, ip_assignments, recent_log, last_deauth, raw)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(nwid, mid) DO UPDATE SET authorized=excluded.authorized, active_bridge=excluded.active_bridge,
		 ip_assignments=excluded.ip_assignments, recent_log=excluded.recent_log, last_deauth=excluded.last_deauth, raw=excluded.raw`,
		nwidKey(rec.NWID), midKey(rec.MID), boolToInt(rec.Authorized), boolToInt(rec.ActiveBridge),
		string(ips), string(recentLog), rec.LastDeauthorizedTime, string(rec.Raw))
	return err
}

func (b *SqliteBackend) EraseNetworkMember(nwid, mid uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	_, err := b.db.ExecContext(ctx, `DELETE FROM members WHERE nwid = ? AND mid = ?`, nwidKey(nwid), midKey(mid))
	return err
}

func (b *SqliteBackend) ListMembers(nwid uint64) ([]MemberRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	rows, err := b.db.QueryContext(ctx,
		`SELECT mid, authorized, active_bridge, ip_assignments, recent_log, last_deauth, raw FROM members WHERE nwid = ?`,
		nwidKey(nwid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MemberRecord
	for rows.Next() {
		var midHex string
		var authorized, activeBridge int
		var ips, recentLog, raw string
		var lastDeauth uint64
		if err := rows.Scan(&midHex, &authorized, &activeBridge, &ips, &recentLog, &lastDeauth, &raw); err != nil {
			continue
		}
		var mid uint64
		fmt.Sscanf(midHex, "%x", &mid)
		rec := MemberRecord{
			NWID:                 nwid,
			MID:                  mid,
			Authorized:           authorized != 0,
			ActiveBridge:         activeBridge != 0,
			LastDeauthorizedTime: lastDeauth,
			Raw:                  json.RawMessage(raw),
		}
		_ = json.Unmarshal([]byte(ips), &rec.IPAssignments)
		_ = json.Unmarshal([]byte(recentLog), &rec.RecentLog)
		out = append(out, rec)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
