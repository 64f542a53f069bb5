package store

import (
	"encoding/json"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sqlNetworkRow and sqlMemberRow are the GORM row shapes; the authoritative
// payload is kept as an opaque JSON blob column, matching the conventional
// treatment of provider-opaque config in pkg/model.
type sqlNetworkRow struct {
	NWID    uint64 `gorm:"primaryKey"`
	Private bool
	Raw     string `gorm:"type:text"`
}

type sqlMemberRow struct {
	NWID                 uint64 `gorm:"primaryKey"`
	MID                  uint64 `gorm:"primaryKey"`
	Authorized           bool
	ActiveBridge         bool
	IPAssignments        string `gorm:"type:text"`
	RecentLog            string `gorm:"type:text"`
	LastDeauthorizedTime uint64
	Raw                  string `gorm:"type:text"`
}

// SQLBackend persists networks and members through GORM over MySQL,
// following a conventional db.Init connection setup and AutoMigrate
// convention. The embedded, cgo-free alternative is SqliteBackend
// (backend_sqlite.go), which uses modernc.org/sqlite through raw
// database/sql instead of routing it through GORM.
type SQLBackend struct {
	db    *gorm.DB
	ready chan struct{}
}

// NewMySQLBackend opens a MySQL-backed store using dsn, following the
// teacher's db.Init DSN conventions.
func NewMySQLBackend(dsn string) (*SQLBackend, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	return newSQLBackend(db)
}

func newSQLBackend(db *gorm.DB) (*SQLBackend, error) {
	if err := db.AutoMigrate(&sqlNetworkRow{}, &sqlMemberRow{}); err != nil {
		return nil, err
	}
	ready := make(chan struct{})
	close(ready)
	return &SQLBackend{db: db, ready: ready}, nil
}

func (b *SQLBackend) Ready() <-chan struct{} { return b.ready }

func rowToNetwork(r sqlNetworkRow) NetworkRecord {
	return NetworkRecord{NWID: r.NWID, Private: r.Private, Raw: json.RawMessage(r.Raw)}
}

func networkToRow(rec NetworkRecord) sqlNetworkRow {
	return sqlNetworkRow{NWID: rec.NWID, Private: rec.Private, Raw: string(rec.Raw)}
}

func rowToMember(r sqlMemberRow) MemberRecord {
	rec := MemberRecord{
		NWID:                 r.NWID,
		MID:                  r.MID,
		Authorized:           r.Authorized,
		ActiveBridge:         r.ActiveBridge,
		LastDeauthorizedTime: r.LastDeauthorizedTime,
		Raw:                  json.RawMessage(r.Raw),
	}
	_ = json.Unmarshal([]byte(r.IPAssignments), &rec.IPAssignments)
	_ = json.Unmarshal([]byte(r.RecentLog), &rec.RecentLog)
	return rec
}

func memberToRow(rec MemberRecord) sqlMemberRow {
	ips, _ := json.Marshal(rec.IPAssignments)
	logEntries, _ := json.Marshal(rec.RecentLog)
	return sqlMemberRow{
		NWID:                 rec.NWID,
		MID:                  rec.MID,
		Authorized:           rec.Authorized,
		ActiveBridge:         rec.ActiveBridge,
		IPAssignments:        string(ips),
		RecentLog:            string(logEntries),
		LastDeauthorizedTime: rec.LastDeauthorizedTime,
		Raw:                  string(rec.Raw),
	}
}

func (b *SQLBackend) HasNetwork(nwid uint64) (bool, error) {
	var count int64
	err := b.db.Model(&sqlNetworkRow{}).Where("nwid = ?", nwid).Count(&count).Error
	return count > 0, err
}

func (b *SQLBackend) GetNetwork(nwid uint64) (NetworkRecord, bool, error) {
	var row sqlNetworkRow
	err := b.db.Where("nwid = ?", nwid).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return NetworkRecord{}, false, nil
	}
	if err != nil {
		return NetworkRecord{}, false, err
	}
	return rowToNetwork(row), true, nil
}

func (b *SQLBackend) SaveNetwork(rec NetworkRecord) error {
	row := networkToRow(rec)
	return b.db.Save(&row).Error
}

func (b *SQLBackend) EraseNetwork(nwid uint64) (NetworkRecord, error) {
	rec, _, _ := b.GetNetwork(nwid)
	if err := b.db.Where("nwid = ?", nwid).Delete(&sqlMemberRow{}).Error; err != nil {
		return rec, err
	}
	err := b.db.Where("nwid = ?", nwid).Delete(&sqlNetworkRow{}).Error
	return rec, err
}

func (b *SQLBackend) GetNetworkMember(nwid, mid uint64) (MemberRecord, bool, error) {
	var row sqlMemberRow
	err := b.db.Where("nwid = ? AND mid = ?", nwid, mid).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return MemberRecord{}, false, nil
	}
	if err != nil {
		return MemberRecord{}, false, err
	}
	return rowToMember(row), true, nil
}

func (b *SQLBackend) SaveNetworkMember(rec MemberRecord) error {
	row := memberToRow(rec)
	return b.db.Save(&row).Error
}

func (b *SQLBackend) EraseNetworkMember(nwid, mid uint64) error {
	return b.db.Where("nwid = ? AND mid = ?", nwid, mid).Delete(&sqlMemberRow{}).Error
}

func (b *SQLBackend) ListMembers(nwid uint64) ([]MemberRecord, error) {
	var rows []sqlMemberRow
	if err := b.db.Where("nwid = ?", nwid).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]MemberRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToMember(r))
	}
	return out, nil
}
