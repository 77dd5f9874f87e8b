// Package mysql is a storage adapter for MySQL/MariaDB.
package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"time"

	ms "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/tagmux/relay/server/store"
	t "github.com/tagmux/relay/server/store/types"
)

// adapter holds MySQL connection data.
type adapter struct {
	db      *sqlx.DB
	dsn     string
	dbName  string
	version int

	// Single query timeout.
	sqlTimeout time.Duration
}

const (
	defaultDSN      = "root:@tcp(localhost:3306)/relay?parseTime=true"
	defaultDatabase = "relay"

	adpVersion  = 100
	adapterName = "mysql"
)

type configType struct {
	DSN    string `json:"dsn,omitempty"`
	DBName string `json:"database,omitempty"`

	// Maximum number of open connections to the database.
	MaxOpenConns int `json:"max_open_conns,omitempty"`
	// Maximum number of connections in the idle connection pool.
	MaxIdleConns int `json:"max_idle_conns,omitempty"`
	// Maximum amount of time a connection may be reused (in seconds).
	ConnMaxLifetime int `json:"conn_max_lifetime,omitempty"`
	// DB request timeout (in seconds). If 0 (or negative), no timeout is applied.
	SqlTimeout int `json:"sql_timeout,omitempty"`
}

func (a *adapter) getContext() (context.Context, context.CancelFunc) {
	if a.sqlTimeout > 0 {
		return context.WithTimeout(context.Background(), a.sqlTimeout)
	}
	return context.Background(), nil
}

// Open initializes database connection.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.db != nil {
		return errors.New("mysql adapter is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 0 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("mysql adapter failed to parse config: " + err.Error())
		}
	}

	a.dsn = config.DSN
	if a.dsn == "" {
		a.dsn = defaultDSN
	}

	a.dbName = config.DBName
	if a.dbName == "" {
		a.dbName = defaultDatabase
	}

	a.db, err = sqlx.Open("mysql", a.dsn)
	if err != nil {
		return err
	}

	// sql.Open does not open the network connection.
	// Force network connection here.
	if err = a.db.Ping(); err != nil {
		return err
	}

	if config.MaxOpenConns > 0 {
		a.db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		a.db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		a.db.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}
	if config.SqlTimeout > 0 {
		a.sqlTimeout = time.Duration(config.SqlTimeout) * time.Second
	}

	a.version = -1

	return nil
}

// Close closes the underlying database connection.
func (a *adapter) Close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
		a.version = -1
	}
	return err
}

// IsOpen returns true if connection to database has been established. It does not
// check if connection is actually live.
func (a *adapter) IsOpen() bool {
	return a.db != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}
	var vers int
	err := a.db.GetContext(ctx, &vers, "SELECT `value` FROM kvmeta WHERE `key`='version'")
	if err != nil {
		if err == sql.ErrNoRows || isMissingTable(err) {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}
	a.version = vers

	return a.version, nil
}

// CheckDbVersion checks if the actual database version matches adapter version.
func (a *adapter) CheckDbVersion() error {
	version, err := a.GetDbVersion()
	if err != nil {
		return err
	}

	if version != adpVersion {
		return errors.New("Invalid database version " + strconv.Itoa(version) +
			". Expected " + strconv.Itoa(adpVersion))
	}

	return nil
}

// GetName returns string that adapter uses to register itself with store.
func (a *adapter) GetName() string {
	return adapterName
}

// Version returns adapter version.
func (a *adapter) Version() int {
	return adpVersion
}

// Stats returns connection stats object.
func (a *adapter) Stats() interface{} {
	if a.db == nil {
		return nil
	}
	return a.db.Stats()
}

// CreateDb initializes the storage.
func (a *adapter) CreateDb(reset bool) error {
	var err error
	var tx *sql.Tx

	// Can't use an existing connection because it's bound to a database name. Need to
	// reconnect without the name to be able to drop/create the database itself.
	cfg, err := mysqlBaseDSN(a.dsn)
	if err != nil {
		return err
	}
	db, err := sql.Open("mysql", cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if tx, err = db.Begin(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if reset {
		if _, err = tx.Exec("DROP DATABASE IF EXISTS " + a.dbName); err != nil {
			return err
		}
	}

	if _, err = tx.Exec("CREATE DATABASE " + a.dbName + " CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"); err != nil {
		return err
	}

	if _, err = tx.Exec("USE " + a.dbName); err != nil {
		return err
	}

	// Tag folders. One row per (owner, tag).
	if _, err = tx.Exec(
		`CREATE TABLE folders(
			id     BIGINT NOT NULL,
			owner  VARCHAR(64) NOT NULL,
			tag    VARCHAR(96) NOT NULL,
			usebot TINYINT NOT NULL DEFAULT 0,
			PRIMARY KEY(id),
			UNIQUE INDEX folders_owner_tag(owner, tag)
		)`); err != nil {
		return err
	}

	// Source channels of each folder. Deleting the folder deletes them.
	if _, err = tx.Exec(
		`CREATE TABLE folderchannels(
			folderid  BIGINT NOT NULL,
			channelid VARCHAR(64) NOT NULL,
			PRIMARY KEY(folderid, channelid),
			FOREIGN KEY(folderid) REFERENCES folders(id) ON DELETE CASCADE
		)`); err != nil {
		return err
	}

	// Dist subscriptions reference tags by name, not id: a subscription may
	// outlive the tag it points at.
	if _, err = tx.Exec(
		`CREATE TABLE subscriptions(
			dist  VARCHAR(64) NOT NULL,
			owner VARCHAR(64) NOT NULL,
			tag   VARCHAR(96) NOT NULL,
			PRIMARY KEY(dist, owner, tag),
			INDEX subscriptions_owner_tag(owner, tag)
		)`); err != nil {
		return err
	}

	if _, err = tx.Exec(
		"CREATE TABLE kvmeta(`key` CHAR(32), `value` TEXT, PRIMARY KEY(`key`))"); err != nil {
		return err
	}
	if _, err = tx.Exec("INSERT INTO kvmeta(`key`, `value`) VALUES('version', ?)", adpVersion); err != nil {
		return err
	}

	return tx.Commit()
}

// UpgradeDb upgrades the database to the current adapter version.
func (a *adapter) UpgradeDb() error {
	return a.CheckDbVersion()
}

func (a *adapter) folderID(ctx context.Context, tx *sqlx.Tx, owner t.Owner, tag string) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, "SELECT id FROM folders WHERE owner=? AND tag=? FOR UPDATE",
		owner.Key(), tag)
	if err == sql.ErrNoRows {
		return 0, t.ErrNotFound
	}
	return id, err
}

func (a *adapter) FolderAddChannel(owner t.Owner, tag string, ch t.ChannelID) error {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	id, err := a.folderID(ctx, tx, owner, tag)
	if err == t.ErrNotFound {
		// First channel creates the folder.
		if id, err = store.Store.GetUid(); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO folders(id, owner, tag) VALUES(?, ?, ?)",
			id, owner.Key(), tag); err != nil {
			return storeErr(err)
		}
	} else if err != nil {
		return storeErr(err)
	}

	if _, err = tx.ExecContext(ctx,
		"INSERT IGNORE INTO folderchannels(folderid, channelid) VALUES(?, ?)",
		id, string(ch)); err != nil {
		return storeErr(err)
	}

	return storeErr(tx.Commit())
}

func (a *adapter) FolderRemoveChannel(owner t.Owner, tag string, ch t.ChannelID) error {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	id, err := a.folderID(ctx, tx, owner, tag)
	if err != nil {
		return storeErr(err)
	}

	if _, err = tx.ExecContext(ctx,
		"DELETE FROM folderchannels WHERE folderid=? AND channelid=?", id, string(ch)); err != nil {
		return storeErr(err)
	}

	var left int
	if err = tx.GetContext(ctx, &left,
		"SELECT COUNT(*) FROM folderchannels WHERE folderid=?", id); err != nil {
		return storeErr(err)
	}
	if left == 0 {
		// Empty folder means the tag is gone. Channel rows cascade.
		if _, err = tx.ExecContext(ctx, "DELETE FROM folders WHERE id=?", id); err != nil {
			return storeErr(err)
		}
	}

	return storeErr(tx.Commit())
}

func (a *adapter) FolderSetRetrieveBot(owner t.Owner, tag string, flag bool) error {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	id, err := a.folderID(ctx, tx, owner, tag)
	if err != nil {
		return storeErr(err)
	}
	if _, err = tx.ExecContext(ctx, "UPDATE folders SET usebot=? WHERE id=?", flag, id); err != nil {
		return storeErr(err)
	}

	return storeErr(tx.Commit())
}

func (a *adapter) FolderGet(owner t.Owner, tag string) (*t.Folder, error) {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}

	var rec struct {
		Id     int64
		Usebot bool
	}
	err := a.db.GetContext(ctx, &rec,
		"SELECT id, usebot FROM folders WHERE owner=? AND tag=?", owner.Key(), tag)
	if err == sql.ErrNoRows {
		return nil, t.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}

	var channels []string
	if err = a.db.SelectContext(ctx, &channels,
		"SELECT channelid FROM folderchannels WHERE folderid=? ORDER BY channelid", rec.Id); err != nil {
		return nil, storeErr(err)
	}

	folder := &t.Folder{RetrieveBot: rec.Usebot}
	for _, ch := range channels {
		folder.Channels = append(folder.Channels, t.ChannelID(ch))
	}
	return folder, nil
}

func (a *adapter) FoldersForOwner(owner t.Owner) ([]string, error) {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}

	var names []string
	if err := a.db.SelectContext(ctx, &names,
		"SELECT tag FROM folders WHERE owner=? ORDER BY tag", owner.Key()); err != nil {
		return nil, storeErr(err)
	}
	return names, nil
}

func (a *adapter) SubsAdd(dist t.ChannelID, ref t.TagRef) error {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}

	_, err := a.db.ExecContext(ctx,
		"INSERT IGNORE INTO subscriptions(dist, owner, tag) VALUES(?, ?, ?)",
		string(dist), ref.Owner.Key(), ref.Tag)
	return storeErr(err)
}

func (a *adapter) SubsDelete(dist t.ChannelID, ref t.TagRef) error {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}

	_, err := a.db.ExecContext(ctx,
		"DELETE FROM subscriptions WHERE dist=? AND owner=? AND tag=?",
		string(dist), ref.Owner.Key(), ref.Tag)
	return storeErr(err)
}

func (a *adapter) SubsForDist(dist t.ChannelID) ([]t.TagRef, error) {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}

	rows, err := a.db.QueryxContext(ctx,
		"SELECT owner, tag FROM subscriptions WHERE dist=? ORDER BY owner, tag", string(dist))
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var refs []t.TagRef
	for rows.Next() {
		var owner, tag string
		if err = rows.Scan(&owner, &tag); err != nil {
			return nil, storeErr(err)
		}
		refs = append(refs, t.TagRef{Owner: t.ParseOwnerKey(owner), Tag: tag})
	}
	return refs, storeErr(rows.Err())
}

// Routing queries run as a single SQL join, so they see one consistent
// snapshot of folders and subscriptions.

func (a *adapter) RouteTargets(src t.ChannelID, bot bool) ([]t.ChannelID, error) {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}

	var dists []string
	err := a.db.SelectContext(ctx, &dists,
		`SELECT DISTINCT s.dist
		 FROM subscriptions AS s
		 JOIN folders AS f ON f.owner=s.owner AND f.tag=s.tag
		 JOIN folderchannels AS fc ON fc.folderid=f.id
		 WHERE fc.channelid=? AND (?=0 OR f.usebot=1)
		 ORDER BY s.dist`,
		string(src), bot)
	if err != nil {
		return nil, storeErr(err)
	}

	var res []t.ChannelID
	for _, d := range dists {
		res = append(res, t.ChannelID(d))
	}
	return res, nil
}

func (a *adapter) RouteExists(src t.ChannelID, bot bool) (bool, error) {
	ctx, cancel := a.getContext()
	if cancel != nil {
		defer cancel()
	}

	var exists bool
	err := a.db.GetContext(ctx, &exists,
		`SELECT EXISTS(
			SELECT 1
			FROM subscriptions AS s
			JOIN folders AS f ON f.owner=s.owner AND f.tag=s.tag
			JOIN folderchannels AS fc ON fc.folderid=f.id
			WHERE fc.channelid=? AND (?=0 OR f.usebot=1))`,
		string(src), bot)
	return exists, storeErr(err)
}

// mysqlBaseDSN strips the database name from the DSN so the connection
// can be used to drop and recreate the database itself.
func mysqlBaseDSN(dsn string) (string, error) {
	cfg, err := ms.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.DBName = ""
	return cfg.FormatDSN(), nil
}

// isMissingTable checks if the error is MySQL "table doesn't exist".
func isMissingTable(err error) bool {
	var myerr *ms.MySQLError
	return errors.As(err, &myerr) && myerr.Number == 1146
}

// storeErr translates driver-level connectivity failures into
// types.ErrUnavailable; everything else passes through.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if err == driver.ErrBadConn || errors.Is(err, driver.ErrBadConn) {
		return t.ErrUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return t.ErrUnavailable
	}
	return err
}

func init() {
	store.RegisterAdapter(&adapter{})
}
