package logic

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Tables use natural text keys so the same DDL runs on sqlite and postgres.
const (
	createAuthTable = `
		CREATE TABLE IF NOT EXISTS auth (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			allow BOOLEAN NOT NULL
		);
	`

	createACLTable = `
		CREATE TABLE IF NOT EXISTS acl (
			username TEXT NOT NULL,
			topic TEXT NOT NULL,
			permission INTEGER NOT NULL,
			PRIMARY KEY (username, topic)
		);
	`

	createUsersTable = `
		CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			name TEXT,
			email TEXT
		);
	`

	createAddressablesTable = `
		CREATE TABLE IF NOT EXISTS addressables (
			name TEXT PRIMARY KEY,
			protocol TEXT NOT NULL,
			address TEXT NOT NULL,
			port INTEGER NOT NULL,
			path TEXT NOT NULL
		);
	`

	createDevicesTable = `
		CREATE TABLE IF NOT EXISTS devices (
			name TEXT PRIMARY KEY,
			addressable TEXT NOT NULL,
			sampling_ms INTEGER NOT NULL,
			publish_policy TEXT NOT NULL,
			status TEXT NOT NULL
		);
	`

	createDeviceObjectsTable = `
		CREATE TABLE IF NOT EXISTS device_objects (
			device TEXT NOT NULL,
			name TEXT NOT NULL,
			provider_key TEXT NOT NULL,
			PRIMARY KEY (device, name)
		);
	`

	createDeviceOperationsTable = `
		CREATE TABLE IF NOT EXISTS device_operations (
			device TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			object TEXT NOT NULL,
			parameter TEXT NOT NULL,
			PRIMARY KEY (device, name)
		);
	`
)

// DB is a database handle that knows its placeholder dialect.
type DB struct {
	*sql.DB
	driver string
}

// InitDB opens the metadata database and creates the schema. For sqlite the
// dsn is a file path that is created if missing. A default web login is
// inserted when the users table is empty.
func InitDB(driver, dsn string) (*DB, error) {
	if driver == "sqlite" {
		if _, err := os.Stat(dsn); os.IsNotExist(err) {
			file, err := os.Create(dsn)
			if err != nil {
				return nil, err
			}
			file.Close()
		}
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// one writer avoids SQLITE_BUSY between the sampler and the seeder
		conn.SetMaxOpenConns(1)
	}
	db := &DB{DB: conn, driver: driver}

	tables := []string{
		createAuthTable,
		createACLTable,
		createUsersTable,
		createAddressablesTable,
		createDevicesTable,
		createDeviceObjectsTable,
		createDeviceOperationsTable,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			conn.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	var countUsers int
	if err := db.QueryRow("SELECT COUNT(*) FROM users").Scan(&countUsers); err != nil {
		conn.Close()
		return nil, err
	}
	if countUsers == 0 {
		_, err := db.Exec(db.Rebind(`INSERT INTO users (username, password, name, email) VALUES (?, ?, ?, ?)`),
			"admin", "password", "Admin", "admin@localhost")
		if err != nil {
			conn.Close()
			return nil, err
		}
		logrus.Warn("DB: created default web login admin/password, change it")
	}

	return db, nil
}

// Rebind rewrites ? placeholders to $n for postgres.
func (db *DB) Rebind(query string) string {
	if db.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
