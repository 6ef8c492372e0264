// User management for the embedded MQTT broker and the web login.
package logic

import (
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// addUser inserts a broker login with its ACL. An existing login is left
// untouched.
func addUser(db *DB, username, password string, allow bool, filters Filters) error {
	exists, err := userExists(db, username)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(db.Rebind("INSERT INTO auth (username, password, allow) VALUES (?, ?, ?)"), username, password, allow); err != nil {
		return err
	}
	for topic, permission := range filters {
		if _, err := tx.Exec(db.Rebind("INSERT INTO acl (username, topic, permission) VALUES (?, ?, ?)"), username, topic, permission); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// deleteUser removes a broker login and its ACL.
func deleteUser(db *DB, username string) error {
	if _, err := db.Exec(db.Rebind("DELETE FROM auth WHERE username = ?"), username); err != nil {
		return err
	}
	if _, err := db.Exec(db.Rebind("DELETE FROM acl WHERE username = ?"), username); err != nil {
		return err
	}
	return nil
}

func userExists(db *DB, username string) (bool, error) {
	var userCount int
	err := db.QueryRow(db.Rebind("SELECT COUNT(*) FROM auth WHERE username = ?"), username).Scan(&userCount)
	if err != nil {
		return false, err
	}
	return userCount > 0, nil
}

// EnsureServiceUser (re)creates the broker login the service's own MQTT
// clients use, with a fresh random password that is returned. It may
// publish events and states and use the command topics.
func EnsureServiceUser(db *DB, username, eventTopic, stateTopic, commandTopic string) (string, error) {
	password := genRandomPW()
	filters := Filters{
		eventTopic + "/#": 3,
		stateTopic + "/#": 3,
		commandTopic:      3,
	}

	if err := deleteUser(db, username); err != nil {
		return "", fmt.Errorf("failed to reset broker user %s: %w", username, err)
	}
	if err := addUser(db, username, password, true, filters); err != nil {
		return "", fmt.Errorf("failed to create broker user %s: %w", username, err)
	}
	logrus.Infof("DB: broker user %s provisioned", username)
	return password, nil
}

// LoadAuthLedger renders the auth and acl tables as the YAML document the
// broker's auth hook expects.
func LoadAuthLedger(db *DB) ([]byte, error) {
	rows, err := db.Query("SELECT username, password, allow FROM auth ORDER BY username")
	if err != nil {
		return nil, err
	}
	var ledger Ledger
	for rows.Next() {
		var a Auth
		if err := rows.Scan(&a.Username, &a.Password, &a.Allow); err != nil {
			rows.Close()
			return nil, err
		}
		ledger.Auth = append(ledger.Auth, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range ledger.Auth {
		filters, err := userFilters(db, a.Username)
		if err != nil {
			return nil, err
		}
		ledger.ACL = append(ledger.ACL, ACL{Username: a.Username, Filters: filters})
	}

	return yaml.Marshal(ledger)
}

func userFilters(db *DB, username string) (Filters, error) {
	rows, err := db.Query(db.Rebind("SELECT topic, permission FROM acl WHERE username = ?"), username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	filters := make(Filters)
	for rows.Next() {
		var topic string
		var permission int
		if err := rows.Scan(&topic, &permission); err != nil {
			return nil, err
		}
		filters[topic] = permission
	}
	return filters, rows.Err()
}

// CheckLogin verifies a web front-end login against the users table.
func CheckLogin(db *DB, username, password string) (bool, error) {
	var stored string
	err := db.QueryRow(db.Rebind("SELECT password FROM users WHERE username = ?"), username).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1, nil
}

// BrokerUsers lists the broker logins with their ACLs, without passwords.
func BrokerUsers(db *DB) ([]ACL, error) {
	rows, err := db.Query("SELECT username FROM auth ORDER BY username")
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ACL, 0, len(names))
	for _, name := range names {
		filters, err := userFilters(db, name)
		if err != nil {
			return nil, err
		}
		out = append(out, ACL{Username: name, Filters: filters})
	}
	return out, nil
}

// ErrWrongPassword is returned when the current password does not match.
var ErrWrongPassword = errors.New("current password is incorrect")

// Profile is a web front-end login without its password.
type Profile struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

// GetProfile reads the profile of a web login.
func GetProfile(db *DB, username string) (Profile, error) {
	p := Profile{Username: username}
	var name, email sql.NullString
	err := db.QueryRow(db.Rebind("SELECT name, email FROM users WHERE username = ?"), username).Scan(&name, &email)
	if err != nil {
		return Profile{}, err
	}
	p.Name, p.Email = name.String, email.String
	return p, nil
}

// UpdateProfile changes name and email of a web login.
func UpdateProfile(db *DB, p Profile) error {
	res, err := db.Exec(db.Rebind("UPDATE users SET name = ?, email = ? WHERE username = ?"), p.Name, p.Email, p.Username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ChangePassword replaces the password of a web login after checking the
// current one.
func ChangePassword(db *DB, username, current, next string) error {
	ok, err := CheckLogin(db, username, current)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWrongPassword
	}
	if next == "" {
		return fmt.Errorf("new password must not be empty")
	}
	_, err = db.Exec(db.Rebind("UPDATE users SET password = ? WHERE username = ?"), next, username)
	return err
}
