package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

var (
	dbInstance *DB
	dbOnce     sync.Once
	dbPath     = "tusk.sqlite"
)

// SetPath overrides the database location. Must be called before the first
// GetDB; later calls are ignored.
func SetPath(path string) {
	dbPath = path
}

func GetDB() *DB {
	dbOnce.Do(func() {
		database, err := sql.Open("sqlite", dbPath)
		if err != nil {
			panic(err)
		}

		// Pool size follows CPU count; sqlite serializes writes anyway
		maxConns := runtime.NumCPU() * 2
		if maxConns < 4 {
			maxConns = 4
		}
		database.SetMaxOpenConns(maxConns)
		database.SetMaxIdleConns(maxConns / 2)
		database.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := database.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			log.Printf("Warning: Failed to enable WAL mode: %v", err)
		} else {
			log.Printf("Database journal mode: %s", journalMode)
		}

		database.Exec("PRAGMA synchronous = NORMAL")
		database.Exec("PRAGMA cache_size = -64000")
		database.Exec("PRAGMA temp_store = MEMORY")
		database.Exec("PRAGMA busy_timeout = 5000")
		database.Exec("PRAGMA foreign_keys = ON")

		log.Printf("Database initialized with connection pooling (max %d connections)", maxConns)

		dbInstance = &DB{db: database}

		if err := dbInstance.RunMigrations(); err != nil {
			panic(err)
		}
	})

	return dbInstance
}

// NewTestDB opens an isolated in-memory database for tests.
func NewTestDB() *DB {
	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		panic(err)
	}
	database.SetMaxOpenConns(1)
	testDB := &DB{db: database}
	if err := testDB.RunMigrations(); err != nil {
		panic(err)
	}
	return testDB
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}

// isUniqueViolation reports whether err is a sqlite uniqueness conflict.
func isUniqueViolation(err error) bool {
	serr, ok := err.(*sqlite.Error)
	if !ok {
		return false
	}
	code := serr.Code()
	return code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY ||
		code == sqlitelib.SQLITE_CONSTRAINT
}

// Local accounts

const (
	sqlInsertAccount = `INSERT INTO accounts(id, username, password_hash, role, display_name, summary,
		public_key_pem, private_key_pem, manually_approves_followers, attachments, also_known_as, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountFields = `SELECT id, username, password_hash, role, display_name, summary, avatar_url,
		header_url, public_key_pem, private_key_pem, manually_approves_followers, attachments, also_known_as, created_at, updated_at FROM accounts`
	sqlSelectAccountByUsername = sqlSelectAccountFields + ` WHERE username = ?`
	sqlSelectAccountById       = sqlSelectAccountFields + ` WHERE id = ?`
	sqlSelectAllAccounts       = sqlSelectAccountFields + ` ORDER BY username ASC`
	sqlUpdateAccountProfile    = `UPDATE accounts SET display_name = ?, summary = ?, avatar_url = ?, header_url = ?,
		manually_approves_followers = ?, attachments = ?, also_known_as = ?, updated_at = ? WHERE id = ?`
	sqlDeleteAccount = `DELETE FROM accounts WHERE id = ?`
)

func (db *DB) CreateAccount(acc *domain.Account) error {
	attachments, err := json.Marshal(acc.Attachments)
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}
	alsoKnownAs, err := json.Marshal(acc.AlsoKnownAs)
	if err != nil {
		return fmt.Errorf("failed to encode alsoKnownAs: %w", err)
	}
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(),
			acc.Username,
			acc.PasswordHash,
			acc.Role,
			acc.DisplayName,
			acc.Summary,
			acc.PublicKeyPem,
			acc.PrivateKeyPem,
			acc.ManuallyApprovesFollowers,
			string(attachments),
			string(alsoKnownAs),
			acc.CreatedAt,
			acc.UpdatedAt,
		)
		return err
	})
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", acc.Username, domain.ErrAlreadyExists)
	}
	return err
}

func (db *DB) scanAccount(row *sql.Row) (error, *domain.Account) {
	acc := &domain.Account{}
	var id, attachments, alsoKnownAs string
	err := row.Scan(&id, &acc.Username, &acc.PasswordHash, &acc.Role, &acc.DisplayName,
		&acc.Summary, &acc.AvatarURL, &acc.HeaderURL, &acc.PublicKeyPem, &acc.PrivateKeyPem,
		&acc.ManuallyApprovesFollowers, &attachments, &alsoKnownAs, &acc.CreatedAt, &acc.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound, nil
	}
	if err != nil {
		return err, nil
	}
	acc.Id, err = uuid.Parse(id)
	if err != nil {
		return err, nil
	}
	if err := json.Unmarshal([]byte(attachments), &acc.Attachments); err != nil {
		log.Printf("Account %s has undecodable attachments: %v", acc.Username, err)
	}
	if err := json.Unmarshal([]byte(alsoKnownAs), &acc.AlsoKnownAs); err != nil {
		log.Printf("Account %s has undecodable alsoKnownAs: %v", acc.Username, err)
	}
	return nil, acc
}

func (db *DB) ReadAccByUsername(username string) (error, *domain.Account) {
	return db.scanAccount(db.db.QueryRow(sqlSelectAccountByUsername, username))
}

func (db *DB) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	return db.scanAccount(db.db.QueryRow(sqlSelectAccountById, id.String()))
}

func (db *DB) ReadAllAccounts() (error, *[]domain.Account) {
	rows, err := db.db.Query(sqlSelectAllAccounts)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	accounts := []domain.Account{}
	for rows.Next() {
		acc := domain.Account{}
		var id, attachments, alsoKnownAs string
		err := rows.Scan(&id, &acc.Username, &acc.PasswordHash, &acc.Role, &acc.DisplayName,
			&acc.Summary, &acc.AvatarURL, &acc.HeaderURL, &acc.PublicKeyPem, &acc.PrivateKeyPem,
			&acc.ManuallyApprovesFollowers, &attachments, &alsoKnownAs, &acc.CreatedAt, &acc.UpdatedAt)
		if err != nil {
			return err, nil
		}
		acc.Id, _ = uuid.Parse(id)
		json.Unmarshal([]byte(attachments), &acc.Attachments)
		json.Unmarshal([]byte(alsoKnownAs), &acc.AlsoKnownAs)
		accounts = append(accounts, acc)
	}
	return rows.Err(), &accounts
}

func (db *DB) UpdateAccountProfile(acc *domain.Account) error {
	attachments, err := json.Marshal(acc.Attachments)
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}
	alsoKnownAs, err := json.Marshal(acc.AlsoKnownAs)
	if err != nil {
		return fmt.Errorf("failed to encode alsoKnownAs: %w", err)
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateAccountProfile,
			acc.DisplayName, acc.Summary, acc.AvatarURL, acc.HeaderURL,
			acc.ManuallyApprovesFollowers, string(attachments), string(alsoKnownAs), time.Now(), acc.Id.String())
		return err
	})
}

// DeleteAccount removes a local account with its posts and relationships,
// returning the media names released for cleanup.
func (db *DB) DeleteAccount(accountId uuid.UUID, actorURI string) (error, *domain.DeletionQueue) {
	queue := &domain.DeletionQueue{}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		if err := collectMediaByAuthor(tx, accountId, queue); err != nil {
			return err
		}
		stmts := []struct {
			query string
			args  []any
		}{
			{`DELETE FROM media_attachments WHERE post_id IN (SELECT id FROM posts WHERE author_id = ?)`, []any{accountId.String()}},
			{`DELETE FROM post_mentions WHERE post_id IN (SELECT id FROM posts WHERE author_id = ?)`, []any{accountId.String()}},
			{`DELETE FROM post_tags WHERE post_id IN (SELECT id FROM posts WHERE author_id = ?)`, []any{accountId.String()}},
			{`DELETE FROM post_links WHERE post_id IN (SELECT id FROM posts WHERE author_id = ?)`, []any{accountId.String()}},
			{`DELETE FROM posts WHERE author_id = ?`, []any{accountId.String()}},
			{`DELETE FROM relationships WHERE source_actor_uri = ? OR target_actor_uri = ?`, []any{actorURI, actorURI}},
			{`DELETE FROM follow_requests WHERE source_actor_uri = ? OR target_actor_uri = ?`, []any{actorURI, actorURI}},
			{`DELETE FROM notifications WHERE account_id = ?`, []any{accountId.String()}},
			{`DELETE FROM accounts WHERE id = ?`, []any{accountId.String()}},
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt.query, stmt.args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err, nil
	}
	return nil, queue
}

func collectMediaByAuthor(tx *sql.Tx, accountId uuid.UUID, queue *domain.DeletionQueue) error {
	rows, err := tx.Query(`SELECT file_name, ipfs_cid FROM media_attachments
		WHERE post_id IN (SELECT id FROM posts WHERE author_id = ?)`, accountId.String())
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var fileName, cid string
		if err := rows.Scan(&fileName, &cid); err != nil {
			return err
		}
		if fileName != "" {
			queue.FileNames = append(queue.FileNames, fileName)
		}
		if cid != "" {
			queue.IpfsCids = append(queue.IpfsCids, cid)
		}
	}
	return rows.Err()
}

// Invite codes

func (db *DB) CreateInviteCode(code string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO invite_codes(code, created_at) VALUES (?, ?)`, code, time.Now())
		return err
	})
}

// UseInviteCode marks an unused code as spent; ErrNotFound if missing or
// already used.
func (db *DB) UseInviteCode(code string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		result, err := tx.Exec(`UPDATE invite_codes SET used = 1 WHERE code = ? AND used = 0`, code)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("invite code: %w", domain.ErrNotFound)
		}
		return nil
	})
}

// Instance statistics

func (db *DB) CountAccounts() (int, error) {
	var count int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&count)
	return count, err
}

func (db *DB) CountLocalPosts() (int, error) {
	var count int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM posts WHERE author_local = 1`).Scan(&count)
	return count, err
}

func (db *DB) CountActiveUsersMonth() (int, error) {
	var count int
	err := db.db.QueryRow(`SELECT COUNT(DISTINCT author_id) FROM posts
		WHERE author_local = 1 AND created_at >= datetime('now', '-30 days')`).Scan(&count)
	return count, err
}

func (db *DB) CountActiveUsersHalfYear() (int, error) {
	var count int
	err := db.db.QueryRow(`SELECT COUNT(DISTINCT author_id) FROM posts
		WHERE author_local = 1 AND created_at >= datetime('now', '-180 days')`).Scan(&count)
	return count, err
}
