package db

import (
	"database/sql"
	"fmt"
	"log"
)

const (
	// Local accounts
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user',
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		header_url TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL,
		manually_approves_followers INTEGER NOT NULL DEFAULT 0,
		attachments TEXT NOT NULL DEFAULT '[]',
		also_known_as TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Remote account cache
	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		hostname TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL,
		outbox_uri TEXT NOT NULL DEFAULT '',
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		following_uri TEXT NOT NULL DEFAULT '',
		subscribers_uri TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL,
		avatar_url TEXT NOT NULL DEFAULT '',
		header_url TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		manually_approves_followers INTEGER NOT NULL DEFAULT 0,
		attachments TEXT NOT NULL DEFAULT '[]',
		also_known_as TEXT NOT NULL DEFAULT '[]',
		raw_json TEXT NOT NULL DEFAULT '',
		fetch_failures INTEGER NOT NULL DEFAULT 0,
		unreachable_since TIMESTAMP,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, hostname)
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_actor_uri ON remote_accounts(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_hostname ON remote_accounts(hostname);
	`

	// Posts (local and cached remote)
	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT UNIQUE NOT NULL,
		author_id TEXT NOT NULL,
		author_local INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL DEFAULT 'public',
		in_reply_to_uri TEXT NOT NULL DEFAULT '',
		repost_of_uri TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		edited_at TIMESTAMP,
		reply_count INTEGER NOT NULL DEFAULT 0,
		like_count INTEGER NOT NULL DEFAULT 0,
		repost_count INTEGER NOT NULL DEFAULT 0
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_object_uri ON posts(object_uri);
		CREATE INDEX IF NOT EXISTS idx_posts_author_id ON posts(author_id);
		CREATE INDEX IF NOT EXISTS idx_posts_in_reply_to ON posts(in_reply_to_uri);
		CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at DESC);
	`

	sqlCreatePostMentionsTable = `CREATE TABLE IF NOT EXISTS post_mentions (
		id TEXT NOT NULL PRIMARY KEY,
		post_id TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(post_id, actor_uri)
	)`

	sqlCreatePostTagsTable = `CREATE TABLE IF NOT EXISTS post_tags (
		id TEXT NOT NULL PRIMARY KEY,
		post_id TEXT NOT NULL,
		name TEXT NOT NULL,
		UNIQUE(post_id, name)
	)`

	sqlCreatePostLinksTable = `CREATE TABLE IF NOT EXISTS post_links (
		id TEXT NOT NULL PRIMARY KEY,
		post_id TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		UNIQUE(post_id, object_uri)
	)`

	sqlCreateMediaTable = `CREATE TABLE IF NOT EXISTS media_attachments (
		id TEXT NOT NULL PRIMARY KEY,
		post_id TEXT NOT NULL,
		url TEXT NOT NULL,
		media_type TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		ipfs_cid TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Follow requests and materialized relationships
	sqlCreateFollowRequestsTable = `CREATE TABLE IF NOT EXISTS follow_requests (
		id TEXT NOT NULL PRIMARY KEY,
		source_actor_uri TEXT NOT NULL,
		target_actor_uri TEXT NOT NULL,
		activity_uri TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_actor_uri, target_actor_uri)
	)`

	sqlCreateRelationshipsTable = `CREATE TABLE IF NOT EXISTS relationships (
		id TEXT NOT NULL PRIMARY KEY,
		source_actor_uri TEXT NOT NULL,
		target_actor_uri TEXT NOT NULL,
		relationship_type TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_actor_uri, target_actor_uri, relationship_type)
	)`

	sqlCreateRelationshipsIndices = `
		CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_actor_uri);
		CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_actor_uri);
	`

	// Activities log (deduplication and debugging)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		local INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(activity_uri, activity_type)
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_object_uri ON activities(object_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_actor_uri ON activities(actor_uri);
	`

	// Likes and reposts
	sqlCreateLikesTable = `CREATE TABLE IF NOT EXISTS likes (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		account_local INTEGER NOT NULL DEFAULT 0,
		post_id TEXT NOT NULL,
		uri TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, post_id)
	)`

	sqlCreateRepostsTable = `CREATE TABLE IF NOT EXISTS reposts (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		account_local INTEGER NOT NULL DEFAULT 0,
		post_id TEXT NOT NULL,
		uri TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, post_id)
	)`

	// Outbound delivery queue
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		sender_actor_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_error TEXT NOT NULL DEFAULT '',
		claimed INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_inbox ON delivery_queue(inbox_uri);
	`

	// Deferred inbound activities
	sqlCreateIncomingQueueTable = `CREATE TABLE IF NOT EXISTS incoming_queue (
		id TEXT NOT NULL PRIMARY KEY,
		raw_json TEXT NOT NULL,
		signer_actor_uri TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Failed fetches queued for retry
	sqlCreateFetchRetryTable = `CREATE TABLE IF NOT EXISTS fetch_retries (
		id TEXT NOT NULL PRIMARY KEY,
		target_uri TEXT UNIQUE NOT NULL,
		kind TEXT NOT NULL DEFAULT 'actor',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Notifications
	sqlCreateNotificationsTable = `CREATE TABLE IF NOT EXISTS notifications (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		notification_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL DEFAULT '',
		actor_username TEXT NOT NULL DEFAULT '',
		actor_hostname TEXT NOT NULL DEFAULT '',
		post_uri TEXT NOT NULL DEFAULT '',
		post_preview TEXT NOT NULL DEFAULT '',
		read INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Invite codes for invite-only registration
	sqlCreateInviteCodesTable = `CREATE TABLE IF NOT EXISTS invite_codes (
		code TEXT NOT NULL PRIMARY KEY,
		used INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
)

// RunMigrations creates every table and index. All statements are
// idempotent, so reruns on startup are harmless.
func (db *DB) RunMigrations() error {
	tables := []string{
		sqlCreateAccountsTable,
		sqlCreateRemoteAccountsTable,
		sqlCreatePostsTable,
		sqlCreatePostMentionsTable,
		sqlCreatePostTagsTable,
		sqlCreatePostLinksTable,
		sqlCreateMediaTable,
		sqlCreateFollowRequestsTable,
		sqlCreateRelationshipsTable,
		sqlCreateActivitiesTable,
		sqlCreateLikesTable,
		sqlCreateRepostsTable,
		sqlCreateDeliveryQueueTable,
		sqlCreateIncomingQueueTable,
		sqlCreateFetchRetryTable,
		sqlCreateNotificationsTable,
		sqlCreateInviteCodesTable,
	}

	indices := []string{
		sqlCreateRemoteAccountsIndices,
		sqlCreatePostsIndices,
		sqlCreateRelationshipsIndices,
		sqlCreateActivitiesIndices,
		sqlCreateDeliveryQueueIndices,
	}

	err := db.wrapTransaction(func(tx *sql.Tx) error {
		for _, stmt := range tables {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
		}
		for _, stmt := range indices {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("index migration failed: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Stale claims survive a crash; release them on boot so deliveries
	// resume instead of hanging forever.
	if _, err := db.db.Exec(`UPDATE delivery_queue SET claimed = 0 WHERE claimed = 1`); err != nil {
		log.Printf("Migrations: failed to release stale delivery claims: %v", err)
	}

	return nil
}
