package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

// Remote accounts

const (
	sqlInsertRemoteAccount = `INSERT INTO remote_accounts(id, username, hostname, actor_uri, display_name, summary,
		inbox_uri, outbox_uri, shared_inbox_uri, followers_uri, following_uri, subscribers_uri, public_key_pem,
		avatar_url, header_url, url, manually_approves_followers, attachments, also_known_as, raw_json,
		last_fetched_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectRemoteAccountFields = `SELECT id, username, hostname, actor_uri, display_name, summary, inbox_uri,
		outbox_uri, shared_inbox_uri, followers_uri, following_uri, subscribers_uri, public_key_pem, avatar_url,
		header_url, url, manually_approves_followers, attachments, also_known_as, raw_json, fetch_failures,
		unreachable_since, last_fetched_at, updated_at FROM remote_accounts`
	sqlUpdateRemoteAccount = `UPDATE remote_accounts SET username = ?, hostname = ?, display_name = ?, summary = ?,
		inbox_uri = ?, outbox_uri = ?, shared_inbox_uri = ?, followers_uri = ?, following_uri = ?, subscribers_uri = ?,
		public_key_pem = ?, avatar_url = ?, header_url = ?, url = ?, manually_approves_followers = ?, attachments = ?,
		also_known_as = ?, raw_json = ?, fetch_failures = 0, unreachable_since = NULL, last_fetched_at = ?, updated_at = ?
		WHERE actor_uri = ?`
)

func (db *DB) CreateRemoteAccount(acc *domain.RemoteAccount) error {
	attachments, _ := json.Marshal(acc.Attachments)
	alsoKnownAs, _ := json.Marshal(acc.AlsoKnownAs)
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteAccount,
			acc.Id.String(), acc.Username, acc.Hostname, acc.ActorURI, acc.DisplayName, acc.Summary,
			acc.InboxURI, acc.OutboxURI, acc.SharedInboxURI, acc.FollowersURI, acc.FollowingURI,
			acc.SubscribersURI, acc.PublicKeyPem, acc.AvatarURL, acc.HeaderURL, acc.URL,
			acc.ManuallyApprovesFollowers, string(attachments), string(alsoKnownAs), acc.RawJSON,
			acc.LastFetchedAt, acc.UpdatedAt)
		return err
	})
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("remote account %s: %w", acc.ActorURI, domain.ErrAlreadyExists)
	}
	return err
}

func (db *DB) UpdateRemoteAccount(acc *domain.RemoteAccount) error {
	attachments, _ := json.Marshal(acc.Attachments)
	alsoKnownAs, _ := json.Marshal(acc.AlsoKnownAs)
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRemoteAccount,
			acc.Username, acc.Hostname, acc.DisplayName, acc.Summary,
			acc.InboxURI, acc.OutboxURI, acc.SharedInboxURI, acc.FollowersURI, acc.FollowingURI,
			acc.SubscribersURI, acc.PublicKeyPem, acc.AvatarURL, acc.HeaderURL, acc.URL,
			acc.ManuallyApprovesFollowers, string(attachments), string(alsoKnownAs), acc.RawJSON,
			acc.LastFetchedAt, time.Now(), acc.ActorURI)
		return err
	})
}

func scanRemoteAccount(scan func(...any) error) (error, *domain.RemoteAccount) {
	acc := &domain.RemoteAccount{}
	var id, attachments, alsoKnownAs string
	var unreachableSince sql.NullTime
	err := scan(&id, &acc.Username, &acc.Hostname, &acc.ActorURI, &acc.DisplayName, &acc.Summary,
		&acc.InboxURI, &acc.OutboxURI, &acc.SharedInboxURI, &acc.FollowersURI, &acc.FollowingURI,
		&acc.SubscribersURI, &acc.PublicKeyPem, &acc.AvatarURL, &acc.HeaderURL, &acc.URL,
		&acc.ManuallyApprovesFollowers, &attachments, &alsoKnownAs, &acc.RawJSON, &acc.FetchFailures,
		&unreachableSince, &acc.LastFetchedAt, &acc.UpdatedAt)
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
	if unreachableSince.Valid {
		acc.UnreachableSince = &unreachableSince.Time
	}
	if err := json.Unmarshal([]byte(attachments), &acc.Attachments); err != nil {
		log.Printf("Remote account %s has undecodable attachments: %v", acc.ActorURI, err)
	}
	if err := json.Unmarshal([]byte(alsoKnownAs), &acc.AlsoKnownAs); err != nil {
		log.Printf("Remote account %s has undecodable alsoKnownAs: %v", acc.ActorURI, err)
	}
	return nil, acc
}

func (db *DB) ReadRemoteAccountByActorURI(actorURI string) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccountFields+` WHERE actor_uri = ?`, actorURI)
	return scanRemoteAccount(row.Scan)
}

func (db *DB) ReadRemoteAccountByAddress(username, hostname string) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccountFields+` WHERE username = ? AND hostname = ?`, username, hostname)
	return scanRemoteAccount(row.Scan)
}

func (db *DB) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccountFields+` WHERE id = ?`, id.String())
	return scanRemoteAccount(row.Scan)
}

// RecordFetchFailure bumps the failure counter and, past the threshold,
// stamps unreachable_since. Returns the new failure count.
func (db *DB) RecordFetchFailure(actorURI string, threshold int) (int, error) {
	var failures int
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE remote_accounts SET fetch_failures = fetch_failures + 1 WHERE actor_uri = ?`, actorURI); err != nil {
			return err
		}
		if err := tx.QueryRow(`SELECT fetch_failures FROM remote_accounts WHERE actor_uri = ?`, actorURI).Scan(&failures); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if failures >= threshold {
			if _, err := tx.Exec(`UPDATE remote_accounts SET unreachable_since = COALESCE(unreachable_since, ?)
				WHERE actor_uri = ?`, time.Now(), actorURI); err != nil {
				return err
			}
		}
		return nil
	})
	return failures, err
}

// RecordInboxFailure counts a rejecting inbox against every cached actor
// delivered through it.
func (db *DB) RecordInboxFailure(inboxURI string, threshold int) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE remote_accounts SET fetch_failures = fetch_failures + 1
			WHERE inbox_uri = ? OR shared_inbox_uri = ?`, inboxURI, inboxURI); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE remote_accounts SET unreachable_since = COALESCE(unreachable_since, ?)
			WHERE (inbox_uri = ? OR shared_inbox_uri = ?) AND fetch_failures >= ?`, time.Now(), inboxURI, inboxURI, threshold)
		return err
	})
}

// RecordInboxReachable clears failure counters after a successful delivery.
func (db *DB) RecordInboxReachable(inboxURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE remote_accounts SET fetch_failures = 0, unreachable_since = NULL
			WHERE inbox_uri = ? OR shared_inbox_uri = ?`, inboxURI, inboxURI)
		return err
	})
}

// RecordReachable clears the failure counter after any successful contact.
func (db *DB) RecordReachable(actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE remote_accounts SET fetch_failures = 0, unreachable_since = NULL WHERE actor_uri = ?`, actorURI)
		return err
	})
}

// DeleteRemoteAccount removes a cached identity and everything hanging off
// it, returning released media names.
func (db *DB) DeleteRemoteAccount(id uuid.UUID, actorURI string) (error, *domain.DeletionQueue) {
	queue := &domain.DeletionQueue{}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		if err := collectMediaByAuthor(tx, id, queue); err != nil {
			return err
		}
		stmts := []struct {
			query string
			args  []any
		}{
			{`DELETE FROM media_attachments WHERE post_id IN (SELECT id FROM posts WHERE author_id = ?)`, []any{id.String()}},
			{`DELETE FROM post_mentions WHERE post_id IN (SELECT id FROM posts WHERE author_id = ?)`, []any{id.String()}},
			{`DELETE FROM post_tags WHERE post_id IN (SELECT id FROM posts WHERE author_id = ?)`, []any{id.String()}},
			{`DELETE FROM post_links WHERE post_id IN (SELECT id FROM posts WHERE author_id = ?)`, []any{id.String()}},
			{`DELETE FROM posts WHERE author_id = ?`, []any{id.String()}},
			{`DELETE FROM likes WHERE account_id = ?`, []any{id.String()}},
			{`DELETE FROM reposts WHERE account_id = ?`, []any{id.String()}},
			{`DELETE FROM relationships WHERE source_actor_uri = ? OR target_actor_uri = ?`, []any{actorURI, actorURI}},
			{`DELETE FROM follow_requests WHERE source_actor_uri = ? OR target_actor_uri = ?`, []any{actorURI, actorURI}},
			{`DELETE FROM remote_accounts WHERE id = ?`, []any{id.String()}},
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

// DeleteEmptyProfiles removes cached remote actors that nothing local
// references (no relationship, no post) and that have not been refreshed
// since the cutoff. Returns the number of profiles dropped.
func (db *DB) DeleteEmptyProfiles(olderThan time.Time) (int64, error) {
	var deleted int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		result, err := tx.Exec(`DELETE FROM remote_accounts WHERE last_fetched_at < ?
			AND actor_uri NOT IN (SELECT source_actor_uri FROM relationships)
			AND actor_uri NOT IN (SELECT target_actor_uri FROM relationships)
			AND id NOT IN (SELECT author_id FROM posts)
			AND id NOT IN (SELECT account_id FROM likes)
			AND id NOT IN (SELECT account_id FROM reposts)`, olderThan)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Follow requests

func (db *DB) CreateFollowRequest(req *domain.FollowRequest) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO follow_requests(id, source_actor_uri, target_actor_uri, activity_uri, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			req.Id.String(), req.SourceActorURI, req.TargetActorURI, req.ActivityURI, string(req.Status), req.CreatedAt)
		return err
	})
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("follow request: %w", domain.ErrAlreadyExists)
	}
	return err
}

func scanFollowRequest(row *sql.Row) (error, *domain.FollowRequest) {
	req := &domain.FollowRequest{}
	var id, status string
	err := row.Scan(&id, &req.SourceActorURI, &req.TargetActorURI, &req.ActivityURI, &status, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound, nil
	}
	if err != nil {
		return err, nil
	}
	req.Id, err = uuid.Parse(id)
	if err != nil {
		return err, nil
	}
	req.Status = domain.FollowRequestStatus(status)
	return nil, req
}

func (db *DB) ReadFollowRequestByActivityURI(activityURI string) (error, *domain.FollowRequest) {
	return scanFollowRequest(db.db.QueryRow(`SELECT id, source_actor_uri, target_actor_uri, activity_uri, status, created_at
		FROM follow_requests WHERE activity_uri = ?`, activityURI))
}

func (db *DB) ReadFollowRequestByActors(sourceURI, targetURI string) (error, *domain.FollowRequest) {
	return scanFollowRequest(db.db.QueryRow(`SELECT id, source_actor_uri, target_actor_uri, activity_uri, status, created_at
		FROM follow_requests WHERE source_actor_uri = ? AND target_actor_uri = ?`, sourceURI, targetURI))
}

// AcceptFollowRequest transitions a pending request to accepted and
// materializes the follow relationship in the same transaction.
func (db *DB) AcceptFollowRequest(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		var source, target string
		err := tx.QueryRow(`SELECT source_actor_uri, target_actor_uri FROM follow_requests WHERE id = ?`, id.String()).
			Scan(&source, &target)
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE follow_requests SET status = 'accepted' WHERE id = ?`, id.String()); err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT OR IGNORE INTO relationships(id, source_actor_uri, target_actor_uri, relationship_type, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			uuid.New().String(), source, target, string(domain.RelationshipFollow), time.Now())
		return err
	})
}

// RejectFollowRequest transitions a pending request to rejected.
func (db *DB) RejectFollowRequest(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		result, err := tx.Exec(`UPDATE follow_requests SET status = 'rejected' WHERE id = ?`, id.String())
		if err != nil {
			return err
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// DeleteFollowRequestByActors removes the request and cascades to the
// materialized relationship.
func (db *DB) DeleteFollowRequestByActors(sourceURI, targetURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM follow_requests WHERE source_actor_uri = ? AND target_actor_uri = ?`,
			sourceURI, targetURI); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM relationships WHERE source_actor_uri = ? AND target_actor_uri = ? AND relationship_type = ?`,
			sourceURI, targetURI, string(domain.RelationshipFollow))
		return err
	})
}

// Relationships

func (db *DB) CreateRelationship(rel *domain.Relationship) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO relationships(id, source_actor_uri, target_actor_uri, relationship_type, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			rel.Id.String(), rel.SourceActorURI, rel.TargetActorURI, string(rel.Type), rel.CreatedAt)
		return err
	})
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("relationship: %w", domain.ErrAlreadyExists)
	}
	return err
}

func (db *DB) DeleteRelationship(sourceURI, targetURI string, relType domain.RelationshipType) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM relationships WHERE source_actor_uri = ? AND target_actor_uri = ? AND relationship_type = ?`,
			sourceURI, targetURI, string(relType))
		return err
	})
}

func (db *DB) HasRelationship(sourceURI, targetURI string, relType domain.RelationshipType) (bool, error) {
	var count int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM relationships
		WHERE source_actor_uri = ? AND target_actor_uri = ? AND relationship_type = ?`,
		sourceURI, targetURI, string(relType)).Scan(&count)
	return count > 0, err
}

// ReadFollowerURIs returns the actor URIs following target.
func (db *DB) ReadFollowerURIs(targetURI string) (error, []string) {
	return db.readRelationshipURIs(`SELECT source_actor_uri FROM relationships
		WHERE target_actor_uri = ? AND relationship_type = ? ORDER BY created_at ASC`,
		targetURI, string(domain.RelationshipFollow))
}

// ReadFollowingURIs returns the actor URIs that source follows.
func (db *DB) ReadFollowingURIs(sourceURI string) (error, []string) {
	return db.readRelationshipURIs(`SELECT target_actor_uri FROM relationships
		WHERE source_actor_uri = ? AND relationship_type = ? ORDER BY created_at ASC`,
		sourceURI, string(domain.RelationshipFollow))
}

// ReadSubscriberURIs returns the actor URIs subscribed to target.
func (db *DB) ReadSubscriberURIs(targetURI string) (error, []string) {
	return db.readRelationshipURIs(`SELECT source_actor_uri FROM relationships
		WHERE target_actor_uri = ? AND relationship_type = ? ORDER BY created_at ASC`,
		targetURI, string(domain.RelationshipSubscription))
}

func (db *DB) readRelationshipURIs(query string, args ...any) (error, []string) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	uris := []string{}
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return err, nil
		}
		uris = append(uris, uri)
	}
	return rows.Err(), uris
}

// Activities

func (db *DB) CreateActivity(activity *domain.Activity) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			activity.Id.String(), activity.ActivityURI, activity.ActivityType, activity.ActorURI,
			activity.ObjectURI, activity.RawJSON, activity.Processed, activity.Local, activity.CreatedAt)
		return err
	})
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("activity %s: %w", activity.ActivityURI, domain.ErrAlreadyExists)
	}
	return err
}

func (db *DB) MarkActivityProcessed(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE activities SET processed = 1 WHERE id = ?`, id.String())
		return err
	})
}

func (db *DB) ReadActivityByObjectURI(objectURI string) (error, *domain.Activity) {
	row := db.db.QueryRow(`SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at
		FROM activities WHERE object_uri = ?`, objectURI)
	activity := &domain.Activity{}
	var id string
	err := row.Scan(&id, &activity.ActivityURI, &activity.ActivityType, &activity.ActorURI,
		&activity.ObjectURI, &activity.RawJSON, &activity.Processed, &activity.Local, &activity.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound, nil
	}
	if err != nil {
		return err, nil
	}
	activity.Id, err = uuid.Parse(id)
	if err != nil {
		return err, nil
	}
	return nil, activity
}

// Likes and reposts

func (db *DB) CreateLike(like *domain.Like) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO likes(id, account_id, account_local, post_id, uri, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			like.Id.String(), like.AccountId.String(), like.AccountLocal, like.PostId.String(), like.URI, like.CreatedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE posts SET like_count = like_count + 1 WHERE id = ?`, like.PostId.String())
		return err
	})
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("like: %w", domain.ErrAlreadyExists)
	}
	return err
}

func (db *DB) DeleteLikeByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		var postId string
		err := tx.QueryRow(`SELECT post_id FROM likes WHERE uri = ?`, uri).Scan(&postId)
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM likes WHERE uri = ?`, uri); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE posts SET like_count = MAX(like_count - 1, 0) WHERE id = ?`, postId)
		return err
	})
}

// ReadLikeURI returns the Like activity URI an account used on a post.
func (db *DB) ReadLikeURI(accountId, postId uuid.UUID) (error, string) {
	var uri string
	err := db.db.QueryRow(`SELECT uri FROM likes WHERE account_id = ? AND post_id = ?`,
		accountId.String(), postId.String()).Scan(&uri)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound, ""
	}
	return err, uri
}

// ReadRepostURI returns the Announce activity URI an account used on a post.
func (db *DB) ReadRepostURI(accountId, postId uuid.UUID) (error, string) {
	var uri string
	err := db.db.QueryRow(`SELECT uri FROM reposts WHERE account_id = ? AND post_id = ?`,
		accountId.String(), postId.String()).Scan(&uri)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound, ""
	}
	return err, uri
}

func (db *DB) CreateRepost(repost *domain.Repost) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO reposts(id, account_id, account_local, post_id, uri, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			repost.Id.String(), repost.AccountId.String(), repost.AccountLocal, repost.PostId.String(), repost.URI, repost.CreatedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE posts SET repost_count = repost_count + 1 WHERE id = ?`, repost.PostId.String())
		return err
	})
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("repost: %w", domain.ErrAlreadyExists)
	}
	return err
}

func (db *DB) DeleteRepostByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		var postId string
		err := tx.QueryRow(`SELECT post_id FROM reposts WHERE uri = ?`, uri).Scan(&postId)
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM reposts WHERE uri = ?`, uri); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE posts SET repost_count = MAX(repost_count - 1, 0) WHERE id = ?`, postId)
		return err
	})
}

// Delivery queue

func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO delivery_queue(id, sender_actor_uri, inbox_uri, activity_json, attempts, next_retry_at, last_error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.Id.String(), item.SenderActorURI, item.InboxURI, item.ActivityJSON,
			item.Attempts, item.NextRetryAt, item.LastError, item.CreatedAt)
		return err
	})
}

// ClaimDueDeliveries marks up to limit due jobs as claimed and returns them
// in enqueue order. Claims are released by delete or retry update, so a
// claimed job is invisible to other workers.
func (db *DB) ClaimDueDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	items := []domain.DeliveryQueueItem{}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id, sender_actor_uri, inbox_uri, activity_json, attempts, next_retry_at, last_error, created_at
			FROM delivery_queue WHERE claimed = 0 AND next_retry_at <= ?
			ORDER BY created_at ASC LIMIT ?`, time.Now(), limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			item := domain.DeliveryQueueItem{}
			var id string
			if err := rows.Scan(&id, &item.SenderActorURI, &item.InboxURI, &item.ActivityJSON,
				&item.Attempts, &item.NextRetryAt, &item.LastError, &item.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			item.Id, _ = uuid.Parse(id)
			items = append(items, item)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, item := range items {
			if _, err := tx.Exec(`UPDATE delivery_queue SET claimed = 1 WHERE id = ?`, item.Id.String()); err != nil {
				return err
			}
		}
		return nil
	})
	return err, &items
}

// UpdateDeliveryAttempt reschedules a failed job and releases its claim.
func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE delivery_queue SET attempts = ?, next_retry_at = ?, last_error = ?, claimed = 0 WHERE id = ?`,
			attempts, nextRetry, lastError, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM delivery_queue WHERE id = ?`, id.String())
		return err
	})
}

// Incoming queue

func (db *DB) EnqueueIncoming(item *domain.IncomingQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO incoming_queue(id, raw_json, signer_actor_uri, attempts, next_retry_at, received_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			item.Id.String(), item.RawJSON, item.SignerActorURI, item.Attempts, item.NextRetryAt, item.ReceivedAt)
		return err
	})
}

func (db *DB) ReadDueIncoming(limit int) (error, *[]domain.IncomingQueueItem) {
	rows, err := db.db.Query(`SELECT id, raw_json, signer_actor_uri, attempts, next_retry_at, received_at
		FROM incoming_queue WHERE next_retry_at <= ? ORDER BY received_at ASC LIMIT ?`, time.Now(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	items := []domain.IncomingQueueItem{}
	for rows.Next() {
		item := domain.IncomingQueueItem{}
		var id string
		if err := rows.Scan(&id, &item.RawJSON, &item.SignerActorURI, &item.Attempts, &item.NextRetryAt, &item.ReceivedAt); err != nil {
			return err, nil
		}
		item.Id, _ = uuid.Parse(id)
		items = append(items, item)
	}
	return rows.Err(), &items
}

func (db *DB) UpdateIncomingAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE incoming_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`,
			attempts, nextRetry, id.String())
		return err
	})
}

func (db *DB) DeleteIncoming(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM incoming_queue WHERE id = ?`, id.String())
		return err
	})
}

// Fetch retries

func (db *DB) EnqueueFetchRetry(item *domain.FetchRetryItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR IGNORE INTO fetch_retries(id, target_uri, kind, attempts, next_retry_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			item.Id.String(), item.TargetURI, item.Kind, item.Attempts, item.NextRetryAt, item.CreatedAt)
		return err
	})
}

func (db *DB) ReadDueFetchRetries(limit int) (error, *[]domain.FetchRetryItem) {
	rows, err := db.db.Query(`SELECT id, target_uri, kind, attempts, next_retry_at, created_at
		FROM fetch_retries WHERE next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`, time.Now(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	items := []domain.FetchRetryItem{}
	for rows.Next() {
		item := domain.FetchRetryItem{}
		var id string
		if err := rows.Scan(&id, &item.TargetURI, &item.Kind, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return err, nil
		}
		item.Id, _ = uuid.Parse(id)
		items = append(items, item)
	}
	return rows.Err(), &items
}

func (db *DB) UpdateFetchRetryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE fetch_retries SET attempts = ?, next_retry_at = ? WHERE id = ?`,
			attempts, nextRetry, id.String())
		return err
	})
}

func (db *DB) DeleteFetchRetry(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM fetch_retries WHERE id = ?`, id.String())
		return err
	})
}

// Notifications

func (db *DB) CreateNotification(notification *domain.Notification) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO notifications(id, account_id, notification_type, actor_uri, actor_username,
			actor_hostname, post_uri, post_preview, read, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			notification.Id.String(), notification.AccountId.String(), string(notification.NotificationType),
			notification.ActorURI, notification.ActorUsername, notification.ActorHostname,
			notification.PostURI, notification.PostPreview, notification.Read, notification.CreatedAt)
		return err
	})
}
