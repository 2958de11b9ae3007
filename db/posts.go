package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertPost = `INSERT INTO posts(id, object_uri, author_id, author_local, content, visibility,
		in_reply_to_uri, repost_of_uri, url, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPostFields = `SELECT id, object_uri, author_id, author_local, content, visibility,
		in_reply_to_uri, repost_of_uri, url, created_at, edited_at, reply_count, like_count, repost_count FROM posts`
	sqlSelectPostByURI = sqlSelectPostFields + ` WHERE object_uri = ?`
	sqlSelectPostById  = sqlSelectPostFields + ` WHERE id = ?`
	sqlUpdatePost      = `UPDATE posts SET content = ?, edited_at = ? WHERE id = ?`
)

func scanPost(scan func(...any) error) (error, *domain.Post) {
	post := &domain.Post{}
	var id string
	var editedAt sql.NullTime
	err := scan(&id, &post.ObjectURI, &post.AuthorId, &post.AuthorLocal, &post.Content,
		&post.Visibility, &post.InReplyToURI, &post.RepostOfURI, &post.URL, &post.CreatedAt,
		&editedAt, &post.ReplyCount, &post.LikeCount, &post.RepostCount)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound, nil
	}
	if err != nil {
		return err, nil
	}
	post.Id, err = uuid.Parse(id)
	if err != nil {
		return err, nil
	}
	if editedAt.Valid {
		post.EditedAt = &editedAt.Time
	}
	return nil, post
}

// CreatePost stores a post with its mentions, tags and object links in one
// transaction, bumping the parent's reply counter for replies.
func (db *DB) CreatePost(post *domain.Post, mentions []domain.PostMention, tags []domain.PostTag, links []domain.PostLink) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPost,
			post.Id.String(), post.ObjectURI, post.AuthorId.String(), post.AuthorLocal,
			post.Content, string(post.Visibility), post.InReplyToURI, post.RepostOfURI,
			post.URL, post.CreatedAt)
		if err != nil {
			return err
		}
		for _, mention := range mentions {
			_, err := tx.Exec(`INSERT OR IGNORE INTO post_mentions(id, post_id, actor_uri, username, hostname, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				mention.Id.String(), post.Id.String(), mention.ActorURI, mention.Username, mention.Hostname, post.CreatedAt)
			if err != nil {
				return err
			}
		}
		for _, tag := range tags {
			_, err := tx.Exec(`INSERT OR IGNORE INTO post_tags(id, post_id, name) VALUES (?, ?, ?)`,
				tag.Id.String(), post.Id.String(), tag.Name)
			if err != nil {
				return err
			}
		}
		for _, link := range links {
			_, err := tx.Exec(`INSERT OR IGNORE INTO post_links(id, post_id, object_uri) VALUES (?, ?, ?)`,
				link.Id.String(), post.Id.String(), link.ObjectURI)
			if err != nil {
				return err
			}
		}
		if post.InReplyToURI != "" {
			if _, err := tx.Exec(`UPDATE posts SET reply_count = reply_count + 1 WHERE object_uri = ?`, post.InReplyToURI); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("post %s: %w", post.ObjectURI, domain.ErrAlreadyExists)
	}
	return err
}

func (db *DB) ReadPostByURI(objectURI string) (error, *domain.Post) {
	row := db.db.QueryRow(sqlSelectPostByURI, objectURI)
	return scanPost(row.Scan)
}

func (db *DB) ReadPostById(id uuid.UUID) (error, *domain.Post) {
	row := db.db.QueryRow(sqlSelectPostById, id.String())
	return scanPost(row.Scan)
}

// UpdatePostContent replaces a post's content and stamps the edit time.
func (db *DB) UpdatePostContent(id uuid.UUID, content string, editedAt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdatePost, content, editedAt, id.String())
		return err
	})
}

// DeletePostByURI drops a post row and its satellites, returning released
// media names. Missing posts return ErrNotFound.
func (db *DB) DeletePostByURI(objectURI string) (error, *domain.DeletionQueue) {
	queue := &domain.DeletionQueue{}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		var id, inReplyTo string
		err := tx.QueryRow(`SELECT id, in_reply_to_uri FROM posts WHERE object_uri = ?`, objectURI).Scan(&id, &inReplyTo)
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		rows, err := tx.Query(`SELECT file_name, ipfs_cid FROM media_attachments WHERE post_id = ?`, id)
		if err != nil {
			return err
		}
		for rows.Next() {
			var fileName, cid string
			if err := rows.Scan(&fileName, &cid); err != nil {
				rows.Close()
				return err
			}
			if fileName != "" {
				queue.FileNames = append(queue.FileNames, fileName)
			}
			if cid != "" {
				queue.IpfsCids = append(queue.IpfsCids, cid)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, table := range []string{"media_attachments", "post_mentions", "post_tags", "post_links"} {
			if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE post_id = ?`, table), id); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(`DELETE FROM likes WHERE post_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM reposts WHERE post_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM posts WHERE id = ?`, id); err != nil {
			return err
		}
		if inReplyTo != "" {
			if _, err := tx.Exec(`UPDATE posts SET reply_count = MAX(reply_count - 1, 0) WHERE object_uri = ?`, inReplyTo); err != nil {
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

// ReadPublicPostsByUsername pages through a local user's public posts,
// newest first.
func (db *DB) ReadPublicPostsByUsername(username string, limit, offset int) (error, *[]domain.Post) {
	rows, err := db.db.Query(sqlSelectPostFields+`
		WHERE author_local = 1 AND visibility = 'public'
		AND author_id = (SELECT id FROM accounts WHERE username = ?)
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, username, limit, offset)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	posts := []domain.Post{}
	for rows.Next() {
		err, post := scanPost(rows.Scan)
		if err != nil {
			return err, nil
		}
		posts = append(posts, *post)
	}
	return rows.Err(), &posts
}

func (db *DB) CountPublicPostsByUsername(username string) (int, error) {
	var count int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM posts
		WHERE author_local = 1 AND visibility = 'public'
		AND author_id = (SELECT id FROM accounts WHERE username = ?)`, username).Scan(&count)
	return count, err
}

// ReadPostMentions returns the mention rows of a post.
func (db *DB) ReadPostMentions(postId uuid.UUID) (error, *[]domain.PostMention) {
	rows, err := db.db.Query(`SELECT id, post_id, actor_uri, username, hostname, created_at
		FROM post_mentions WHERE post_id = ?`, postId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	mentions := []domain.PostMention{}
	for rows.Next() {
		mention := domain.PostMention{}
		var id, pid string
		if err := rows.Scan(&id, &pid, &mention.ActorURI, &mention.Username, &mention.Hostname, &mention.CreatedAt); err != nil {
			return err, nil
		}
		mention.Id, _ = uuid.Parse(id)
		mention.PostId, _ = uuid.Parse(pid)
		mentions = append(mentions, mention)
	}
	return rows.Err(), &mentions
}

func (db *DB) CreateMediaAttachment(media *domain.MediaAttachment) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO media_attachments(id, post_id, url, media_type, file_name, ipfs_cid, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			media.Id.String(), media.PostId.String(), media.URL, media.MediaType, media.FileName, media.IpfsCid, media.CreatedAt)
		return err
	})
}

// Retention: remove cached remote posts that nothing local references and
// that are older than the cutoff. Local references are replies, likes and
// reposts by local accounts.
func (db *DB) DeleteExtraneousPosts(olderThan time.Time) (int64, error) {
	var deleted int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		result, err := tx.Exec(`DELETE FROM posts WHERE author_local = 0
			AND created_at < ?
			AND object_uri NOT IN (SELECT in_reply_to_uri FROM posts WHERE author_local = 1 AND in_reply_to_uri != '')
			AND object_uri NOT IN (SELECT repost_of_uri FROM posts WHERE author_local = 1 AND repost_of_uri != '')
			AND id NOT IN (SELECT post_id FROM likes WHERE account_local = 1)
			AND id NOT IN (SELECT post_id FROM reposts WHERE account_local = 1)`, olderThan)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}
