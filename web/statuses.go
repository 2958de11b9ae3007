package web

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// loadOwnPost authenticates the caller and loads the addressed post.
func loadOwnPost(c *gin.Context) (*domain.Account, *domain.Post, error) {
	acc, err := authenticate(c)
	if err != nil {
		return nil, nil, err
	}
	postId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid post id: %w", domain.ErrValidation)
	}
	err, post := db.GetDB().ReadPostById(postId)
	if err != nil {
		return nil, nil, fmt.Errorf("post: %w", domain.ErrNotFound)
	}
	return acc, post, nil
}

type updateStatusRequest struct {
	Content string `json:"content"`
}

// HandleUpdateStatus edits a local post and federates the Update.
func HandleUpdateStatus(c *gin.Context, conf *util.AppConfig) {
	acc, post, err := loadOwnPost(c)
	if err != nil {
		apiError(c, err)
		return
	}
	if !post.AuthorLocal || post.AuthorId != acc.Id {
		apiError(c, fmt.Errorf("post belongs to someone else: %w", domain.ErrForbidden))
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content must not be empty", "field": "content"})
		return
	}
	if len(req.Content) > conf.Conf.Limits.Posts.CharacterLimit {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("content exceeds %d characters", conf.Conf.Limits.Posts.CharacterLimit),
			"field": "content",
		})
		return
	}

	editedAt := time.Now()
	content := util.SanitizeContent(req.Content)
	if err := db.GetDB().UpdatePostContent(post.Id, content, editedAt); err != nil {
		apiError(c, err)
		return
	}
	post.Content = content
	post.EditedAt = &editedAt

	if conf.Conf.Federation.Enabled {
		if err := activitypub.SendUpdateNoteWithDeps(post, acc, conf, activitypub.NewDBWrapper()); err != nil {
			log.Printf("API: Failed to federate update of %s: %v", post.ObjectURI, err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"id": post.Id, "edited_at": editedAt})
}

// HandleLikeStatus likes a post and federates the Like to its author.
func HandleLikeStatus(c *gin.Context, conf *util.AppConfig) {
	acc, post, err := loadOwnPost(c)
	if err != nil {
		apiError(c, err)
		return
	}

	likeURI := ""
	if conf.Conf.Federation.Enabled {
		likeURI, err = activitypub.SendLikeWithDeps(acc, post, conf, activitypub.NewDBWrapper())
		if err != nil {
			apiError(c, err)
			return
		}
	}
	if likeURI == "" {
		likeURI = activitypub.LocalActivityURI(conf.Origin(), uuid.New().String())
	}

	like := &domain.Like{
		Id:           uuid.New(),
		AccountId:    acc.Id,
		AccountLocal: true,
		PostId:       post.Id,
		URI:          likeURI,
		CreatedAt:    time.Now(),
	}
	if err := db.GetDB().CreateLike(like); err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"liked": post.ObjectURI})
}

// HandleUnlikeStatus retracts a like.
func HandleUnlikeStatus(c *gin.Context, conf *util.AppConfig) {
	acc, post, err := loadOwnPost(c)
	if err != nil {
		apiError(c, err)
		return
	}

	database := db.GetDB()
	err, likeURI := database.ReadLikeURI(acc.Id, post.Id)
	if err != nil {
		apiError(c, fmt.Errorf("like: %w", domain.ErrNotFound))
		return
	}
	if err := database.DeleteLikeByURI(likeURI); err != nil {
		apiError(c, err)
		return
	}

	if conf.Conf.Federation.Enabled {
		if err := activitypub.SendUndoLikeWithDeps(acc, post, likeURI, conf, activitypub.NewDBWrapper()); err != nil {
			log.Printf("API: Failed to federate unlike of %s: %v", post.ObjectURI, err)
		}
	}

	c.Status(http.StatusNoContent)
}

// HandleRepostStatus reposts a post and federates the Announce.
func HandleRepostStatus(c *gin.Context, conf *util.AppConfig) {
	acc, post, err := loadOwnPost(c)
	if err != nil {
		apiError(c, err)
		return
	}
	if post.Visibility != domain.VisibilityPublic {
		apiError(c, fmt.Errorf("only public posts can be reposted: %w", domain.ErrValidation))
		return
	}

	announceURI := ""
	if conf.Conf.Federation.Enabled {
		announceURI, err = activitypub.SendAnnounceWithDeps(acc, post, conf, activitypub.NewDBWrapper())
		if err != nil {
			apiError(c, err)
			return
		}
	}
	if announceURI == "" {
		announceURI = activitypub.LocalActivityURI(conf.Origin(), uuid.New().String())
	}

	database := db.GetDB()
	repost := &domain.Repost{
		Id:           uuid.New(),
		AccountId:    acc.Id,
		AccountLocal: true,
		PostId:       post.Id,
		URI:          announceURI,
		CreatedAt:    time.Now(),
	}
	if err := database.CreateRepost(repost); err != nil {
		apiError(c, err)
		return
	}

	// Repost wrapper: content-free post pointing at the original
	wrapper := &domain.Post{
		Id:          uuid.New(),
		ObjectURI:   announceURI,
		AuthorId:    acc.Id,
		AuthorLocal: true,
		Visibility:  domain.VisibilityPublic,
		RepostOfURI: post.ObjectURI,
		CreatedAt:   time.Now(),
	}
	if err := database.CreatePost(wrapper, nil, nil, nil); err != nil {
		log.Printf("API: Failed to store repost wrapper: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{"reposted": post.ObjectURI})
}

// HandleUnrepostStatus retracts a repost.
func HandleUnrepostStatus(c *gin.Context, conf *util.AppConfig) {
	acc, post, err := loadOwnPost(c)
	if err != nil {
		apiError(c, err)
		return
	}

	database := db.GetDB()
	err, announceURI := database.ReadRepostURI(acc.Id, post.Id)
	if err != nil {
		apiError(c, fmt.Errorf("repost: %w", domain.ErrNotFound))
		return
	}
	if err := database.DeleteRepostByURI(announceURI); err != nil {
		apiError(c, err)
		return
	}
	if err, _ := database.DeletePostByURI(announceURI); err != nil {
		log.Printf("API: Failed to drop repost wrapper: %v", err)
	}

	if conf.Conf.Federation.Enabled {
		if err := activitypub.SendUndoAnnounceWithDeps(acc, post, announceURI, conf, activitypub.NewDBWrapper()); err != nil {
			log.Printf("API: Failed to federate unrepost of %s: %v", post.ObjectURI, err)
		}
	}

	c.Status(http.StatusNoContent)
}
