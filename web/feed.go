package web

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/util"
	"github.com/gorilla/feeds"
)

// GetUserFeed renders a user's recent public posts as an Atom document.
func GetUserFeed(conf *util.AppConfig, username string) (string, error) {
	database := db.GetDB()

	err, acc := database.ReadAccByUsername(username)
	if err != nil {
		return "", errors.New("account not found")
	}

	err, posts := database.ReadPublicPostsByUsername(username, 20, 0)
	if err != nil {
		log.Printf("Feed: Could not get posts of %s: %v", username, err)
		return "", errors.New("error retrieving posts")
	}

	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s - %s", conf.Conf.InstanceTitle, displayName),
		Link:        &feeds.Link{Href: conf.Origin() + "/@" + username},
		Description: conf.Conf.InstanceShortDescription,
		Author:      &feeds.Author{Name: displayName},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	if posts != nil {
		for _, post := range *posts {
			// Skip replies and repost wrappers, the feed carries top-level posts
			if post.InReplyToURI != "" || post.IsRepost() {
				continue
			}
			feedItems = append(feedItems, &feeds.Item{
				Id:      post.ObjectURI,
				Title:   post.CreatedAt.Format("2006-01-02 15:04"),
				Link:    &feeds.Link{Href: post.ObjectURI},
				Content: post.Content,
				Author:  &feeds.Author{Name: displayName},
				Created: post.CreatedAt,
			})
		}
	}

	feed.Items = feedItems
	return feed.ToAtom()
}
