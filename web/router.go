package web

import (
	"log"
	"net/http"
	"strings"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const contentTypeActivityJSON = "application/activity+json; charset=utf-8"
const contentTypeJSON = "application/json; charset=utf-8"

// wantsActivityJSON checks the Accept header for an ActivityPub media type.
// Anything else is the human-readable frontend's business.
func wantsActivityJSON(c *gin.Context) bool {
	accept := c.GetHeader("Accept")
	return strings.Contains(accept, "application/activity+json") ||
		strings.Contains(accept, "application/ld+json")
}

// Router builds the HTTP surface.
func Router(conf *util.AppConfig) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = util.GetLogWriter()
	gin.DefaultErrorWriter = util.GetLogWriter()

	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	if len(conf.Conf.HttpCorsAllowlist) > 0 {
		g.Use(CORSMiddleware(conf.Conf.HttpCorsAllowlist))
	}

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter rate limit and a 1MB body cap for ActivityPub POSTs
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		HandleWebFinger(c, conf)
	})

	g.GET("/.well-known/nodeinfo", func(c *gin.Context) {
		c.Header("Content-Type", contentTypeJSON)
		c.Render(200, render.String{Format: GetWellKnownNodeInfo(conf)})
	})

	g.GET("/nodeinfo/2.0", func(c *gin.Context) {
		c.Header("Content-Type", contentTypeJSON)
		c.Render(200, render.String{Format: GetNodeInfo(conf, "2.0")})
	})

	g.GET("/nodeinfo/2.1", func(c *gin.Context) {
		c.Header("Content-Type", contentTypeJSON)
		c.Render(200, render.String{Format: GetNodeInfo(conf, "2.1")})
	})

	g.GET("/actor", func(c *gin.Context) {
		c.Header("Content-Type", contentTypeActivityJSON)
		c.Render(200, render.String{Format: GetInstanceActor(conf)})
	})

	g.GET("/users/:username", func(c *gin.Context) {
		username := c.Param("username")
		if !wantsActivityJSON(c) {
			c.Redirect(http.StatusSeeOther, conf.Origin()+"/@"+username)
			return
		}
		err, actor := GetActor(username, conf)
		c.Header("Content-Type", contentTypeActivityJSON)
		if err != nil {
			c.Render(404, render.String{Format: "{}"})
			return
		}
		c.Render(200, render.String{Format: actor})
	})

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		log.Println("POST /inbox (shared inbox)")
		activitypub.HandleInbox(c.Writer, c.Request, conf)
	})

	g.POST("/users/:username/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		log.Printf("POST /users/%s/inbox", c.Param("username"))
		activitypub.HandleInbox(c.Writer, c.Request, conf)
	})

	g.GET("/users/:username/outbox", func(c *gin.Context) {
		HandleOutboxCollection(c, conf)
	})

	g.GET("/users/:username/followers", func(c *gin.Context) {
		HandleActorCollection(c, conf, "followers")
	})

	g.GET("/users/:username/following", func(c *gin.Context) {
		HandleActorCollection(c, conf, "following")
	})

	g.GET("/users/:username/subscribers", func(c *gin.Context) {
		HandleActorCollection(c, conf, "subscribers")
	})

	g.GET("/objects/:id", func(c *gin.Context) {
		objectId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.Header("Content-Type", contentTypeActivityJSON)
			c.Render(404, render.String{Format: "{}"})
			return
		}
		HandleObject(c, objectId, conf)
	})

	g.GET("/feeds/users/:username", func(c *gin.Context) {
		c.Header("Content-Type", "application/atom+xml; charset=utf-8")
		feed, err := GetUserFeed(conf, c.Param("username"))
		if err != nil {
			c.Render(404, render.String{Format: ""})
			return
		}
		c.Render(200, render.String{Format: feed})
	})

	// Minimal client API surface
	api := g.Group("/api/v1")
	{
		api.POST("/accounts", func(c *gin.Context) {
			HandleRegister(c, conf)
		})
		api.GET("/accounts/:username", func(c *gin.Context) {
			HandleAccountProfile(c, conf)
		})
		api.DELETE("/accounts", func(c *gin.Context) {
			HandleDeleteAccount(c, conf)
		})
		api.PUT("/accounts/aliases", func(c *gin.Context) {
			HandleSetAliases(c, conf)
		})
		api.POST("/accounts/move", func(c *gin.Context) {
			HandleMoveAccount(c, conf)
		})
		api.POST("/statuses", func(c *gin.Context) {
			HandleCreateStatus(c, conf)
		})
		api.PUT("/statuses/:id", func(c *gin.Context) {
			HandleUpdateStatus(c, conf)
		})
		api.DELETE("/statuses/:id", func(c *gin.Context) {
			HandleDeleteStatus(c, conf)
		})
		api.POST("/statuses/:id/like", func(c *gin.Context) {
			HandleLikeStatus(c, conf)
		})
		api.DELETE("/statuses/:id/like", func(c *gin.Context) {
			HandleUnlikeStatus(c, conf)
		})
		api.POST("/statuses/:id/repost", func(c *gin.Context) {
			HandleRepostStatus(c, conf)
		})
		api.DELETE("/statuses/:id/repost", func(c *gin.Context) {
			HandleUnrepostStatus(c, conf)
		})
		api.POST("/follows", func(c *gin.Context) {
			HandleFollowAddress(c, conf)
		})
		api.DELETE("/follows", func(c *gin.Context) {
			HandleUnfollowAddress(c, conf)
		})
	}

	return g, nil
}
