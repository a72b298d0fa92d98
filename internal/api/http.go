package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/leaderboard"
)

// Routes registers the read-only HTTP API and the websocket endpoint.
func (a *API) Routes(r gin.IRouter, ws http.Handler) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if ws != nil {
		r.GET("/ws", gin.WrapH(ws))
	}

	v1 := r.Group("/v1")
	v1.GET("/sessions", a.listSessions)
	v1.GET("/sessions/:id", a.getSession)
	v1.GET("/leaderboard", a.getLeaderboard)
}

func (a *API) listSessions(c *gin.Context) {
	views, err := a.views(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (a *API) getSession(c *gin.Context) {
	resp, err := a.GetSession(c.Request.Context(), &SessionRequest{SessionID: c.Param("id")})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a *API) getLeaderboard(c *gin.Context) {
	if a.lb == nil {
		abort(c, errors.NotFound("leaderboards are disabled"))
		return
	}

	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			abort(c, errors.Validation("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	l, err := a.lb.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		SessionID: c.Query("session_id"),
		Limit:     limit,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, l)
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
