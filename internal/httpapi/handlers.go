package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Codeman-lex/intellimail/internal/intellimail"
	"github.com/gin-gonic/gin"
)

const (
	defaultResultLimit = 50
	maxResultLimit     = 500
)

type categoryCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

func (s *Server) handleAggregates(c *gin.Context) {
	owner := c.Param("owner")
	from, to, ok := s.timeRange(c)
	if !ok {
		return
	}
	granularity := c.DefaultQuery("granularity", "hour")
	width, err := intellimail.ParseGranularity(granularity)
	if err != nil {
		s.abort(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	buckets, err := s.svc.Aggregator().Buckets(c.Request.Context(), owner, from, to, width)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ownerId":     owner,
		"granularity": strings.ToLower(granularity),
		"from":        optionalTime(from),
		"to":          optionalTime(to),
		"buckets":     buckets,
	})
}

func (s *Server) handleCategories(c *gin.Context) {
	owner := c.Param("owner")
	from, to, ok := s.timeRange(c)
	if !ok {
		return
	}
	counts, err := s.svc.Aggregator().CategoryCounts(c.Request.Context(), owner, from, to)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]categoryCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, categoryCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	c.JSON(http.StatusOK, gin.H{"ownerId": owner, "categories": out})
}

func (s *Server) handleResults(c *gin.Context) {
	owner := c.Param("owner")
	from, to, ok := s.timeRange(c)
	if !ok {
		return
	}
	limit, err := parseOptionalBoundedInt(c.Query("limit"), defaultResultLimit, 1, maxResultLimit)
	if err != nil {
		s.abort(c, http.StatusBadRequest, "bad_request", "invalid limit")
		return
	}
	offset, err := parseOptionalBoundedInt(c.Query("offset"), 0, 0, maxResultOffset)
	if err != nil {
		s.abort(c, http.StatusBadRequest, "bad_request", "invalid offset")
		return
	}
	query := intellimail.ResultQuery{
		OwnerID:  owner,
		From:     from,
		To:       to,
		Category: strings.TrimSpace(c.Query("category")),
		Limit:    limit,
		Offset:   offset,
	}
	if raw := strings.TrimSpace(c.Query("sentiment")); raw != "" {
		sentiment := intellimail.Sentiment(strings.ToLower(raw))
		switch sentiment {
		case intellimail.SentimentPositive, intellimail.SentimentNeutral, intellimail.SentimentNegative:
			query.Sentiment = sentiment
		default:
			s.abort(c, http.StatusBadRequest, "bad_request", "sentiment must be positive, neutral or negative")
			return
		}
	}
	results, err := s.svc.Backend().ListResults(c.Request.Context(), query)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": results, "limit": limit, "offset": offset})
}

func (s *Server) handleMessageResult(c *gin.Context) {
	owner := c.Param("owner")
	result, err := s.svc.Backend().LatestResult(c.Request.Context(), c.Param("messageID"))
	if err == nil && result.OwnerID != owner {
		err = fmt.Errorf("%w: message %s", intellimail.ErrNotFound, c.Param("messageID"))
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.svc.Status(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleTask(c *gin.Context) {
	task, err := s.svc.Task(c.Request.Context(), c.Param("taskID"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleReplay(c *gin.Context) {
	task, err := s.svc.Replay(c.Request.Context(), c.Param("taskID"))
	if errors.Is(err, intellimail.ErrInvalidInput) {
		s.abort(c, http.StatusConflict, "not_replayable", err.Error())
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

func (s *Server) handleRecompute(c *gin.Context) {
	owner := c.Param("owner")
	n, err := s.svc.Recompute(c.Request.Context(), owner)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ownerId": owner, "results": n})
}

func (s *Server) handleSweep(c *gin.Context) {
	report, err := s.svc.Sweep(c.Request.Context(), c.Param("owner"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, report)
}

// timeRange reads from and to as RFC 3339 timestamps or YYYY-MM-DD dates.
func (s *Server) timeRange(c *gin.Context) (time.Time, time.Time, bool) {
	from, err := parseTimeParam(c.Query("from"))
	if err != nil {
		s.abort(c, http.StatusBadRequest, "bad_request", "invalid from: "+err.Error())
		return time.Time{}, time.Time{}, false
	}
	to, err := parseTimeParam(c.Query("to"))
	if err != nil {
		s.abort(c, http.StatusBadRequest, "bad_request", "invalid to: "+err.Error())
		return time.Time{}, time.Time{}, false
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		s.abort(c, http.StatusBadRequest, "bad_request", "from must be before to")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.New("expected RFC 3339 or YYYY-MM-DD")
	}
	return t.UTC(), nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

const maxResultOffset = 1<<31 - 1

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < min {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	if parsed > max {
		return max, nil
	}
	return parsed, nil
}
