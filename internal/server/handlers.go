package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
	"github.com/nhle/mailhub/internal/source"
)

const maxLimit = 500

// emailsResponse is the body of every endpoint returning a merged sequence.
type emailsResponse struct {
	Success    bool              `json:"success"`
	RequestID  string            `json:"requestId"`
	Emails     []model.Message   `json:"emails"`
	Count      int               `json:"count"`
	TotalCount int               `json:"totalCount"`
	Providers  int               `json:"providers"`
	Responded  int               `json:"responded"`
	Errors     map[string]string `json:"errors"`
}

func newEmailsResponse(res *provider.AggregateResult[*source.SearchResult]) emailsResponse {
	emails := res.Merged
	if emails == nil {
		emails = []model.Message{}
	}
	errs := res.Errors()
	return emailsResponse{
		// An endpoint only fails when every provider failed.
		Success:    len(res.ByProvider) == 0 || res.Succeeded() > 0,
		RequestID:  res.RequestID.String(),
		Emails:     emails,
		Count:      len(emails),
		TotalCount: res.TotalCount,
		Providers:  len(res.ByProvider),
		Responded:  res.Succeeded(),
		Errors:     errs,
	}
}

func queryLimit(c *fiber.Ctx) (int, error) {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return 0, badRequest("limit must not be negative", nil)
	}
	return min(limit, maxLimit), nil
}

func (s *Server) handleRecent(c *fiber.Ctx) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	res := s.manager.RecentAll(c.UserContext(), limit)
	return c.JSON(newEmailsResponse(res))
}

func (s *Server) handleSearch(c *fiber.Ctx) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		return badRequest("query parameter q is required", nil)
	}
	res := s.manager.SearchAll(c.UserContext(), source.SearchOptions{
		Query:       q,
		MaxResults:  limit,
		IncludeBody: c.QueryBool("body", false),
	})
	return c.JSON(newEmailsResponse(res))
}

func (s *Server) handleUnread(c *fiber.Ctx) error {
	return c.JSON(s.manager.UnreadCountsAll(c.UserContext()))
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(s.manager.StatsAll(c.UserContext()))
}

func (s *Server) handleInsights(c *fiber.Ctx) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	ins := s.manager.InsightsAll(c.UserContext(), provider.InsightOptions{
		Limit: limit,
		Top:   c.QueryInt("top", 0),
	})
	return c.JSON(ins)
}

func (s *Server) handleProviders(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success":   true,
		"providers": s.manager.Statuses(),
	})
}

func (s *Server) handleRefresh(c *fiber.Ctx) error {
	statuses := s.manager.RefreshAllConnections(c.UserContext())
	return c.JSON(fiber.Map{
		"success":   true,
		"providers": statuses,
	})
}

func (s *Server) handleProviderDetail(c *fiber.Ctx) error {
	id := c.Params("id")
	detail := s.manager.ProviderDetail(c.UserContext(), id)
	if !s.manager.Has(id) {
		return c.Status(fiber.StatusNotFound).JSON(detail)
	}
	return c.JSON(detail)
}

func (s *Server) handleDisconnect(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.manager.Disconnect(c.UserContext(), id); err != nil {
		return fromProviderError("disconnect failed", err)
	}
	return c.JSON(fiber.Map{"success": true, "provider": id})
}

func (s *Server) handleReconnect(c *fiber.Ctx) error {
	st, err := s.manager.Reconnect(c.UserContext(), c.Params("id"))
	if err != nil {
		return fromProviderError("reconnect failed", err)
	}
	return c.JSON(fiber.Map{"success": true, "status": st})
}

func (s *Server) handleGetEmail(c *fiber.Ctx) error {
	id, emailID := c.Params("id"), c.Params("emailId")
	msg, err := s.manager.GetEmail(c.UserContext(), id, emailID, c.QueryBool("body", true))
	if err != nil {
		return fromProviderError("fetching email failed", err)
	}
	if msg == nil {
		return notFound("email not found", nil)
	}
	return c.JSON(fiber.Map{"success": true, "email": msg})
}

func (s *Server) handleMarkRead(c *fiber.Ctx) error {
	id, emailID := c.Params("id"), c.Params("emailId")
	if err := s.manager.MarkAsRead(c.UserContext(), id, emailID); err != nil {
		return fromProviderError("marking email read failed", err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleAuthURL(c *fiber.Ctx) error {
	u, err := s.manager.AuthURL(c.Params("id"), c.Query("state"))
	if err != nil {
		return fromProviderError("authorization unavailable", err)
	}
	return c.JSON(fiber.Map{"success": true, "url": u})
}

func (s *Server) handleAuthCallback(c *fiber.Ctx) error {
	if e := c.Query("error"); e != "" {
		return badRequest("authorization denied: "+e, nil)
	}
	code := c.Query("code")
	if code == "" {
		return badRequest("query parameter code is required", nil)
	}
	st, err := s.manager.AuthCallback(c.UserContext(), c.Params("id"), code)
	if err != nil {
		return fromProviderError("authorization failed", err)
	}
	return c.JSON(fiber.Map{"success": true, "status": st})
}
