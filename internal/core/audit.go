package core

import (
	"context"
	"io"

	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/governance/audit"
)

// QueryAudit returns up to limit audit entries matching filter, newest
// first. Players, the only role besides GM and OWNER that holds
// PermAuditRead, are restricted to entries they authored themselves,
// regardless of filter.Actor.
func (s *Service) QueryAudit(ctx context.Context, campaignID, userID string, filter audit.QueryFilter, cursor audit.Cursor, limit int) ([]*audit.Entry, audit.Cursor, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermAuditRead); err != nil {
		return nil, "", err
	}
	if err := s.restrictToSelf(ctx, campaignID, userID, &filter); err != nil {
		return nil, "", err
	}
	return s.Audit.Query(ctx, filter, cursor, limit)
}

// CountAudit returns the number of audit entries matching filter, subject to
// the same self-only restriction as QueryAudit.
func (s *Service) CountAudit(ctx context.Context, campaignID, userID string, filter audit.QueryFilter) (int64, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermAuditRead); err != nil {
		return 0, err
	}
	if err := s.restrictToSelf(ctx, campaignID, userID, &filter); err != nil {
		return 0, err
	}
	return s.Audit.Count(ctx, filter)
}

// ExportAudit streams entries matching filter to w in the given format.
// Export requires PermAuditExport, which only GM and OWNER hold; callers
// with any other role are refused.
func (s *Service) ExportAudit(ctx context.Context, w io.Writer, campaignID, userID string, filter audit.QueryFilter, format audit.ExportFormat) error {
	if err := s.require(ctx, campaignID, userID, authz.PermAuditExport); err != nil {
		return err
	}
	if err := s.restrictToSelf(ctx, campaignID, userID, &filter); err != nil {
		return err
	}
	return s.Audit.Export(ctx, w, filter, format)
}

// restrictToSelf pins filter.Actor to userID for roles without broad audit
// visibility (Player, Viewer). GM and OWNER see the whole campaign's log.
func (s *Service) restrictToSelf(ctx context.Context, campaignID, userID string, filter *audit.QueryFilter) error {
	if s.Gate == nil {
		return nil
	}
	role, err := s.Gate.RoleOf(ctx, campaignID, userID)
	if err != nil {
		return err
	}
	if role == domain.RoleOwner || role == domain.RoleGM {
		return nil
	}
	filter.Actor = userID
	return nil
}
