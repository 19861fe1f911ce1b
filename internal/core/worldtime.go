package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/calendar"
	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/events"
	apperrors "github.com/campaignforge/core/internal/pkg/errors"
)

// GetCurrentWorldTime returns campaignID's current world time, or "" if one
// has never been set.
func (s *Service) GetCurrentWorldTime(ctx context.Context, campaignID, userID string) (string, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignRead); err != nil {
		return "", err
	}
	var current *string
	err := s.pool.QueryRow(ctx, `SELECT current_world_time FROM campaigns WHERE id = $1`, campaignID).Scan(&current)
	if err != nil {
		if isNoRows(err) {
			return "", apperrors.NotFound(apperrors.CodeCampaignNotFound, "campaign not found").WithDetail("campaignId", campaignID)
		}
		return "", fmt.Errorf("core: get current world time: %w", err)
	}
	if current == nil {
		return "", nil
	}
	return *current, nil
}

// AdvanceWorldTime moves campaignID's clock forward to to, rejecting any
// attempt to move it backward or leave it unchanged under the campaign's
// calendar arithmetic, and optimistically locked on expectedVersion.
func (s *Service) AdvanceWorldTime(ctx context.Context, campaignID, userID, to string, expectedVersion int) (string, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignWrite); err != nil {
		return "", err
	}

	def, err := s.loadCalendar(ctx, campaignID)
	if err != nil {
		return "", err
	}

	var current *string
	var version int
	err = s.pool.QueryRow(ctx, `SELECT current_world_time, version FROM campaigns WHERE id = $1`, campaignID).Scan(&current, &version)
	if err != nil {
		if isNoRows(err) {
			return "", apperrors.NotFound(apperrors.CodeCampaignNotFound, "campaign not found").WithDetail("campaignId", campaignID)
		}
		return "", fmt.Errorf("core: load campaign for advance: %w", err)
	}
	if version != expectedVersion {
		return "", apperrors.ErrVersionConflict("CAMPAIGN", campaignID, expectedVersion, version)
	}

	toDate, err := calendar.ParseWorldDate(to, def)
	if err != nil {
		return "", err
	}
	if current != nil {
		currentDate, err := calendar.ParseWorldDate(*current, def)
		if err != nil {
			return "", err
		}
		if calendar.Compare(toDate, currentDate, *def) <= 0 {
			return "", apperrors.ErrPastOrEqualTime(campaignID).
				WithDetail("current", *current).WithDetail("requested", to)
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET current_world_time = $1, version = version + 1 WHERE id = $2 AND version = $3`,
		to, campaignID, expectedVersion)
	if err != nil {
		return "", fmt.Errorf("core: advance world time: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", apperrors.ErrVersionConflict("CAMPAIGN", campaignID, expectedVersion, version)
	}

	if _, err := s.Audit.Log(ctx, userID, "CAMPAIGN", campaignID, "UPDATE", marshalOrNil(current), marshalOrNil(to), nil, "advance world time"); err != nil {
		return "", err
	}
	s.publishAfterCommit(events.CampaignRoom(campaignID), newEvent(events.TypeWorldTimeChanged, map[string]string{"worldTime": to}, userID, ""))
	return to, nil
}

func (s *Service) loadCalendar(ctx context.Context, campaignID string) (*calendar.Definition, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT w.calendar FROM campaigns c JOIN worlds w ON w.id = c.world_id WHERE c.id = $1`, campaignID).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.NotFound(apperrors.CodeCampaignNotFound, "campaign not found").WithDetail("campaignId", campaignID)
		}
		return nil, fmt.Errorf("core: load calendar: %w", err)
	}

	var c domain.Calendar
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("core: unmarshal calendar: %w", err)
	}
	return &calendar.Definition{
		ID: c.ID, Name: c.Name, MonthsPerYear: c.MonthsPerYear,
		DaysPerMonth: c.DaysPerMonth, MonthNames: c.MonthNames, Epoch: c.Epoch, Notes: c.Notes,
	}, nil
}
