package core

import (
	"context"

	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/events"
)

// Subscribe re-verifies campaign membership and joins the caller to
// campaignID's room, returning a Subscriber the caller drains until it
// disconnects (subscription is never trusted off the JWT alone,
// every WebSocket upgrade re-checks membership the same way a REST call
// would).
func (s *Service) Subscribe(ctx context.Context, campaignID, userID string) (*events.Subscriber, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignRead); err != nil {
		return nil, err
	}
	return s.Hub.Subscribe(events.CampaignRoom(campaignID)), nil
}

// Unsubscribe detaches sub from every room it joined.
func (s *Service) Unsubscribe(sub *events.Subscriber) {
	sub.Close()
}

// JoinSettlementRoom additionally joins sub to settlementID's room, so a
// campaign subscriber can narrow its feed to one settlement's updates
// without opening a second connection.
func (s *Service) JoinSettlementRoom(ctx context.Context, campaignID, userID, settlementID string, sub *events.Subscriber) error {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignRead); err != nil {
		return err
	}
	s.Hub.Join(sub, events.SettlementRoom(settlementID))
	return nil
}

// JoinStructureRoom additionally joins sub to structureID's room.
func (s *Service) JoinStructureRoom(ctx context.Context, campaignID, userID, structureID string, sub *events.Subscriber) error {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignRead); err != nil {
		return err
	}
	s.Hub.Join(sub, events.StructureRoom(structureID))
	return nil
}

// LeaveSettlementRoom removes sub from settlementID's room without
// closing the underlying subscription.
func (s *Service) LeaveSettlementRoom(sub *events.Subscriber, settlementID string) {
	s.Hub.Leave(sub, events.SettlementRoom(settlementID))
}

// LeaveStructureRoom removes sub from structureID's room without closing
// the underlying subscription.
func (s *Service) LeaveStructureRoom(sub *events.Subscriber, structureID string) {
	s.Hub.Leave(sub, events.StructureRoom(structureID))
}
