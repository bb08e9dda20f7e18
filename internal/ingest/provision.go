// ABOUTME: Channel resolution and auto-provisioning for GUI-originated messages
// ABOUTME: Creates missing channels idempotently and keeps the author in the participant set

package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/2389/coven-hub/internal/store"
)

// channelPlan is the outcome of read-only channel resolution: either an
// existing channel the author may post in, or a row to provision.
type channelPlan struct {
	existing     *store.MessageChannel
	create       *store.MessageChannel
	participants []string
}

// channelID is where the message will land if provisioning does not redirect it.
func (p *channelPlan) channelID() string {
	if p.existing != nil {
		return p.existing.ID
	}
	return p.create.ID
}

// ResolveChannel returns the channel a GUI post targets, creating it when the
// id is unknown. The bool reports whether this call inserted the channel row.
//
// A missing server fails the request. DIRECT channels need a second participant
// distinct from the author; if the pair already has a DM on the server, that
// channel is returned instead of creating a second one.
func (s *Service) ResolveChannel(ctx context.Context, req PostRequest) (*store.MessageChannel, bool, error) {
	plan, err := s.planChannel(ctx, req)
	if err != nil {
		return nil, false, err
	}
	return s.provision(ctx, plan, req)
}

// planChannel works out where a post goes and rejects it if the author may
// not post there. It only reads.
func (s *Service) planChannel(ctx context.Context, req PostRequest) (*channelPlan, error) {
	channel, err := s.store.GetChannel(ctx, req.ChannelID)
	if err == nil {
		if channel.MessageServerID != req.ServerID {
			return nil, invalid("channel %s does not belong to server %s", req.ChannelID, req.ServerID)
		}
		if err := s.checkMember(ctx, channel, req.AuthorID); err != nil {
			return nil, err
		}
		return &channelPlan{existing: channel}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up channel: %w", err)
	}

	if _, err := s.store.GetServer(ctx, req.ServerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("server %s: %w", req.ServerID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("looking up server: %w", err)
	}

	channelType := classify(req)
	participants := []string{req.AuthorID}
	name := req.ChannelName

	if channelType == store.ChannelTypeDM {
		target := req.TargetUserID
		if target == "" {
			target = req.Metadata.TargetUserID()
		}
		if target == "" || target == req.AuthorID {
			return nil, invalid("a direct channel needs a targetUserId other than the author")
		}

		existing, err := s.store.FindDMChannel(ctx, req.AuthorID, target, req.ServerID)
		if err == nil {
			s.logger.Info("redirecting to existing direct channel",
				"requested_id", req.ChannelID, "channel_id", existing.ID)
			return &channelPlan{existing: existing}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("looking up direct channel: %w", err)
		}

		// The pair name is what keeps a server to one DM per pair
		name = store.DMChannelName(req.AuthorID, target)
		participants = append(participants, target)
	}
	if name == "" {
		name = defaultChannelName(req.ChannelID)
	}

	return &channelPlan{
		create: &store.MessageChannel{
			ID:              req.ChannelID,
			MessageServerID: req.ServerID,
			Name:            name,
			Type:            channelType,
			SourceType:      store.SourceTypeHub,
		},
		participants: participants,
	}, nil
}

// provision applies a plan: joins the author to an existing channel or
// inserts the planned one. A racing creator's row is returned when it won.
func (s *Service) provision(ctx context.Context, plan *channelPlan, req PostRequest) (*store.MessageChannel, bool, error) {
	if plan.existing != nil {
		if err := s.store.AddParticipants(ctx, plan.existing.ID, []string{req.AuthorID}); err != nil {
			return nil, false, fmt.Errorf("adding author to channel: %w", err)
		}
		return plan.existing, false, nil
	}

	stamp := time.Now().UTC().Truncate(time.Microsecond)
	channel := *plan.create
	channel.CreatedAt = stamp
	channel.UpdatedAt = stamp
	if err := s.store.CreateChannel(ctx, &channel, plan.participants); err != nil {
		if errors.Is(err, store.ErrInvalidArgument) {
			return nil, false, invalid("channel %s does not belong to server %s", req.ChannelID, req.ServerID)
		}
		return nil, false, fmt.Errorf("auto-provisioning channel: %w", err)
	}

	// Another request may have won the insert; its row comes back with its own id or timestamp
	created := channel.ID == plan.create.ID && channel.CreatedAt.Equal(stamp)
	if created {
		s.logger.Info("auto-provisioned channel",
			"channel_id", channel.ID, "server_id", channel.MessageServerID, "type", channel.Type)
	} else if channel.ID != plan.create.ID {
		s.logger.Info("redirecting to existing direct channel",
			"requested_id", plan.create.ID, "channel_id", channel.ID)
	}
	return &channel, created, nil
}

// checkMember rejects an author who may not join channel. DIRECT channels
// accept a new member only while they have fewer than two.
func (s *Service) checkMember(ctx context.Context, channel *store.MessageChannel, authorID string) error {
	if channel.Type != store.ChannelTypeDM {
		return nil
	}

	members, err := s.store.GetParticipants(ctx, channel.ID)
	if err != nil {
		return fmt.Errorf("reading participants: %w", err)
	}
	if slices.Contains(members, authorID) {
		return nil
	}
	if len(members) >= 2 {
		return invalid("author %s is not a participant of direct channel %s", authorID, channel.ID)
	}
	return nil
}

// classify picks the channel type: explicit request field, then metadata hint, then GROUP.
func classify(req PostRequest) store.ChannelType {
	if t, ok := store.ParseChannelType(req.ChannelType); ok {
		return t
	}
	if t, ok := req.Metadata.ChannelTypeHint(); ok {
		return t
	}
	return store.ChannelTypeGroup
}

func defaultChannelName(channelID string) string {
	prefix := channelID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "Channel " + prefix
}
