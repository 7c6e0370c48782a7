package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const discordLookupTimeout = 5 * time.Second

var _ = MembershipSource(&DiscordBot{})

// DiscordBot is the Discord side of the system: it turns gateway events and slash
// commands into reconciler events and answers membership lookups for resyncs.
type DiscordBot struct {
	ctx      context.Context
	cancelFn context.CancelFunc
	logger   *zap.Logger

	dg               *discordgo.Session
	guildID          string
	registerCommands bool
	policy           Policy

	dispatcher *Dispatcher
}

func NewDiscordSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	dg.StateEnabled = true
	dg.State.TrackMembers = true
	dg.State.TrackRoles = true
	dg.Identify.Intents |= discordgo.IntentGuilds
	dg.Identify.Intents |= discordgo.IntentGuildMembers
	return dg, nil
}

func NewDiscordBot(ctx context.Context, logger *zap.Logger, dg *discordgo.Session, guildID string, policy Policy, registerCommands bool) *DiscordBot {
	ctx, cancelFn := context.WithCancel(ctx)
	return &DiscordBot{
		ctx:      ctx,
		cancelFn: cancelFn,
		logger:   logger.With(zap.String("module", "discord_bot")),

		dg:               dg,
		guildID:          guildID,
		registerCommands: registerCommands,
		policy:           policy,
	}
}

// Start installs the gateway handlers and opens the session.
func (b *DiscordBot) Start(dispatcher *Dispatcher) error {
	b.dispatcher = dispatcher
	dg := b.dg
	logger := b.logger

	dg.AddHandlerOnce(func(s *discordgo.Session, m *discordgo.Ready) {
		logger.Info("Logged in", zap.String("username", m.User.Username), zap.String("bot_id", m.User.ID))
		if !b.registerCommands {
			return
		}
		if err := b.syncCommands(m.User.ID); err != nil {
			logger.Error("Error registering slash commands", zap.Error(err))
		}
	})

	dg.AddHandler(func(s *discordgo.Session, m *discordgo.GuildMemberUpdate) {
		if m.GuildID != b.guildID {
			return
		}
		ev, ok := roleChangeFromMemberUpdate(m)
		if !ok {
			return
		}
		b.dispatcher.Notify(ev)
	})

	dg.AddHandler(func(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
		if m.GuildID != b.guildID || m.Member == nil || m.Member.User == nil {
			return
		}
		userID, err := ParseUserID(m.Member.User.ID)
		if err != nil {
			return
		}
		logger.Info("Member removed", zap.String("discord_id", m.Member.User.ID))
		b.dispatcher.Notify(RoleChanged{UserID: userID, BeforeUnknown: true})
	})

	dg.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		if err := b.handleInteractionCreate(s, i); err != nil {
			logger.Error("Error handling interaction", zap.String("command", i.ApplicationCommandData().Name), zap.Error(err))
		}
	})

	if err := dg.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	logger.Info("Discord bot started", zap.String("guild_id", b.guildID), zap.Any("allowed_roles", b.policy.AllowedRoles), zap.Any("admin_roles", b.policy.AdminRoles))
	return nil
}

func (b *DiscordBot) Stop() {
	b.cancelFn()
	if err := b.dg.Close(); err != nil {
		b.logger.Warn("Error closing discord session", zap.Error(err))
	}
}

// CurrentRoles returns the user's roles in the configured guild.
func (b *DiscordBot) CurrentRoles(ctx context.Context, userID UserID) ([]RoleID, error) {
	member, err := b.GuildMember(ctx, userID.String())
	if err != nil {
		return nil, err
	}
	return ParseRoleIDs(member.Roles), nil
}

// GuildMember loads a member from the state cache, falling back to the REST API.
func (b *DiscordBot) GuildMember(ctx context.Context, discordID string) (*discordgo.Member, error) {
	if member, err := b.dg.State.Member(b.guildID, discordID); err == nil && member != nil {
		return member, nil
	}

	ctx, cancel := context.WithTimeout(ctx, discordLookupTimeout)
	defer cancel()

	member, err := b.dg.GuildMember(b.guildID, discordID, discordgo.WithContext(ctx))
	if err != nil {
		if IsDiscordErrorCode(err, discordgo.ErrCodeUnknownMember) || IsDiscordErrorCode(err, discordgo.ErrCodeUnknownUser) {
			return nil, ErrNotAMember
		}
		return nil, fmt.Errorf("error getting guild member: %w", err)
	}
	if member.GuildID == "" {
		member.GuildID = b.guildID
	}
	if err := b.dg.State.MemberAdd(member); err != nil {
		b.logger.Debug("Error caching guild member", zap.String("discord_id", discordID), zap.Error(err))
	}
	return member, nil
}

func IsDiscordErrorCode(err error, code int) bool {
	var restError *discordgo.RESTError
	if errors.As(err, &restError) && restError.Message != nil && restError.Message.Code == code {
		return true
	}
	return false
}

// roleChangeFromMemberUpdate builds a RoleChanged event. Without a cached
// previous member the prior roles are unknown.
func roleChangeFromMemberUpdate(e *discordgo.GuildMemberUpdate) (RoleChanged, bool) {
	if e.Member == nil || e.Member.User == nil {
		return RoleChanged{}, false
	}
	userID, err := ParseUserID(e.Member.User.ID)
	if err != nil {
		return RoleChanged{}, false
	}
	ev := RoleChanged{
		UserID:     userID,
		RolesAfter: ParseRoleIDs(e.Member.Roles),
	}
	if e.BeforeUpdate != nil {
		ev.RolesBefore = ParseRoleIDs(e.BeforeUpdate.Roles)
	} else {
		ev.BeforeUnknown = true
	}
	return ev, true
}
