package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	commandLink   = "mc_link"
	commandUnlink = "mc_unlink"
	commandSync   = "mc_sync"

	// Interaction tokens expire after 15 minutes.
	interactionTimeout = 14 * time.Minute
)

var slashCommands = []*discordgo.ApplicationCommand{
	{
		Name:        commandLink,
		Description: "Link your Discord account to a Minecraft username.",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "name",
				Description: "Your Minecraft username",
				Required:    true,
				MinLength:   ptr(1),
				MaxLength:   16,
			},
		},
	},
	{
		Name:        commandUnlink,
		Description: "Unlink your Minecraft account and remove it from the whitelist.",
	},
	{
		Name:        commandSync,
		Description: "Re-apply the whitelist for every linked account (admins only).",
	},
}

func ptr[T any](v T) *T {
	return &v
}

// syncCommands registers the slash commands in the configured guild, falling
// back to global registration when the guild overwrite is rejected.
func (b *DiscordBot) syncCommands(appID string) error {
	names := make([]string, 0, len(slashCommands))
	for _, c := range slashCommands {
		names = append(names, c.Name)
	}

	_, err := b.dg.ApplicationCommandBulkOverwrite(appID, b.guildID, slashCommands)
	if err == nil {
		b.logger.Info("Registered guild slash commands", zap.String("guild_id", b.guildID), zap.Strings("command_names", names))
		return nil
	}
	b.logger.Warn("Failed to register guild slash commands, trying global registration", zap.String("guild_id", b.guildID), zap.Error(err))

	if _, err := b.dg.ApplicationCommandBulkOverwrite(appID, "", slashCommands); err != nil {
		return fmt.Errorf("failed to bulk overwrite application commands: %w", err)
	}
	b.logger.Info("Registered global slash commands", zap.Strings("command_names", names))
	return nil
}

func (b *DiscordBot) handleInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) error {
	user, member := getScopedUserMember(i)
	if user == nil {
		return errors.New("interaction has no user")
	}
	userID, err := ParseUserID(user.ID)
	if err != nil {
		return err
	}
	data := i.ApplicationCommandData()

	logger := b.logger.With(zap.String("command", data.Name), zap.String("discord_id", user.ID), zap.String("username", user.Username))

	var ev Event
	switch data.Name {
	case commandLink:
		name, ok := commandStringOption(data, "name")
		if !ok {
			return simpleInteractionResponse(s, i, "No username provided.")
		}
		ev = LinkRequested{UserID: userID, RawName: name}
	case commandUnlink:
		ev = UnlinkRequested{UserID: userID}
	case commandSync:
		if member == nil || i.GuildID == "" {
			return simpleInteractionResponse(s, i, "This command must be used inside a server, not in DMs.")
		}
		ev = ResyncRequested{RequesterID: userID}
	default:
		return fmt.Errorf("unknown command: %s", data.Name)
	}

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	}); err != nil {
		return fmt.Errorf("failed to send deferred response: %w", err)
	}

	ctx, cancel := context.WithTimeout(b.ctx, interactionTimeout)
	defer cancel()

	// Roles always come from the configured guild, wherever the command was used.
	roles, err := b.CurrentRoles(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotAMember) {
			logger.Warn("Failed to look up requester roles", zap.Error(err))
		}
		if member != nil && i.GuildID == b.guildID {
			roles = ParseRoleIDs(member.Roles)
		}
	}
	switch e := ev.(type) {
	case LinkRequested:
		e.Roles = roles
		ev = e
	case ResyncRequested:
		e.RequesterRoles = roles
		ev = e
	}

	outcome, err := b.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		logger.Error("Failed to dispatch command", zap.Error(err))
		return editInteractionResponse(s, i, "Something went wrong, please try again later.")
	}
	logger.Debug("Command handled", zap.String("message", outcome.Message()))
	return editInteractionResponse(s, i, outcome.Message())
}

func getScopedUserMember(i *discordgo.InteractionCreate) (user *discordgo.User, member *discordgo.Member) {
	if i.User != nil {
		user = i.User
	}

	if i.Member != nil {
		member = i.Member
		if i.Member.User != nil {
			user = i.Member.User
		}
	}
	return user, member
}

func commandStringOption(data discordgo.ApplicationCommandInteractionData, name string) (string, bool) {
	for _, o := range data.Options {
		if o.Name == name && o.Type == discordgo.ApplicationCommandOptionString {
			v := strings.TrimSpace(o.StringValue())
			return v, v != ""
		}
	}
	return "", false
}

func simpleInteractionResponse(s *discordgo.Session, i *discordgo.InteractionCreate, content string) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags:   discordgo.MessageFlagsEphemeral,
			Content: content,
		},
	})
}

func editInteractionResponse(s *discordgo.Session, i *discordgo.InteractionCreate, content string) error {
	_, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &content})
	return err
}
