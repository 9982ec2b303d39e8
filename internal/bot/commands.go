package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/internal/metrics"
	"github.com/Gopher0727/Vela/internal/models"
	"github.com/Gopher0727/Vela/internal/repositories"
	"github.com/Gopher0727/Vela/internal/services"
)

const (
	cmdOnboard = "onboard"
	cmdRemove  = "remove"
	cmdStats   = "stats"
	cmdList    = "list_members"

	listMembersLimit = 20
)

var slashCommands = []*discordgo.ApplicationCommand{
	{
		Name:        cmdOnboard,
		Description: "Complete onboarding with your first and last name",
		Options: []*discordgo.ApplicationCommandOption{
			{Type: discordgo.ApplicationCommandOptionString, Name: "firstname", Description: "Your first name"},
			{Type: discordgo.ApplicationCommandOptionString, Name: "lastname", Description: "Your last name"},
		},
	},
	{
		Name:        cmdRemove,
		Description: "Remove a member from onboarding (admins only)",
		Options: []*discordgo.ApplicationCommandOption{
			{Type: discordgo.ApplicationCommandOptionUser, Name: "user", Description: "Member to remove", Required: true},
		},
	},
	{
		Name:        cmdStats,
		Description: "Show onboarding statistics (admins only)",
	},
	{
		Name:        cmdList,
		Description: "List onboarding members (admins only)",
	},
}

// registerCommands 全局覆盖斜杠命令，失败只记录日志
func (b *Bot) registerCommands() {
	if b.opts.ApplicationID == "" {
		b.log.Warn("discord application id not set, slash commands not registered")
		return
	}
	if _, err := b.gateway.ApplicationCommandBulkOverwrite(b.opts.ApplicationID, "", slashCommands); err != nil {
		b.log.Warn("register slash commands", zap.Error(err))
	}
}

// commandAllowed commands_enabled 关闭时全部拒绝；配置了允许角色时成员需持有其一，管理员不受限
func (b *Bot) commandAllowed(cfg *services.GuildConfig, userID string, roles []string) bool {
	if !cfg.Toggles.CommandsEnabled {
		return false
	}
	if len(cfg.CommandsAllowedRoles) == 0 || b.isAdmin(cfg, userID) {
		return true
	}
	for _, allowed := range cfg.CommandsAllowedRoles {
		for _, r := range roles {
			if r == allowed {
				return true
			}
		}
	}
	return false
}

func (b *Bot) handleCommand(ctx context.Context, i *discordgo.Interaction, cfg *services.GuildConfig) {
	user := i.Member.User
	if !b.commandAllowed(cfg, user.ID, i.Member.Roles) {
		b.respond(ctx, i, ephemeral(errorReply(services.ErrPermissionDenied)))
		return
	}

	data := i.ApplicationCommandData()
	opts := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(data.Options))
	for _, o := range data.Options {
		opts[o.Name] = o
	}

	switch data.Name {
	case cmdOnboard:
		first, last := optString(opts, "firstname"), optString(opts, "lastname")
		if first == "" || last == "" {
			b.startOnboarding(ctx, i, cfg)
			return
		}
		b.deferAndRun(ctx, i, user.ID, func() string {
			return b.completeOrRename(ctx, cfg, services.UserActor(user.ID), i.GuildID, user, memberNick(i.Member), first, last)
		})

	case cmdRemove:
		if !b.isAdmin(cfg, user.ID) {
			b.respond(ctx, i, ephemeral(errorReply(services.ErrPermissionDenied)))
			return
		}
		o, ok := opts["user"]
		if !ok {
			b.respond(ctx, i, ephemeral(errorReply(&services.ValidationError{Field: "user", Reason: "is required"})))
			return
		}
		target := o.UserValue(nil).ID
		b.deferAndRun(ctx, i, target, func() string {
			m, err := b.onboarding.Remove(ctx, services.AdminActor(user.ID), i.GuildID, target)
			if err != nil {
				return errorReply(err)
			}
			return fmt.Sprintf("🗑️ %s was removed.", memberSummary(m))
		})

	case cmdStats:
		if !b.isAdmin(cfg, user.ID) {
			b.respond(ctx, i, ephemeral(errorReply(services.ErrPermissionDenied)))
			return
		}
		st, err := b.onboarding.Stats(ctx, i.GuildID)
		if err != nil {
			b.respond(ctx, i, ephemeral(errorReply(err)))
			return
		}
		b.respond(ctx, i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags:  discordgo.MessageFlagsEphemeral,
				Embeds: []*discordgo.MessageEmbed{statsEmbed(cfg, st)},
			},
		})

	case cmdList:
		if !b.isAdmin(cfg, user.ID) {
			b.respond(ctx, i, ephemeral(errorReply(services.ErrPermissionDenied)))
			return
		}
		members, total, err := b.onboarding.List(ctx, i.GuildID, repositories.MemberFilter{Page: repositories.Page{Limit: listMembersLimit}})
		if err != nil {
			b.respond(ctx, i, ephemeral(errorReply(err)))
			return
		}
		if len(members) == 0 {
			b.respond(ctx, i, ephemeral("No members found."))
			return
		}
		b.respond(ctx, i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags:  discordgo.MessageFlagsEphemeral,
				Embeds: []*discordgo.MessageEmbed{membersEmbed(members, total)},
			},
		})

	default:
		b.respond(ctx, i, ephemeral(errorReply(services.ErrUnknownHandler)))
	}
}

func optString(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if o, ok := opts[name]; ok {
		return strings.TrimSpace(o.StringValue())
	}
	return ""
}

// membersEmbed 每行一个成员：状态、用户名、昵称
func membersEmbed(members []models.Member, total int64) *discordgo.MessageEmbed {
	lines := make([]string, 0, len(members))
	for _, m := range members {
		mark := "❌"
		if m.Status == models.StatusCompleted {
			mark = "✅"
		}
		lines = append(lines, fmt.Sprintf("%s %s (%s)", mark, m.Username, orDefault(m.Nickname, "no nickname")))
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Members",
		Description: strings.Join(lines, "\n"),
		Color:       0x57F287,
	}
	if total > int64(len(members)) {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Showing %d of %d members", len(members), total)}
	}
	return embed
}

func statsEmbed(cfg *services.GuildConfig, st *services.Stats) *discordgo.MessageEmbed {
	field := func(name string, v int64) *discordgo.MessageEmbedField {
		return &discordgo.MessageEmbedField{Name: name, Value: fmt.Sprint(v), Inline: true}
	}
	return &discordgo.MessageEmbed{
		Title: "Onboarding stats for " + orDefault(cfg.Name, cfg.GuildID),
		Color: 0x57F287,
		Fields: []*discordgo.MessageEmbedField{
			field("Members", st.Total),
			field("Onboarded", st.Onboarded),
			field("Pending", st.Pending),
			field("Removed", st.Removed),
		},
	}
}

// onMessageCreate 旧版文本命令：!reinit / !nick / !setnick First Last / !help
func (b *Bot) onMessageCreate(_ *discordgo.Session, e *discordgo.MessageCreate) {
	if e.Author == nil || e.Author.Bot || e.GuildID == "" {
		return
	}
	if !strings.HasPrefix(e.Content, b.opts.CommandPrefix) {
		return
	}
	fields := strings.Fields(strings.TrimPrefix(e.Content, b.opts.CommandPrefix))
	if len(fields) == 0 {
		return
	}
	metrics.BotEvents.WithLabelValues("message_command").Inc()
	if !b.accepting.Load() {
		return
	}

	ctx := newEventContext()
	guildID, user := e.GuildID, e.Author
	cfg, err := b.config.GetConfig(ctx, guildID)
	if err != nil {
		return
	}
	var roles []string
	if e.Member != nil {
		roles = e.Member.Roles
	}
	if !b.commandAllowed(cfg, user.ID, roles) {
		return
	}
	if !b.allow(ctx, guildID, user.ID) {
		b.reply(ctx, e.ChannelID, replyRateLimited)
		return
	}

	var job func() string
	switch strings.ToLower(fields[0]) {
	case "reinit":
		job = func() string {
			if _, err := b.onboarding.Join(ctx, services.UserActor(user.ID), guildID, user.ID, user.Username, memberNick(e.Member)); err != nil {
				return errorReply(err)
			}
			return "✅ Reinitialized!"
		}
	case "nick":
		job = func() string {
			m, err := b.onboarding.Get(ctx, guildID, user.ID)
			if err != nil {
				return errorReply(err)
			}
			if m.Status == models.StatusCompleted && m.Nickname != "" {
				return fmt.Sprintf("Your nickname is **%s**.", m.Nickname)
			}
			return fmt.Sprintf("You have no onboarding nickname yet (username **%s**).", user.Username)
		}
	case "setnick":
		if len(fields) < 3 {
			b.reply(ctx, e.ChannelID, fmt.Sprintf("Usage: `%ssetnick First Last`", b.opts.CommandPrefix))
			return
		}
		first, last := fields[1], strings.Join(fields[2:], " ")
		job = func() string {
			return b.completeOrRename(ctx, cfg, services.UserActor(user.ID), guildID, user, memberNick(e.Member), first, last)
		}
	case "help":
		b.reply(ctx, e.ChannelID, orDefault(cfg.HelpText, defaultHelpText))
		return
	default:
		return
	}

	err = b.submit(guildID, user.ID, func() {
		b.reply(ctx, e.ChannelID, job())
	})
	if err != nil {
		b.log.WarnContext(ctx, "message command dropped", zap.String("guild_id", guildID), zap.Error(err))
	}
}

func (b *Bot) reply(ctx context.Context, channelID, content string) {
	if _, err := b.gateway.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx)); err != nil {
		b.log.WarnContext(ctx, "send reply failed", zap.String("channel_id", channelID), zap.Error(err))
	}
}
