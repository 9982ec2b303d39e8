package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/internal/metrics"
	"github.com/Gopher0727/Vela/internal/models"
	"github.com/Gopher0727/Vela/internal/services"
)

const (
	replyRestarting  = "🔄 The bot is restarting. Please try again in a moment."
	replyGuildOnly   = "Onboarding only works inside a server."
	replyRateLimited = "⏳ You are going too fast. Please wait a moment and try again."
)

func (b *Bot) onGuildMemberAdd(_ *discordgo.Session, e *discordgo.GuildMemberAdd) {
	metrics.BotEvents.WithLabelValues("guild_member_add").Inc()
	if e.Member == nil || e.Member.User == nil || e.Member.User.Bot {
		return
	}
	if !b.accepting.Load() {
		return
	}
	guildID, user := e.GuildID, e.Member.User
	ctx := newEventContext()

	err := b.submit(guildID, user.ID, func() {
		if _, err := b.onboarding.Join(ctx, services.SystemActor(), guildID, user.ID, user.Username, e.Member.Nick); err != nil {
			b.log.WarnContext(ctx, "join on member add failed",
				zap.String("guild_id", guildID), zap.String("user_id", user.ID), zap.Error(err))
		}
	})
	if err != nil {
		b.log.WarnContext(ctx, "member add dropped", zap.String("guild_id", guildID), zap.Error(err))
	}
}

// onInteractionCreate 按钮、表单和斜杠命令的统一入口
// 实现逻辑：必须在 3 秒内应答，所以只在这里做令牌解析和权限判断；状态转换先 defer 再交给协程池
func (b *Bot) onInteractionCreate(_ *discordgo.Session, e *discordgo.InteractionCreate) {
	i := e.Interaction
	metrics.BotEvents.WithLabelValues("interaction_" + i.Type.String()).Inc()
	ctx := newEventContext()

	if !b.accepting.Load() {
		b.respond(ctx, i, ephemeral(replyRestarting))
		return
	}
	if i.GuildID == "" || i.Member == nil || i.Member.User == nil {
		b.respond(ctx, i, ephemeral(replyGuildOnly))
		return
	}
	if !b.allow(ctx, i.GuildID, i.Member.User.ID) {
		b.respond(ctx, i, ephemeral(replyRateLimited))
		return
	}

	cfg, err := b.config.GetConfig(ctx, i.GuildID)
	if err != nil {
		b.log.WarnContext(ctx, "load guild config", zap.String("guild_id", i.GuildID), zap.Error(err))
		b.respond(ctx, i, ephemeral(errorReply(err)))
		return
	}

	switch i.Type {
	case discordgo.InteractionMessageComponent:
		b.handleComponent(ctx, i, cfg)
	case discordgo.InteractionModalSubmit:
		b.handleModal(ctx, i, cfg)
	case discordgo.InteractionApplicationCommand:
		b.handleCommand(ctx, i, cfg)
	}
}

func (b *Bot) handleComponent(ctx context.Context, i *discordgo.Interaction, cfg *services.GuildConfig) {
	userID := i.Member.User.ID
	res, err := b.registry.Resolve(ctx, i.MessageComponentData().CustomID)
	if err != nil {
		b.log.InfoContext(ctx, "component token rejected", zap.String("user_id", userID), zap.Error(err))
		b.respond(ctx, i, ephemeral(errorReply(err)))
		return
	}
	if res.GuildID != i.GuildID {
		b.respond(ctx, i, ephemeral(errorReply(services.ErrInvalidToken)))
		return
	}

	switch res.Kind {
	case services.KindOnboardingStart:
		b.startOnboarding(ctx, i, cfg)
	case services.KindOnboardingSubmit:
		// 提交令牌只出现在表单上
		b.respond(ctx, i, ephemeral(errorReply(services.ErrInvalidToken)))
	case services.KindInfo:
		b.respond(ctx, i, ephemeral(orDefault(cfg.WelcomeText, defaultInfoText)))
	case services.KindHelp:
		b.respond(ctx, i, ephemeral(orDefault(cfg.HelpText, defaultHelpText)))
	case services.KindAdminAction:
		if !b.isAdmin(cfg, userID) {
			b.respond(ctx, i, ephemeral(errorReply(services.ErrPermissionDenied)))
			return
		}
		b.deferAndRun(ctx, i, res.SubjectID, func() string {
			m, err := b.adminAction(ctx, services.AdminActor(userID), res.GuildID, res.SubjectID, res.Action)
			if err != nil {
				return errorReply(err)
			}
			return fmt.Sprintf("%s: %s is now **%s**.", actionLabel(res.Action), memberSummary(m), m.Status)
		})
	default:
		b.respond(ctx, i, ephemeral(errorReply(services.ErrUnknownHandler)))
	}
}

func (b *Bot) adminAction(ctx context.Context, actor services.Actor, guildID, userID string, action services.AdminAction) (*models.Member, error) {
	switch action {
	case services.AdminActionApprove:
		return b.onboarding.Approve(ctx, actor, guildID, userID)
	case services.AdminActionDemote:
		return b.onboarding.Demote(ctx, actor, guildID, userID)
	case services.AdminActionRemove:
		return b.onboarding.Remove(ctx, actor, guildID, userID)
	}
	return nil, services.ErrUnknownHandler
}

// startOnboarding 打开姓名表单；已完成（且禁止重复引导）或已移除的成员直接提示
func (b *Bot) startOnboarding(ctx context.Context, i *discordgo.Interaction, cfg *services.GuildConfig) {
	userID := i.Member.User.ID
	m, err := b.onboarding.Get(ctx, i.GuildID, userID)
	switch {
	case errors.Is(err, services.ErrMemberNotFound):
	case err != nil:
		b.respond(ctx, i, ephemeral(errorReply(err)))
		return
	case m.Status == models.StatusRemoved:
		b.respond(ctx, i, ephemeral(errorReply(services.ErrMemberRemoved)))
		return
	case m.Status == models.StatusCompleted && cfg.Toggles.PreventReonboarding:
		b.respond(ctx, i, ephemeral(errorReply(services.ErrAlreadyOnboarded)))
		return
	}

	modal, err := b.onboardingModal(i.GuildID, userID)
	if err != nil {
		b.log.ErrorContext(ctx, "issue submit token", zap.Error(err))
		b.respond(ctx, i, ephemeral(errorReply(err)))
		return
	}
	b.respond(ctx, i, modal)
}

func (b *Bot) handleModal(ctx context.Context, i *discordgo.Interaction, cfg *services.GuildConfig) {
	user := i.Member.User
	data := i.ModalSubmitData()
	res, err := b.registry.Resolve(ctx, data.CustomID)
	if err != nil {
		b.log.InfoContext(ctx, "modal token rejected", zap.String("user_id", user.ID), zap.Error(err))
		b.respond(ctx, i, ephemeral(errorReply(err)))
		return
	}
	if res.Kind != services.KindOnboardingSubmit || res.GuildID != i.GuildID || res.SubjectID != user.ID {
		b.respond(ctx, i, ephemeral(errorReply(services.ErrInvalidToken)))
		return
	}

	values := textInputs(data.Components)
	first, last := values[fieldFirstName], values[fieldLastName]
	b.deferAndRun(ctx, i, user.ID, func() string {
		return b.completeOrRename(ctx, cfg, services.UserActor(user.ID), i.GuildID, user, i.Member.Nick, first, last)
	})
}

// completeOrRename 已完成且允许重复引导时改名，否则走提交流程
func (b *Bot) completeOrRename(ctx context.Context, cfg *services.GuildConfig, actor services.Actor, guildID string, user *discordgo.User, nick, first, last string) string {
	m, err := b.onboarding.Get(ctx, guildID, user.ID)
	if err == nil && m.Status == models.StatusCompleted && !cfg.Toggles.PreventReonboarding {
		m, err = b.onboarding.Rename(ctx, actor, guildID, user.ID, first, last)
		if err != nil {
			return errorReply(err)
		}
		return fmt.Sprintf("✅ Your name was updated to **%s**.", m.FullName())
	}

	m, err = b.onboarding.Submit(ctx, actor, guildID, user.ID, services.SubmitRequest{
		FirstName: first,
		LastName:  last,
		Username:  user.Username,
		Nickname:  nick,
	})
	if err != nil {
		return errorReply(err)
	}
	return fmt.Sprintf("🎉 Onboarding complete! Welcome, **%s**.", m.FullName())
}

// memberNick 文本消息事件里 Member 可能为空
func memberNick(m *discordgo.Member) string {
	if m == nil {
		return ""
	}
	return m.Nick
}

// deferAndRun 先 defer 应答，再在成员所在分片执行 job，结果作为 followup 发送
func (b *Bot) deferAndRun(ctx context.Context, i *discordgo.Interaction, subjectID string, job func() string) {
	if !b.respond(ctx, i, deferred()) {
		return
	}
	err := b.submit(i.GuildID, subjectID, func() {
		b.followup(ctx, i, job())
	})
	if err != nil {
		b.log.WarnContext(ctx, "interaction dropped", zap.String("guild_id", i.GuildID), zap.Error(err))
		b.followup(ctx, i, replyRestarting)
	}
}

func (b *Bot) respond(ctx context.Context, i *discordgo.Interaction, resp *discordgo.InteractionResponse) bool {
	if err := b.gateway.InteractionRespond(i, resp, discordgo.WithContext(ctx)); err != nil {
		b.log.WarnContext(ctx, "interaction respond failed", zap.String("interaction_id", i.ID), zap.Error(err))
		return false
	}
	return true
}

func (b *Bot) followup(ctx context.Context, i *discordgo.Interaction, content string) {
	_, err := b.gateway.FollowupMessageCreate(i, false, &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	}, discordgo.WithContext(ctx))
	if err != nil {
		b.log.WarnContext(ctx, "interaction followup failed", zap.String("interaction_id", i.ID), zap.Error(err))
	}
}

// textInputs 取出表单中的文本框值。网关反序列化得到指针形式，构造的测试数据可能是值形式
func textInputs(rows []discordgo.MessageComponent) map[string]string {
	out := make(map[string]string)
	var walk func(c discordgo.MessageComponent)
	walk = func(c discordgo.MessageComponent) {
		switch v := c.(type) {
		case *discordgo.ActionsRow:
			for _, inner := range v.Components {
				walk(inner)
			}
		case discordgo.ActionsRow:
			for _, inner := range v.Components {
				walk(inner)
			}
		case *discordgo.TextInput:
			out[v.CustomID] = strings.TrimSpace(v.Value)
		case discordgo.TextInput:
			out[v.CustomID] = strings.TrimSpace(v.Value)
		}
	}
	for _, row := range rows {
		walk(row)
	}
	return out
}
