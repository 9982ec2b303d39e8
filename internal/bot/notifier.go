package bot

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/internal/models"
	"github.com/Gopher0727/Vela/internal/services"
	logger "github.com/Gopher0727/Vela/middleware/log"
)

// Notifier 把成员加入、完成引导的审计事件发到 guild 的日志频道，并附带管理按钮
// Kafka 开启时由审计 topic 的消费者驱动，否则直接作为审计 sink 挂到 AuditService
type Notifier struct {
	session  Session
	registry *services.InteractionRegistry
	config   ConfigReader
	log      *logger.Logger
}

var _ services.AuditSink = (*Notifier)(nil)

func NewNotifier(session Session, registry *services.InteractionRegistry, config ConfigReader, log *logger.Logger) *Notifier {
	return &Notifier{session: session, registry: registry, config: config, log: log.Named("notifier")}
}

func (n *Notifier) Name() string { return "discord" }

func (n *Notifier) Publish(ctx context.Context, entry *models.AuditLog) error {
	return n.Notify(ctx, entry)
}

// Notify 只处理成功的 member_join / onboarding_completed，其余条目忽略
func (n *Notifier) Notify(ctx context.Context, entry *models.AuditLog) error {
	if !entry.Success || entry.TargetType != models.TargetMember {
		return nil
	}
	var (
		title   string
		color   int
		actions []services.AdminAction
	)
	cfg, err := n.config.GetConfig(ctx, entry.GuildID)
	if err != nil {
		return fmt.Errorf("load guild config: %w", err)
	}
	switch entry.Action {
	case models.ActionMemberJoin:
		if !cfg.Toggles.NotifyOnJoin {
			return nil
		}
		title, color = "New member joined", 0x5865F2
		actions = []services.AdminAction{services.AdminActionApprove, services.AdminActionRemove}
	case models.ActionOnboardingCompleted:
		if !cfg.Toggles.NotifyOnComplete {
			return nil
		}
		title, color = "Onboarding completed", 0x57F287
		actions = []services.AdminAction{services.AdminActionDemote, services.AdminActionRemove}
	default:
		return nil
	}
	if cfg.LogChannelID == "" {
		return nil
	}

	buttons, err := adminButtons(n.registry, entry.GuildID, entry.TargetID, actions...)
	if err != nil {
		return err
	}
	desc := fmt.Sprintf("<@%s>", entry.TargetID)
	if nick, ok := entry.Detail["nickname"].(string); ok && nick != "" {
		desc += " is now **" + nick + "**"
	}
	_, err = n.session.ChannelMessageSendComplex(cfg.LogChannelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       title,
			Description: desc,
			Color:       color,
			Timestamp:   entry.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}},
		Components: buttons,
	}, discordgo.WithContext(ctx))
	if err != nil {
		n.log.WarnContext(ctx, "post notification",
			zap.String("guild_id", entry.GuildID), zap.String("action", entry.Action), zap.Error(err))
		return classify("post notification", err)
	}
	return nil
}
