package bot

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/Gopher0727/Vela/internal/models"
	"github.com/Gopher0727/Vela/internal/services"
)

const (
	fieldFirstName = "first_name"
	fieldLastName  = "last_name"

	defaultWelcomeText = "Welcome! Please complete onboarding so we know who you are. " +
		"Click **Complete Onboarding** and enter your first and last name."
	defaultInfoText = "Onboarding tells the community your real name. Once you submit it, " +
		"your server nickname is updated and you get access to the member channels."
	defaultHelpText = "Having trouble? Contact one of the server admins and they will help you finish onboarding."
)

// welcomeMessage 引导消息：完成引导 / 什么是引导 / 需要帮助
func (b *Bot) welcomeMessage(cfg *services.GuildConfig) (*discordgo.MessageSend, error) {
	start, err := b.registry.Issue(services.IssueRequest{Kind: services.KindOnboardingStart, GuildID: cfg.GuildID})
	if err != nil {
		return nil, err
	}
	info, err := b.registry.Issue(services.IssueRequest{Kind: services.KindInfo, GuildID: cfg.GuildID})
	if err != nil {
		return nil, err
	}

	buttons := []discordgo.MessageComponent{
		discordgo.Button{Label: "Complete Onboarding", Style: discordgo.SuccessButton, CustomID: start},
		discordgo.Button{Label: "What is Onboarding?", Style: discordgo.SecondaryButton, CustomID: info},
	}
	if cfg.Toggles.HelpButton {
		help, err := b.registry.Issue(services.IssueRequest{Kind: services.KindHelp, GuildID: cfg.GuildID})
		if err != nil {
			return nil, err
		}
		buttons = append(buttons, discordgo.Button{Label: "Need Help?", Style: discordgo.SecondaryButton, CustomID: help})
	}

	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       "Welcome to " + orDefault(cfg.Name, "the server"),
			Description: orDefault(cfg.WelcomeText, defaultWelcomeText),
			Color:       0x5865F2,
		}},
		Components: []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}},
	}, nil
}

// onboardingModal 姓名表单，CustomID 是绑定到该用户的一次性令牌
func (b *Bot) onboardingModal(guildID, userID string) (*discordgo.InteractionResponse, error) {
	token, err := b.registry.Issue(services.IssueRequest{
		Kind:      services.KindOnboardingSubmit,
		GuildID:   guildID,
		SubjectID: userID,
		SingleUse: true,
		TTL:       b.opts.TokenTTL,
	})
	if err != nil {
		return nil, err
	}
	input := func(id, label string) discordgo.MessageComponent {
		return discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.TextInput{
				CustomID:  id,
				Label:     label,
				Style:     discordgo.TextInputShort,
				MinLength: 1,
				MaxLength: 50,
			},
		}}
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID:   token,
			Title:      "Complete Onboarding",
			Components: []discordgo.MessageComponent{input(fieldFirstName, "First Name"), input(fieldLastName, "Last Name")},
		},
	}, nil
}

// adminButtons 通知频道里的管理按钮
func adminButtons(registry *services.InteractionRegistry, guildID, userID string, actions ...services.AdminAction) ([]discordgo.MessageComponent, error) {
	var buttons []discordgo.MessageComponent
	for _, action := range actions {
		token, err := registry.Issue(services.IssueRequest{
			Kind:      services.KindAdminAction,
			GuildID:   guildID,
			SubjectID: userID,
			Action:    action,
		})
		if err != nil {
			return nil, err
		}
		style := discordgo.SecondaryButton
		switch action {
		case services.AdminActionApprove:
			style = discordgo.SuccessButton
		case services.AdminActionRemove:
			style = discordgo.DangerButton
		}
		buttons = append(buttons, discordgo.Button{Label: actionLabel(action), Style: style, CustomID: token})
	}
	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}}, nil
}

func actionLabel(a services.AdminAction) string {
	switch a {
	case services.AdminActionApprove:
		return "Approve"
	case services.AdminActionDemote:
		return "Demote"
	case services.AdminActionRemove:
		return "Remove"
	}
	return a.String()
}

// errorReply 按错误分类生成给用户的提示，不带内部细节
func errorReply(err error) string {
	switch services.KindOf(err) {
	case services.KindValidation:
		var verr *services.ValidationError
		if errors.As(err, &verr) {
			return fmt.Sprintf("⚠️ %s %s. Please try again.", fieldLabel(verr.Field), verr.Reason)
		}
		return "⚠️ That input is not valid. Please try again."
	case services.KindNotFound:
		return "You have not started onboarding here yet."
	case services.KindPermissionDenied:
		return "⛔ You do not have permission to do that."
	case services.KindUpstream:
		return "❌ Discord did not accept the change. Nothing was applied, please try again in a moment."
	case services.KindConflict:
		switch {
		case errors.Is(err, services.ErrAlreadyOnboarded):
			return "✅ You have already completed onboarding!"
		case errors.Is(err, services.ErrMemberRemoved):
			return "This member was removed. An admin has to re-add them first."
		case errors.Is(err, services.ErrNotOnboarded):
			return "This member has not completed onboarding."
		}
		return "That action conflicts with the member's current state."
	case services.KindInvalidToken, services.KindExpired, services.KindUnknownHandler:
		return "⌛ This button is no longer valid. Please use the latest onboarding message."
	}
	return "❌ Something went wrong. Please try again later."
}

func fieldLabel(field string) string {
	switch field {
	case fieldFirstName:
		return "First name"
	case fieldLastName:
		return "Last name"
	}
	return field
}

func memberSummary(m *models.Member) string {
	name := m.FullName()
	if name == "" {
		name = m.Username
	}
	return fmt.Sprintf("<@%s> (%s)", m.UserID, name)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func ephemeral(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content, Flags: discordgo.MessageFlagsEphemeral},
	}
}

func deferred() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}
}
