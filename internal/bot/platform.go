package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/Gopher0727/Vela/internal/services"
)

// ErrMissingPermission Discord 拒绝了操作，通常是机器人角色低于目标成员
var ErrMissingPermission = errors.New("discord: missing permission")

// Platform 通过 Discord REST 实现 services.Platform，超时由 ctx 控制
type Platform struct {
	session Session
}

var _ services.Platform = (*Platform)(nil)

func NewPlatform(session Session) *Platform {
	return &Platform{session: session}
}

func (p *Platform) SetNickname(ctx context.Context, guildID, userID, nickname string) error {
	err := p.session.GuildMemberNickname(guildID, userID, nickname, discordgo.WithContext(ctx))
	return classify("set nickname", err)
}

func (p *Platform) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	err := p.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
	return classify("add role", err)
}

func (p *Platform) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	err := p.session.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx))
	return classify("remove role", err)
}

// PostWelcome 在频道中发布引导消息，按钮携带交互令牌
func (p *Platform) PostWelcome(ctx context.Context, channelID string, msg *discordgo.MessageSend) (string, error) {
	sent, err := p.session.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify("post welcome", err)
	}
	return sent.ID, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%s: %w", op, ErrMissingPermission)
		case http.StatusNotFound:
			return fmt.Errorf("%s: target not found: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
