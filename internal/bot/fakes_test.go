package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/discordgo"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/internal/models"
	vredis "github.com/Gopher0727/Vela/internal/pkg/redis"
	"github.com/Gopher0727/Vela/internal/repositories"
	"github.com/Gopher0727/Vela/internal/services"
	"github.com/Gopher0727/Vela/internal/utils"
	logger "github.com/Gopher0727/Vela/middleware/log"
)

const (
	testGuild = "100000000000000001"
	testUser  = "200000000000000001"
	testAdmin = "300000000000000001"
	testApp   = "400000000000000001"
)

// fakeGateway 内存版 Discord 会话，记录所有出站调用
type fakeGateway struct {
	mu        sync.Mutex
	handlers  []interface{}
	openErrs  []error
	opens     int
	closes    int
	responses []*discordgo.InteractionResponse
	followups []string
	messages  map[string][]string
	complex   map[string][]*discordgo.MessageSend
	commands  []*discordgo.ApplicationCommand
	nicknames map[string]string
	roles     map[string]bool
	// followed 每次 followup 发送一个信号
	followed chan string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		messages:  make(map[string][]string),
		complex:   make(map[string][]*discordgo.MessageSend),
		nicknames: make(map[string]string),
		roles:     make(map[string]bool),
		followed:  make(chan string, 16),
	}
}

func (g *fakeGateway) AddHandler(h interface{}) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, h)
	return func() {}
}

// Open 依次返回 openErrs，成功时像真实网关一样派发 READY
func (g *fakeGateway) Open() error {
	g.mu.Lock()
	g.opens++
	var err error
	if len(g.openErrs) > 0 {
		err, g.openErrs = g.openErrs[0], g.openErrs[1:]
	}
	g.mu.Unlock()
	if err != nil {
		return err
	}
	g.dispatch(&discordgo.Ready{})
	return nil
}

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	g.closes++
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) openCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opens
}

// dispatch 把事件交给签名匹配的处理函数
func (g *fakeGateway) dispatch(event interface{}) {
	g.mu.Lock()
	handlers := append([]interface{}(nil), g.handlers...)
	g.mu.Unlock()
	for _, h := range handlers {
		switch fn := h.(type) {
		case func(*discordgo.Session, *discordgo.Ready):
			if e, ok := event.(*discordgo.Ready); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.Disconnect):
			if e, ok := event.(*discordgo.Disconnect); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.GuildMemberAdd):
			if e, ok := event.(*discordgo.GuildMemberAdd); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.InteractionCreate):
			if e, ok := event.(*discordgo.InteractionCreate); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.MessageCreate):
			if e, ok := event.(*discordgo.MessageCreate); ok {
				fn(nil, e)
			}
		}
	}
}

func (g *fakeGateway) GuildMemberNickname(guildID, userID, nickname string, _ ...discordgo.RequestOption) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nicknames[guildID+":"+userID] = nickname
	return nil
}

func (g *fakeGateway) GuildMemberRoleAdd(guildID, userID, roleID string, _ ...discordgo.RequestOption) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roles[guildID+":"+userID+":"+roleID] = true
	return nil
}

func (g *fakeGateway) GuildMemberRoleRemove(guildID, userID, roleID string, _ ...discordgo.RequestOption) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.roles, guildID+":"+userID+":"+roleID)
	return nil
}

func (g *fakeGateway) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	g.mu.Lock()
	g.messages[channelID] = append(g.messages[channelID], content)
	g.mu.Unlock()
	g.followed <- content
	return &discordgo.Message{ID: "m1", ChannelID: channelID, Content: content}, nil
}

func (g *fakeGateway) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.complex[channelID] = append(g.complex[channelID], data)
	return &discordgo.Message{ID: "welcome-1", ChannelID: channelID}, nil
}

func (g *fakeGateway) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responses = append(g.responses, resp)
	return nil
}

func (g *fakeGateway) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	g.mu.Lock()
	g.followups = append(g.followups, data.Content)
	g.mu.Unlock()
	g.followed <- data.Content
	return &discordgo.Message{ID: "f1"}, nil
}

func (g *fakeGateway) ApplicationCommandBulkOverwrite(_ string, _ string, commands []*discordgo.ApplicationCommand, _ ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commands = commands
	return commands, nil
}

func (g *fakeGateway) lastResponse(t *testing.T) *discordgo.InteractionResponse {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.responses)
	return g.responses[len(g.responses)-1]
}

func (g *fakeGateway) awaitFollowup(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-g.followed:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no followup sent")
		return ""
	}
}

type call struct {
	op     string
	actor  services.Actor
	userID string
	first  string
	last   string
}

// fakeOnboarding 内存状态机，只保留机器人关心的行为
type fakeOnboarding struct {
	mu      sync.Mutex
	members map[string]*models.Member
	calls   []call
	err     error
}

func newFakeOnboarding() *fakeOnboarding {
	return &fakeOnboarding{members: make(map[string]*models.Member)}
}

func (f *fakeOnboarding) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeOnboarding) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.op)
	}
	return out
}

func (f *fakeOnboarding) lastCall() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeOnboarding) put(m *models.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[m.GuildID+":"+m.UserID] = m
}

func (f *fakeOnboarding) member(guildID, userID string) *models.Member {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[guildID+":"+userID]
	if !ok {
		m = &models.Member{GuildID: guildID, UserID: userID, Status: models.StatusPending}
		f.members[guildID+":"+userID] = m
	}
	return m
}

func (f *fakeOnboarding) Join(_ context.Context, actor services.Actor, guildID, userID, username, _ string) (*models.Member, error) {
	f.record(call{op: "join", actor: actor, userID: userID})
	m := f.member(guildID, userID)
	m.Username = username
	return m, f.err
}

func (f *fakeOnboarding) Submit(_ context.Context, actor services.Actor, guildID, userID string, req services.SubmitRequest) (*models.Member, error) {
	f.record(call{op: "submit", actor: actor, userID: userID, first: req.FirstName, last: req.LastName})
	if f.err != nil {
		return nil, f.err
	}
	m := f.member(guildID, userID)
	if m.Status == models.StatusCompleted {
		return m, services.ErrAlreadyOnboarded
	}
	m.FirstName, m.LastName, m.Status = req.FirstName, req.LastName, models.StatusCompleted
	return m, nil
}

func (f *fakeOnboarding) Approve(_ context.Context, actor services.Actor, guildID, userID string) (*models.Member, error) {
	f.record(call{op: "approve", actor: actor, userID: userID})
	m := f.member(guildID, userID)
	m.Status = models.StatusCompleted
	return m, f.err
}

func (f *fakeOnboarding) Demote(_ context.Context, actor services.Actor, guildID, userID string) (*models.Member, error) {
	f.record(call{op: "demote", actor: actor, userID: userID})
	m := f.member(guildID, userID)
	m.Status = models.StatusPending
	return m, f.err
}

func (f *fakeOnboarding) Remove(_ context.Context, actor services.Actor, guildID, userID string) (*models.Member, error) {
	f.record(call{op: "remove", actor: actor, userID: userID})
	m := f.member(guildID, userID)
	m.Status = models.StatusRemoved
	return m, f.err
}

func (f *fakeOnboarding) Rename(_ context.Context, actor services.Actor, guildID, userID, first, last string) (*models.Member, error) {
	f.record(call{op: "rename", actor: actor, userID: userID, first: first, last: last})
	m := f.member(guildID, userID)
	m.FirstName, m.LastName = first, last
	return m, f.err
}

func (f *fakeOnboarding) Get(_ context.Context, guildID, userID string) (*models.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[guildID+":"+userID]
	if !ok {
		return nil, services.ErrMemberNotFound
	}
	return m, nil
}

func (f *fakeOnboarding) Stats(context.Context, string) (*services.Stats, error) {
	return &services.Stats{Total: 3, Onboarded: 2, Pending: 1}, nil
}

func (f *fakeOnboarding) List(_ context.Context, guildID string, filter repositories.MemberFilter) ([]models.Member, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Member
	for _, m := range f.members {
		if m.GuildID == guildID {
			out = append(out, *m)
		}
	}
	total := int64(len(out))
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

type fakeConfig struct {
	cfg *services.GuildConfig
}

func (f *fakeConfig) GetConfig(_ context.Context, guildID string) (*services.GuildConfig, error) {
	if f.cfg == nil || guildID != f.cfg.GuildID {
		return nil, services.ErrGuildNotFound
	}
	cp := *f.cfg
	return &cp, nil
}

func testGuildConfig() *services.GuildConfig {
	settings := models.DefaultSettings()
	settings.WelcomeChannelID = "500000000000000001"
	settings.LogChannelID = "500000000000000002"
	settings.AdminUserIDs = []string{testAdmin}
	settings.Toggles.CommandsEnabled = true
	settings.Toggles.PreventReonboarding = true
	return &services.GuildConfig{GuildID: testGuild, Name: "G1", Active: true, GuildSettings: settings}
}

func newTestRegistry(t *testing.T) *services.InteractionRegistry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	r, err := services.NewInteractionRegistry([]byte("0123456789abcdef0123456789abcdef"), vredis.Wrap(rdb))
	require.NoError(t, err)
	r.Register(services.AllHandlerKinds...)
	return r
}

type harness struct {
	bot        *Bot
	gateway    *fakeGateway
	onboarding *fakeOnboarding
	config     *fakeConfig
	registry   *services.InteractionRegistry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		gateway:    newFakeGateway(),
		onboarding: newFakeOnboarding(),
		config:     &fakeConfig{cfg: testGuildConfig()},
		registry:   newTestRegistry(t),
	}
	h.bot = New(Deps{
		Gateway:    h.gateway,
		Onboarding: h.onboarding,
		Registry:   h.registry,
		Config:     h.config,
		Pool:       utils.NewWorkerPool(4, 16, zap.NewNop()),
		Logger:     logger.NewNop(),
	}, Options{
		ApplicationID:       testApp,
		TokenTTL:            time.Minute,
		ReadyTimeout:        time.Second,
		ReconnectBackoff:    time.Millisecond,
		ReconnectBackoffMax: 5 * time.Millisecond,
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.bot.Start(context.Background()))
	t.Cleanup(h.bot.Stop)
}

func member(userID string, roles ...string) *discordgo.Member {
	return &discordgo.Member{User: &discordgo.User{ID: userID, Username: "user" + userID[len(userID)-1:]}, Roles: roles}
}

func componentEvent(userID, customID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:      "i-" + customID[:8],
		Type:    discordgo.InteractionMessageComponent,
		GuildID: testGuild,
		Member:  member(userID),
		Data:    discordgo.MessageComponentInteractionData{CustomID: customID},
	}}
}

func modalEvent(userID, customID, first, last string) *discordgo.InteractionCreate {
	row := func(id, v string) discordgo.MessageComponent {
		return &discordgo.ActionsRow{Components: []discordgo.MessageComponent{&discordgo.TextInput{CustomID: id, Value: v}}}
	}
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:      "modal",
		Type:    discordgo.InteractionModalSubmit,
		GuildID: testGuild,
		Member:  member(userID),
		Data: discordgo.ModalSubmitInteractionData{
			CustomID:   customID,
			Components: []discordgo.MessageComponent{row(fieldFirstName, first), row(fieldLastName, last)},
		},
	}}
}

var errOpen = errors.New("dial tcp: connection refused")
