package services

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/Vela/internal/models"
	"github.com/Gopher0727/Vela/internal/repositories"
	logger "github.com/Gopher0727/Vela/middleware/log"
	"github.com/Gopher0727/Vela/utils/snowflake"
)

const (
	testGuild = "100000000000000001"
	testUser  = "200000000000000001"
	testRole  = "300000000000000001"
)

// memGuilds 内存版 GuildStore
type memGuilds struct {
	mu     sync.Mutex
	guilds map[string]models.Guild
	gets   int
}

func newMemGuilds() *memGuilds {
	return &memGuilds{guilds: make(map[string]models.Guild)}
}

func (s *memGuilds) Get(_ context.Context, guildID string) (*models.Guild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return cloneGuild(&g), nil
}

func (s *memGuilds) Create(_ context.Context, g *models.Guild) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.guilds[g.GuildID]; ok {
		return repositories.ErrDuplicate
	}
	g.UpdatedAt = time.Now()
	s.guilds[g.GuildID] = *cloneGuild(g)
	return nil
}

func (s *memGuilds) Update(_ context.Context, guildID string, mutate func(*models.Guild) error) (*models.Guild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := cloneGuild(&g)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.Version++
	cp.UpdatedAt = time.Now()
	s.guilds[guildID] = *cloneGuild(cp)
	return cp, nil
}

func (s *memGuilds) List(_ context.Context, ids []string) ([]models.Guild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Guild
	for id, g := range s.guilds {
		if ids == nil || slices.Contains(ids, id) {
			out = append(out, *cloneGuild(&g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out, nil
}

func cloneGuild(g *models.Guild) *models.Guild {
	cp := *g
	cp.Settings.AdminUserIDs = slices.Clone(g.Settings.AdminUserIDs)
	cp.Settings.CommandsAllowedRoles = slices.Clone(g.Settings.CommandsAllowedRoles)
	return &cp
}

// memMembers 内存版 MemberStore，Save 对成员和审计原子生效
type memMembers struct {
	mu      sync.Mutex
	nextID  uint
	members map[string]models.Member
	entries []models.AuditLog
	saveErr error
}

func newMemMembers() *memMembers {
	return &memMembers{members: make(map[string]models.Member)}
}

func memberKey(guildID, userID string) string { return guildID + ":" + userID }

func (s *memMembers) Get(_ context.Context, guildID, userID string) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey(guildID, userID)]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &m, nil
}

func (s *memMembers) Save(_ context.Context, m *models.Member, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if m != nil {
		key := memberKey(m.GuildID, m.UserID)
		if m.ID == 0 {
			if _, ok := s.members[key]; ok {
				return repositories.ErrDuplicate
			}
			s.nextID++
			m.ID = s.nextID
		}
		m.UpdatedAt = time.Now()
		s.members[key] = *m
	}
	if entry != nil {
		s.entries = append(s.entries, *entry)
	}
	return nil
}

func (s *memMembers) List(_ context.Context, guildID string, f repositories.MemberFilter) ([]models.Member, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []models.Member
	for _, m := range s.members {
		if m.GuildID != guildID {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Status == "" && !f.IncludeRemoved && m.Status == models.StatusRemoved {
			continue
		}
		if f.Search != "" && !strings.Contains(m.Username, f.Search) {
			continue
		}
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := int64(len(all))
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	end := min(f.Offset+limit, len(all))
	return all[f.Offset:end], total, nil
}

func (s *memMembers) CountByStatus(_ context.Context, guildID string) (map[models.MemberStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.MemberStatus]int64)
	for _, m := range s.members {
		if m.GuildID == guildID {
			out[m.Status]++
		}
	}
	return out, nil
}

func (s *memMembers) ListStale(_ context.Context, guildID string, status models.MemberStatus, before time.Time, limit int) ([]models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Member
	for _, m := range s.members {
		if m.GuildID == guildID && m.Status == status && m.UpdatedAt.Before(before) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// put 直接写入一条成员记录，跳过状态机
func (s *memMembers) put(m models.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	s.members[memberKey(m.GuildID, m.UserID)] = m
}

func (s *memMembers) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}

func (s *memMembers) count(action string) int {
	n := 0
	for _, a := range s.actions() {
		if a == action {
			n++
		}
	}
	return n
}

// memAudit 内存版 AuditStore
type memAudit struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (s *memAudit) Create(_ context.Context, e *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *e)
	return nil
}

func (s *memAudit) Query(_ context.Context, guildID string, f repositories.AuditFilter) ([]models.AuditLog, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditLog
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.GuildID == guildID && (f.Action == "" || e.Action == f.Action) {
			out = append(out, e)
		}
	}
	return out, int64(len(out)), nil
}

// fakePlatform 记录对 Discord 的调用，可按操作注入失败
type fakePlatform struct {
	mu        sync.Mutex
	calls     []string
	nicknames map[string]string
	roles     map[string]bool
	fail      map[string]error
	delay     time.Duration
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		nicknames: make(map[string]string),
		roles:     make(map[string]bool),
		fail:      make(map[string]error),
	}
}

func (p *fakePlatform) failOn(op string, err error) {
	p.mu.Lock()
	p.fail[op] = err
	p.mu.Unlock()
}

func (p *fakePlatform) do(ctx context.Context, op string, apply func()) error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, op)
	if err := p.fail[op]; err != nil {
		return err
	}
	apply()
	return nil
}

func (p *fakePlatform) SetNickname(ctx context.Context, guildID, userID, nickname string) error {
	return p.do(ctx, "set_nickname", func() { p.nicknames[memberKey(guildID, userID)] = nickname })
}

func (p *fakePlatform) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	return p.do(ctx, "add_role", func() { p.roles[memberKey(guildID, userID)+":"+roleID] = true })
}

func (p *fakePlatform) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	return p.do(ctx, "remove_role", func() { delete(p.roles, memberKey(guildID, userID)+":"+roleID) })
}

func (p *fakePlatform) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (p *fakePlatform) nickname(guildID, userID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nicknames[memberKey(guildID, userID)]
}

func (p *fakePlatform) hasRole(guildID, userID, roleID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roles[memberKey(guildID, userID)+":"+roleID]
}

type captureSink struct {
	mu      sync.Mutex
	entries []models.AuditLog
	err     error
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Publish(_ context.Context, e *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *e)
	return s.err
}

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var errDiscord = errors.New("discord: 50013 missing permissions")

// onboardingFixture 状态机和它依赖的全部内存实现
type onboardingFixture struct {
	svc      *OnboardingService
	config   *ConfigService
	guilds   *memGuilds
	members  *memMembers
	platform *fakePlatform
	audit    *AuditService
}

func newOnboardingFixture(t *testing.T) *onboardingFixture {
	t.Helper()
	ids, err := snowflake.NewGenerator(1)
	require.NoError(t, err)

	f := &onboardingFixture{
		guilds:   newMemGuilds(),
		members:  newMemMembers(),
		platform: newFakePlatform(),
	}
	f.config = NewConfigService(f.guilds)
	f.audit = NewAuditService(&memAudit{}, ids, logger.NewNop(), 16)
	t.Cleanup(func() { _ = f.audit.Close(context.Background()) })

	_, err = f.config.RegisterGuild(context.Background(), &RegisterGuildRequest{GuildID: testGuild, Name: "G1"})
	require.NoError(t, err)
	_, err = f.config.UpdateConfig(context.Background(), testGuild, &ConfigPatch{OnboardedRoleID: ptr(testRole)})
	require.NoError(t, err)

	f.svc = NewOnboardingService(f.members, f.config, f.platform, f.audit, logger.NewNop(),
		OnboardingOptions{PlatformTimeout: time.Second})
	return f
}

func ptr[T any](v T) *T { return &v }
