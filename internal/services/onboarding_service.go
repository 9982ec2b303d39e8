package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/internal/metrics"
	"github.com/Gopher0727/Vela/internal/models"
	"github.com/Gopher0727/Vela/internal/repositories"
	"github.com/Gopher0727/Vela/internal/utils"
	logger "github.com/Gopher0727/Vela/middleware/log"
)

// MemberStore 成员记录的持久化。Save 在同一事务内写成员和审计条目
type MemberStore interface {
	Get(ctx context.Context, guildID, userID string) (*models.Member, error)
	Save(ctx context.Context, m *models.Member, entry *models.AuditLog) error
	List(ctx context.Context, guildID string, f repositories.MemberFilter) ([]models.Member, int64, error)
	CountByStatus(ctx context.Context, guildID string) (map[models.MemberStatus]int64, error)
	ListStale(ctx context.Context, guildID string, status models.MemberStatus, before time.Time, limit int) ([]models.Member, error)
}

// ConfigProvider 状态机只读取 guild 配置
type ConfigProvider interface {
	GetConfig(ctx context.Context, guildID string) (*GuildConfig, error)
	ListGuilds(ctx context.Context, guildIDs []string) ([]*GuildConfig, error)
}

// Platform 对 Discord 的写操作
type Platform interface {
	SetNickname(ctx context.Context, guildID, userID, nickname string) error
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
}

// Actor 发起转换的一方
type Actor struct {
	Type models.ActorType
	ID   string
}

func SystemActor() Actor            { return Actor{Type: models.ActorSystem} }
func UserActor(userID string) Actor { return Actor{Type: models.ActorUser, ID: userID} }
func AdminActor(id string) Actor    { return Actor{Type: models.ActorAdmin, ID: id} }

type SubmitRequest struct {
	FirstName string
	LastName  string
	Username  string
	// Nickname 提交时成员在 guild 内的昵称，回滚时恢复
	Nickname string
}

// Stats guild 成员统计，不含已移除成员
type Stats struct {
	Total     int64                         `json:"total"`
	Onboarded int64                         `json:"onboarded"`
	Pending   int64                         `json:"pending"`
	Removed   int64                         `json:"removed"`
	ByStatus  map[models.MemberStatus]int64 `json:"by_status"`
}

type OnboardingOptions struct {
	PlatformTimeout time.Duration
}

const staleBatch = 100

// OnboardingService 成员引导状态机，唯一允许修改成员状态的组件
// 同一 (guild, user) 的所有操作串行执行；每次转换恰好写一条审计，且与成员记录同一事务提交
type OnboardingService struct {
	members  MemberStore
	config   ConfigProvider
	platform Platform
	audit    AuditRecorder
	locks    *utils.KeyLock
	timeout  time.Duration
	logger   *logger.Logger
	now      func() time.Time
}

func NewOnboardingService(members MemberStore, config ConfigProvider, platform Platform, audit AuditRecorder, log *logger.Logger, opts OnboardingOptions) *OnboardingService {
	if opts.PlatformTimeout <= 0 {
		opts.PlatformTimeout = 10 * time.Second
	}
	return &OnboardingService{
		members:  members,
		config:   config,
		platform: platform,
		audit:    audit,
		locks:    utils.NewKeyLock(),
		timeout:  opts.PlatformTimeout,
		logger:   log.Named("onboarding"),
		now:      time.Now,
	}
}

// Join 首次接触：Unseen -> Pending；已存在的记录不变，已移除的成员重新进入 Pending
// nickname 是成员加入时自己的昵称，移除或回滚时恢复
func (s *OnboardingService) Join(ctx context.Context, actor Actor, guildID, userID, username, nickname string) (*models.Member, error) {
	ctx = context.WithoutCancel(ctx)
	defer s.observe("join", s.now())

	if _, err := s.activeConfig(ctx, guildID); err != nil {
		return nil, err
	}
	unlock := s.lock(guildID, userID)
	defer unlock()

	m, err := s.load(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return s.create(ctx, actor, guildID, userID, username, nickname, "join")
	}
	if m.Status != models.StatusRemoved {
		return m, nil
	}

	m.Status = models.StatusPending
	m.PreviousNickname = nickname
	if username != "" {
		m.Username = username
	}
	entry := s.entry(actor, m, models.ActionMemberRejoin, true, nil)
	if err := s.commit(ctx, m, entry); err != nil {
		return nil, err
	}
	return m, nil
}

// Submit 提交姓名并完成引导：Pending -> Submitted -> Completed
// 实现逻辑：
//  1. 无记录时先创建（member_join）
//  2. 已完成返回 AlreadyOnboarded，已移除返回 Conflict，均写拒绝审计
//  3. 校验姓名，非法时写 onboarding_invalid，状态不变
//  4. 落库 Submitted 检查点，再依次设置昵称、授予角色
//  5. 任一平台调用失败则补偿已生效的操作并回到 Pending
func (s *OnboardingService) Submit(ctx context.Context, actor Actor, guildID, userID string, req SubmitRequest) (*models.Member, error) {
	ctx = context.WithoutCancel(ctx)
	defer s.observe("submit", s.now())

	cfg, err := s.activeConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}
	unlock := s.lock(guildID, userID)
	defer unlock()

	m, err := s.load(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		if m, err = s.create(ctx, actor, guildID, userID, req.Username, req.Nickname, "submit"); err != nil {
			return nil, err
		}
	}

	if err := s.guardCompletable(ctx, actor, m); err != nil {
		return m, err
	}

	first, err := utils.NormalizeName(req.FirstName)
	if err != nil {
		return m, s.invalid(ctx, actor, m, "first_name", err)
	}
	last, err := utils.NormalizeName(req.LastName)
	if err != nil {
		return m, s.invalid(ctx, actor, m, "last_name", err)
	}
	if req.Username != "" {
		m.Username = req.Username
	}
	if !m.NicknameApplied {
		m.PreviousNickname = req.Nickname
	}
	return s.complete(ctx, actor, cfg, m, first, last)
}

// Approve 管理员替成员完成引导，使用已保存的姓名，没有时退回用户名
func (s *OnboardingService) Approve(ctx context.Context, actor Actor, guildID, userID string) (*models.Member, error) {
	ctx = context.WithoutCancel(ctx)
	defer s.observe("approve", s.now())

	cfg, err := s.activeConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}
	unlock := s.lock(guildID, userID)
	defer unlock()

	m, err := s.mustLoad(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.guardCompletable(ctx, actor, m); err != nil {
		return m, err
	}

	first, last := m.FirstName, m.LastName
	if first == "" && last == "" {
		first = m.Username
	}
	return s.complete(ctx, actor, cfg, m, first, last)
}

// Demote 管理员撤销完成状态：Completed -> Demoted -> Pending，保留历史姓名
func (s *OnboardingService) Demote(ctx context.Context, actor Actor, guildID, userID string) (*models.Member, error) {
	ctx = context.WithoutCancel(ctx)
	defer s.observe("demote", s.now())

	cfg, err := s.activeConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}
	unlock := s.lock(guildID, userID)
	defer unlock()

	m, err := s.mustLoad(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	if m.Status != models.StatusCompleted {
		entry := s.entry(actor, m, models.ActionDemoteRejected, false, map[string]any{"status": m.Status})
		if err := s.commit(ctx, nil, entry); err != nil {
			return nil, err
		}
		return m, ErrNotOnboarded
	}

	m.Status = models.StatusDemoted
	if err := s.checkpoint(ctx, m); err != nil {
		return nil, err
	}

	revoked := false
	if m.RoleGranted && cfg.OnboardedRoleID != "" {
		err := s.call(ctx, func(ctx context.Context) error {
			return s.platform.RemoveRole(ctx, guildID, userID, cfg.OnboardedRoleID)
		})
		if err != nil {
			m.Status = models.StatusCompleted
			entry := s.entry(actor, m, models.ActionDemoteFailed, false, map[string]any{
				"step":   "remove_role",
				"reason": err.Error(),
			})
			if cerr := s.commit(ctx, m, entry); cerr != nil {
				return nil, cerr
			}
			return m, &UpstreamError{Op: "remove role", Err: err}
		}
		revoked = true
	}

	m.Status = models.StatusPending
	m.RoleGranted = false
	m.CompletedAt = nil
	entry := s.entry(actor, m, models.ActionMemberDemoted, true, map[string]any{"role_revoked": revoked})
	if err := s.commit(ctx, m, entry); err != nil {
		return nil, err
	}
	return m, nil
}

// Remove 管理员移除成员：任意状态 -> Removed。昵称和角色的撤销尽力而为，结果写入审计详情
func (s *OnboardingService) Remove(ctx context.Context, actor Actor, guildID, userID string) (*models.Member, error) {
	ctx = context.WithoutCancel(ctx)
	defer s.observe("remove", s.now())

	cfg, err := s.activeConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}
	unlock := s.lock(guildID, userID)
	defer unlock()

	m, err := s.mustLoad(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	if m.Status == models.StatusRemoved {
		entry := s.entry(actor, m, models.ActionRemoveRejected, false, map[string]any{"status": m.Status})
		if err := s.commit(ctx, nil, entry); err != nil {
			return nil, err
		}
		return m, ErrMemberRemoved
	}

	detail := map[string]any{"from": m.Status}
	if m.NicknameApplied {
		detail["nickname_reset"] = s.bestEffort(ctx, m, "reset nickname", func(ctx context.Context) error {
			return s.platform.SetNickname(ctx, guildID, userID, m.PreviousNickname)
		})
	}
	if m.RoleGranted && cfg.OnboardedRoleID != "" {
		detail["role_revoked"] = s.bestEffort(ctx, m, "revoke role", func(ctx context.Context) error {
			return s.platform.RemoveRole(ctx, guildID, userID, cfg.OnboardedRoleID)
		})
	}

	m.Status = models.StatusRemoved
	m.NicknameApplied = false
	m.RoleGranted = false
	entry := s.entry(actor, m, models.ActionMemberRemoved, true, detail)
	if err := s.commit(ctx, m, entry); err != nil {
		return nil, err
	}
	return m, nil
}

// Rename 已完成引导的成员修改姓名，失败时姓名不变
func (s *OnboardingService) Rename(ctx context.Context, actor Actor, guildID, userID, firstName, lastName string) (*models.Member, error) {
	ctx = context.WithoutCancel(ctx)
	defer s.observe("rename", s.now())

	cfg, err := s.activeConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}
	unlock := s.lock(guildID, userID)
	defer unlock()

	m, err := s.mustLoad(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}

	fail := func(reason string, cause error) (*models.Member, error) {
		entry := s.entry(actor, m, models.ActionNicknameFailed, false, map[string]any{"reason": reason})
		if err := s.commit(ctx, nil, entry); err != nil {
			return nil, err
		}
		return m, cause
	}

	if m.Status != models.StatusCompleted {
		return fail("member is "+string(m.Status), ErrNotOnboarded)
	}
	first, err := utils.NormalizeName(firstName)
	if err != nil {
		return fail("first_name "+err.Error(), &ValidationError{Field: "first_name", Reason: err.Error()})
	}
	last, err := utils.NormalizeName(lastName)
	if err != nil {
		return fail("last_name "+err.Error(), &ValidationError{Field: "last_name", Reason: err.Error()})
	}

	nick := utils.BuildNickname(cfg.NicknameTemplate, first, last, m.Username)
	applied := false
	if cfg.Toggles.SetNickname {
		err := s.call(ctx, func(ctx context.Context) error {
			return s.platform.SetNickname(ctx, guildID, userID, nick)
		})
		if err != nil {
			return fail(err.Error(), &UpstreamError{Op: "set nickname", Err: err})
		}
		applied = true
	}

	m.FirstName, m.LastName = first, last
	if applied {
		m.Nickname = nick
		m.NicknameApplied = true
	}
	entry := s.entry(actor, m, models.ActionNicknameUpdated, true, map[string]any{
		"nickname":         nick,
		"nickname_applied": applied,
	})
	if err := s.commit(ctx, m, entry); err != nil {
		return nil, err
	}
	return m, nil
}

// RecoverStale 启动时扫描停留在 Submitted / Demoted 的成员（进程在转换中途退出），补偿后回到 Pending
func (s *OnboardingService) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	guilds, err := s.config.ListGuilds(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("list guilds: %w", err)
	}
	cutoff := s.now().Add(-olderThan)

	recovered := 0
	for _, cfg := range guilds {
		if !cfg.Active {
			continue
		}
		for _, status := range []models.MemberStatus{models.StatusSubmitted, models.StatusDemoted} {
			stale, err := s.members.ListStale(ctx, cfg.GuildID, status, cutoff, staleBatch)
			if err != nil {
				return recovered, fmt.Errorf("list stale members: %w", err)
			}
			for i := range stale {
				ok, err := s.recoverOne(ctx, cfg, stale[i].UserID, status, cutoff)
				if err != nil {
					return recovered, err
				}
				if ok {
					recovered++
				}
			}
		}
	}
	if recovered > 0 {
		s.logger.Info("recovered interrupted transitions", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (s *OnboardingService) recoverOne(ctx context.Context, cfg *GuildConfig, userID string, status models.MemberStatus, cutoff time.Time) (bool, error) {
	unlock := s.lock(cfg.GuildID, userID)
	defer unlock()

	m, err := s.load(ctx, cfg.GuildID, userID)
	if err != nil || m == nil {
		return false, err
	}
	// 加锁后重新确认，期间可能已被其他操作推进
	if m.Status != status || !m.UpdatedAt.Before(cutoff) {
		return false, nil
	}

	detail := map[string]any{"from": status}
	if status == models.StatusSubmitted && cfg.Toggles.SetNickname {
		detail["nickname_reset"] = s.bestEffort(ctx, m, "reset nickname", func(ctx context.Context) error {
			return s.platform.SetNickname(ctx, m.GuildID, m.UserID, priorNickname(m))
		})
	}
	if cfg.OnboardedRoleID != "" && (status == models.StatusDemoted || cfg.Toggles.AutoRole) {
		detail["role_revoked"] = s.bestEffort(ctx, m, "revoke role", func(ctx context.Context) error {
			return s.platform.RemoveRole(ctx, m.GuildID, m.UserID, cfg.OnboardedRoleID)
		})
	}

	m.Status = models.StatusPending
	m.RoleGranted = false
	m.CompletedAt = nil
	entry := s.entry(SystemActor(), m, models.ActionOnboardingRecovered, true, detail)
	if err := s.commit(ctx, m, entry); err != nil {
		return false, err
	}
	return true, nil
}

// Get 单个成员
func (s *OnboardingService) Get(ctx context.Context, guildID, userID string) (*models.Member, error) {
	return s.mustLoad(ctx, guildID, userID)
}

func (s *OnboardingService) List(ctx context.Context, guildID string, f repositories.MemberFilter) ([]models.Member, int64, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, &ValidationError{Field: "status", Reason: "unknown status"}
	}
	return s.members.List(ctx, guildID, f)
}

func (s *OnboardingService) Stats(ctx context.Context, guildID string) (*Stats, error) {
	counts, err := s.members.CountByStatus(ctx, guildID)
	if err != nil {
		return nil, err
	}
	st := &Stats{ByStatus: counts}
	for status, n := range counts {
		switch status {
		case models.StatusRemoved:
			st.Removed += n
			continue
		case models.StatusCompleted:
			st.Onboarded += n
		default:
			st.Pending += n
		}
		st.Total += n
	}
	return st, nil
}

// Export 分页读取全部成员用于导出
func (s *OnboardingService) Export(ctx context.Context, guildID string, includeRemoved bool) ([]models.Member, error) {
	const pageSize = 500
	var out []models.Member
	for offset := 0; ; offset += pageSize {
		page, total, err := s.members.List(ctx, guildID, repositories.MemberFilter{
			IncludeRemoved: includeRemoved,
			Page:           repositories.Page{Limit: pageSize, Offset: offset},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize || int64(len(out)) >= total {
			return out, nil
		}
	}
}

// guardCompletable 已完成或已移除的成员不能再次完成引导，拒绝时写审计
func (s *OnboardingService) guardCompletable(ctx context.Context, actor Actor, m *models.Member) error {
	var cause error
	switch m.Status {
	case models.StatusCompleted:
		cause = ErrAlreadyOnboarded
	case models.StatusRemoved:
		cause = ErrMemberRemoved
	default:
		return nil
	}
	entry := s.entry(actor, m, models.ActionOnboardingRejected, false, map[string]any{
		"status": m.Status,
		"reason": cause.Error(),
	})
	if err := s.commit(ctx, nil, entry); err != nil {
		return err
	}
	return cause
}

func (s *OnboardingService) invalid(ctx context.Context, actor Actor, m *models.Member, field string, cause error) error {
	entry := s.entry(actor, m, models.ActionOnboardingInvalid, false, map[string]any{
		"field":  field,
		"reason": cause.Error(),
	})
	if err := s.commit(ctx, nil, entry); err != nil {
		return err
	}
	return &ValidationError{Field: field, Reason: cause.Error()}
}

// complete 共用的完成流程，调用方已持有成员锁
func (s *OnboardingService) complete(ctx context.Context, actor Actor, cfg *GuildConfig, m *models.Member, first, last string) (*models.Member, error) {
	now := s.now().UTC()
	m.FirstName, m.LastName = first, last
	m.Status = models.StatusSubmitted
	m.SubmittedAt = &now
	if err := s.checkpoint(ctx, m); err != nil {
		return nil, err
	}

	nick := utils.BuildNickname(cfg.NicknameTemplate, first, last, m.Username)
	nickApplied, roleGranted := false, false

	if cfg.Toggles.SetNickname {
		err := s.call(ctx, func(ctx context.Context) error {
			return s.platform.SetNickname(ctx, m.GuildID, m.UserID, nick)
		})
		if err != nil {
			return s.rollback(ctx, actor, cfg, m, "set_nickname", err, false)
		}
		nickApplied = true
	}
	if cfg.Toggles.AutoRole && cfg.OnboardedRoleID != "" {
		err := s.call(ctx, func(ctx context.Context) error {
			return s.platform.AddRole(ctx, m.GuildID, m.UserID, cfg.OnboardedRoleID)
		})
		if err != nil {
			return s.rollback(ctx, actor, cfg, m, "add_role", err, nickApplied)
		}
		roleGranted = true
	}

	done := s.now().UTC()
	m.Status = models.StatusCompleted
	m.CompletedAt = &done
	m.NicknameApplied = nickApplied
	m.RoleGranted = roleGranted
	if nickApplied {
		m.Nickname = nick
	}
	entry := s.entry(actor, m, models.ActionOnboardingCompleted, true, map[string]any{
		"first_name":       first,
		"last_name":        last,
		"nickname":         nick,
		"nickname_applied": nickApplied,
		"role_granted":     roleGranted,
	})
	if err := s.commit(ctx, m, entry); err != nil {
		// 记录停在 Submitted，由 RecoverStale 补偿
		s.logger.WithMember(m.GuildID, m.UserID).Error("completion not persisted", zap.Error(err))
		return nil, err
	}
	s.logger.WithMember(m.GuildID, m.UserID).Info("onboarding completed", zap.String("actor", string(actor.Type)))
	return m, nil
}

// priorNickname 本次完成流程开始前生效的昵称。complete 成功提交前不改动 Nickname / NicknameApplied
func priorNickname(m *models.Member) string {
	if m.NicknameApplied {
		return m.Nickname
	}
	return m.PreviousNickname
}

// rollback 补偿已生效的平台操作并回到 Pending，昵称相关字段保持提交前的值
func (s *OnboardingService) rollback(ctx context.Context, actor Actor, cfg *GuildConfig, m *models.Member, step string, cause error, nickApplied bool) (*models.Member, error) {
	detail := map[string]any{
		"step":   step,
		"reason": cause.Error(),
	}
	if nickApplied {
		detail["nickname_restored"] = s.bestEffort(ctx, m, "restore nickname", func(ctx context.Context) error {
			return s.platform.SetNickname(ctx, m.GuildID, m.UserID, priorNickname(m))
		})
	}

	m.Status = models.StatusPending
	m.RoleGranted = false
	entry := s.entry(actor, m, models.ActionOnboardingFailed, false, detail)
	if err := s.commit(ctx, m, entry); err != nil {
		return nil, err
	}
	s.logger.WithMember(m.GuildID, m.UserID).Warn("onboarding rolled back",
		zap.String("step", step), zap.Error(cause))
	return m, &UpstreamError{Op: step, Err: cause}
}

func (s *OnboardingService) create(ctx context.Context, actor Actor, guildID, userID, username, nickname, source string) (*models.Member, error) {
	m := &models.Member{
		GuildID:          guildID,
		UserID:           userID,
		Username:         username,
		PreviousNickname: nickname,
		Status:           models.StatusPending,
		FirstSeenAt:      s.now().UTC(),
	}
	entry := s.entry(actor, m, models.ActionMemberJoin, true, map[string]any{"source": source})
	err := s.commit(ctx, m, entry)
	if errors.Is(err, repositories.ErrDuplicate) {
		// 另一个进程抢先创建
		return s.mustLoad(ctx, guildID, userID)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// commit 成员与审计同一事务提交，成功后再分发审计
func (s *OnboardingService) commit(ctx context.Context, m *models.Member, entry *models.AuditLog) error {
	s.audit.Stamp(entry)
	isNew := m != nil && m.ID == 0
	if err := s.members.Save(ctx, m, entry); err != nil {
		if isNew {
			m.ID = 0
		}
		if errors.Is(err, repositories.ErrDuplicate) {
			return err
		}
		return &UpstreamError{Op: "save member", Err: err}
	}
	s.audit.Published(entry)
	metrics.Transitions.WithLabelValues(entry.Action, metrics.Bool(entry.Success)).Inc()
	return nil
}

// checkpoint 中间状态落库，不写审计
func (s *OnboardingService) checkpoint(ctx context.Context, m *models.Member) error {
	if err := s.members.Save(ctx, m, nil); err != nil {
		return &UpstreamError{Op: "save member", Err: err}
	}
	return nil
}

func (s *OnboardingService) entry(actor Actor, m *models.Member, action string, success bool, detail map[string]any) *models.AuditLog {
	return &models.AuditLog{
		GuildID:    m.GuildID,
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		Action:     action,
		TargetType: models.TargetMember,
		TargetID:   m.UserID,
		Success:    success,
		Detail:     detail,
	}
}

func (s *OnboardingService) activeConfig(ctx context.Context, guildID string) (*GuildConfig, error) {
	cfg, err := s.config.GetConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if !cfg.Active {
		return nil, ErrGuildNotFound
	}
	return cfg, nil
}

func (s *OnboardingService) load(ctx context.Context, guildID, userID string) (*models.Member, error) {
	m, err := s.members.Get(ctx, guildID, userID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &UpstreamError{Op: "load member", Err: err}
	}
	return m, nil
}

func (s *OnboardingService) mustLoad(ctx context.Context, guildID, userID string) (*models.Member, error) {
	m, err := s.load(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrMemberNotFound
	}
	return m, nil
}

func (s *OnboardingService) lock(guildID, userID string) func() {
	return s.locks.Lock(guildID + ":" + userID)
}

// call 平台调用统一加超时，超时按失败处理
func (s *OnboardingService) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(ctx)
}

// bestEffort 执行补偿操作，返回是否成功，失败只记日志
func (s *OnboardingService) bestEffort(ctx context.Context, m *models.Member, op string, fn func(ctx context.Context) error) bool {
	if err := s.call(ctx, fn); err != nil {
		s.logger.WithMember(m.GuildID, m.UserID).Warn(op+" failed", zap.Error(err))
		return false
	}
	return true
}

func (s *OnboardingService) observe(op string, start time.Time) {
	metrics.TransitionDuration.WithLabelValues(op).Observe(s.now().Sub(start).Seconds())
}
